package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOK(t *testing.T) {
	var info PartialUploadInfo
	env, err := Decode([]byte(`{"status":0,"content":{"shards":[1,3,5]}}`), &info, StatusOK)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, env.Status)
	assert.Equal(t, []uint64{1, 3, 5}, info.Shards)
}

func TestDecodeUnacceptedStatusIsError(t *testing.T) {
	_, err := Decode([]byte(`{"status":500,"message":"boom"}`), nil, StatusOK)
	require.Error(t, err)
	var replyErr *Error
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, 500, replyErr.Status)
	assert.Equal(t, "boom", replyErr.Message)
}

func TestDecodeIncompleteOldUploadAdoptsMetaID(t *testing.T) {
	var res PrepareUploadResult
	env, err := Decode([]byte(`{"status":102,"content":{"meta_id":"F2"}}`), &res, StatusIncompleteOldUpload)
	require.NoError(t, err)
	assert.Equal(t, StatusIncompleteOldUpload, env.Status)
	assert.Equal(t, "F2", res.MetaID)
}

func TestDecodeAnyStatusWhenNoAcceptListGiven(t *testing.T) {
	env, err := Decode([]byte(`{"status":100}`), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFlashUpload, env.Status)
}
