package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockSucceedsThenBlocksSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.lock")

	first, acquired, err := acquireLock(path)
	require.NoError(t, err)
	require.True(t, acquired)
	defer first.release()

	_, acquiredAgain, err := acquireLock(path)
	require.NoError(t, err)
	assert.False(t, acquiredAgain)
}

func TestAcquireLockReacquiredAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.lock")

	first, acquired, err := acquireLock(path)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, first.release())

	second, acquired, err := acquireLock(path)
	require.NoError(t, err)
	assert.True(t, acquired)
	defer second.release()
}
