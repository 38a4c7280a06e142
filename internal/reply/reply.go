// Package reply decodes the uniform server envelope {status, message,
// content} returned by the controller and file-storage endpoints.
package reply

import (
	"encoding/json"
	"fmt"
)

// Status codes carried in the envelope. See spec §4.2/§6.3.
const (
	StatusOK                  = 0
	StatusFlashUpload         = 100
	StatusIncompleteUpload    = 101
	StatusIncompleteOldUpload = 102
)

// Envelope is the generic server reply shape.
type Envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Error carries a non-OK envelope status as a Go error.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("reply status %d: %s", e.Status, e.Message)
}

// Decode parses body into an Envelope and, when status is one of the
// acceptOK codes, unmarshals Content into out. Any other status yields
// an *Error.
func Decode(body []byte, out any, acceptOK ...int) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode reply envelope: %w", err)
	}

	ok := len(acceptOK) == 0
	for _, s := range acceptOK {
		if env.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return &env, &Error{Status: env.Status, Message: env.Message}
	}

	if out != nil && len(env.Content) > 0 {
		if err := json.Unmarshal(env.Content, out); err != nil {
			return &env, fmt.Errorf("decode reply content: %w", err)
		}
	}
	return &env, nil
}

// PartialUploadInfo is the content of a PartialUploadInfo reply.
type PartialUploadInfo struct {
	Shards []uint64 `json:"shards"`
}

// PrepareUploadResult is the content of an INCOMPLETE_OLD_UPLOAD reply,
// carrying the meta_id the client must adopt for the remainder of the
// upload.
type PrepareUploadResult struct {
	MetaID string `json:"meta_id"`
}
