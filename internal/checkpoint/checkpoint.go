// Package checkpoint persists replication progress and answers pending
// document queries when no engine is running. State is keyed by a digest of
// the replication's identity (target URL, direction modes, docID filter), so
// sessions with different shapes never share progress.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// QueryError wraps a checkpoint read that failed, as opposed to one that
// succeeded with nothing pending.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return "checkpoint " + e.Op + ": " + e.Err.Error()
}

func (e *QueryError) Unwrap() error { return e.Err }

// State is the persisted progress of one replication.
type State struct {
	// LocalSequence is the highest local store sequence the remote side has
	// confirmed.
	LocalSequence uint64 `json:"localSequence"`

	// RemoteSequence is the opaque remote progress marker, if the protocol
	// supplies one.
	RemoteSequence string `json:"remoteSequence,omitempty"`
}

// Backend stores checkpoint states by key.
type Backend interface {
	// Load returns the state for a key, or (nil, nil) when none was saved.
	Load(key string) (*State, error)
	Save(key string, state *State) error
	Close() error
}

// Spec identifies a replication for checkpoint addressing.
type Spec struct {
	TargetURL string
	Push      string
	Pull      string
	DocIDs    []string
}

// Key derives the stable checkpoint key for this spec.
func (s Spec) Key() string {
	hasher := sha256.New()
	for _, part := range append([]string{s.TargetURL, s.Push, s.Pull}, s.DocIDs...) {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	return "cp_" + hex.EncodeToString(hasher.Sum(nil))[:32]
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.TargetURL) == "" {
		return ErrInvalidInput
	}
	return nil
}
