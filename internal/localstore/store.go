// Package localstore is the local document store a replication session reads
// from and writes into. Documents carry a monotonically increasing sequence
// number; deletes leave tombstones so they replicate like any other change.
package localstore

import "errors"

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Document is one stored document revision.
type Document struct {
	ID       string
	Sequence uint64
	Deleted  bool
	Body     []byte
}

// Store is the document store boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores a document body and returns the sequence assigned to it.
	Put(docID string, body []byte) (uint64, error)

	// Delete writes a tombstone for the document and returns its sequence.
	Delete(docID string) (uint64, error)

	// Document returns the current revision of a document, tombstones
	// included. ErrNotFound when the document never existed.
	Document(docID string) (Document, error)

	// DocsSince returns every document whose sequence is strictly greater
	// than the given one, in ascending sequence order.
	DocsSince(sequence uint64) ([]Document, error)

	// LastSequence is the highest sequence assigned so far.
	LastSequence() (uint64, error)

	Close() error
}
