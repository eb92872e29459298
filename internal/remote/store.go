// Package remote is the remote document store the sync coordinator pushes
// events to and pulls them from. Backends offer per-document overwrite and an
// all-or-nothing batch commit, but no uniqueness constraints.
package remote

import "context"

// Document is a stored JSON document
type Document struct {
	Path string
	Data []byte
}

// Write is one entry of a batch commit. Merge writes upsert the whole
// document; non-merge writes only create and fail with ErrConflict if the
// document exists.
type Write struct {
	Path  string
	Data  []byte
	Merge bool
}

// Store is the capability the sync coordinator depends on
type Store interface {
	// Get returns the document at path, or an error matching ErrNotFound
	Get(ctx context.Context, path string) (*Document, error)

	// CommitBatch applies every write or none of them
	CommitBatch(ctx context.Context, writes []Write) error

	// List returns the documents directly inside a collection, ordered by path
	List(ctx context.Context, collection string) ([]Document, error)

	Close() error
}
