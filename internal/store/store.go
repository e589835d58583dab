// Package store provides the key/document persistence used by the dependency
// graph and the checkpoint store. Keys are slash-separated paths; List returns
// every document under a prefix ordered by key.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key has no document.
var ErrNotFound = errors.New("document not found")

// Document is a stored value and its key.
type Document struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// DocumentStore is the durable key/structured-document store.
//
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	// Put creates or replaces the document at key.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the document at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all documents whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Document, error)

	// Delete removes the document at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}
