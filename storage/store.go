// Package storage lists and downloads template blobs from object stores.
package storage

import (
	"context"
	stderrors "errors"
)

// Object is one entry of a store listing.
type Object struct {
	Name string
	Size int64
}

// ObjectStore is the read side of a blob container or bucket.
type ObjectStore interface {
	// List returns every object whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Download returns the full content of one object.
	Download(ctx context.Context, name string) ([]byte, error)
	// Identity names the store, e.g. a container URL. Equal identities mean
	// equal content.
	Identity() string
}

// ErrObjectNotFound is returned by Download for a name the store does not hold.
var ErrObjectNotFound = stderrors.New("object not found")
