// Package blob stores image bytes under opaque keys.
package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

type Object struct {
	Data        []byte
	ContentType string
}

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	// Locate returns a location a client can fetch the object from.
	Locate(ctx context.Context, key string) (string, error)
}
