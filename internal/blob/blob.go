// Package blob stores attachment bytes: on the client while an upload waits
// in the queue, and on the server once it has been received.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver names a storage backend
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

var (
	// ErrNotFound is returned when a key has no blob
	ErrNotFound = errors.New("blob: not found")
	// ErrExists is returned by Put when the key is already taken
	ErrExists = errors.New("blob: already exists")
	// ErrUnsupported is returned when a backend lacks an optional capability
	ErrUnsupported = errors.New("blob: unsupported operation")
)

// PutOptions are optional attributes stored with a blob
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored blob
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a small S3-like object store. Keys are slash-separated and
// create-only: Put fails with ErrExists for a key already in use.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Driver() Driver
}

// CloneMetadata copies a metadata map so callers cannot mutate stored state
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
