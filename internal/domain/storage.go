package domain

import (
	"context"
	"io"
	"time"
)

// BlobStore holds uploaded widget media (first-word audio clips).
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
