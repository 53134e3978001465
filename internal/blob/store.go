// Package blob abstracts the durable remote tier of the module cache: a flat
// keyspace of immutable byte objects with optional provenance etags and
// prefix-scoped deletion.
package blob

import (
	"context"
)

// Object is a stored value plus the etag of whatever produced it. SourceEtag
// is opaque to the store; an empty value means the producer supplied none.
type Object struct {
	Contents   []byte `json:"contents"`
	SourceEtag string `json:"sourceEtag,omitempty"`
}

// Store is the remote blob tier contract. Implementations must treat keys as
// opaque strings; prefix semantics are plain string prefixes.
type Store interface {
	Get(ctx context.Context, key string) (Object, bool, error)
	Put(ctx context.Context, key string, obj Object) error
	Exists(ctx context.Context, key string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) error
	Close(ctx context.Context) error
}
