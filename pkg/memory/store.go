// Package memory provides the persistent cross-session key-value store
// used by the memory module and the template resolver. It is separate
// from the execution state store, which is plan-scoped.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("memory store is closed")

// SetOptions carry the optional attributes of a Set call.
type SetOptions struct {
	// SessionID scopes the key to a session for ListKeys filtering.
	SessionID string
	// TTL expires the entry after the given duration. Zero means the
	// entry never expires.
	TTL time.Duration
}

// Store is the key-value persistence contract. Implementations must
// treat TTL-expired entries as absent.
type Store interface {
	Set(ctx context.Context, key string, value any, opts SetOptions) error
	// Get returns (nil, false, nil) for missing or expired keys.
	Get(ctx context.Context, key string) (any, bool, error)
	Delete(ctx context.Context, key string) error
	GetMany(ctx context.Context, keys []string) (map[string]any, error)
	// ListKeys returns live keys, filtered by session when sessionID is
	// non-empty.
	ListKeys(ctx context.Context, sessionID string) ([]string, error)
	// PurgeExpired removes expired entries and reports how many went.
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

// Lookup adapts a Store to the synchronous lookup interface the
// template resolver consumes. Errors read as missing keys since the
// resolver has no error channel.
type Lookup struct {
	Ctx   context.Context
	Store Store
}

func (l Lookup) Lookup(key string) (any, bool) {
	ctx := l.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	value, ok, err := l.Store.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return value, ok
}
