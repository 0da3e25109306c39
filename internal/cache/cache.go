package cache

import "context"

// Cache is the shared lookaside contract for worker and job reads. Each
// implementation picks its own codec; callers pass GetDefaultTTL() unless an
// entry needs a specific expiry.
type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	Get(ctx context.Context, key string, out interface{}) error
	GetDefaultTTL() int
	ShutDown(ctx context.Context)
}
