package physical

import (
	"context"
	"errors"
	"time"
)

const DefaultParallelOperations = 128

var (
	// ErrValueTooLarge is returned when a value exceeds the backend's limit.
	ErrValueTooLarge = errors.New("put failed due to value being too large")
)

// Entry is used to represent data stored by the physical backend. Entries
// with a non-zero ExpireAt are treated as absent once that instant passes;
// a backend reports an expired entry and a missing entry identically.
type Entry struct {
	Key      string
	Value    []byte
	ExpireAt time.Time
}

// Expired reports whether the entry's TTL has lapsed at the given instant.
// A zero ExpireAt means the entry never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && now.After(e.ExpireAt)
}

// Storage is the interface required for a physical backend. Backends hold
// flat key/value data; hierarchy is a naming convention over the keys, not
// a backend-native feature. A nil *Entry with a nil error from Get means
// the key is absent (or expired, indistinguishably).
type Storage interface {
	// Put is used to insert or update an entry
	Put(ctx context.Context, entry *Entry) error

	// Get is used to fetch an entry
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete is used to permanently delete an entry
	Delete(ctx context.Context, key string) error

	// List is used to list all the keys under a given prefix,
	// up to the next prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PrefixDeleter is an optional interface for backends that can remove an
// entire subtree in one call. Callers without it fall back to listing and
// deleting key by key.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// DeletePrefixSlow removes a subtree by walking List results recursively.
// It is the fallback for backends that do not implement PrefixDeleter.
func DeletePrefixSlow(ctx context.Context, s Storage, prefix string) error {
	children, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, child := range children {
		full := prefix + child
		if len(child) > 0 && child[len(child)-1] == '/' {
			if err := DeletePrefixSlow(ctx, s, full); err != nil {
				return err
			}
			continue
		}
		if err := s.Delete(ctx, full); err != nil {
			return err
		}
	}
	return nil
}

// PermitPool is used to limit the number of concurrent storage calls
type PermitPool struct {
	sem chan int
}

// NewPermitPool returns a new permit pool with the provided number of permits
func NewPermitPool(permits int) *PermitPool {
	if permits < 1 {
		permits = DefaultParallelOperations
	}
	return &PermitPool{
		sem: make(chan int, permits),
	}
}

// Acquire returns when a permit has been acquired
func (c *PermitPool) Acquire() {
	c.sem <- 1
}

// Release returns a permit to the pool
func (c *PermitPool) Release() {
	<-c.sem
}

// CurrentPermits returns the number of permits currently in use
func (c *PermitPool) CurrentPermits() int {
	return len(c.sem)
}
