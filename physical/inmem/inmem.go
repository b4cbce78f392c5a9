package inmem

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-radix"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/physical"
)

// Verify interfaces are satisfied
var _ physical.Storage = (*InmemStorage)(nil)

// maxValueSize bounds a single entry's value. The durable backends this
// storage stands in for reject oversized values, so dev mode does too.
const maxValueSize = 1 << 20

// InmemStorage is an in-memory only Storage. It is useful for testing,
// development, and single-node deployments where the data is not expected
// to be durable. Entries carry an optional expiry; expired entries are
// indistinguishable from absent ones and are purged opportunistically on
// access.
type InmemStorage struct {
	sync.RWMutex
	root       *radix.Tree
	permitPool *physical.PermitPool
	logger     log.Logger

	// now is swappable for expiry tests
	now func() time.Time
}

type inmemEntry struct {
	value    []byte
	expireAt time.Time
}

func (e *inmemEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// NewInmem constructs a new in-memory storage
func NewInmem(logger log.Logger) *InmemStorage {
	return &InmemStorage{
		root:       radix.New(),
		permitPool: physical.NewPermitPool(physical.DefaultParallelOperations),
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the storage's clock. Test use only.
func (i *InmemStorage) SetClock(now func() time.Time) {
	i.Lock()
	defer i.Unlock()
	i.now = now
}

// Put is used to insert or update an entry
func (i *InmemStorage) Put(ctx context.Context, entry *physical.Entry) error {
	if len(entry.Value) > maxValueSize {
		return physical.ErrValueTooLarge
	}

	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)

	i.root.Insert(entry.Key, &inmemEntry{
		value:    value,
		expireAt: entry.ExpireAt,
	})
	return nil
}

// Get is used to fetch an entry. Expired entries are purged and reported
// as absent.
func (i *InmemStorage) Get(ctx context.Context, key string) (*physical.Entry, error) {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	raw, ok := i.root.Get(key)
	if !ok {
		return nil, nil
	}

	entry := raw.(*inmemEntry)
	if entry.expired(i.now()) {
		i.root.Delete(key)
		return nil, nil
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)

	return &physical.Entry{
		Key:      key,
		Value:    value,
		ExpireAt: entry.expireAt,
	}, nil
}

// Delete is used to permanently delete an entry
func (i *InmemStorage) Delete(ctx context.Context, key string) error {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	i.root.Delete(key)
	return nil
}

// List is used to list all the keys under a given prefix, up to the next
// prefix. Expired entries are skipped but left in place; purging them all
// under the write lock would make listing O(deletes).
func (i *InmemStorage) List(ctx context.Context, prefix string) ([]string, error) {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.RLock()
	defer i.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	now := i.now()
	var out []string
	seen := make(map[string]struct{})
	walkFn := func(s string, v interface{}) bool {
		if v.(*inmemEntry).expired(now) {
			return false
		}
		trimmed := strings.TrimPrefix(s, prefix)
		sep := strings.Index(trimmed, "/")
		if sep == -1 {
			out = append(out, trimmed)
		} else {
			// Include the directory suffix to distinguish keys from
			// subtrees.
			trimmed = trimmed[:sep+1]
			if _, ok := seen[trimmed]; !ok {
				out = append(out, trimmed)
				seen[trimmed] = struct{}{}
			}
		}
		return false
	}
	i.root.WalkPrefix(prefix, walkFn)

	return out, nil
}

// DeletePrefix removes every entry under the given prefix.
func (i *InmemStorage) DeletePrefix(ctx context.Context, prefix string) error {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var doomed []string
	i.root.WalkPrefix(prefix, func(s string, v interface{}) bool {
		doomed = append(doomed, s)
		return false
	})
	for _, key := range doomed {
		i.root.Delete(key)
	}
	return nil
}

// Len returns the number of live entries. Test use only.
func (i *InmemStorage) Len() int {
	i.RLock()
	defer i.RUnlock()
	return i.root.Len()
}
