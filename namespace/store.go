package namespace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stephnangue/keymaster/helper"
	"github.com/stephnangue/keymaster/physical"
)

// Store is the flat, TTL-capable key/value surface the broker runs on.
// A nil value with a nil error means the key is absent; an expired key is
// reported identically, by design.
//
// Children and SetChildren maintain the advisory parent→children sets; the
// sets live beside the data keyspace and carry no authority. True existence
// is always defined by the child's own value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Children(ctx context.Context, key string) ([]string, error)
	SetChildren(ctx context.Context, key string, children []string) error
	Remove(ctx context.Context, key string, recursive bool) error
}

const (
	dataPrefix  = "data/"
	indexPrefix = "index/"
)

// KV adapts a physical.Storage into a Store. Values live under "data/",
// child sets as JSON arrays under "index/".
type KV struct {
	backend physical.Storage
}

var _ Store = (*KV)(nil)

// NewKV returns a Store backed by the given physical storage
func NewKV(backend physical.Storage) *KV {
	return &KV{backend: backend}
}

// Get fetches a value; nil means absent or expired
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := kv.backend.Get(ctx, dataPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Value, nil
}

// Set writes a value, with an optional TTL (<=0 means no expiry)
func (kv *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &physical.Entry{
		Key:      dataPrefix + key,
		Value:    value,
		ExpireAt: helper.ExpiresAt(time.Now(), ttl),
	}
	if err := kv.backend.Put(ctx, entry); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Children reads the advisory child set of a parent key
func (kv *KV) Children(ctx context.Context, key string) ([]string, error) {
	entry, err := kv.backend.Get(ctx, indexPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("children %q: %w", key, err)
	}
	if entry == nil {
		return nil, nil
	}
	var children []string
	if err := json.Unmarshal(entry.Value, &children); err != nil {
		return nil, fmt.Errorf("children %q: corrupt index entry: %w", key, err)
	}
	return children, nil
}

// SetChildren overwrites the advisory child set of a parent key. An empty
// set removes the index entry.
func (kv *KV) SetChildren(ctx context.Context, key string, children []string) error {
	if len(children) == 0 {
		if err := kv.backend.Delete(ctx, indexPrefix+key); err != nil {
			return fmt.Errorf("set children %q: %w", key, err)
		}
		return nil
	}
	value, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("set children %q: %w", key, err)
	}
	if err := kv.backend.Put(ctx, &physical.Entry{Key: indexPrefix + key, Value: value}); err != nil {
		return fmt.Errorf("set children %q: %w", key, err)
	}
	return nil
}

// Remove deletes a key, and with recursive set, everything beneath it
// along with its advisory index entries. Removing an absent key succeeds.
func (kv *KV) Remove(ctx context.Context, key string, recursive bool) error {
	if err := kv.backend.Delete(ctx, dataPrefix+key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	if !recursive {
		return nil
	}
	for _, prefix := range []string{dataPrefix, indexPrefix} {
		full := prefix + key
		if err := kv.deleteSubtree(ctx, full+"/"); err != nil {
			return fmt.Errorf("remove %q: %w", key, err)
		}
		if err := kv.backend.Delete(ctx, full); err != nil {
			return fmt.Errorf("remove %q: %w", key, err)
		}
	}
	return nil
}

func (kv *KV) deleteSubtree(ctx context.Context, prefix string) error {
	if pd, ok := kv.backend.(physical.PrefixDeleter); ok {
		return pd.DeletePrefix(ctx, prefix)
	}
	return physical.DeletePrefixSlow(ctx, kv.backend, prefix)
}
