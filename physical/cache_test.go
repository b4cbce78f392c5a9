package physical

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/stephnangue/keymaster/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewZerologLogger(&log.Config{
		Level:  log.ErrorLevel,
		Output: io.Discard,
	})
}

// countingStorage counts backend reads so tests can observe cache hits
type countingStorage struct {
	mu      sync.Mutex
	entries map[string]*Entry
	gets    int
}

func newCountingStorage() *countingStorage {
	return &countingStorage{entries: make(map[string]*Entry)}
}

func (s *countingStorage) Put(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *countingStorage) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return s.entries[key], nil
}

func (s *countingStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *countingStorage) List(_ context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (s *countingStorage) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func TestCacheServesRepeatReads(t *testing.T) {
	backend := newCountingStorage()
	cache, err := NewCache(backend, nil, testLogger())
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &Entry{Key: "k", Value: []byte("v")}))

	entry, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	cache.Wait()

	for i := 0; i < 5; i++ {
		entry, err = cache.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, []byte("v"), entry.Value)
	}

	// Only the first read reached the backend.
	assert.Equal(t, 1, backend.getCount())
}

func TestCachePutInvalidates(t *testing.T) {
	backend := newCountingStorage()
	cache, err := NewCache(backend, nil, testLogger())
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &Entry{Key: "k", Value: []byte("v1")}))
	_, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	cache.Wait()

	require.NoError(t, cache.Put(ctx, &Entry{Key: "k", Value: []byte("v2")}))

	entry, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("v2"), entry.Value)
}

func TestCacheDeleteInvalidates(t *testing.T) {
	backend := newCountingStorage()
	cache, err := NewCache(backend, nil, testLogger())
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &Entry{Key: "k", Value: []byte("v")}))
	_, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	cache.Wait()

	require.NoError(t, cache.Delete(ctx, "k"))

	entry, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCacheRespectsEntryExpiry(t *testing.T) {
	backend := newCountingStorage()
	cache, err := NewCache(backend, nil, testLogger())
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	// Already expired at the backend; the cache must not resurrect it.
	require.NoError(t, backend.Put(ctx, &Entry{
		Key:      "k",
		Value:    []byte("v"),
		ExpireAt: time.Now().Add(-time.Minute),
	}))

	entry, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCacheReturnsCopies(t *testing.T) {
	backend := newCountingStorage()
	cache, err := NewCache(backend, nil, testLogger())
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &Entry{Key: "k", Value: []byte("v")}))
	first, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	cache.Wait()

	// Mutating a returned entry must not poison the cache.
	first.Value[0] = 'x'

	second, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), second.Value)
}

func TestDeletePrefixSlow(t *testing.T) {
	// A backend without native prefix deletion gets the recursive walk.
	storage := &listingStorage{entries: map[string][]byte{
		"data/a/1":   []byte("x"),
		"data/a/b/2": []byte("y"),
		"data/c":     []byte("z"),
	}}

	require.NoError(t, DeletePrefixSlow(context.Background(), storage, "data/a/"))
	assert.Equal(t, map[string][]byte{"data/c": []byte("z")}, storage.entries)
}

// listingStorage is a minimal map-backed Storage with hierarchical List
type listingStorage struct {
	entries map[string][]byte
}

func (s *listingStorage) Put(_ context.Context, entry *Entry) error {
	s.entries[entry.Key] = entry.Value
	return nil
}

func (s *listingStorage) Get(_ context.Context, key string) (*Entry, error) {
	value, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &Entry{Key: key, Value: value}, nil
}

func (s *listingStorage) Delete(_ context.Context, key string) error {
	delete(s.entries, key)
	return nil
}

func (s *listingStorage) List(_ context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for key := range s.entries {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		trimmed := key[len(prefix):]
		for i := 0; i < len(trimmed); i++ {
			if trimmed[i] == '/' {
				trimmed = trimmed[:i+1]
				break
			}
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			out = append(out, trimmed)
		}
	}
	return out, nil
}
