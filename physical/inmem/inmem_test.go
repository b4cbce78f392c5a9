package inmem

import (
	"context"
	"io"
	"testing"
	"time"

	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/physical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewZerologLogger(&log.Config{
		Level:  log.ErrorLevel,
		Output: io.Discard,
	})
}

func TestInmemPutGetDelete(t *testing.T) {
	storage := NewInmem(testLogger())
	ctx := context.Background()

	entry, err := storage.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, storage.Put(ctx, &physical.Entry{Key: "foo", Value: []byte("bar")}))

	entry, err = storage.Get(ctx, "foo")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("bar"), entry.Value)

	require.NoError(t, storage.Delete(ctx, "foo"))
	entry, err = storage.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Deleting an absent key succeeds.
	require.NoError(t, storage.Delete(ctx, "foo"))
}

func TestInmemRejectsOversizedValue(t *testing.T) {
	storage := NewInmem(testLogger())
	ctx := context.Background()

	err := storage.Put(ctx, &physical.Entry{Key: "big", Value: make([]byte, maxValueSize+1)})
	require.ErrorIs(t, err, physical.ErrValueTooLarge)

	// A value exactly at the limit is accepted.
	require.NoError(t, storage.Put(ctx, &physical.Entry{Key: "big", Value: make([]byte, maxValueSize)}))
}

func TestInmemExpiry(t *testing.T) {
	storage := NewInmem(testLogger())
	ctx := context.Background()

	require.NoError(t, storage.Put(ctx, &physical.Entry{
		Key:      "ttl",
		Value:    []byte("x"),
		ExpireAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, storage.Put(ctx, &physical.Entry{Key: "forever", Value: []byte("y")}))

	entry, err := storage.Get(ctx, "ttl")
	require.NoError(t, err)
	require.NotNil(t, entry)

	storage.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	// Expired reads as absent and is purged.
	entry, err = storage.Get(ctx, "ttl")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 1, storage.Len())

	entry, err = storage.Get(ctx, "forever")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestInmemList(t *testing.T) {
	storage := NewInmem(testLogger())
	ctx := context.Background()

	for _, key := range []string{
		"data/token/user/t1",
		"data/token/user/t2",
		"data/token/role/t3",
		"data/token/top",
	} {
		require.NoError(t, storage.Put(ctx, &physical.Entry{Key: key, Value: []byte("x")}))
	}

	keys, err := storage.List(ctx, "data/token/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user/", "role/", "top"}, keys)

	keys, err = storage.List(ctx, "data/token/user/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, keys)
}

func TestInmemListSkipsExpired(t *testing.T) {
	storage := NewInmem(testLogger())
	ctx := context.Background()

	require.NoError(t, storage.Put(ctx, &physical.Entry{
		Key:      "data/a",
		Value:    []byte("x"),
		ExpireAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, storage.Put(ctx, &physical.Entry{Key: "data/b", Value: []byte("y")}))

	storage.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	keys, err := storage.List(ctx, "data/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestInmemDeletePrefix(t *testing.T) {
	storage := NewInmem(testLogger())
	ctx := context.Background()

	for _, key := range []string{"data/a/1", "data/a/2", "data/b/1"} {
		require.NoError(t, storage.Put(ctx, &physical.Entry{Key: key, Value: []byte("x")}))
	}

	require.NoError(t, storage.DeletePrefix(ctx, "data/a/"))

	keys, err := storage.List(ctx, "data/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/"}, keys)
}

func TestInmemContextCancellation(t *testing.T) {
	storage := NewInmem(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := storage.Put(ctx, &physical.Entry{Key: "foo", Value: []byte("bar")})
	require.ErrorIs(t, err, context.Canceled)

	_, err = storage.Get(ctx, "foo")
	require.ErrorIs(t, err, context.Canceled)
}
