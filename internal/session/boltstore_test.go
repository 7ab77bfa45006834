package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"), DefaultRetention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBoltStorePutGetDelete(t *testing.T) {
	store := testBoltStore(t)
	ctx := context.Background()

	_, ok := store.Get(ctx, "628111")
	assert.False(t, ok)

	st := registeredState("628111@s.whatsapp.net")
	store.Put(ctx, "628111", st)

	got, ok := store.Get(ctx, "628111")
	require.True(t, ok)
	assert.Equal(t, st, got)

	store.Delete(ctx, "628111")
	store.Delete(ctx, "628111")
	_, ok = store.Get(ctx, "628111")
	assert.False(t, ok)
}

func TestBoltStoreLazyExpiry(t *testing.T) {
	store := testBoltStore(t)
	ctx := context.Background()
	base := time.Now()

	store.now = func() time.Time { return base.Add(-31 * 24 * time.Hour) }
	store.Put(ctx, "628222", registeredState("628222@s.whatsapp.net"))

	store.now = func() time.Time { return base }
	_, ok := store.Get(ctx, "628222")
	assert.False(t, ok)

	// lazy removal took the record with it
	rec, err := store.load("628222")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBoltStoreInfoAndList(t *testing.T) {
	store := testBoltStore(t)
	ctx := context.Background()
	base := time.Now()

	absent := store.Info(ctx, "628333")
	assert.False(t, absent.Exists)
	assert.Equal(t, int64(TTLAbsent), absent.TTL)

	store.now = func() time.Time { return base.Add(-40 * 24 * time.Hour) }
	store.Put(ctx, "628301", registeredState("628301@s.whatsapp.net"))
	store.now = func() time.Time { return base.Add(-time.Hour) }
	store.Put(ctx, "628302", registeredState("628302@s.whatsapp.net"))

	store.now = func() time.Time { return base }
	assert.Equal(t, []string{"628302"}, store.ListActive(ctx))

	info := store.Info(ctx, "628302")
	require.True(t, info.Exists)
	assert.Equal(t, "29 days 23 hours", info.ExpiresIn)
}

func TestBoltStoreClearExpired(t *testing.T) {
	store := testBoltStore(t)
	ctx := context.Background()
	base := time.Now()

	store.now = func() time.Time { return base.Add(-45 * 24 * time.Hour) }
	store.Put(ctx, "628401", registeredState("628401@s.whatsapp.net"))
	store.now = func() time.Time { return base }
	store.Put(ctx, "628402", registeredState("628402@s.whatsapp.net"))

	assert.Equal(t, int64(1), store.ClearExpired(ctx))
	_, ok := store.Get(ctx, "628402")
	assert.True(t, ok)
}
