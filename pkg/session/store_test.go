package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, "alice@example.com", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, "alice@example.com", created.Subject)
	assert.True(t, created.ExpiresAt.After(created.CreatedAt))

	got, ok := store.Get(ctx, created.Token)
	require.True(t, ok)
	assert.Equal(t, created.Token, got.Token)
	assert.Equal(t, created.Subject, got.Subject)
}

func TestMemoryStoreTokensAreUnique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Create(ctx, "svc", time.Hour)
	require.NoError(t, err)
	second, err := store.Create(ctx, "svc", time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStoreRejectsNonPositiveTTL(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Create(context.Background(), "svc", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl must be positive")

	_, err = store.Create(context.Background(), "svc", -time.Minute)
	require.Error(t, err)
}

func TestMemoryStoreGetUnknownToken(t *testing.T) {
	store := NewMemoryStore()

	_, ok := store.Get(context.Background(), "no-such-token")
	assert.False(t, ok)
}

func TestMemoryStoreExpiredTokenIsEvicted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, "svc", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, ok := store.Get(ctx, created.Token)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "expired entry should be evicted on lookup")
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, "svc", time.Hour)
	require.NoError(t, err)

	store.Delete(ctx, created.Token)
	_, ok := store.Get(ctx, created.Token)
	assert.False(t, ok)

	// Deleting again must not panic.
	store.Delete(ctx, created.Token)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s, err := store.Create(ctx, "svc", time.Hour)
				if err != nil {
					t.Error(err)
					return
				}
				if _, ok := store.Get(ctx, s.Token); !ok {
					t.Error("created session not found")
					return
				}
				store.Delete(ctx, s.Token)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, store.Len())
}
