package suppression

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/sendline/internal/config"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlStore, err := Open(ctx,
		config.SuppressionConfig{Driver: "sqlite3", DSN: "file:" + filepath.Join(t.TempDir(), "suppress.db")},
		config.IdentityConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestStoreAddAndLookup(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Add(ctx, Entry{
				Email:    " Bob@Example.COM ",
				Reason:   ReasonHardBounce,
				Source:   "delivery",
				DSNCode:  "5.1.1",
				DSNDiag:  "550 5.1.1 no such user",
				Identity: "192.0.2.1",
			}))

			ok, err := store.IsSuppressed(ctx, "bob@example.com")
			require.NoError(t, err)
			assert.True(t, ok)

			e, err := store.Get(ctx, "BOB@example.com")
			require.NoError(t, err)
			assert.Equal(t, "bob@example.com", e.Email)
			assert.Equal(t, ReasonHardBounce, e.Reason)
			assert.Equal(t, "5.1.1", e.DSNCode)
			assert.Equal(t, "550 5.1.1 no such user", e.DSNDiag)
			assert.Equal(t, "192.0.2.1", e.Identity)

			ok, err = store.IsSuppressed(ctx, "alice@example.com")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = store.Get(ctx, "alice@example.com")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreAddKeepsFirstEntry(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Add(ctx, Entry{Email: "bob@example.com", Reason: ReasonUnsubscribe}))
			require.NoError(t, store.Add(ctx, Entry{Email: "bob@example.com", Reason: ReasonComplaint}))

			e, err := store.Get(ctx, "bob@example.com")
			require.NoError(t, err)
			assert.Equal(t, ReasonUnsubscribe, e.Reason)

			count, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestStoreRemoveAndList(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

			for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
				require.NoError(t, store.Add(ctx, Entry{
					Email:     email,
					Reason:    ReasonManual,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			entries, err := store.List(ctx, 2, 0)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "c@example.com", entries[0].Email)
			assert.Equal(t, "b@example.com", entries[1].Email)

			entries, err = store.List(ctx, 10, 2)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "a@example.com", entries[0].Email)

			require.NoError(t, store.Remove(ctx, "B@example.com"))
			assert.ErrorIs(t, store.Remove(ctx, "b@example.com"), ErrNotFound)

			count, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), count)
		})
	}
}

func TestOpenFallsBackToIdentityStore(t *testing.T) {
	store, err := Open(context.Background(), config.SuppressionConfig{}, config.IdentityConfig{Driver: "memory"})
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}

func TestValidReason(t *testing.T) {
	assert.True(t, ValidReason(ReasonComplaint))
	assert.False(t, ValidReason("bored"))
}
