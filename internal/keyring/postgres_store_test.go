package keyring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffpass/paycore/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().Truncate(time.Microsecond)
	old := &Key{ID: "key_pg_old", Secret: "s1", Active: true, CreatedAt: now.Add(-time.Hour)}
	fresh := &Key{ID: "key_pg_new", Secret: "s2", Active: true, CreatedAt: now}
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Create(ctx, fresh))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "key_pg_new", active[0].ID, "newest first")
	assert.Equal(t, "s2", active[0].Secret)

	n, err := store.DeactivateAllBefore(ctx, fresh.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "key_pg_new", active[0].ID)

	got, err := store.Get(ctx, "key_pg_old")
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, store.Deactivate(ctx, "key_pg_new"))
	assert.ErrorIs(t, store.Deactivate(ctx, "key_pg_missing"), ErrKeyNotFound)

	_, err = store.Get(ctx, "key_pg_missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPostgresAuditRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	audit := NewPostgresAudit(db)
	require.NoError(t, audit.Migrate(ctx))

	base := time.Now().Truncate(time.Microsecond)
	for i, action := range []string{"rotate", "rotate", "deactivate"} {
		require.NoError(t, audit.Record(ctx, AuditEntry{
			Action:    action,
			Operator:  "ops@puffpass",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Details:   "integration test",
		}))
	}

	entries, err := audit.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "deactivate", entries[0].Action, "newest first")
	assert.Equal(t, "rotate", entries[1].Action)
}
