package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"quota-backend/pkg/ratelimit"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSQL(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewSQLCounterRepository_Validation(t *testing.T) {
	_, err := NewSQLCounterRepository(nil, DialectSQLite)
	assert.Error(t, err)

	_, err = NewSQLCounterRepository(setupTestSQL(t), "mysql")
	assert.Error(t, err)
}

func TestSQLCounterRepository_AppendCountPurge(t *testing.T) {
	repo, err := NewSQLCounterRepository(setupTestSQL(t), DialectSQLite)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, ratelimit.ModeApproximate, repo.Mode())

	u, err := repo.Count(ctx, "user-1", ratelimit.CategoryAPI, "minute", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, u.Count)
	assert.True(t, u.Oldest.IsZero())

	require.NoError(t, repo.Append(ctx, "user-1", ratelimit.CategoryAPI, []string{"minute", "hour"}, now.Add(-time.Minute)))
	require.NoError(t, repo.Append(ctx, "user-1", ratelimit.CategoryAPI, []string{"minute", "hour"}, now.Add(-2*time.Minute)))
	require.NoError(t, repo.Append(ctx, "user-1", ratelimit.CategoryAPI, []string{"minute", "hour"}, now))

	u, err = repo.Count(ctx, "user-1", ratelimit.CategoryAPI, "minute", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, u.Count, "record on the window edge counts")
	assert.True(t, now.Add(-time.Minute).Equal(u.Oldest))

	u, err = repo.Count(ctx, "user-1", ratelimit.CategoryAPI, "hour", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, u.Count)

	u, err = repo.Count(ctx, "user-1", ratelimit.CategoryWebhook, "minute", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, u.Count)

	purged, err := repo.PurgeOlderThan(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	u, err = repo.Count(ctx, "user-1", ratelimit.CategoryAPI, "hour", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, u.Count)
}

func TestSQLBanRepository_ExtendOrIgnore(t *testing.T) {
	db := setupTestSQL(t)
	repo, err := NewSQLBanRepository(db, DialectSQLite)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ban, err := repo.Active(ctx, "ip-203.0.113.5", now)
	require.NoError(t, err)
	assert.Nil(t, ban)

	stored, err := repo.Put(ctx, ratelimit.Ban{Identifier: "ip-203.0.113.5", Reason: "abuse", CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "abuse", stored.Reason)
	assert.True(t, now.Add(time.Hour).Equal(stored.ExpiresAt))

	stored, err = repo.Put(ctx, ratelimit.Ban{Identifier: "ip-203.0.113.5", Reason: "shorter", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "abuse", stored.Reason)
	assert.True(t, now.Add(time.Hour).Equal(stored.ExpiresAt))

	stored, err = repo.Put(ctx, ratelimit.Ban{Identifier: "ip-203.0.113.5", Reason: "longer", CreatedAt: now, ExpiresAt: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "longer", stored.Reason)

	ban, err = repo.Active(ctx, "ip-203.0.113.5", now.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, "longer", ban.Reason)

	ban, err = repo.Active(ctx, "ip-203.0.113.5", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, ban)

	purged, err := repo.PurgeExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestSQLRepositories_WithEngine(t *testing.T) {
	db := setupTestSQL(t)
	counters, err := NewSQLCounterRepository(db, DialectSQLite)
	require.NoError(t, err)
	bans, err := NewSQLBanRepository(db, DialectSQLite)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := ratelimit.NewEngine(counters, bans, ratelimit.DefaultRegistry(), ratelimit.DefaultConfig(),
		ratelimit.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	assert.Equal(t, ratelimit.ModeApproximate, engine.Mode())
	for i := 0; i < 5; i++ {
		res, err := engine.CheckWebhookLimit(ctx, "endpoint-1", ratelimit.TierFree)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 4-i, res.Remaining)
	}
	res, err := engine.CheckWebhookLimit(ctx, "endpoint-1", ratelimit.TierFree)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)

	_, err = engine.Ban(ctx, "endpoint-2", time.Hour, "abuse")
	require.NoError(t, err)
	res, err = engine.CheckWebhookLimit(ctx, "endpoint-2", ratelimit.TierFree)
	require.NoError(t, err)
	assert.True(t, res.Banned)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c = ?`
	assert.Equal(t, q, rebind(DialectSQLite, q))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2`, rebind(DialectPostgres, q))
}
