package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "autopost/pkg/logx"
)

// storeFactories covers the drivers that run without an external server.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(*testing.T) Store { return NewMemory() },
	"file": func(t *testing.T) Store {
		st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "autopost")}, logx.Nop())
		require.NoError(t, err)
		return st
	},
	"sqlite": func(t *testing.T) Store {
		st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "autopost.db")}, logx.Nop())
		require.NoError(t, err)
		return st
	},
}

func TestStoreContract(t *testing.T) {
	base := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	for name, mk := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := mk(t)
			defer st.Close()

			// executions
			for i := 1; i <= 3; i++ {
				require.NoError(t, st.AppendExecution(ctx, ExecutionRecord{
					RunID: "r1", JobName: "cleanup_temp", Attempt: i, Outcome: OutcomeFailure,
					StartedAt: base, FinishedAt: base.Add(time.Second), Error: "boom",
				}))
			}
			require.NoError(t, st.AppendExecution(ctx, ExecutionRecord{RunID: "r2", JobName: "other", Attempt: 1, Outcome: OutcomeSuccess, StartedAt: base, FinishedAt: base}))
			recs, err := st.RecentExecutions(ctx, "cleanup_temp", 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, 3, recs[0].Attempt)
			assert.Equal(t, "boom", recs[0].Error)

			// items
			require.NoError(t, st.UpsertItem(ctx, Item{ID: "a", Title: "old", PublishedAt: base.Add(-10 * 24 * time.Hour)}))
			require.NoError(t, st.UpsertItem(ctx, Item{ID: "b", Title: "new", PublishedAt: base.Add(-time.Hour)}))
			require.NoError(t, st.UpsertItem(ctx, Item{ID: "b", Title: "renamed", PublishedAt: base.Add(-time.Hour)}))
			items, err := st.ListItems(ctx, base.Add(-7*24*time.Hour))
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, "renamed", items[0].Title)

			// samples
			rev := 1.25
			require.NoError(t, st.AppendSample(ctx, Sample{ItemID: "b", CapturedAt: base, Views: 10, CTR: 0.1, Revenue: &rev}))
			require.NoError(t, st.AppendSample(ctx, Sample{ItemID: "b", CapturedAt: base.Add(time.Hour), Views: 20}))
			require.NoError(t, st.AppendSample(ctx, Sample{ItemID: "a", CapturedAt: base.Add(time.Hour), Views: 5}))
			// duplicate key is ignored
			require.NoError(t, st.AppendSample(ctx, Sample{ItemID: "b", CapturedAt: base, Views: 999}))

			latest, ok, err := st.LatestSample(ctx, "b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(20), latest.Views)

			got, err := st.QuerySamples(ctx, base, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 1, "end bound is exclusive")
			assert.Equal(t, int64(10), got[0].Views)
			require.NotNil(t, got[0].Revenue)
			assert.InDelta(t, 1.25, *got[0].Revenue, 1e-9)

			got, err = st.QuerySamples(ctx, base, base.Add(2*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "a", got[1].ItemID, "ties ordered by item id")

			// fallback state
			_, ok, err = st.LoadFallbackState(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
			entered := base.Add(-time.Minute)
			require.NoError(t, st.SaveFallbackState(ctx, FallbackState{Mode: ModeFallback, EnteredFallbackAt: &entered}))
			fs, ok, err := st.LoadFallbackState(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ModeFallback, fs.Mode)
			require.NotNil(t, fs.EnteredFallbackAt)
			assert.True(t, fs.EnteredFallbackAt.Equal(entered))
			assert.Nil(t, fs.LastErrorAt)

			// fires
			require.NoError(t, st.PutLastFire(ctx, "cleanup_temp", base))
			at, ok, err := st.LastFire(ctx, "cleanup_temp")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, at.Equal(base))

			// dedup
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k", until))
			u, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, u.Equal(until))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "autopost")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendSample(ctx, Sample{ItemID: "x", CapturedAt: base, Views: 7}))
	require.NoError(t, st.SaveFallbackState(ctx, FallbackState{Mode: ModeFallback, ConsecutiveQuotaErrors: 0}))
	require.NoError(t, st.PutLastFire(ctx, "job", base))
	require.NoError(t, st.AppendExecution(ctx, ExecutionRecord{RunID: "r", JobName: "job", Attempt: 1, Outcome: OutcomeSuccess}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	s, ok, err := st.LatestSample(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), s.Views)

	fs, ok, err := st.LoadFallbackState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ModeFallback, fs.Mode)

	_, ok, err = st.LastFire(ctx, "job")
	require.NoError(t, err)
	assert.True(t, ok)

	recs, err := st.RecentExecutions(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "mysql"}, logx.Nop())
	assert.Error(t, err, "mysql without dsn")
}

func TestDialectUpsert(t *testing.T) {
	assert.Equal(t,
		"INSERT INTO fires(job,fired_at) VALUES(?,?) ON CONFLICT(job) DO UPDATE SET fired_at=excluded.fired_at",
		sqliteDialect.upsert("fires", "job", "fired_at"))
	assert.Equal(t,
		"INSERT INTO fires(job,fired_at) VALUES(?,?) ON DUPLICATE KEY UPDATE fired_at=VALUES(fired_at)",
		mysqlDialect.upsert("fires", "job", "fired_at"))
}
