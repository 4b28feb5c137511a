package service

import (
	"context"
	"testing"
	"time"

	"sakaledger/internal/infrastructure/cache"
	"sakaledger/internal/model"
	"sakaledger/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newMetrics(t *testing.T, f *fixture, rdb *redis.Client) *MetricsService {
	t.Helper()
	m := NewMetricsService(f.db, rdb)
	m.now = f.clock.Now
	return m
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCompostAndRedistributionMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedWallet(t, f.db, 1, 1000, daysAgo(100))
	testutil.SeedWallet(t, f.db, 2, 0, daysAgo(1))

	_, err := f.compost.Run(ctx, CompostRequest{})
	require.NoError(t, err)
	_, err = f.compost.Run(ctx, CompostRequest{DryRun: true})
	require.NoError(t, err)
	_, err = f.redistribution.Run(ctx, RedistributionRequest{})
	require.NoError(t, err)

	m := newMetrics(t, f, nil)

	cm, err := m.CompostMetrics(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), cm.Runs)
	require.Equal(t, int64(1), cm.WalletsAffected)
	require.Equal(t, int64(100), cm.TotalComposted)
	require.Equal(t, int64(1), cm.Transactions)
	require.Equal(t, int64(1), cm.UsersComposted)
	require.Len(t, cm.RecentRuns, 2)

	rm, err := m.RedistributionMetrics(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), rm.Transactions)
	require.Equal(t, int64(100), rm.TotalRedistributed)
	require.Equal(t, int64(1), rm.UsersCredited)
	require.Equal(t, int64(0), rm.SiloBalance)
	require.Equal(t, int64(1), rm.TotalCycles)

	_, err = m.CompostMetrics(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidWindow)
	_, err = m.RedistributionMetrics(ctx, MaxMetricsDays+1)
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestGlobalTotalsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rdb := newRedis(t)
	m := newMetrics(t, f, rdb)

	_, err := f.ledger.Harvest(ctx, 1, "poll_vote", ptr(20))
	require.NoError(t, err)

	totals, err := m.GlobalTotals(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Wallets)
	require.Equal(t, int64(20), totals.CirculatingBalance)
	require.Equal(t, int64(20), totals.TotalSupply)

	_, err = f.ledger.Harvest(ctx, 2, "poll_vote", nil)
	require.NoError(t, err)

	cached, err := m.GlobalTotals(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), cached.Wallets)

	require.NoError(t, cache.Delete(ctx, rdb, globalTotalsCacheKey))
	fresh, err := m.GlobalTotals(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), fresh.Wallets)
	require.Equal(t, int64(25), fresh.TotalSupply)
}

func TestGlobalTotalsFallsBackWhenRedisDown(t *testing.T) {
	f := newFixture(t)
	mr, rdb := newRedis(t)
	mr.Close()
	m := newMetrics(t, f, rdb)

	testutil.SeedSilo(t, f.db, 40)
	totals, err := m.GlobalTotals(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(40), totals.SiloBalance)
	require.Equal(t, int64(40), totals.TotalSupply)
}

func TestCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := newMetrics(t, f, nil)

	_, err := m.CreateCycle(ctx, CreateCycleRequest{Name: " ", StartDate: testNow, EndDate: testNow.Add(time.Hour)})
	require.ErrorIs(t, err, ErrInvalidCycle)
	_, err = m.CreateCycle(ctx, CreateCycleRequest{Name: "bad", StartDate: testNow, EndDate: testNow})
	require.ErrorIs(t, err, ErrInvalidCycle)

	old, err := m.CreateCycle(ctx, CreateCycleRequest{
		Name:      "2025-Q4",
		StartDate: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:  true,
	})
	require.NoError(t, err)
	current, err := m.CreateCycle(ctx, CreateCycleRequest{
		Name:      "2026-Q1",
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		IsActive:  true,
	})
	require.NoError(t, err)

	var stored model.Cycle
	require.NoError(t, f.db.Take(&stored, old.ID).Error)
	require.False(t, stored.IsActive)

	_, err = f.ledger.Harvest(ctx, 1, "poll_vote", ptr(30))
	require.NoError(t, err)
	_, err = f.ledger.Spend(ctx, 1, "vote_weight", 12)
	require.NoError(t, err)

	stats, err := m.CycleStats(ctx, current.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30), stats.Stats.Harvested)
	require.Equal(t, int64(12), stats.Stats.Planted)
	require.Equal(t, int64(2), stats.Stats.Transactions)

	cycles, err := m.ListCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	require.Equal(t, "2026-Q1", cycles[0].Name)
	require.Equal(t, int64(0), cycles[1].Stats.Transactions)

	_, err = m.CycleStats(ctx, 999)
	require.Error(t, err)
}
