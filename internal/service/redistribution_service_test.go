package service

import (
	"context"
	"testing"

	"sakaledger/internal/config"
	"sakaledger/internal/model"
	"sakaledger/internal/testutil"

	"github.com/stretchr/testify/require"
)

func totalGrains(t *testing.T, f *fixture) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, f.db.Model(&model.SakaWallet{}).Select("COALESCE(SUM(balance), 0)").Scan(&sum).Error)
	return sum + testutil.Silo(t, f.db).TotalBalance
}

func TestRedistributionConservesGrains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedSilo(t, f.db, 1000)
	for uid := int64(1); uid <= 3; uid++ {
		testutil.SeedWallet(t, f.db, uid, 10, daysAgo(1))
	}
	before := totalGrains(t, f)

	report, err := f.redistribution.Run(ctx, RedistributionRequest{Source: model.SourceScheduler})
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, int64(1000), report.Pool)
	require.Equal(t, 3, report.EligibleWallets)
	require.Equal(t, 3, report.WalletsCredited)
	require.Equal(t, int64(999), report.TotalRedistributed)
	require.Equal(t, int64(1000), report.SiloBalanceBefore)
	require.Equal(t, int64(1), report.SiloBalanceAfter)
	require.Len(t, report.Allocations, 3)
	for _, a := range report.Allocations {
		require.Equal(t, AllocationCredited, a.Status)
		require.Equal(t, int64(333), a.Amount)
		require.NotEmpty(t, a.TransactionNo)
	}

	for uid := int64(1); uid <= 3; uid++ {
		w := testutil.Wallet(t, f.db, uid)
		require.Equal(t, int64(343), w.Balance)
		// 再分配不算活跃，也不计入收获
		require.True(t, w.LastActivityDate.Equal(*daysAgo(1)))
		require.Equal(t, int64(10), w.TotalHarvested)

		entries := f.entries(t, uid)
		require.Len(t, entries, 1)
		require.Equal(t, model.TransactionTypeRedistribution, entries[0].TransactionType)
		require.Equal(t, model.DirectionEarn, entries[0].Direction)
	}

	silo := testutil.Silo(t, f.db)
	require.Equal(t, int64(1), silo.TotalBalance)
	require.Equal(t, int64(1), silo.TotalCycles)
	require.Equal(t, before, totalGrains(t, f))
}

func TestRedistributionBelowThresholdIsNoop(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSilo(t, f.db, 99)
	testutil.SeedWallet(t, f.db, 1, 10, daysAgo(1))

	report, err := f.redistribution.Run(context.Background(), RedistributionRequest{})
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Equal(t, SkipBelowThreshold, report.SkipReason)

	silo := testutil.Silo(t, f.db)
	require.Equal(t, int64(99), silo.TotalBalance)
	require.Equal(t, int64(0), silo.TotalCycles)
	require.Equal(t, int64(10), testutil.Wallet(t, f.db, 1).Balance)
}

func TestRedistributionEmptySiloIsNoop(t *testing.T) {
	f := newFixture(t)
	f.redistribution.cfg.MinSiloBalance = 0
	testutil.SeedWallet(t, f.db, 1, 10, daysAgo(1))

	report, err := f.redistribution.Run(context.Background(), RedistributionRequest{})
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Equal(t, SkipBelowThreshold, report.SkipReason)
}

func TestRedistributionOnlyCreditsActiveWallets(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSilo(t, f.db, 500)
	testutil.SeedWallet(t, f.db, 1, 0, daysAgo(2))
	testutil.SeedWallet(t, f.db, 2, 0, daysAgo(31))
	testutil.SeedWallet(t, f.db, 3, 0, nil)

	report, err := f.redistribution.Run(context.Background(), RedistributionRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, report.EligibleWallets)
	require.Equal(t, int64(500), report.TotalRedistributed)

	require.Equal(t, int64(500), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(0), testutil.Wallet(t, f.db, 2).Balance)
	require.Equal(t, int64(0), testutil.Wallet(t, f.db, 3).Balance)
	require.Equal(t, int64(0), testutil.Silo(t, f.db).TotalBalance)
}

func TestRedistributionWithoutEligibleWallets(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSilo(t, f.db, 500)
	testutil.SeedWallet(t, f.db, 1, 0, daysAgo(60))

	report, err := f.redistribution.Run(context.Background(), RedistributionRequest{})
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Equal(t, SkipNoEligible, report.SkipReason)
	require.Equal(t, int64(0), testutil.Silo(t, f.db).TotalCycles)
}

func TestRedistributionShareBelowOneGrain(t *testing.T) {
	f := newFixture(t)
	f.redistribution.cfg.MinSiloBalance = 0
	testutil.SeedSilo(t, f.db, 2)
	for uid := int64(1); uid <= 3; uid++ {
		testutil.SeedWallet(t, f.db, uid, 0, daysAgo(1))
	}

	report, err := f.redistribution.Run(context.Background(), RedistributionRequest{})
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Equal(t, SkipShareTooSmall, report.SkipReason)
	require.Equal(t, int64(2), testutil.Silo(t, f.db).TotalBalance)
}

func TestRedistributionDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.redistribution.cfg.Rate = 0.5
	testutil.SeedSilo(t, f.db, 1000)
	testutil.SeedWallet(t, f.db, 1, 0, daysAgo(1))
	testutil.SeedWallet(t, f.db, 2, 0, daysAgo(1))

	report, err := f.redistribution.Run(context.Background(), RedistributionRequest{DryRun: true})
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, int64(500), report.Pool)
	require.Equal(t, int64(500), report.TotalRedistributed)
	require.Equal(t, int64(500), report.SiloBalanceAfter)
	for _, a := range report.Allocations {
		require.Equal(t, AllocationPlanned, a.Status)
	}

	silo := testutil.Silo(t, f.db)
	require.Equal(t, int64(1000), silo.TotalBalance)
	require.Equal(t, int64(0), silo.TotalCycles)
	require.Equal(t, int64(0), testutil.CountRows(t, f.db, &model.SakaTransaction{}, ""))
}

func TestRedistributionDisabled(t *testing.T) {
	f := newFixture(t)
	f.redistribution.cfg.Enabled = false

	_, err := f.redistribution.Run(context.Background(), RedistributionRequest{})
	require.ErrorIs(t, err, ErrEngineDisabled)
}

func TestSharesPolicies(t *testing.T) {
	wallets := []*model.SakaWallet{
		{ID: 1, TotalHarvested: 1},
		{ID: 2, TotalHarvested: 1},
		{ID: 3, TotalHarvested: 2},
	}

	require.Equal(t, []int64{3, 3, 3}, Shares(config.PolicyEqual, 10, wallets))
	require.Equal(t, []int64{2, 2, 5}, Shares(config.PolicyHarvestWeighted, 10, wallets))
	require.Equal(t, []int64{0, 0, 0}, Shares(config.PolicyEqual, 0, wallets))
	require.Empty(t, Shares(config.PolicyEqual, 10, nil))

	// 没有收获记录时按均分
	fresh := []*model.SakaWallet{{ID: 1}, {ID: 2}}
	require.Equal(t, []int64{5, 5}, Shares(config.PolicyHarvestWeighted, 10, fresh))
}

func TestHarvestWeightedRedistribution(t *testing.T) {
	f := newFixture(t)
	f.redistribution.cfg.Policy = config.PolicyHarvestWeighted
	testutil.SeedSilo(t, f.db, 1000)
	testutil.SeedWallet(t, f.db, 1, 100, daysAgo(1)) // total_harvested = 100
	testutil.SeedWallet(t, f.db, 2, 300, daysAgo(1)) // total_harvested = 300

	report, err := f.redistribution.Run(context.Background(), RedistributionRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(1000), report.TotalRedistributed)
	require.Equal(t, int64(350), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(1050), testutil.Wallet(t, f.db, 2).Balance)
	require.Equal(t, int64(0), testutil.Silo(t, f.db).TotalBalance)
}

func TestRedistributionIsolatesWalletFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedSilo(t, f.db, 1000)
	for uid := int64(1); uid <= 3; uid++ {
		testutil.SeedWallet(t, f.db, uid, 10, daysAgo(1))
	}
	before := totalGrains(t, f)
	failWalletSaves(t, f.db, 2)

	report, err := f.redistribution.Run(ctx, RedistributionRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, report.WalletsCredited)
	require.Equal(t, 1, report.WalletsFailed)
	require.Equal(t, int64(666), report.TotalRedistributed)
	require.Len(t, report.Allocations, 3)
	require.Equal(t, AllocationCredited, report.Allocations[0].Status)
	require.Equal(t, AllocationFailed, report.Allocations[1].Status)
	require.Empty(t, report.Allocations[1].TransactionNo)
	require.Equal(t, AllocationCredited, report.Allocations[2].Status)

	require.Equal(t, int64(343), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(10), testutil.Wallet(t, f.db, 2).Balance)
	require.Equal(t, int64(343), testutil.Wallet(t, f.db, 3).Balance)
	require.Empty(t, f.entries(t, 2))

	// Silo 只减去实际入账的份额
	silo := testutil.Silo(t, f.db)
	require.Equal(t, int64(334), silo.TotalBalance)
	require.Equal(t, int64(334), report.SiloBalanceAfter)
	require.Equal(t, int64(1), silo.TotalCycles)
	require.Equal(t, before, totalGrains(t, f))
}

func TestRedistributionCreditRefusesToOverdrawSilo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedSilo(t, f.db, 10)
	testutil.SeedWallet(t, f.db, 1, 0, daysAgo(1))

	_, err := f.redistribution.creditWallet(ctx, 1, 50)
	require.ErrorIs(t, err, ErrSiloDepleted)

	require.Equal(t, int64(0), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(10), testutil.Silo(t, f.db).TotalBalance)
	require.Empty(t, f.entries(t, 1))
}
