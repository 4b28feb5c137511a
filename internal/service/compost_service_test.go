package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errInjected = errors.New("injected write failure")

// failWalletSaves 让指定用户钱包的每次 Save 失败，事务随之回滚
func failWalletSaves(t *testing.T, db *gorm.DB, userID int64) {
	t.Helper()
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:fail_wallet_save", func(tx *gorm.DB) {
		if w, ok := tx.Statement.Dest.(*model.SakaWallet); ok && w.UserID == userID {
			_ = tx.AddError(errInjected)
		}
	}))
}

func daysAgo(days int) *time.Time {
	t := testNow.Add(-time.Duration(days) * 24 * time.Hour)
	return &t
}

func TestCompostDecaysInactiveWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lastActive := daysAgo(91)
	testutil.SeedWallet(t, f.db, 1, 1000, lastActive)

	runLog, err := f.compost.Run(ctx, CompostRequest{Source: model.SourceScheduler})
	require.NoError(t, err)
	require.False(t, runLog.DryRun)
	require.Equal(t, 1, runLog.WalletsAffected)
	require.Equal(t, 0, runLog.WalletsFailed)
	require.Equal(t, int64(100), runLog.TotalComposted)
	require.Equal(t, model.SourceScheduler, runLog.Source)

	w := testutil.Wallet(t, f.db, 1)
	require.Equal(t, int64(900), w.Balance)
	require.Equal(t, int64(100), w.TotalComposted)
	// 堆肥不算活跃
	require.True(t, w.LastActivityDate.Equal(*lastActive))

	silo := testutil.Silo(t, f.db)
	require.Equal(t, int64(100), silo.TotalBalance)
	require.Equal(t, int64(100), silo.TotalComposted)
	require.NotNil(t, silo.LastCompostAt)

	entries := f.entries(t, 1)
	require.Len(t, entries, 1)
	require.Equal(t, model.TransactionTypeCompost, entries[0].TransactionType)
	require.Equal(t, model.DirectionSpend, entries[0].Direction)
	require.Equal(t, int64(100), entries[0].Amount)
	require.Equal(t, int64(1000), entries[0].BalanceBefore)
	require.Equal(t, int64(900), entries[0].BalanceAfter)

	require.Equal(t, int64(1), testutil.CountRows(t, f.db, &model.CompostLog{}, ""))
}

func TestCompostSkipsIneligibleWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedWallet(t, f.db, 1, 1000, daysAgo(89)) // 还差一天
	testutil.SeedWallet(t, f.db, 2, 99, daysAgo(200))  // 低于 min_balance
	testutil.SeedWallet(t, f.db, 3, 5000, nil)         // 刚创建，从未活跃
	testutil.SeedWallet(t, f.db, 4, 100, daysAgo(120))

	runLog, err := f.compost.Run(ctx, CompostRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, runLog.WalletsAffected)
	require.Equal(t, int64(10), runLog.TotalComposted)
	require.Equal(t, model.SourceManual, runLog.Source)

	require.Equal(t, int64(1000), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(99), testutil.Wallet(t, f.db, 2).Balance)
	require.Equal(t, int64(5000), testutil.Wallet(t, f.db, 3).Balance)
	require.Equal(t, int64(90), testutil.Wallet(t, f.db, 4).Balance)
}

func TestCompostBelowMinAmountIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.compost.cfg.MinAmount = 50
	testutil.SeedWallet(t, f.db, 1, 400, daysAgo(100))

	runLog, err := f.compost.Run(context.Background(), CompostRequest{})
	require.NoError(t, err)
	require.Equal(t, 0, runLog.WalletsAffected)
	require.Equal(t, int64(400), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(0), testutil.CountRows(t, f.db, &model.SakaTransaction{}, ""))
}

func TestCompostDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWallet(t, f.db, 1, 1000, daysAgo(91))

	runLog, err := f.compost.Run(context.Background(), CompostRequest{DryRun: true})
	require.NoError(t, err)
	require.True(t, runLog.DryRun)
	require.Equal(t, 1, runLog.WalletsAffected)
	require.Equal(t, int64(100), runLog.TotalComposted)

	require.Equal(t, int64(1000), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(0), testutil.CountRows(t, f.db, &model.SakaTransaction{}, ""))
	require.Equal(t, int64(0), testutil.CountRows(t, f.db, &model.Silo{}, ""))
	require.Equal(t, int64(1), testutil.CountRows(t, f.db, &model.CompostLog{}, "dry_run = ?", true))
}

func TestCompostDoesNotThrottleItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedWallet(t, f.db, 1, 1000, daysAgo(91))

	_, err := f.compost.Run(ctx, CompostRequest{})
	require.NoError(t, err)
	_, err = f.compost.Run(ctx, CompostRequest{})
	require.NoError(t, err)

	require.Equal(t, int64(810), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(190), testutil.Silo(t, f.db).TotalBalance)
	require.Equal(t, int64(2), testutil.CountRows(t, f.db, &model.CompostLog{}, ""))
}

func TestCompostDisabledOnlyAllowsDryRun(t *testing.T) {
	f := newFixture(t)
	f.compost.cfg.Enabled = false

	_, err := f.compost.Run(context.Background(), CompostRequest{})
	require.ErrorIs(t, err, ErrEngineDisabled)

	_, err = f.compost.Run(context.Background(), CompostRequest{DryRun: true})
	require.NoError(t, err)
}

func TestCompostLogLinksActiveCycle(t *testing.T) {
	f := newFixture(t)
	cycle := &model.Cycle{
		Name:      "2026-Q1",
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		IsActive:  true,
	}
	require.NoError(t, repository.NewCycleRepository(f.db).Create(context.Background(), cycle))

	runLog, err := f.compost.Run(context.Background(), CompostRequest{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, runLog.CycleID)
	require.Equal(t, cycle.ID, *runLog.CycleID)
}

func TestCompostAmountFloors(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, int64(100), f.compost.Amount(1000))
	require.Equal(t, int64(10), f.compost.Amount(109))
	require.Equal(t, int64(0), f.compost.Amount(9))

	f.compost.cfg.Rate = 0.07
	require.Equal(t, int64(7), f.compost.Amount(100))
}

func TestCompostCountsNeverActiveWalletFromCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Create(&model.SakaWallet{
		UserID:         1,
		Balance:        1000,
		TotalHarvested: 1000,
		CreatedAt:      *daysAgo(120),
	}).Error)
	require.NoError(t, f.db.Create(&model.SakaWallet{
		UserID:         2,
		Balance:        1000,
		TotalHarvested: 1000,
		CreatedAt:      *daysAgo(30),
	}).Error)

	runLog, err := f.compost.Run(ctx, CompostRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, runLog.WalletsAffected)
	require.Equal(t, int64(900), testutil.Wallet(t, f.db, 1).Balance)
	require.Nil(t, testutil.Wallet(t, f.db, 1).LastActivityDate)
	require.Equal(t, int64(1000), testutil.Wallet(t, f.db, 2).Balance)
}

func TestCompostIsolatesWalletFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for uid := int64(1); uid <= 3; uid++ {
		testutil.SeedWallet(t, f.db, uid, 1000, daysAgo(100))
	}
	failWalletSaves(t, f.db, 2)

	runLog, err := f.compost.Run(ctx, CompostRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, runLog.WalletsAffected)
	require.Equal(t, 1, runLog.WalletsFailed)
	require.Equal(t, int64(200), runLog.TotalComposted)

	require.Equal(t, int64(900), testutil.Wallet(t, f.db, 1).Balance)
	require.Equal(t, int64(1000), testutil.Wallet(t, f.db, 2).Balance)
	require.Equal(t, int64(900), testutil.Wallet(t, f.db, 3).Balance)
	require.Empty(t, f.entries(t, 2))

	// 失败钱包的事务整体回滚，Silo 只收到成功的两笔
	silo := testutil.Silo(t, f.db)
	require.Equal(t, int64(200), silo.TotalBalance)
	require.Equal(t, int64(200), silo.TotalComposted)

	var stored model.CompostLog
	require.NoError(t, f.db.Take(&stored, runLog.ID).Error)
	require.Equal(t, 1, stored.WalletsFailed)
	require.Equal(t, 2, stored.WalletsAffected)
}
