package repository_test

import (
	"context"
	"testing"
	"time"

	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/testutil"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func TestWalletSelections(t *testing.T) {
	db, _ := testutil.NewDB(t)
	repo := repository.NewWalletRepository(db)
	ctx := context.Background()

	testutil.SeedWallet(t, db, 3, 500, at(-100*24*time.Hour))
	testutil.SeedWallet(t, db, 1, 50, at(-100*24*time.Hour))
	testutil.SeedWallet(t, db, 2, 800, at(-time.Hour))
	testutil.SeedWallet(t, db, 4, 900, nil)
	// 从未活跃且早已创建
	require.NoError(t, db.Create(&model.SakaWallet{UserID: 5, Balance: 700, CreatedAt: *at(-200 * 24 * time.Hour)}).Error)

	candidates, err := repo.ListCompostCandidates(ctx, base.Add(-90*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, int64(3), candidates[0].UserID)
	require.Equal(t, int64(5), candidates[1].UserID)

	active, err := repo.ListActiveSince(ctx, base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, int64(2), active[0].UserID)

	totals, err := repo.Totals(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), totals.Wallets)
	require.Equal(t, int64(2950), totals.Balance)

	_, err = repo.GetByUserID(ctx, nil, 99)
	require.ErrorIs(t, err, repository.ErrWalletNotFound)

	w, err := repo.GetOrCreate(ctx, nil, 3)
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)
}

func TestSiloDefaultsToZero(t *testing.T) {
	db, _ := testutil.NewDB(t)
	repo := repository.NewSiloRepository(db)

	silo, err := repo.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.SiloID, silo.ID)
	require.Equal(t, int64(0), silo.TotalBalance)
	require.Equal(t, int64(0), testutil.CountRows(t, db, &model.Silo{}, ""))

	require.NoError(t, repo.Ensure(context.Background(), nil))
	require.NoError(t, repo.Ensure(context.Background(), nil))
	require.Equal(t, int64(1), testutil.CountRows(t, db, &model.Silo{}, ""))
}

func TestActiveCycleLookup(t *testing.T) {
	db, _ := testutil.NewDB(t)
	repo := repository.NewCycleRepository(db)
	ctx := context.Background()

	q1 := &model.Cycle{Name: "Q1", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), IsActive: true}
	require.NoError(t, repo.Create(ctx, q1))

	got, err := repo.GetActiveAt(ctx, base)
	require.NoError(t, err)
	require.Equal(t, q1.ID, got.ID)

	got, err = repo.GetActiveAt(ctx, q1.EndDate)
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = repo.GetByID(ctx, 12345)
	require.ErrorIs(t, err, repository.ErrCycleNotFound)
}

func TestOutboxStatusAccounting(t *testing.T) {
	db, _ := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Enqueue(ctx, nil, "saka_ledger_event", model.EventTypeLedgerTransaction, "1", map[string]int{"i": i}))
	}
	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, `{"i":0}`, pending[0].Payload)

	require.NoError(t, repo.MarkSent(ctx, pending[0].ID))
	exhausted, err := repo.RecordFailure(ctx, pending[1], 1)
	require.NoError(t, err)
	require.True(t, exhausted)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{
		model.OutboxStatusSent:    1,
		model.OutboxStatusFailed:  1,
		model.OutboxStatusPending: 1,
	}, counts)
}
