package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"sakaledger/internal/alert"
	"sakaledger/internal/config"
	"sakaledger/internal/guard"
	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/telemetry"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ============================================================================
// Integrity Monitor
// ============================================================================
//
// 只观察、不拦截。guard 在作用域提交后把所有受保护写入交过来：
//   - 每次钱包写入：单次余额变化超过阈值 -> massive_change
//   - 作用域结束：每个用户的余额变化之和必须等于同作用域内其流水的带符号金额之和，
//     Silo 的 total_balance 变化必须等于 COMPOST 流入减 REDISTRIBUTION 流出 -> unpaired_delta
//   - 作用域外的写入（例如带余额直接创建钱包）没有任何流水可配对 -> unscoped_write
// 告警发出后钱包保持现状，等待人工处理，不做自动修正。
//
// ============================================================================

const (
	MethodMassiveChange = "massive_change"
	MethodUnpairedDelta = "unpaired_delta"
	MethodSiloUnpaired  = "silo_unpaired_delta"
	MethodUnscopedWrite = "unscoped_write"
	MethodReconcile     = "reconciliation"
)

type IntegrityMonitor struct {
	sink      alert.Sink
	threshold int64

	walletRepo      *repository.WalletRepository
	transactionRepo *repository.TransactionRepository

	log *logrus.Entry
}

var _ guard.Observer = (*IntegrityMonitor)(nil)

func NewIntegrityMonitor(db *gorm.DB, sink alert.Sink, cfg config.IntegrityConfig) *IntegrityMonitor {
	return &IntegrityMonitor{
		sink:            sink,
		threshold:       cfg.MassiveChangeThreshold,
		walletRepo:      repository.NewWalletRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		log:             logrus.WithField("component", "integrity_monitor"),
	}
}

// IntegrityAlert 告警内容
type IntegrityAlert struct {
	Table      string
	UserID     int64
	OldBalance int64
	NewBalance int64
	Expected   int64 // 流水可解释的变化量
	Method     string
	PermitID   string
	Purpose    string
}

func (a IntegrityAlert) Delta() int64 { return a.NewBalance - a.OldBalance }

// DedupeKey 相同用户、相同方法、相同前后值的告警在窗口期内只发一次
func (a IntegrityAlert) DedupeKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%d", a.Method, a.Table, a.UserID, a.OldBalance, a.NewBalance)))
	return hex.EncodeToString(sum[:16])
}

func (a IntegrityAlert) Payload() map[string]interface{} {
	return map[string]interface{}{
		"table":            a.Table,
		"user_id":          a.UserID,
		"old_balance":      a.OldBalance,
		"new_balance":      a.NewBalance,
		"delta":            a.Delta(),
		"expected_delta":   a.Expected,
		"detection_method": a.Method,
		"permit_id":        a.PermitID,
		"purpose":          a.Purpose,
		"dedupe_key":       a.DedupeKey(),
	}
}

func balanceColumn(table string) string {
	if table == model.SiloTable {
		return "total_balance"
	}
	return "balance"
}

// WalletSaved 单次写入检查
func (m *IntegrityMonitor) WalletSaved(ctx context.Context, ev guard.SaveEvent) {
	col := balanceColumn(ev.Table)
	base := IntegrityAlert{
		Table:      ev.Table,
		UserID:     ev.UserID,
		OldBalance: ev.Old[col],
		NewBalance: ev.New[col],
		PermitID:   ev.PermitID,
		Purpose:    ev.Purpose,
	}

	if ev.PermitID == "" && len(ev.Changed()) > 0 {
		a := base
		a.Method = MethodUnscopedWrite
		m.raise(ctx, a)
		return
	}

	if ev.Table != model.WalletTable {
		return
	}
	delta := ev.Delta(col)
	if delta < 0 {
		delta = -delta
	}
	if delta > m.threshold {
		a := base
		a.Method = MethodMassiveChange
		m.raise(ctx, a)
	}
}

// ScopeSettled 作用域级别的配对检查
func (m *IntegrityMonitor) ScopeSettled(ctx context.Context, s guard.Settlement) {
	type span struct {
		first, last int64
		seen        bool
		delta       int64
	}
	wallets := map[int64]*span{}
	var silo *span
	for _, ev := range s.Saves {
		col := balanceColumn(ev.Table)
		var sp *span
		switch ev.Table {
		case model.WalletTable:
			sp = wallets[ev.UserID]
			if sp == nil {
				sp = &span{}
				wallets[ev.UserID] = sp
			}
		case model.SiloTable:
			if silo == nil {
				silo = &span{}
			}
			sp = silo
		default:
			continue
		}
		if !sp.seen {
			sp.first, sp.seen = ev.Old[col], true
		}
		sp.last = ev.New[col]
		sp.delta += ev.Delta(col)
	}

	expected := map[int64]int64{}
	var siloExpected int64
	for _, e := range s.Entries {
		expected[e.UserID] += e.Signed
		if _, ok := wallets[e.UserID]; !ok {
			wallets[e.UserID] = &span{}
		}
		switch e.TransactionType {
		case model.TransactionTypeCompost, model.TransactionTypeRedistribution:
			// 钱包少多少 Silo 就多多少，反之亦然
			siloExpected -= e.Signed
		}
	}

	userIDs := make([]int64, 0, len(wallets))
	for id := range wallets {
		userIDs = append(userIDs, id)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	for _, id := range userIDs {
		sp := wallets[id]
		if sp.delta == expected[id] {
			continue
		}
		m.raise(ctx, IntegrityAlert{
			Table:      model.WalletTable,
			UserID:     id,
			OldBalance: sp.first,
			NewBalance: sp.last,
			Expected:   expected[id],
			Method:     MethodUnpairedDelta,
			PermitID:   s.PermitID,
			Purpose:    s.Purpose,
		})
	}

	var siloDelta int64
	var siloFirst, siloLast int64
	if silo != nil {
		siloDelta, siloFirst, siloLast = silo.delta, silo.first, silo.last
	}
	if siloDelta != siloExpected {
		m.raise(ctx, IntegrityAlert{
			Table:      model.SiloTable,
			OldBalance: siloFirst,
			NewBalance: siloLast,
			Expected:   siloExpected,
			Method:     MethodSiloUnpaired,
			PermitID:   s.PermitID,
			Purpose:    s.Purpose,
		})
	}
}

func (m *IntegrityMonitor) raise(ctx context.Context, a IntegrityAlert) {
	telemetry.RecordIntegrityAlert(a.Method)
	fields := logrus.Fields(a.Payload())
	m.log.WithFields(fields).Error("SAKA integrity breach detected")

	title := fmt.Sprintf("SAKA integrity breach: %s on %s", a.Method, a.Table)
	if err := m.sink.SendCriticalAlert(ctx, title, a.Payload(), a.DedupeKey()); err != nil {
		m.log.WithError(err).WithFields(fields).Error("send critical alert failed")
	}
}

// ============================================================================
// 对账
// ============================================================================

type ReconcileReport struct {
	UserID       int64 `json:"user_id"`
	Balance      int64 `json:"balance"`
	Earned       int64 `json:"earned"`
	Spent        int64 `json:"spent"`
	Transactions int64 `json:"transactions"`
	Expected     int64 `json:"expected"`
	Consistent   bool  `json:"consistent"`
}

// Reconcile 用全部流水重算余额并与钱包比较，不一致时告警
func (m *IntegrityMonitor) Reconcile(ctx context.Context, userID int64) (*ReconcileReport, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	wallet, err := m.walletRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	sums, err := m.transactionRepo.SumByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("汇总流水失败: %w", err)
	}

	report := &ReconcileReport{
		UserID:       userID,
		Balance:      wallet.Balance,
		Earned:       sums.Earned,
		Spent:        sums.Spent,
		Transactions: sums.Count,
		Expected:     sums.Earned - sums.Spent,
	}
	report.Consistent = report.Expected == report.Balance
	if !report.Consistent {
		m.raise(ctx, IntegrityAlert{
			Table:      model.WalletTable,
			UserID:     userID,
			OldBalance: report.Expected,
			NewBalance: report.Balance,
			Expected:   report.Expected,
			Method:     MethodReconcile,
		})
	}
	return report, nil
}
