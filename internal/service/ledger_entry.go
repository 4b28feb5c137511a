package service

import (
	"context"
	"fmt"
	"time"

	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/pkg/idgen"

	"gorm.io/gorm"
)

// LedgerEvent 每条流水对应一条发件箱消息
type LedgerEvent struct {
	TransactionNo   string    `json:"transaction_no"`
	UserID          int64     `json:"user_id"`
	Amount          int64     `json:"amount"`
	Direction       string    `json:"direction"`
	TransactionType string    `json:"transaction_type"`
	Reason          string    `json:"reason"`
	BalanceBefore   int64     `json:"balance_before"`
	BalanceAfter    int64     `json:"balance_after"`
	CreatedAt       time.Time `json:"created_at"`
}

// entryWriter 写流水 + 发件箱，必须和钱包 Save 在同一个事务里
type entryWriter struct {
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	topic           string
}

func (w *entryWriter) write(ctx context.Context, tx *gorm.DB, wallet *model.SakaWallet, transactionType, reason string, amount, balanceBefore int64, at time.Time) (*model.SakaTransaction, error) {
	direction, ok := model.DirectionOf(transactionType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown transaction_type %q", model.ErrInvalidTransaction, transactionType)
	}
	trans := &model.SakaTransaction{
		TransactionNo:   idgen.GenerateTransactionNo(),
		UserID:          wallet.UserID,
		Amount:          amount,
		Direction:       direction,
		TransactionType: transactionType,
		Reason:          reason,
		BalanceBefore:   balanceBefore,
		BalanceAfter:    wallet.Balance,
		CreatedAt:       at,
	}
	if err := w.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	ev := LedgerEvent{
		TransactionNo:   trans.TransactionNo,
		UserID:          trans.UserID,
		Amount:          trans.Amount,
		Direction:       trans.Direction,
		TransactionType: trans.TransactionType,
		Reason:          trans.Reason,
		BalanceBefore:   trans.BalanceBefore,
		BalanceAfter:    trans.BalanceAfter,
		CreatedAt:       trans.CreatedAt,
	}
	key := fmt.Sprintf("%d", trans.UserID)
	if err := w.outboxRepo.Enqueue(ctx, tx, w.topic, model.EventTypeLedgerTransaction, key, ev); err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}
	return trans, nil
}

// utcDay 返回 t 所在 UTC 自然日的 [start, end)
func utcDay(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
