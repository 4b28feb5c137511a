package job_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sakaledger/internal/infrastructure/mq"
	"sakaledger/internal/job"
	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func enqueue(t *testing.T, db *gorm.DB, key string, payload interface{}) {
	t.Helper()
	repo := repository.NewOutboxRepository(db)
	require.NoError(t, repo.Enqueue(context.Background(), nil, "saka_ledger_event", model.EventTypeLedgerTransaction, key, payload))
}

func outboxStatus(t *testing.T, db *gorm.DB) []*model.OutboxMessage {
	t.Helper()
	var rows []*model.OutboxMessage
	require.NoError(t, db.Order("id ASC").Find(&rows).Error)
	return rows
}

func TestOutboxSenderDeliversPending(t *testing.T) {
	db, _ := testutil.NewDB(t)
	enqueue(t, db, "1", map[string]interface{}{"transaction_no": "SKT-1"})
	enqueue(t, db, "2", map[string]interface{}{"transaction_no": "SKT-2"})

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if !strings.Contains(string(val), "SKT-1") {
			return errors.New("messages must go out in id order")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	publisher := mq.NewPublisher(producer)
	defer func() { require.NoError(t, publisher.Close()) }()

	sender := job.NewOutboxSender(db, publisher, 3)
	require.Equal(t, 2, sender.ProcessPending(context.Background()))

	for _, msg := range outboxStatus(t, db) {
		require.Equal(t, model.OutboxStatusSent, msg.Status)
	}
	// 已发送的消息不会重复投递
	require.Equal(t, 0, sender.ProcessPending(context.Background()))
}

func TestOutboxSenderMarksFailedAfterMaxRetry(t *testing.T) {
	db, _ := testutil.NewDB(t)
	enqueue(t, db, "1", map[string]interface{}{"transaction_no": "SKT-1"})

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := mq.NewPublisher(producer)
	defer func() { require.NoError(t, publisher.Close()) }()

	sender := job.NewOutboxSender(db, publisher, 2)
	ctx := context.Background()

	require.Equal(t, 0, sender.ProcessPending(ctx))
	rows := outboxStatus(t, db)
	require.Equal(t, model.OutboxStatusPending, rows[0].Status)
	require.Equal(t, 1, rows[0].RetryCount)

	require.Equal(t, 0, sender.ProcessPending(ctx))
	rows = outboxStatus(t, db)
	require.Equal(t, model.OutboxStatusFailed, rows[0].Status)
	require.Equal(t, 2, rows[0].RetryCount)

	// FAILED 的消息不再投递
	require.Equal(t, 0, sender.ProcessPending(ctx))
}

func TestPublisherHonoursCancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	publisher := mq.NewPublisher(producer)
	defer func() { require.NoError(t, publisher.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, publisher.Publish(ctx, "t", "k", "v", nil), context.Canceled)
}
