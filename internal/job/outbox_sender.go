package job

import (
	"context"
	"time"

	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/telemetry"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Publisher 消息投递，生产环境由 mq.Publisher (sarama) 实现
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string, headers map[string]string) error
}

// OutboxSender 把账本事件与完整性告警从发件箱投递到 Kafka
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	log        *logrus.Entry
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, maxRetry int) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   200 * time.Millisecond,
		batchSize:  100,
		log:        logrus.WithField("component", "outbox_sender"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("outbox sender stopped by context")
			return
		case <-s.stopCh:
			s.log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 投递一批待发送消息，返回成功条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("load pending outbox messages failed")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	log := s.log.WithFields(logrus.Fields{"id": msg.ID, "topic": msg.Topic, "event_type": msg.EventType})

	headers := map[string]string{"event_type": msg.EventType}
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload, headers)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			// 消息已投递但状态没更新，下一轮会重复投递，消费方按 transaction_no 去重
			log.WithError(err).Error("mark outbox message sent failed")
			return false
		}
		telemetry.RecordOutboxDelivery(msg.EventType, "sent")
		log.Debug("outbox message sent")
		return true
	}

	log.WithError(err).Warn("publish outbox message failed")
	exhausted, updateErr := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetry)
	if updateErr != nil {
		log.WithError(updateErr).Error("record outbox failure failed")
		return false
	}
	if exhausted {
		telemetry.RecordOutboxDelivery(msg.EventType, "failed")
		log.WithField("retry_count", msg.RetryCount+1).Error("outbox message exceeded max retries, marked FAILED")
		return false
	}
	telemetry.RecordOutboxDelivery(msg.EventType, "retry")
	return false
}
