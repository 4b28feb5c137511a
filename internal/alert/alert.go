package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sink delivers critical alerts. Delivery mechanics (email, webhook, pager)
// live behind whatever consumes the alert topic.
type Sink interface {
	SendCriticalAlert(ctx context.Context, title string, payload map[string]interface{}, dedupeKey string) error
}

// Event is the message published for one alert.
type Event struct {
	AlertID   string                 `json:"alert_id"`
	Title     string                 `json:"title"`
	DedupeKey string                 `json:"dedupe_key"`
	Severity  string                 `json:"severity"`
	Payload   map[string]interface{} `json:"payload"`
	RaisedAt  time.Time              `json:"raised_at"`
}

// ============================================================================
// OutboxSink 告警写入发件箱，由 OutboxSender 投递到 Kafka
// ============================================================================

type OutboxSink struct {
	outboxRepo *repository.OutboxRepository
	topic      string
	now        func() time.Time
}

func NewOutboxSink(outboxRepo *repository.OutboxRepository, topic string) *OutboxSink {
	return &OutboxSink{
		outboxRepo: outboxRepo,
		topic:      topic,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *OutboxSink) SendCriticalAlert(ctx context.Context, title string, payload map[string]interface{}, dedupeKey string) error {
	ev := Event{
		AlertID:   uuid.NewString(),
		Title:     title,
		DedupeKey: dedupeKey,
		Severity:  "critical",
		Payload:   payload,
		RaisedAt:  s.now(),
	}
	if err := s.outboxRepo.Enqueue(ctx, nil, s.topic, model.EventTypeIntegrityAlert, dedupeKey, ev); err != nil {
		return fmt.Errorf("写入告警消息失败: %w", err)
	}
	return nil
}

// ============================================================================
// 去重：同一 dedupe key 在窗口期内只发送一次
// ============================================================================

// Deduper reports whether an alert with key should go out now.
type Deduper interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

const dedupeKeyPrefix = "saka:alert:dedupe:"

// RedisDeduper SETNX + TTL，多实例共享同一个窗口
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
}

func NewRedisDeduper(client *redis.Client, window time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, window: window}
}

func (d *RedisDeduper) Acquire(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, dedupeKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), d.window).Result()
}

// DeduplicatingSink drops repeats inside the dedupe window. If the deduper is
// unavailable the alert is sent anyway: a duplicate page beats a lost one.
type DeduplicatingSink struct {
	next    Sink
	deduper Deduper
	log     *logrus.Entry
}

func NewDeduplicatingSink(next Sink, deduper Deduper) *DeduplicatingSink {
	return &DeduplicatingSink{
		next:    next,
		deduper: deduper,
		log:     logrus.WithField("component", "alert_sink"),
	}
}

var ErrEmptyDedupeKey = errors.New("dedupe key is required")

func (s *DeduplicatingSink) SendCriticalAlert(ctx context.Context, title string, payload map[string]interface{}, dedupeKey string) error {
	if dedupeKey == "" {
		return ErrEmptyDedupeKey
	}
	fresh, err := s.deduper.Acquire(ctx, dedupeKey)
	if err != nil {
		s.log.WithError(err).WithField("dedupe_key", dedupeKey).Warn("alert dedupe unavailable, sending anyway")
		fresh = true
	}
	if !fresh {
		telemetry.RecordAlertSuppressed()
		s.log.WithField("dedupe_key", dedupeKey).Debug("duplicate alert suppressed")
		return nil
	}
	return s.next.SendCriticalAlert(ctx, title, payload, dedupeKey)
}
