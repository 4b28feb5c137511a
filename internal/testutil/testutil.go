// Package testutil builds isolated ledger fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sakaledger/internal/config"
	"sakaledger/internal/guard"
	"sakaledger/internal/infrastructure/database"
	"sakaledger/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// NewDB opens a per-test in-memory sqlite database with the mutation guard
// installed and every ledger table migrated. One connection only: code that
// queries outside its open transaction deadlocks here instead of passing by luck.
func NewDB(t *testing.T) (*gorm.DB, *guard.Guard) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	g := guard.New()
	require.NoError(t, database.Setup(db, g))
	return db, g
}

// Config returns a valid configuration with the default reward table.
func Config() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, WorkerID: 1, AdminToken: "admin-secret"},
		Kafka: config.KafkaConfig{
			Brokers:       []string{"127.0.0.1:9092"},
			Topic:         config.KafkaTopicConfig{LedgerEvent: "saka_ledger_event", IntegrityAlert: "saka_integrity_alert"},
			MaxRetryCount: 3,
		},
		Log: config.LogConfig{Level: "info", Format: "text"},
		Saka: config.SakaConfig{
			Rewards: map[string]config.RewardConfig{
				"poll_vote":       {BaseReward: 5, DailyLimit: 10},
				"content_read":    {BaseReward: 1, DailyLimit: 20},
				"project_support": {BaseReward: 10, DailyLimit: 3},
			},
			SpendReasons: []string{"project_boost", "vote_weight"},
			Compost: config.CompostConfig{
				Enabled:        true,
				Interval:       168 * time.Hour,
				InactivityDays: 90,
				Rate:           0.1,
				MinBalance:     100,
				MinAmount:      1,
			},
			Redistribution: config.RedistributionConfig{
				Enabled:        true,
				Interval:       168 * time.Hour,
				Rate:           1.0,
				MinSiloBalance: 100,
				ActiveDays:     30,
				Policy:         config.PolicyEqual,
			},
			Integrity: config.IntegrityConfig{
				MassiveChangeThreshold: 10000,
				AlertDedupeWindow:      time.Hour,
			},
			LockTimeout: 5 * time.Second,
		},
	}
}

// SeedWallet writes a wallet directly, bypassing the ledger. The guard lets
// creations through, so this is only for arranging fixtures.
func SeedWallet(t *testing.T, db *gorm.DB, userID, balance int64, lastActivity *time.Time) *model.SakaWallet {
	t.Helper()
	w := &model.SakaWallet{UserID: userID, Balance: balance, TotalHarvested: balance, LastActivityDate: lastActivity}
	require.NoError(t, db.Create(w).Error)
	return w
}

// SeedSilo creates the silo row holding balance.
func SeedSilo(t *testing.T, db *gorm.DB, balance int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.Silo{ID: model.SiloID, TotalBalance: balance, TotalComposted: balance}).Error)
}

func Wallet(t *testing.T, db *gorm.DB, userID int64) *model.SakaWallet {
	t.Helper()
	var w model.SakaWallet
	require.NoError(t, db.Where("user_id = ?", userID).Take(&w).Error)
	return &w
}

func Silo(t *testing.T, db *gorm.DB) *model.Silo {
	t.Helper()
	var s model.Silo
	require.NoError(t, db.Where("id = ?", model.SiloID).Take(&s).Error)
	return &s
}

func CountRows(t *testing.T, db *gorm.DB, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(m)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

// Query is one statement seen by QueryLog. Locking carries the clause.Locking
// strength even on sqlite, whose dialect drops FOR UPDATE from the SQL text.
type Query struct {
	Table   string
	Locking string
}

// QueryLog records every query and row statement in execution order.
type QueryLog struct {
	mu      sync.Mutex
	queries []Query
}

// RecordQueries starts recording the statements db runs from now on.
func RecordQueries(t *testing.T, db *gorm.DB) *QueryLog {
	t.Helper()
	l := &QueryLog{}
	record := func(tx *gorm.DB) {
		q := Query{Table: tx.Statement.Table}
		if tx.Statement.Schema != nil {
			q.Table = tx.Statement.Schema.Table
		}
		if c, ok := tx.Statement.Clauses["FOR"]; ok {
			if lock, ok := c.Expression.(clause.Locking); ok {
				q.Locking = lock.Strength
			}
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.queries = append(l.queries, q)
	}
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("testutil:record_query", record))
	require.NoError(t, db.Callback().Row().After("gorm:row").Register("testutil:record_row", record))
	return l
}

func (l *QueryLog) Queries() []Query {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Query(nil), l.queries...)
}

// Alert is one call recorded by RecordingSink.
type Alert struct {
	Title     string
	Payload   map[string]interface{}
	DedupeKey string
}

// RecordingSink is an alert.Sink that remembers every alert.
type RecordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	Err    error
}

func (s *RecordingSink) SendCriticalAlert(_ context.Context, title string, payload map[string]interface{}, dedupeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, Alert{Title: title, Payload: payload, DedupeKey: dedupeKey})
	return s.Err
}

func (s *RecordingSink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// Methods lists the detection_method of every recorded alert.
func (s *RecordingSink) Methods() []string {
	var out []string
	for _, a := range s.Alerts() {
		out = append(out, fmt.Sprint(a.Payload["detection_method"]))
	}
	return out
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t.UTC().Truncate(time.Second)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
