package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  port: 9090
  admin_token: s3cret
mysql:
  host: db
  port: 3306
  user: saka
  password: saka
  database: saka
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic:
    ledger_event: ledger
    integrity_alert: alerts
saka:
  rewards:
    poll_vote:
      base_reward: 5
      daily_limit: 10
  spend_reasons: [project_boost]
  compost:
    enabled: true
    inactivity_days: 90
    rate: 0.1
    min_balance: 100
    min_amount: 1
  redistribution:
    enabled: true
    rate: 1.0
    min_silo_balance: 100
    policy: harvest_weighted
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "s3cret", cfg.Server.AdminToken)
	require.Equal(t, int64(1), cfg.Server.WorkerID)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 5, cfg.Kafka.MaxRetryCount)

	require.Equal(t, int64(50), cfg.Saka.Rewards["poll_vote"].DailyCap())
	require.Equal(t, 0.1, cfg.Saka.Compost.Rate)
	require.Equal(t, 168*time.Hour, cfg.Saka.Compost.Interval)
	require.Equal(t, 30, cfg.Saka.Redistribution.ActiveDays)
	require.Equal(t, PolicyHarvestWeighted, cfg.Saka.Redistribution.Policy)
	require.Equal(t, 5*time.Second, cfg.Saka.LockTimeout)
	require.Equal(t, int64(10000), cfg.Saka.Integrity.MassiveChangeThreshold)
	require.Equal(t, time.Hour, cfg.Saka.Integrity.AlertDedupeWindow)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SAKA_SERVER_PORT", "7070")
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestShippedConfigIsValid(t *testing.T) {
	_, err := LoadConfig(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
}

func TestInvalidValuesAbortLoad(t *testing.T) {
	cases := map[string]struct {
		from, to string
		problem  string
	}{
		"compost rate above one":    {"rate: 0.1", "rate: 1.5", "saka.compost.rate"},
		"compost rate zero":         {"rate: 0.1", "rate: 0", "saka.compost.rate"},
		"inactivity days zero":      {"inactivity_days: 90", "inactivity_days: 0", "inactivity_days"},
		"inactivity days too large": {"inactivity_days: 90", "inactivity_days: 366", "inactivity_days"},
		"negative min balance":      {"min_balance: 100", "min_balance: -1", "min_balance"},
		"unknown policy":            {"policy: harvest_weighted", "policy: lottery", "policy"},
		"redistribution rate":       {"rate: 1.0", "rate: 2.0", "saka.redistribution.rate"},
		"zero base reward":          {"base_reward: 5", "base_reward: 0", "base_reward"},
		"zero daily limit":          {"daily_limit: 10", "daily_limit: 0", "daily_limit"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(validYAML, tc.from, tc.to, 1)
			require.NotEqual(t, validYAML, body)

			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidConfig))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Contains(t, strings.Join(verr.Problems, "\n"), tc.problem)
		})
	}
}

func TestDisabledRedistributionSkipsRateCheck(t *testing.T) {
	body := strings.Replace(validYAML, "rate: 1.0", "rate: 0", 1)
	body = strings.Replace(body, "  redistribution:\n    enabled: true", "  redistribution:\n    enabled: false", 1)
	_, err := LoadConfig(writeConfig(t, body))
	require.NoError(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Greater(t, len(verr.Problems), 5)
}
