package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Log    LogConfig    `mapstructure:"log"`
	Saka   SakaConfig   `mapstructure:"saka"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"` // 管理接口的 X-Admin-Token，为空时管理接口全部拒绝
	WorkerID   int64  `mapstructure:"worker_id"`   // 雪花算法机器ID
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
	MaxRetryCount int              `mapstructure:"max_retry_count"`
}

type KafkaTopicConfig struct {
	LedgerEvent    string `mapstructure:"ledger_event"`
	IntegrityAlert string `mapstructure:"integrity_alert"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SakaConfig 账本核心参数
type SakaConfig struct {
	Rewards        map[string]RewardConfig `mapstructure:"rewards"`
	SpendReasons   []string                `mapstructure:"spend_reasons"`
	Compost        CompostConfig           `mapstructure:"compost"`
	Redistribution RedistributionConfig    `mapstructure:"redistribution"`
	Integrity      IntegrityConfig         `mapstructure:"integrity"`
	LockTimeout    time.Duration           `mapstructure:"lock_timeout"`
}

// RewardConfig is one row of the harvest table: a reason pays BaseReward grains
// and may be harvested at most DailyLimit times per UTC day.
type RewardConfig struct {
	BaseReward int64 `mapstructure:"base_reward"`
	DailyLimit int64 `mapstructure:"daily_limit"`
}

// DailyCap is the maximum number of grains a reason can credit per day.
func (r RewardConfig) DailyCap() int64 {
	return r.BaseReward * r.DailyLimit
}

type CompostConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	InactivityDays int           `mapstructure:"inactivity_days"`
	Rate           float64       `mapstructure:"rate"`
	MinBalance     int64         `mapstructure:"min_balance"`
	MinAmount      int64         `mapstructure:"min_amount"`
}

type RedistributionConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	Rate           float64       `mapstructure:"rate"`
	MinSiloBalance int64         `mapstructure:"min_silo_balance"`
	ActiveDays     int           `mapstructure:"active_days"`
	Policy         string        `mapstructure:"policy"`
}

type IntegrityConfig struct {
	MassiveChangeThreshold int64         `mapstructure:"massive_change_threshold"`
	AlertDedupeWindow      time.Duration `mapstructure:"alert_dedupe_window"`
}

const (
	PolicyEqual           = "equal"
	PolicyHarvestWeighted = "harvest_weighted"
)

// ErrInvalidConfig is wrapped by every ValidationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError lists every rejected setting.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidConfig, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

// LoadConfig 加载配置文件并校验，任何非法值都会阻止启动
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("SAKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")
	v.SetDefault("kafka.max_retry_count", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("saka.lock_timeout", "5s")
	v.SetDefault("saka.compost.interval", "168h")
	v.SetDefault("saka.redistribution.interval", "168h")
	v.SetDefault("saka.redistribution.active_days", 30)
	v.SetDefault("saka.redistribution.policy", PolicyEqual)
	v.SetDefault("saka.integrity.massive_change_threshold", 10000)
	v.SetDefault("saka.integrity.alert_dedupe_window", "1h")
}

// Validate checks every ledger parameter. Values are never clamped.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.WorkerID < 0 || c.Server.WorkerID > 1023 {
		add("server.worker_id must be in [0,1023], got %d", c.Server.WorkerID)
	}

	s := c.Saka
	if len(s.Rewards) == 0 {
		add("saka.rewards must define at least one reason")
	}
	reasons := make([]string, 0, len(s.Rewards))
	for reason := range s.Rewards {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		r := s.Rewards[reason]
		if strings.TrimSpace(reason) == "" {
			add("saka.rewards has an empty reason")
		}
		if r.BaseReward <= 0 {
			add("saka.rewards.%s.base_reward must be > 0, got %d", reason, r.BaseReward)
		}
		if r.DailyLimit <= 0 {
			add("saka.rewards.%s.daily_limit must be > 0, got %d", reason, r.DailyLimit)
		}
	}
	for _, reason := range s.SpendReasons {
		if strings.TrimSpace(reason) == "" {
			add("saka.spend_reasons contains an empty reason")
		}
	}
	if s.LockTimeout <= 0 {
		add("saka.lock_timeout must be > 0")
	}

	cp := s.Compost
	if cp.InactivityDays < 1 || cp.InactivityDays > 365 {
		add("saka.compost.inactivity_days must be in [1,365], got %d", cp.InactivityDays)
	}
	if cp.Rate <= 0 || cp.Rate > 1 {
		add("saka.compost.rate must be in (0,1], got %v", cp.Rate)
	}
	if cp.MinBalance < 0 {
		add("saka.compost.min_balance must be >= 0, got %d", cp.MinBalance)
	}
	if cp.MinAmount < 0 {
		add("saka.compost.min_amount must be >= 0, got %d", cp.MinAmount)
	}
	if cp.Enabled && cp.Interval <= 0 {
		add("saka.compost.interval must be > 0 when compost is enabled")
	}

	rd := s.Redistribution
	if rd.Enabled {
		if rd.Rate <= 0 || rd.Rate > 1 {
			add("saka.redistribution.rate must be in (0,1] when redistribution is enabled, got %v", rd.Rate)
		}
		if rd.Interval <= 0 {
			add("saka.redistribution.interval must be > 0 when redistribution is enabled")
		}
	}
	if rd.MinSiloBalance < 0 {
		add("saka.redistribution.min_silo_balance must be >= 0, got %d", rd.MinSiloBalance)
	}
	if rd.ActiveDays < 1 {
		add("saka.redistribution.active_days must be >= 1, got %d", rd.ActiveDays)
	}
	if rd.Policy != PolicyEqual && rd.Policy != PolicyHarvestWeighted {
		add("saka.redistribution.policy must be %q or %q, got %q", PolicyEqual, PolicyHarvestWeighted, rd.Policy)
	}

	if s.Integrity.MassiveChangeThreshold <= 0 {
		add("saka.integrity.massive_change_threshold must be > 0")
	}
	if s.Integrity.AlertDedupeWindow <= 0 {
		add("saka.integrity.alert_dedupe_window must be > 0")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
