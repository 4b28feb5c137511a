package database

import (
	"fmt"
	"strings"
	"time"

	"sakaledger/internal/config"
	"sakaledger/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitMySQL 初始化 MySQL 连接、注册插件（Mutation Guard）并迁移表结构
func InitMySQL(cfg *config.MySQLConfig, plugins ...gorm.Plugin) (*gorm.DB, error) {
	// clientFoundRows：值未变化的 Save 也返回 1 行，gorm 不会退化成 upsert（guard 会拒绝 upsert）
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&clientFoundRows=true",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:  NewLogger(cfg.LogLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Setup(db, plugins...); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"host": cfg.Host, "database": cfg.Database}).Info("MySQL 连接成功")
	return db, nil
}

// Setup 注册插件并迁移表结构，测试里的 sqlite 连接也走这里
func Setup(db *gorm.DB, plugins ...gorm.Plugin) error {
	for _, p := range plugins {
		if err := db.Use(p); err != nil {
			return fmt.Errorf("注册插件 %s 失败: %w", p.Name(), err)
		}
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return nil
}

// Models 账本的全部表；没有任何一张表引用货币钱包
func Models() []interface{} {
	return []interface{}{
		&model.SakaWallet{},
		&model.SakaTransaction{},
		&model.CompostLog{},
		&model.Cycle{},
		&model.Silo{},
		&model.OutboxMessage{},
	}
}

// NewLogger gorm 日志输出到 logrus
func NewLogger(level string) logger.Interface {
	return logger.New(logrus.StandardLogger(), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  ParseLogLevel(level),
		IgnoreRecordNotFoundError: true,
	})
}

func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
