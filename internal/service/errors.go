package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

var (
	ErrInsufficientBalance = errors.New("SAKA 余额不足")
	ErrUnknownReason       = errors.New("未知的 SAKA 原因")
	ErrInvalidAmount       = errors.New("SAKA 数量必须为正整数")
	ErrInvalidUserID       = errors.New("user_id 不合法")
	ErrLockTimeout         = errors.New("钱包行锁等待超时，请重试")
	ErrEngineDisabled      = errors.New("引擎未启用")
	ErrSiloDepleted        = errors.New("Silo 余额不足以支付本次份额")
	ErrInvalidCycle        = errors.New("周期参数不合法")
	ErrInvalidWindow       = errors.New("统计窗口不合法")
	ErrInvalidFilter       = errors.New("流水查询条件不合法")
)

const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// mapLockError 把锁等待超时 / 死锁 / ctx 超时统一成可重试的 ErrLockTimeout
func mapLockError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlLockWaitTimeout || myErr.Number == mysqlDeadlock) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}
