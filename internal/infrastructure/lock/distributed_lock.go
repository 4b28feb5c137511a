package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 堆肥 / 再分配是全量扫描任务，多实例部署时每个实例都有自己的 ticker。
// 钱包行锁保证了单个钱包不会被扣错，但两个实例同时跑堆肥会让同一个钱包
// 在一个周期内被衰减两次。所以每次执行前先拿一把按引擎区分的 Redis 锁，
// 拿不到就跳过本轮。
//
// 加锁：SET key owner NX PX ttl
// 释放：Lua 脚本比较 owner 后再 DEL，过期后被别人拿走的锁不会被误删
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
	ErrNotHeld    = errors.New("锁已过期或被他人持有")
)

const (
	KeyCompost        = "saka:lock:compost"
	KeyRedistribution = "saka:lock:redistribution"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持有者标识
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewRunLock 引擎执行锁，持有者标识是随机 uuid
func NewRunLock(client *redis.Client, key string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, key, uuid.NewString(), expiration)
}

func (l *DistributedLock) Key() string   { return l.key }
func (l *DistributedLock) Owner() string { return l.value }

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Refresh 续期，长任务每处理一批钱包调用一次
func (l *DistributedLock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// Do 持锁执行 fn，执行期间每 expiration/3 续期一次；锁被占用时返回 ErrLockFailed，不执行 fn
func (l *DistributedLock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ok, err := l.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("加锁 %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockFailed, l.key)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(done)
	}()

	defer func() {
		close(done)
		wg.Wait()
		// 业务 ctx 可能已取消，释放锁用独立的超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := l.Unlock(unlockCtx); err != nil {
			logrus.WithError(err).WithField("key", l.key).Warn("释放分布式锁失败，等待过期")
		}
	}()
	return fn(ctx)
}

func (l *DistributedLock) keepAlive(done <-chan struct{}) {
	interval := l.expiration / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.Refresh(ctx)
			cancel()
			if err != nil {
				logrus.WithError(err).WithField("key", l.key).Warn("分布式锁续期失败")
			}
		}
	}
}
