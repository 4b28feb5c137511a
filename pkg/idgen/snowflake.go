package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 【为什么需要分布式ID？】
//
// 流水号 / 执行编号要求：
//   1. 全局唯一 - 不能重复
//   2. 趋势递增 - 便于数据库索引
//   3. 高性能 - 支持高并发生成
//   4. 信息隐藏 - 不暴露业务量
//
// 【雪花算法结构】64位
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//   |   |            |            |
//   |   |            |            +-- 同一毫秒内的序列号（0-4095）
//   |   |            +-- 机器ID（0-1023）
//   |   +-- 毫秒级时间戳（可用约69年）
//   +-- 符号位，始终为0
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）
	workerIDBits   = 10                   // 机器ID位数
	sequenceBits   = 12                   // 序列号位数
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// ErrInvalidWorkerID workerID 超出 10 位范围
var ErrInvalidWorkerID = fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)

// Init 初始化默认ID生成器，只有第一次调用生效
func Init(workerID int64) error {
	if workerID < 0 || workerID > maxWorkerID {
		return ErrInvalidWorkerID
	}
	once.Do(func() {
		defaultGenerator = &Snowflake{workerID: workerID}
	})
	return nil
}

// NextID 生成下一个ID
func NextID() int64 {
	once.Do(func() {
		defaultGenerator = &Snowflake{workerID: 1}
	})
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		// 同一毫秒内，序列号递增
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		// 不同毫秒，序列号重置
		s.sequence = 0
	}

	s.timestamp = now

	// 组装ID
	id := ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence

	return id
}

const (
	PrefixTransaction    = "SKT"
	PrefixCompostRun     = "CMP"
	PrefixRedistribution = "RDS"
)

// generate 格式：前缀 + UTC 年月日时分秒 + 完整雪花ID
// 例如：SKT20240115143052 后接雪花ID；雪花ID本身全局唯一，时间段只是便于人工排查
func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("%s%s%d", prefix, timestamp, id)
}

// GenerateTransactionNo 生成 SAKA 流水号
func GenerateTransactionNo() string {
	return generate(PrefixTransaction)
}

// GenerateCompostRunNo 生成堆肥执行编号
func GenerateCompostRunNo() string {
	return generate(PrefixCompostRun)
}

// GenerateRedistributionRunNo 生成再分配执行编号
func GenerateRedistributionRunNo() string {
	return generate(PrefixRedistribution)
}
