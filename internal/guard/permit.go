package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type permitKey struct{}

// Permit 写受保护列的作用域许可
//
// 只能通过 Guard.WithMutationAllowed 获得，调用返回后即失效，
// 逃出作用域的 ctx 携带的是一个已失效的 Permit。
type Permit struct {
	id      string
	purpose string
	active  atomic.Bool

	mu      sync.Mutex
	saves   []SaveEvent
	entries []Entry
}

func newPermit(purpose string) *Permit {
	p := &Permit{id: uuid.NewString(), purpose: purpose}
	p.active.Store(true)
	return p
}

func (p *Permit) ID() string      { return p.id }
func (p *Permit) Purpose() string { return p.purpose }

// Active 是否仍可写；nil 视为无效
func (p *Permit) Active() bool {
	return p != nil && p.active.Load()
}

func (p *Permit) release() {
	p.active.Store(false)
}

func (p *Permit) recordSave(ev SaveEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, ev)
}

func (p *Permit) recordEntry(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

func (p *Permit) settlement() Settlement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Settlement{
		PermitID: p.id,
		Purpose:  p.purpose,
		Saves:    append([]SaveEvent(nil), p.saves...),
		Entries:  append([]Entry(nil), p.entries...),
	}
}

// PermitFrom 取出 ctx 携带的 Permit，没有则返回 nil
func PermitFrom(ctx context.Context) *Permit {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(permitKey{}).(*Permit)
	return p
}

// ============================================================================
// Events
// ============================================================================

// SaveEvent 一次已落库的受保护行写入
type SaveEvent struct {
	Table    string
	RowID    int64
	UserID   int64 // wallets only
	Old      map[string]int64
	New      map[string]int64
	Created  bool
	PermitID string
	Purpose  string
	At       time.Time
}

// Changed 值发生变化的受保护列
func (e SaveEvent) Changed() []string {
	var cols []string
	for col, v := range e.New {
		if e.Old[col] != v {
			cols = append(cols, col)
		}
	}
	return sortStrings(cols)
}

// Delta New - Old
func (e SaveEvent) Delta(col string) int64 {
	return e.New[col] - e.Old[col]
}

// Entry 作用域内创建的一条流水
type Entry struct {
	UserID          int64
	TransactionNo   string
	TransactionType string
	Signed          int64
}

// Settlement 一个作用域落库的全部内容，作用域成功结束后发布
type Settlement struct {
	PermitID string
	Purpose  string
	Saves    []SaveEvent
	Entries  []Entry
}

// Observer 接收 guard 放行的写入
type Observer interface {
	// WalletSaved 每次受保护行落库调用一次
	WalletSaved(ctx context.Context, ev SaveEvent)
	// ScopeSettled 在成功作用域的全部 WalletSaved 之后调用
	ScopeSettled(ctx context.Context, s Settlement)
}
