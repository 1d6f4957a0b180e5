package position

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound 表示持仓不存在或已被移除。
	ErrNotFound = errors.New("position: not found")
	// ErrDuplicateID 表示持仓 ID 已存在，或曾经使用过。
	ErrDuplicateID = errors.New("position: duplicate id")
	// ErrNotOpen 表示写入的持仓不是 OPEN 状态。
	ErrNotOpen = errors.New("position: not open")
)

type entry struct {
	mu  sync.Mutex
	pos Position
}

// Tracker 是持仓的权威内存登记表。
// map 本身由 mu 保护，每个持仓的字段由各自 entry 的锁串行化，不同持仓之间互不阻塞。
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	retired map[string]struct{}
	now     func() time.Time
}

// NewTracker 创建空的持仓登记表。
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		retired: make(map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add 登记一笔 OPEN 持仓。ID 已存在或已被移除过时返回 ErrDuplicateID。
func (t *Tracker) Add(p Position) error {
	if p.ID == "" {
		return errors.New("position: id 不能为空")
	}
	if p.State != StateOpen {
		return ErrNotOpen
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[p.ID]; ok {
		return ErrDuplicateID
	}
	if _, ok := t.retired[p.ID]; ok {
		return ErrDuplicateID
	}

	t.entries[p.ID] = &entry{pos: p}
	return nil
}

// Get 返回持仓快照。
func (t *Tracker) Get(id string) (Position, error) {
	e, ok := t.lookup(id)
	if !ok {
		return Position{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, nil
}

// UpdatePeak 用观察到的价格原子地推进移动止盈状态：
// 价格首次达到触发价时激活并记录峰值，之后只在创新高时上移峰值与止盈价。
// 持仓不处于 OPEN 时不做任何修改，直接返回当前快照。
func (t *Tracker) UpdatePeak(id string, price decimal.Decimal) (Position, error) {
	e, ok := t.lookup(id)
	if !ok {
		return Position{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &e.pos
	if p.State != StateOpen {
		return *p, nil
	}

	switch {
	case !p.TrailActive:
		if price.LessThan(p.TrailTriggerPrice) {
			return *p, nil
		}
		p.TrailActive = true
		p.PeakPrice = price
	case price.GreaterThan(p.PeakPrice):
		p.PeakPrice = price
	default:
		return *p, nil
	}

	p.TrailStopPrice = p.TrailStopFor(p.PeakPrice)
	p.UpdatedAt = t.now()
	return *p, nil
}

// MarkClosing 将持仓从 OPEN 原子地切换为 CLOSING。
// 只有第一个调用者得到 true，这是避免重复平仓的关键闸门。
func (t *Tracker) MarkClosing(id string) bool {
	e, ok := t.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != StateOpen {
		return false
	}
	e.pos.State = StateClosing
	e.pos.UpdatedAt = t.now()
	return true
}

// Remove 在平仓确认或取消托管后删除持仓，返回最终状态为 CLOSED 的快照。
// 被移除的 ID 不可再次登记。
func (t *Tracker) Remove(id string) (Position, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.retired[id] = struct{}{}
	}
	t.mu.Unlock()

	if !ok {
		return Position{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos.State = StateClosed
	e.pos.UpdatedAt = t.now()
	return e.pos, nil
}

// ListOpen 返回仍在托管中的持仓快照（OPEN 与 CLOSING），按开仓时间排序。
func (t *Tracker) ListOpen() []Position {
	return t.collect(func(Position) bool { return true })
}

// FindBySymbol 返回交易对下处于 OPEN 状态的持仓。
func (t *Tracker) FindBySymbol(symbol string) []Position {
	return t.collect(func(p Position) bool {
		return p.Symbol == symbol && p.State == StateOpen
	})
}

func (t *Tracker) collect(keep func(Position) bool) []Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		p := e.pos
		e.mu.Unlock()
		if p.State == StateClosed || !keep(p) {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (t *Tracker) lookup(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}
