// Package ledger 维护充电会话的运行累计（电量/费用/时长），
// 并在会话结束时生成不可变的结算 Ticket。中止的会话不出票。
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridwise-code/ev-central/internal/coremodel"
)

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed 会话已处于终态，拒绝再次变更
	ErrSessionClosed = errors.New("session already closed")
)

const defaultTicketRetention = 256

// Ledger 会话账本
type Ledger struct {
	mu        sync.Mutex
	sessions  map[coremodel.SessionID]*coremodel.Session
	tickets   []coremodel.Ticket // 最近出票，环形保留
	retention int
	now       func() time.Time
	newID     func() coremodel.SessionID
}

// Option 配置项
type Option func(*Ledger)

// WithNow 注入时钟，测试用
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTicketRetention 调整内存中保留的最近出票数量
func WithTicketRetention(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retention = n
		}
	}
}

// New 创建账本
func New(opts ...Option) *Ledger {
	l := &Ledger{
		sessions:  make(map[coremodel.SessionID]*coremodel.Session),
		retention: defaultTicketRetention,
		now:       time.Now,
		newID:     func() coremodel.SessionID { return coremodel.SessionID(uuid.NewString()) },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewSessionID 预生成会话ID，便于先占位注册表再落账
func (l *Ledger) NewSessionID() coremodel.SessionID { return l.newID() }

// Start 以给定ID开启 ACTIVE 会话
func (l *Ledger) Start(id coremodel.SessionID, cpID coremodel.CPID, driverID coremodel.DriverID, pricePerKWh, kwhNeeded float64) coremodel.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &coremodel.Session{
		ID:          id,
		CPID:        cpID,
		DriverID:    driverID,
		StartedAt:   l.now(),
		PricePerKWh: pricePerKWh,
		KWhNeeded:   kwhNeeded,
		Status:      coremodel.SessionActive,
	}
	l.sessions[id] = s
	return *s
}

// Apply 累加一次供电增量，返回更新后的会话副本
func (l *Ledger) Apply(id coremodel.SessionID, kwhDelta float64, elapsed time.Duration) (coremodel.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return coremodel.Session{}, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return coremodel.Session{}, ErrSessionClosed
	}
	s.KWhTotal += kwhDelta
	s.CostTotal += kwhDelta * s.PricePerKWh
	if elapsed > 0 {
		s.Elapsed += elapsed
	}
	return *s, nil
}

// Complete 正常完成会话并出票
func (l *Ledger) Complete(id coremodel.SessionID) (coremodel.Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return coremodel.Ticket{}, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return coremodel.Ticket{}, ErrSessionClosed
	}
	s.Status = coremodel.SessionCompleted
	now := l.now()
	duration := s.Elapsed
	if duration == 0 {
		duration = now.Sub(s.StartedAt)
	}
	ticket := coremodel.Ticket{
		SessionID: s.ID,
		CPID:      s.CPID,
		DriverID:  s.DriverID,
		Duration:  duration,
		KWhTotal:  s.KWhTotal,
		CostTotal: s.CostTotal,
		IssuedAt:  now,
	}
	l.tickets = append(l.tickets, ticket)
	if len(l.tickets) > l.retention {
		l.tickets = l.tickets[len(l.tickets)-l.retention:]
	}
	delete(l.sessions, id)
	return ticket, nil
}

// Abort 强制中止会话（故障/天气/断连），不出票
func (l *Ledger) Abort(id coremodel.SessionID) (coremodel.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return coremodel.Session{}, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return coremodel.Session{}, ErrSessionClosed
	}
	s.Status = coremodel.SessionAborted
	out := *s
	delete(l.sessions, id)
	return out, nil
}

// Get 返回会话副本
func (l *Ledger) Get(id coremodel.SessionID) (coremodel.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return coremodel.Session{}, false
	}
	return *s, true
}

// Active 返回全部进行中会话
func (l *Ledger) Active() []coremodel.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]coremodel.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, *s)
	}
	return out
}

// RecentTickets 返回最近 n 张票（新在前）
func (l *Ledger) RecentTickets(n int) []coremodel.Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.tickets) {
		n = len(l.tickets)
	}
	out := make([]coremodel.Ticket, 0, n)
	for i := len(l.tickets) - 1; i >= len(l.tickets)-n; i-- {
		out = append(out, l.tickets[i])
	}
	return out
}
