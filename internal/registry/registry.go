// Package registry 维护充电桩与车主的权威运行时状态。
//
// 每个充电桩条目持有独立互斥锁：同一 CP 的所有状态变更全序执行，
// 不同 CP 互不阻塞。所有上层逻辑只能通过本包的原子操作修改状态，
// 不存在绕过锁的全局可变量。
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/coremodel"
)

var (
	// ErrNotFound 充电桩未注册
	ErrNotFound = errors.New("charging point not registered")
	// ErrStateConflict CAS 失败：当前状态与期望不符
	ErrStateConflict = errors.New("state conflict")
	// ErrExcluded 充电桩处于故障/天气排除中
	ErrExcluded = errors.New("charging point excluded")
	// ErrDriverBusy 车主已有进行中的会话
	ErrDriverBusy = errors.New("driver has an active session")
	// ErrCorrupted 条目不变量被破坏，拒绝继续服务该 CP
	ErrCorrupted = errors.New("registry entry corrupted")
)

type cpEntry struct {
	mu          sync.Mutex
	id          coremodel.CPID
	state       coremodel.CPState
	exclusion   coremodel.ExclusionCause
	sessionID   coremodel.SessionID
	driverID    coremodel.DriverID
	pricePerKWh float64
	lastSeen    time.Time
	corrupted   bool
}

// checkInvariant 校验 CHARGING ⇔ 存在绑定会话。必须在持锁状态下调用。
// 违反时冻结条目：后续所有操作返回 ErrCorrupted，而不是带病运行。
func (e *cpEntry) checkInvariant() error {
	charging := e.state == coremodel.StateCharging
	bound := e.sessionID != ""
	if charging != bound {
		e.corrupted = true
		return ErrCorrupted
	}
	return nil
}

type driverEntry struct {
	mu        sync.Mutex
	id        coremodel.DriverID
	sessionID coremodel.SessionID
	connected bool
}

// Registry 权威设备注册表
type Registry struct {
	mu      sync.RWMutex
	cps     map[coremodel.CPID]*cpEntry
	drivers map[coremodel.DriverID]*driverEntry
	logger  *zap.Logger
	now     func() time.Time
}

// Option 配置项
type Option func(*Registry)

// WithNow 注入时钟，测试用
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New 创建注册表
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cps:     make(map[coremodel.CPID]*cpEntry),
		drivers: make(map[coremodel.DriverID]*driverEntry),
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// entry 返回条目，不存在时按需创建
func (r *Registry) entry(id coremodel.CPID, create bool) *cpEntry {
	r.mu.RLock()
	e := r.cps[id]
	r.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.cps[id]; e == nil {
		e = &cpEntry{id: id, state: coremodel.StateRegistered}
		r.cps[id] = e
	}
	return e
}

func (r *Registry) driver(id coremodel.DriverID, create bool) *driverEntry {
	r.mu.RLock()
	d := r.drivers[id]
	r.mu.RUnlock()
	if d != nil || !create {
		return d
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d = r.drivers[id]; d == nil {
		d = &driverEntry{id: id}
		r.drivers[id] = d
	}
	return d
}

// Register 预登记充电桩（seed 文件或注册中心轮询发现），状态 REGISTERED
func (r *Registry) Register(id coremodel.CPID, pricePerKWh float64) {
	e := r.entry(id, true)
	e.mu.Lock()
	if pricePerKWh > 0 {
		e.pricePerKWh = pricePerKWh
	}
	e.mu.Unlock()
}

// ConnectResult 上线迁移的结果
type ConnectResult struct {
	State          coremodel.CPState
	AbortedSession coremodel.SessionID
	DriverID       coremodel.DriverID
}

// Connect 充电桩握手成功后上线。排除未清除时直接进入 OUT_OF_ORDER。
// 快速重连时旧连接可能尚未清理：残留的会话绑定视为隐式断开，
// 在同一临界区内解绑并交由调用方中止对应账本会话。
func (r *Registry) Connect(id coremodel.CPID, pricePerKWh float64) (ConnectResult, error) {
	e := r.entry(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corrupted {
		return ConnectResult{}, ErrCorrupted
	}
	if pricePerKWh > 0 {
		e.pricePerKWh = pricePerKWh
	}
	res := ConnectResult{}
	if e.sessionID != "" {
		res.AbortedSession = e.sessionID
		res.DriverID = e.driverID
		e.sessionID = ""
		e.driverID = ""
	}
	if e.exclusion != coremodel.ExclusionNone {
		e.state = coremodel.StateOutOfOrder
	} else {
		e.state = coremodel.StateAvailable
	}
	e.lastSeen = r.now()
	res.State = e.state
	return res, e.checkInvariant()
}

// Transition CAS 原语：当前状态必须等于 expected，否则 ErrStateConflict。
// 仅用于不涉及会话绑定的状态迁移；带绑定的迁移走 StartCharge/FinishCharge。
func (r *Registry) Transition(id coremodel.CPID, expected, next coremodel.CPState) error {
	e := r.entry(id, false)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corrupted {
		return ErrCorrupted
	}
	if e.state != expected {
		return ErrStateConflict
	}
	e.state = next
	return e.checkInvariant()
}

// Heartbeat 刷新最近心跳时间
func (r *Registry) Heartbeat(id coremodel.CPID, t time.Time) error {
	e := r.entry(id, false)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	e.lastSeen = t
	e.mu.Unlock()
	return nil
}

// StartCharge 授权充电的原子迁移：AVAILABLE -> CHARGING 并绑定会话。
// 返回条目的单价供账本计价。全有或全无，失败不留下部分状态。
func (r *Registry) StartCharge(id coremodel.CPID, sessionID coremodel.SessionID, driverID coremodel.DriverID) (float64, error) {
	e := r.entry(id, false)
	if e == nil {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corrupted {
		return 0, ErrCorrupted
	}
	if e.exclusion != coremodel.ExclusionNone {
		return 0, ErrExcluded
	}
	if e.state != coremodel.StateAvailable {
		return 0, ErrStateConflict
	}
	e.state = coremodel.StateCharging
	e.sessionID = sessionID
	e.driverID = driverID
	if err := e.checkInvariant(); err != nil {
		return 0, err
	}
	return e.pricePerKWh, nil
}

// FinishCharge 正常结束：CHARGING -> AVAILABLE 并解除绑定
func (r *Registry) FinishCharge(id coremodel.CPID) (coremodel.SessionID, coremodel.DriverID, error) {
	e := r.entry(id, false)
	if e == nil {
		return "", "", ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corrupted {
		return "", "", ErrCorrupted
	}
	if e.state != coremodel.StateCharging {
		return "", "", ErrStateConflict
	}
	session, driver := e.sessionID, e.driverID
	e.state = coremodel.StateAvailable
	e.sessionID = ""
	e.driverID = ""
	return session, driver, e.checkInvariant()
}

// ExcludeResult 排除迁移的结果
type ExcludeResult struct {
	Changed        bool
	AbortedSession coremodel.SessionID
	DriverID       coremodel.DriverID
}

// Exclude 故障/天气排除：置 OUT_OF_ORDER 并记录原因位。
// 若存在绑定会话，解绑动作与状态迁移在同一临界区内完成，
// 不存在"已排除但仍显示充电中"的窗口。
func (r *Registry) Exclude(id coremodel.CPID, cause coremodel.ExclusionCause) (ExcludeResult, error) {
	e := r.entry(id, false)
	if e == nil {
		return ExcludeResult{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corrupted {
		return ExcludeResult{}, ErrCorrupted
	}
	res := ExcludeResult{}
	if !e.exclusion.Has(cause) || e.state != coremodel.StateOutOfOrder {
		res.Changed = true
	}
	e.exclusion |= cause
	if e.sessionID != "" {
		res.AbortedSession = e.sessionID
		res.DriverID = e.driverID
		e.sessionID = ""
		e.driverID = ""
	}
	if e.state != coremodel.StateDisconnected {
		e.state = coremodel.StateOutOfOrder
	}
	return res, e.checkInvariant()
}

// RestoreResult 恢复迁移的结果。Cleared 表示本次确实清除了原因位，
// Available 表示所有原因已清空、状态回到 AVAILABLE。
// 二者分开返回：部分清除（另一原因仍在）也是一次真实的状态变化。
type RestoreResult struct {
	Cleared   bool
	Available bool
}

// Restore 清除一个排除原因。只有当原因位与恢复信号匹配、
// 且所有原因都已清除时才回到 AVAILABLE。
func (r *Registry) Restore(id coremodel.CPID, cause coremodel.ExclusionCause) (RestoreResult, error) {
	e := r.entry(id, false)
	if e == nil {
		return RestoreResult{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corrupted {
		return RestoreResult{}, ErrCorrupted
	}
	if !e.exclusion.Has(cause) {
		return RestoreResult{}, nil
	}
	e.exclusion &^= cause
	res := RestoreResult{Cleared: true}
	if e.exclusion == coremodel.ExclusionNone && e.state == coremodel.StateOutOfOrder {
		e.state = coremodel.StateAvailable
		res.Available = true
	}
	return res, e.checkInvariant()
}

// Disconnect 连接断开时的强制清理：置 DISCONNECTED，返回被中止的会话。
// 这是每条连接退出路径上必须执行的最后一步。
func (r *Registry) Disconnect(id coremodel.CPID) (ExcludeResult, error) {
	e := r.entry(id, false)
	if e == nil {
		return ExcludeResult{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	res := ExcludeResult{Changed: e.state != coremodel.StateDisconnected}
	if e.sessionID != "" {
		res.AbortedSession = e.sessionID
		res.DriverID = e.driverID
		e.sessionID = ""
		e.driverID = ""
	}
	e.state = coremodel.StateDisconnected
	if e.corrupted {
		return res, ErrCorrupted
	}
	return res, e.checkInvariant()
}

// AcquireDriver 车主开始会话前占位，保证同一车主至多一个活动会话
func (r *Registry) AcquireDriver(id coremodel.DriverID, sessionID coremodel.SessionID) error {
	d := r.driver(id, true)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionID != "" {
		return ErrDriverBusy
	}
	d.sessionID = sessionID
	return nil
}

// ReleaseDriver 会话结束/中止后释放车主占位
func (r *Registry) ReleaseDriver(id coremodel.DriverID, sessionID coremodel.SessionID) {
	d := r.driver(id, false)
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.sessionID == sessionID {
		d.sessionID = ""
	}
	d.mu.Unlock()
}

// SetDriverConnected 维护车主连接标记（断线不释放进行中的会话占位）
func (r *Registry) SetDriverConnected(id coremodel.DriverID, connected bool) {
	d := r.driver(id, true)
	d.mu.Lock()
	d.connected = connected
	d.mu.Unlock()
}

// Peek 返回单个充电桩视图
func (r *Registry) Peek(id coremodel.CPID) (coremodel.CPView, bool) {
	e := r.entry(id, false)
	if e == nil {
		return coremodel.CPView{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view(), true
}

func (e *cpEntry) view() coremodel.CPView {
	return coremodel.CPView{
		ID:          e.id,
		State:       e.state,
		Exclusion:   e.exclusion,
		ExclusionS:  e.exclusion.String(),
		SessionID:   e.sessionID,
		DriverID:    e.driverID,
		PricePerKWh: e.pricePerKWh,
		LastSeen:    e.lastSeen,
	}
}

// Snapshot 返回全部充电桩视图（按 ID 排序），供只读 API 使用
func (r *Registry) Snapshot() []coremodel.CPView {
	r.mu.RLock()
	entries := make([]*cpEntry, 0, len(r.cps))
	for _, e := range r.cps {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	views := make([]coremodel.CPView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		views = append(views, e.view())
		e.mu.Unlock()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Available 返回当前可授权充电的充电桩
func (r *Registry) Available() []coremodel.CPView {
	all := r.Snapshot()
	out := all[:0]
	for _, v := range all {
		if v.State.CanCharge() {
			out = append(out, v)
		}
	}
	return out
}

// Stale 返回心跳超时的在线充电桩，供看门狗扫描
func (r *Registry) Stale(now time.Time, ttl time.Duration) []coremodel.CPID {
	r.mu.RLock()
	entries := make([]*cpEntry, 0, len(r.cps))
	for _, e := range r.cps {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var stale []coremodel.CPID
	for _, e := range entries {
		e.mu.Lock()
		online := e.state == coremodel.StateAvailable || e.state == coremodel.StateCharging || e.state == coremodel.StateOutOfOrder
		if online && !e.lastSeen.IsZero() && now.Sub(e.lastSeen) > ttl {
			stale = append(stale, e.id)
		}
		e.mu.Unlock()
	}
	return stale
}

// OnlineCount 当前在线充电桩数量（指标用）
func (r *Registry) OnlineCount() int {
	n := 0
	for _, v := range r.Snapshot() {
		if v.State != coremodel.StateDisconnected && v.State != coremodel.StateRegistered {
			n++
		}
	}
	return n
}
