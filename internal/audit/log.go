// Package audit 记录协调器的安全与业务审计事件：
// 认证成败、充电启停、故障与天气处置、协议违规。
// 内存日志只追加，同一 actor 的时间戳严格递增。
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridwise-code/ev-central/internal/coremodel"
)

const defaultRetention = 4096

// Log 追加式审计日志
type Log struct {
	mu        sync.Mutex
	records   []coremodel.AuditRecord
	lastStamp map[string]time.Time // actor -> 上一条时间戳
	retention int
	now       func() time.Time
}

// LogOption 配置项
type LogOption func(*Log)

// WithNow 注入时钟，测试用
func WithNow(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// WithRetention 调整内存保留条数
func WithRetention(n int) LogOption {
	return func(l *Log) {
		if n > 0 {
			l.retention = n
		}
	}
}

// NewLog 创建审计日志
func NewLog(opts ...LogOption) *Log {
	l := &Log{
		lastStamp: make(map[string]time.Time),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append 追加一条记录并返回副本。
// 同一 actor 的时间戳若不晚于上一条，则在其基础上前推 1ns，
// 保证 actor 维度严格有序。
func (l *Log) Append(actor string, kind coremodel.AuditKind, payload map[string]any) coremodel.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()
	if last, ok := l.lastStamp[actor]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	l.lastStamp[actor] = ts

	rec := coremodel.AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Actor:     actor,
		Kind:      kind,
		Payload:   payload,
	}
	l.records = append(l.records, rec)
	if len(l.records) > l.retention {
		l.records = l.records[len(l.records)-l.retention:]
	}
	return rec
}

// Recent 返回最近 n 条（新在前）。n<=0 返回全部。
func (l *Log) Recent(n int) []coremodel.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]coremodel.AuditRecord, 0, n)
	for i := len(l.records) - 1; i >= len(l.records)-n; i-- {
		out = append(out, l.records[i])
	}
	return out
}

// Len 当前保留条数
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
