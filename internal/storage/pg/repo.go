package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridwise-code/ev-central/internal/coremodel"
)

// Repository 结算票与审计记录的持久化
type Repository struct {
	Pool *pgxpool.Pool
}

// EnsureSchema 建表，幂等
func (r *Repository) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tickets (
    session_id  TEXT PRIMARY KEY,
    cp_id       TEXT NOT NULL,
    driver_id   TEXT NOT NULL,
    duration_ms BIGINT NOT NULL,
    kwh_total   DOUBLE PRECISION NOT NULL,
    cost_total  DOUBLE PRECISION NOT NULL,
    issued_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tickets_issued_at_idx ON tickets (issued_at DESC);

CREATE TABLE IF NOT EXISTS audit_records (
    id         TEXT PRIMARY KEY,
    ts         TIMESTAMPTZ NOT NULL,
    actor      TEXT NOT NULL,
    kind       TEXT NOT NULL,
    payload    JSONB
);
CREATE INDEX IF NOT EXISTS audit_records_ts_idx ON audit_records (ts DESC);
CREATE INDEX IF NOT EXISTS audit_records_actor_idx ON audit_records (actor, ts DESC);
`
	_, err := r.Pool.Exec(ctx, ddl)
	return err
}

// SaveTicket 写入结算票，重复出票以会话ID去重
func (r *Repository) SaveTicket(ctx context.Context, t coremodel.Ticket) error {
	const q = `INSERT INTO tickets (session_id, cp_id, driver_id, duration_ms, kwh_total, cost_total, issued_at)
               VALUES ($1,$2,$3,$4,$5,$6,$7)
               ON CONFLICT (session_id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q,
		string(t.SessionID), string(t.CPID), string(t.DriverID),
		t.Duration.Milliseconds(), t.KWhTotal, t.CostTotal, t.IssuedAt)
	return err
}

// RecentTickets 按出票时间倒序取最近 limit 张
func (r *Repository) RecentTickets(ctx context.Context, limit int) ([]coremodel.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT session_id, cp_id, driver_id, duration_ms, kwh_total, cost_total, issued_at
               FROM tickets ORDER BY issued_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coremodel.Ticket
	for rows.Next() {
		var (
			t                 coremodel.Ticket
			sessID, cpID, drv string
			durationMs        int64
		)
		if err := rows.Scan(&sessID, &cpID, &drv, &durationMs, &t.KWhTotal, &t.CostTotal, &t.IssuedAt); err != nil {
			return nil, err
		}
		t.SessionID = coremodel.SessionID(sessID)
		t.CPID = coremodel.CPID(cpID)
		t.DriverID = coremodel.DriverID(drv)
		t.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveAudit 写入一条审计记录
func (r *Repository) SaveAudit(ctx context.Context, rec coremodel.AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	const q = `INSERT INTO audit_records (id, ts, actor, kind, payload)
               VALUES ($1,$2,$3,$4,$5)
               ON CONFLICT (id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, rec.ID, rec.Timestamp, rec.Actor, string(rec.Kind), payload)
	return err
}

// RecentAudit 按时间倒序取最近 limit 条；actor 非空时按 actor 过滤
func (r *Repository) RecentAudit(ctx context.Context, actor string, limit int) ([]coremodel.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		q    string
		args []any
	)
	if actor != "" {
		q = `SELECT id, ts, actor, kind, payload FROM audit_records
             WHERE actor = $1 ORDER BY ts DESC LIMIT $2`
		args = []any{actor, limit}
	} else {
		q = `SELECT id, ts, actor, kind, payload FROM audit_records
             ORDER BY ts DESC LIMIT $1`
		args = []any{limit}
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coremodel.AuditRecord
	for rows.Next() {
		var (
			rec  coremodel.AuditRecord
			kind string
			raw  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Actor, &kind, &raw); err != nil {
			return nil, err
		}
		rec.Kind = coremodel.AuditKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal audit payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
