package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowd/internal/model"
	"escrowd/internal/transfer"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS escrows (
    id              TEXT PRIMARY KEY,
    seq             BIGSERIAL,
    arbiter         TEXT NOT NULL,
    recipient       TEXT NOT NULL DEFAULT '',
    source          TEXT NOT NULL,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL,
    status          TEXT NOT NULL,
    balance         JSONB NOT NULL,
    token_whitelist JSONB NOT NULL,
    end_height      BIGINT,
    end_time        BIGINT,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS milestones (
    escrow_id    TEXT NOT NULL,
    id           TEXT NOT NULL,
    seq          INT NOT NULL,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL,
    amount       JSONB NOT NULL,
    is_completed BOOLEAN NOT NULL DEFAULT FALSE,
    end_height   BIGINT,
    end_time     BIGINT,
    PRIMARY KEY (escrow_id, id)
);
CREATE TABLE IF NOT EXISTS transfers (
    id           TEXT PRIMARY KEY,
    seq          BIGSERIAL,
    escrow_id    TEXT NOT NULL,
    milestone_id TEXT NOT NULL DEFAULT '',
    recipient    TEXT NOT NULL,
    amount       JSONB NOT NULL,
    reason       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a PostgreSQL pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// Ping checks database connectivity for health reporting.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// CreateEscrow inserts a new escrow record with its milestones.
func (p *PostgresStore) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	err = tx.QueryRow(ctx, "SELECT 1 FROM escrows WHERE id = $1", e.ID).Scan(&exists)
	if err == nil {
		return ErrAlreadyExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check escrow id: %w", err)
	}

	balance, whitelist, err := encodeEscrow(e)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO escrows (
			id, arbiter, recipient, source, title, description, status,
			balance, token_whitelist, end_height, end_time, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Arbiter, e.Recipient, e.Source, e.Title, e.Description, e.Status,
		balance, whitelist, pgUint(e.EndHeight), e.EndTime, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}

	for seq, m := range e.Milestones {
		if err := pgUpsertMilestone(ctx, tx, e.ID, seq, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func encodeEscrow(e *model.Escrow) (balance, whitelist []byte, err error) {
	balance, err = json.Marshal(e.Balance)
	if err != nil {
		return nil, nil, fmt.Errorf("encode balance: %w", err)
	}
	whitelist, err = json.Marshal(e.TokenWhitelist)
	if err != nil {
		return nil, nil, fmt.Errorf("encode whitelist: %w", err)
	}
	return balance, whitelist, nil
}

func pgUpsertMilestone(ctx context.Context, tx pgx.Tx, escrowID string, seq int, m *model.Milestone) error {
	amount, err := json.Marshal(m.Amount)
	if err != nil {
		return fmt.Errorf("encode milestone amount: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO milestones (
			escrow_id, id, seq, title, description, amount, is_completed, end_height, end_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (escrow_id, id) DO UPDATE SET
			is_completed = EXCLUDED.is_completed,
			end_height = EXCLUDED.end_height,
			end_time = EXCLUDED.end_time`,
		escrowID, m.ID, seq, m.Title, m.Description, amount,
		m.IsCompleted, pgUint(m.EndHeight), m.EndTime,
	)
	if err != nil {
		return fmt.Errorf("upsert milestone: %w", err)
	}
	return nil
}

type pgRowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgLoadEscrow(ctx context.Context, q pgRowQuerier, id string) (*model.Escrow, error) {
	e := &model.Escrow{}
	var balance, whitelist []byte
	var endHeight, endTime *int64

	err := q.QueryRow(ctx,
		`SELECT id, arbiter, recipient, source, title, description, status,
			balance, token_whitelist, end_height, end_time, created_at
		FROM escrows WHERE id = $1`, id,
	).Scan(
		&e.ID, &e.Arbiter, &e.Recipient, &e.Source, &e.Title, &e.Description, &e.Status,
		&balance, &whitelist, &endHeight, &endTime, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}

	if err := json.Unmarshal(balance, &e.Balance); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	if err := json.Unmarshal(whitelist, &e.TokenWhitelist); err != nil {
		return nil, fmt.Errorf("decode whitelist: %w", err)
	}
	e.EndHeight = int64ToUintPtr(endHeight)
	e.EndTime = endTime

	rows, err := q.Query(ctx,
		`SELECT id, title, description, amount, is_completed, end_height, end_time
		FROM milestones WHERE escrow_id = $1 ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := &model.Milestone{}
		var amount []byte
		var mEndHeight, mEndTime *int64
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &amount, &m.IsCompleted, &mEndHeight, &mEndTime); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		if err := json.Unmarshal(amount, &m.Amount); err != nil {
			return nil, fmt.Errorf("decode milestone amount: %w", err)
		}
		m.EndHeight = int64ToUintPtr(mEndHeight)
		m.EndTime = mEndTime
		e.Milestones = append(e.Milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return e, nil
}

// GetEscrow retrieves an escrow with its milestones in insertion order.
func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return pgLoadEscrow(ctx, p.pool, id)
}

// GetMilestone does a point lookup by (escrow_id, milestone_id).
func (p *PostgresStore) GetMilestone(ctx context.Context, escrowID, milestoneID string) (*model.Milestone, error) {
	m := &model.Milestone{}
	var amount []byte
	var endHeight, endTime *int64

	err := p.pool.QueryRow(ctx,
		`SELECT id, title, description, amount, is_completed, end_height, end_time
		FROM milestones WHERE escrow_id = $1 AND id = $2`, escrowID, milestoneID,
	).Scan(&m.ID, &m.Title, &m.Description, &amount, &m.IsCompleted, &endHeight, &endTime)
	if errors.Is(err, pgx.ErrNoRows) {
		var one int
		if err2 := p.pool.QueryRow(ctx, "SELECT 1 FROM escrows WHERE id = $1", escrowID).Scan(&one); errors.Is(err2, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get milestone: %w", err)
	}

	if err := json.Unmarshal(amount, &m.Amount); err != nil {
		return nil, fmt.Errorf("decode milestone amount: %w", err)
	}
	m.EndHeight = int64ToUintPtr(endHeight)
	m.EndTime = endTime
	return m, nil
}

// ListEscrowIDs returns all escrow ids in insertion order.
func (p *PostgresStore) ListEscrowIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT id FROM escrows ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan escrow id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrow ids: %w", err)
	}
	return ids, nil
}

// UpdateEscrow applies fn to a loaded copy inside a transaction and commits
// the record, milestones, and emitted transfer instructions together.
func (p *PostgresStore) UpdateEscrow(ctx context.Context, id string, fn MutateFunc) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := pgLoadEscrow(ctx, tx, id)
	if err != nil {
		return err
	}

	instructions, err := fn(e)
	if err != nil {
		return err
	}

	balance, whitelist, err := encodeEscrow(e)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE escrows SET recipient = $1, status = $2, balance = $3, token_whitelist = $4,
			end_height = $5, end_time = $6 WHERE id = $7`,
		e.Recipient, e.Status, balance, whitelist, pgUint(e.EndHeight), e.EndTime, id,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}

	for seq, m := range e.Milestones {
		if err := pgUpsertMilestone(ctx, tx, id, seq, m); err != nil {
			return err
		}
	}

	for _, ins := range instructions {
		amount, err := json.Marshal(ins.Amount)
		if err != nil {
			return fmt.Errorf("encode transfer amount: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO transfers (id, escrow_id, milestone_id, recipient, amount, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ins.ID, ins.EscrowID, ins.MilestoneID, ins.To, amount, ins.Reason, ins.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListInstructions returns persisted transfer instructions in emission order.
func (p *PostgresStore) ListInstructions(ctx context.Context, escrowID string) ([]transfer.Instruction, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, escrow_id, milestone_id, recipient, amount, reason, created_at
		FROM transfers WHERE escrow_id = $1 ORDER BY seq`, escrowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []transfer.Instruction
	for rows.Next() {
		var ins transfer.Instruction
		var amount []byte
		if err := rows.Scan(&ins.ID, &ins.EscrowID, &ins.MilestoneID, &ins.To, &amount, &ins.Reason, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if err := json.Unmarshal(amount, &ins.Amount); err != nil {
			return nil, fmt.Errorf("decode transfer amount: %w", err)
		}
		out = append(out, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// GetEscrowStats returns aggregate counts over the registry.
func (p *PostgresStore) GetEscrowStats(ctx context.Context) (*EscrowStats, error) {
	stats := &EscrowStats{CountByStatus: make(map[string]int)}

	rows, err := p.pool.Query(ctx, "SELECT status, COUNT(*) FROM escrows GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	err = p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM milestones WHERE NOT is_completed").Scan(&stats.PendingMilestones)
	if err != nil {
		return nil, fmt.Errorf("count pending milestones: %w", err)
	}
	return stats, nil
}

func pgUint(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}

func int64ToUintPtr(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	u := uint64(*v)
	return &u
}
