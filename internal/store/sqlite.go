package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"escrowd/internal/model"
	"escrowd/internal/transfer"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS escrows (
    id              TEXT PRIMARY KEY,
    arbiter         TEXT NOT NULL,
    recipient       TEXT NOT NULL DEFAULT '',
    source          TEXT NOT NULL,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL,
    status          TEXT NOT NULL,
    balance         TEXT NOT NULL,
    token_whitelist TEXT NOT NULL,
    end_height      INTEGER,
    end_time        INTEGER,
    created_at      DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS milestones (
    escrow_id    TEXT NOT NULL,
    id           TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL,
    amount       TEXT NOT NULL,
    is_completed INTEGER NOT NULL DEFAULT 0,
    end_height   INTEGER,
    end_time     INTEGER,
    PRIMARY KEY (escrow_id, id)
);
CREATE TABLE IF NOT EXISTS transfers (
    id           TEXT PRIMARY KEY,
    escrow_id    TEXT NOT NULL,
    milestone_id TEXT NOT NULL DEFAULT '',
    recipient    TEXT NOT NULL,
    amount       TEXT NOT NULL,
    reason       TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range splitStatements(sqliteSchema) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity for health reporting.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateEscrow inserts a new escrow record with its milestones, failing with
// ErrAlreadyExists if the id is taken.
func (s *SQLiteStore) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM escrows WHERE id = ?", e.ID).Scan(&exists)
	if err == nil {
		return ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check escrow id: %w", err)
	}

	if err := insertEscrow(ctx, tx, e); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEscrow(ctx context.Context, q querier, e *model.Escrow) error {
	balance, err := json.Marshal(e.Balance)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	whitelist, err := json.Marshal(e.TokenWhitelist)
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO escrows (
			id, arbiter, recipient, source, title, description, status,
			balance, token_whitelist, end_height, end_time, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Arbiter, e.Recipient, e.Source, e.Title, e.Description, e.Status,
		string(balance), string(whitelist), nullUint(e.EndHeight), nullInt(e.EndTime), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}

	for seq, m := range e.Milestones {
		if err := upsertMilestone(ctx, q, e.ID, seq, m); err != nil {
			return err
		}
	}
	return nil
}

func upsertMilestone(ctx context.Context, q querier, escrowID string, seq int, m *model.Milestone) error {
	amount, err := json.Marshal(m.Amount)
	if err != nil {
		return fmt.Errorf("encode milestone amount: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO milestones (
			escrow_id, id, seq, title, description, amount, is_completed, end_height, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (escrow_id, id) DO UPDATE SET
			is_completed = excluded.is_completed,
			end_height = excluded.end_height,
			end_time = excluded.end_time`,
		escrowID, m.ID, seq, m.Title, m.Description, string(amount),
		m.IsCompleted, nullUint(m.EndHeight), nullInt(m.EndTime),
	)
	if err != nil {
		return fmt.Errorf("upsert milestone: %w", err)
	}
	return nil
}

// GetEscrow retrieves an escrow with its milestones in insertion order.
func (s *SQLiteStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return loadEscrow(ctx, s.db, id)
}

func loadEscrow(ctx context.Context, q querier, id string) (*model.Escrow, error) {
	e := &model.Escrow{}
	var balance, whitelist string
	var endHeight, endTime sql.NullInt64

	err := q.QueryRowContext(ctx,
		`SELECT id, arbiter, recipient, source, title, description, status,
			balance, token_whitelist, end_height, end_time, created_at
		FROM escrows WHERE id = ?`, id,
	).Scan(
		&e.ID, &e.Arbiter, &e.Recipient, &e.Source, &e.Title, &e.Description, &e.Status,
		&balance, &whitelist, &endHeight, &endTime, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}

	if err := json.Unmarshal([]byte(balance), &e.Balance); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	if err := json.Unmarshal([]byte(whitelist), &e.TokenWhitelist); err != nil {
		return nil, fmt.Errorf("decode whitelist: %w", err)
	}
	e.EndHeight = uintPtr(endHeight)
	e.EndTime = intPtr(endTime)

	rows, err := q.QueryContext(ctx,
		`SELECT id, title, description, amount, is_completed, end_height, end_time
		FROM milestones WHERE escrow_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		e.Milestones = append(e.Milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return e, nil
}

func scanMilestone(rows *sql.Rows) (*model.Milestone, error) {
	m := &model.Milestone{}
	var amount string
	var endHeight, endTime sql.NullInt64
	if err := rows.Scan(&m.ID, &m.Title, &m.Description, &amount, &m.IsCompleted, &endHeight, &endTime); err != nil {
		return nil, fmt.Errorf("scan milestone: %w", err)
	}
	if err := json.Unmarshal([]byte(amount), &m.Amount); err != nil {
		return nil, fmt.Errorf("decode milestone amount: %w", err)
	}
	m.EndHeight = uintPtr(endHeight)
	m.EndTime = intPtr(endTime)
	return m, nil
}

// GetMilestone does a point lookup by (escrow_id, milestone_id) without
// loading the full record.
func (s *SQLiteStore) GetMilestone(ctx context.Context, escrowID, milestoneID string) (*model.Milestone, error) {
	m := &model.Milestone{}
	var amount string
	var endHeight, endTime sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, amount, is_completed, end_height, end_time
		FROM milestones WHERE escrow_id = ? AND id = ?`, escrowID, milestoneID,
	).Scan(&m.ID, &m.Title, &m.Description, &amount, &m.IsCompleted, &endHeight, &endTime)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing escrow from a missing milestone.
		var one int
		if err2 := s.db.QueryRowContext(ctx, "SELECT 1 FROM escrows WHERE id = ?", escrowID).Scan(&one); errors.Is(err2, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get milestone: %w", err)
	}

	if err := json.Unmarshal([]byte(amount), &m.Amount); err != nil {
		return nil, fmt.Errorf("decode milestone amount: %w", err)
	}
	m.EndHeight = uintPtr(endHeight)
	m.EndTime = intPtr(endTime)
	return m, nil
}

// ListEscrowIDs returns all escrow ids in insertion order.
func (s *SQLiteStore) ListEscrowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM escrows ORDER BY rowid")
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

// UpdateEscrow loads the escrow inside a transaction, applies fn to the
// in-memory copy, and commits the updated record, its milestones, and any
// emitted transfer instructions together. An fn error rolls everything back.
func (s *SQLiteStore) UpdateEscrow(ctx context.Context, id string, fn MutateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	e, err := loadEscrow(ctx, tx, id)
	if err != nil {
		return err
	}

	instructions, err := fn(e)
	if err != nil {
		return err
	}

	balance, err := json.Marshal(e.Balance)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	whitelist, err := json.Marshal(e.TokenWhitelist)
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE escrows SET recipient = ?, status = ?, balance = ?, token_whitelist = ?,
			end_height = ?, end_time = ? WHERE id = ?`,
		e.Recipient, e.Status, string(balance), string(whitelist),
		nullUint(e.EndHeight), nullInt(e.EndTime), id,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}

	for seq, m := range e.Milestones {
		if err := upsertMilestone(ctx, tx, id, seq, m); err != nil {
			return err
		}
	}

	for _, ins := range instructions {
		if err := insertInstruction(ctx, tx, ins); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertInstruction(ctx context.Context, q querier, ins transfer.Instruction) error {
	amount, err := json.Marshal(ins.Amount)
	if err != nil {
		return fmt.Errorf("encode transfer amount: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO transfers (id, escrow_id, milestone_id, recipient, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, ins.EscrowID, ins.MilestoneID, ins.To, string(amount), ins.Reason, ins.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// ListInstructions returns the persisted transfer instructions for an escrow
// in emission order.
func (s *SQLiteStore) ListInstructions(ctx context.Context, escrowID string) ([]transfer.Instruction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, escrow_id, milestone_id, recipient, amount, reason, created_at
		FROM transfers WHERE escrow_id = ? ORDER BY rowid`, escrowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []transfer.Instruction
	for rows.Next() {
		var ins transfer.Instruction
		var amount string
		if err := rows.Scan(&ins.ID, &ins.EscrowID, &ins.MilestoneID, &ins.To, &amount, &ins.Reason, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if err := json.Unmarshal([]byte(amount), &ins.Amount); err != nil {
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
func (s *SQLiteStore) GetEscrowStats(ctx context.Context) (*EscrowStats, error) {
	stats := &EscrowStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM escrows GROUP BY status")
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

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM milestones WHERE is_completed = 0").Scan(&stats.PendingMilestones)
	if err != nil {
		return nil, fmt.Errorf("count pending milestones: %w", err)
	}
	return stats, nil
}

func splitStatements(schema string) []string {
	var out []string
	start := 0
	for i := 0; i < len(schema); i++ {
		if schema[i] == ';' {
			out = append(out, schema[start:i])
			start = i + 1
		}
	}
	if start < len(schema) {
		out = append(out, schema[start:])
	}
	return out
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func uintPtr(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
