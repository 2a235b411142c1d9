package store

import (
	"context"
	"errors"

	"escrowd/internal/model"
	"escrowd/internal/transfer"
)

var (
	// ErrNotFound is returned when an escrow is not found.
	ErrNotFound = errors.New("escrow not found")
	// ErrMilestoneNotFound is returned when a milestone is not found.
	ErrMilestoneNotFound = errors.New("milestone not found")
	// ErrAlreadyExists is returned when an escrow id is already taken.
	ErrAlreadyExists = errors.New("escrow id already in use")
)

// EscrowStats holds aggregate registry statistics.
type EscrowStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	PendingMilestones int            `json:"pending_milestones"`
}

// MutateFunc is applied to a freshly loaded copy of an escrow inside a
// transaction. Returned instructions are persisted atomically with the
// updated record; a returned error rolls the whole invocation back.
type MutateFunc func(e *model.Escrow) ([]transfer.Instruction, error)

// Store defines the persistence operations for the escrow registry. Every
// mutation is all-or-nothing: either the full record, its milestones, and
// any emitted transfer instructions commit together, or nothing changes.
type Store interface {
	CreateEscrow(ctx context.Context, e *model.Escrow) error
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)
	GetMilestone(ctx context.Context, escrowID, milestoneID string) (*model.Milestone, error)
	ListEscrowIDs(ctx context.Context) ([]string, error)
	UpdateEscrow(ctx context.Context, id string, fn MutateFunc) error
	ListInstructions(ctx context.Context, escrowID string) ([]transfer.Instruction, error)
	GetEscrowStats(ctx context.Context) (*EscrowStats, error)
	Close() error
}
