// Package transfer carries outbound payment instructions from the escrow
// core to the host that executes them. Instructions are persisted in the
// same transaction as the state change that produced them; dispatch is
// best-effort on top of that record.
package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"escrowd/internal/model"
)

// Instruction reasons.
const (
	ReasonApproveMilestone = "approve_milestone"
	ReasonRefund           = "refund"
)

// Instruction tells the host to move funds out of escrow custody.
type Instruction struct {
	ID          string        `json:"id"`
	EscrowID    string        `json:"escrow_id"`
	MilestoneID string        `json:"milestone_id,omitempty"`
	To          string        `json:"to"`
	Amount      model.Balance `json:"amount"`
	Reason      string        `json:"reason"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Dispatcher hands an instruction to the executing host.
type Dispatcher interface {
	Dispatch(ctx context.Context, ins Instruction) error
}

// LogDispatcher records instructions to the structured log only. Used when
// no settlement backend is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, ins Instruction) error {
	d.Logger.Info("transfer instruction",
		"id", ins.ID,
		"escrow_id", ins.EscrowID,
		"to", ins.To,
		"reason", ins.Reason,
	)
	return nil
}

// Recorder captures dispatched instructions in memory for tests.
type Recorder struct {
	mu           sync.Mutex
	instructions []Instruction
}

func (r *Recorder) Dispatch(_ context.Context, ins Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instructions = append(r.instructions, ins)
	return nil
}

// Instructions returns a copy of everything dispatched so far.
func (r *Recorder) Instructions() []Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instruction, len(r.instructions))
	copy(out, r.instructions)
	return out
}
