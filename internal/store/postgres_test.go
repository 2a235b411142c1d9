package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"escrowd/internal/model"
	"escrowd/internal/transfer"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresEscrowLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	id := "pg-" + model.NewTransferID()[:10]
	e := testEscrow(id)
	if err := s.CreateEscrow(ctx, e); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := s.CreateEscrow(ctx, e); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate err = %v, want ErrAlreadyExists", err)
	}

	err := s.UpdateEscrow(ctx, id, func(e *model.Escrow) ([]transfer.Instruction, error) {
		e.Milestones[0].IsCompleted = true
		e.Balance.Sub(e.Milestones[0].Amount)
		e.Recipient = "0x3333333333333333333333333333333333333333"
		return []transfer.Instruction{{
			ID:          model.NewTransferID(),
			EscrowID:    id,
			MilestoneID: "1",
			To:          e.Recipient,
			Amount:      e.Milestones[0].Amount.Clone(),
			Reason:      transfer.ReasonApproveMilestone,
			CreatedAt:   time.Now().UTC(),
		}}, nil
	})
	if err != nil {
		t.Fatalf("UpdateEscrow: %v", err)
	}

	got, err := s.GetEscrow(ctx, id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if !got.Milestones[0].IsCompleted {
		t.Error("milestone 1 should be completed")
	}

	ins, err := s.ListInstructions(ctx, id)
	if err != nil {
		t.Fatalf("ListInstructions: %v", err)
	}
	if len(ins) != 1 {
		t.Errorf("instructions = %d, want 1", len(ins))
	}

	m, err := s.GetMilestone(ctx, id, "2")
	if err != nil {
		t.Fatalf("GetMilestone: %v", err)
	}
	if m.IsCompleted {
		t.Error("milestone 2 should be pending")
	}
}
