// Package escrow implements the conditional-payment core: escrow creation,
// milestone approval and release, deadline extension, and refund, backed by
// a persisted registry and an exact-accounting balance ledger.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"escrowd/internal/chain"
	"escrowd/internal/model"
	"escrowd/internal/store"
	"escrowd/internal/transfer"
)

// Service mediates every action against the escrow registry. It owns
// authorization, expiration evaluation, and fund accounting; persistence
// atomicity comes from the store, transfer execution from the dispatcher.
type Service struct {
	store      store.Store
	dispatcher transfer.Dispatcher
	logger     *slog.Logger
}

// NewService wires the escrow core.
func NewService(s store.Store, d transfer.Dispatcher, logger *slog.Logger) *Service {
	return &Service{store: s, dispatcher: d, logger: logger}
}

// MilestoneParams describes one milestone at creation time.
type MilestoneParams struct {
	Title       string
	Description string
	Amount      model.Balance
	EndHeight   *uint64
	EndTime     *int64
}

// CreateParams carries everything needed to open an escrow. Deposit is the
// balance attached to the call; it must equal the milestone total exactly.
type CreateParams struct {
	ID             string
	Arbiter        string
	Recipient      string // optional
	Title          string
	Description    string
	TokenWhitelist []string
	Milestones     []MilestoneParams
	EndHeight      *uint64
	EndTime        *int64
	Deposit        model.Balance
}

// Create validates and persists a new escrow. The caller becomes the source.
func (s *Service) Create(ctx context.Context, caller string, p CreateParams) (*model.Escrow, error) {
	if !model.ValidEscrowID(p.ID) {
		return nil, ErrInvalidID
	}
	if !model.ValidAddress(caller) || !model.ValidAddress(p.Arbiter) {
		return nil, ErrInvalidAddress
	}
	if p.Recipient != "" && !model.ValidAddress(p.Recipient) {
		return nil, ErrInvalidAddress
	}
	if len(p.Milestones) == 0 {
		return nil, ErrEmptyMilestones
	}

	deposit, err := normalizeBalance(p.Deposit)
	if err != nil {
		return nil, err
	}

	milestones := make([]*model.Milestone, 0, len(p.Milestones))
	var total model.Balance
	for i, mp := range p.Milestones {
		amount, err := normalizeBalance(mp.Amount)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, &model.Milestone{
			ID:          strconv.Itoa(i + 1),
			Title:       mp.Title,
			Description: mp.Description,
			Amount:      amount,
			EndHeight:   mp.EndHeight,
			EndTime:     mp.EndTime,
		})
		total.Add(amount)
	}

	if total.IsZero() || deposit.IsZero() {
		return nil, ErrEmptyBalance
	}

	whitelist := make([]string, 0, len(p.TokenWhitelist))
	for _, t := range p.TokenWhitelist {
		if !model.ValidAddress(t) {
			return nil, ErrInvalidAddress
		}
		whitelist = append(whitelist, model.NormalizeAddress(t))
	}

	e := &model.Escrow{
		ID:             p.ID,
		Arbiter:        model.NormalizeAddress(p.Arbiter),
		Source:         model.NormalizeAddress(caller),
		Title:          p.Title,
		Description:    p.Description,
		Status:         model.StatusOpen,
		Balance:        deposit.Clone(),
		TokenWhitelist: whitelist,
		Milestones:     milestones,
		EndHeight:      p.EndHeight,
		EndTime:        p.EndTime,
		CreatedAt:      time.Now().UTC(),
	}
	if p.Recipient != "" {
		e.Recipient = model.NormalizeAddress(p.Recipient)
	}

	for _, tok := range total.TokenAddrs() {
		if !e.Whitelisted(tok) {
			return nil, ErrNotInWhitelist
		}
	}
	for _, tok := range deposit.TokenAddrs() {
		if !e.Whitelisted(tok) {
			return nil, ErrNotInWhitelist
		}
	}

	if !deposit.Equal(total) {
		return nil, ErrFundsMismatch
	}

	if err := s.store.CreateEscrow(ctx, e); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadyInUse
		}
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	s.logger.Info("escrow created", "id", e.ID, "source", e.Source, "milestones", len(e.Milestones))
	return e, nil
}

// AddMilestoneParams describes a milestone appended after creation. Deposit
// is the co-funding attached to the call and must equal Amount exactly.
type AddMilestoneParams struct {
	EscrowID    string
	Title       string
	Description string
	Amount      model.Balance
	EndHeight   *uint64
	EndTime     *int64
	Deposit     model.Balance
}

// AddMilestone appends a pending milestone, growing the escrow balance by
// the attached deposit. Open to the source or the arbiter.
func (s *Service) AddMilestone(ctx context.Context, caller string, env chain.Env, p AddMilestoneParams) (*model.Milestone, error) {
	if !model.ValidAddress(caller) {
		return nil, ErrInvalidAddress
	}
	caller = model.NormalizeAddress(caller)

	amount, err := normalizeBalance(p.Amount)
	if err != nil {
		return nil, err
	}
	deposit, err := normalizeBalance(p.Deposit)
	if err != nil {
		return nil, err
	}

	var added *model.Milestone
	err = s.mutate(ctx, p.EscrowID, func(e *model.Escrow) ([]transfer.Instruction, error) {
		if e.Status != model.StatusOpen {
			return nil, ErrClosed
		}
		if caller != e.Source && caller != e.Arbiter {
			return nil, ErrUnauthorized
		}
		if e.Expired(env.Height, env.Time) {
			return nil, ErrExpired
		}
		if amount.IsZero() {
			return nil, ErrEmptyBalance
		}
		if !deposit.Equal(amount) {
			return nil, ErrFundsMismatch
		}

		// Tokens new to the escrow extend the whitelist rather than fail;
		// the matching funds arrive in this same call.
		for _, tok := range amount.TokenAddrs() {
			if !e.Whitelisted(tok) {
				e.TokenWhitelist = append(e.TokenWhitelist, tok)
			}
		}

		added = &model.Milestone{
			ID:          strconv.Itoa(len(e.Milestones) + 1),
			Title:       p.Title,
			Description: p.Description,
			Amount:      amount.Clone(),
			EndHeight:   p.EndHeight,
			EndTime:     p.EndTime,
		}
		e.Milestones = append(e.Milestones, added)
		e.Balance.Add(deposit)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("milestone added", "escrow_id", p.EscrowID, "milestone_id", added.ID, "caller", caller)
	return added, nil
}

// SetRecipient assigns the payout recipient. Arbiter only; a recipient may
// be set once and never reassigned to a different address.
func (s *Service) SetRecipient(ctx context.Context, caller, id, recipient string) error {
	if !model.ValidAddress(caller) || !model.ValidAddress(recipient) {
		return ErrInvalidAddress
	}
	caller = model.NormalizeAddress(caller)
	recipient = model.NormalizeAddress(recipient)

	err := s.mutate(ctx, id, func(e *model.Escrow) ([]transfer.Instruction, error) {
		if caller != e.Arbiter {
			return nil, ErrUnauthorized
		}
		if e.Recipient != "" && e.Recipient != recipient {
			return nil, ErrRecipientSet
		}
		e.Recipient = recipient
		return nil, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("recipient set", "id", id, "recipient", recipient)
	return nil
}

// ApproveMilestone marks a pending milestone complete, releases its amount
// to the recipient, and finishes the escrow when it was the last one.
// Arbiter only.
func (s *Service) ApproveMilestone(ctx context.Context, caller string, env chain.Env, escrowID, milestoneID string) error {
	if !model.ValidAddress(caller) {
		return ErrInvalidAddress
	}
	caller = model.NormalizeAddress(caller)

	var out []transfer.Instruction
	err := s.mutate(ctx, escrowID, func(e *model.Escrow) ([]transfer.Instruction, error) {
		if e.Status == model.StatusRefunded {
			return nil, ErrClosed
		}
		if caller != e.Arbiter {
			return nil, ErrUnauthorized
		}
		m := e.Milestone(milestoneID)
		if m == nil {
			return nil, ErrMilestoneNotFound
		}
		if e.Recipient == "" {
			return nil, ErrRecipientNotSet
		}
		if e.Expired(env.Height, env.Time) {
			return nil, ErrExpired
		}
		if m.Expired(env.Height, env.Time) {
			return nil, ErrMilestoneExpired
		}
		if m.IsCompleted {
			return nil, ErrMilestoneCompleted
		}

		m.IsCompleted = true
		e.Balance.Sub(m.Amount)
		if e.IsComplete() {
			e.Status = model.StatusCompleted
		}

		out = []transfer.Instruction{{
			ID:          model.NewTransferID(),
			EscrowID:    e.ID,
			MilestoneID: m.ID,
			To:          e.Recipient,
			Amount:      m.Amount.Clone(),
			Reason:      transfer.ReasonApproveMilestone,
			CreatedAt:   time.Now().UTC(),
		}}
		return out, nil
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, out)
	s.logger.Info("milestone approved", "escrow_id", escrowID, "milestone_id", milestoneID)
	return nil
}

// ExtendMilestone overwrites a pending milestone's deadline fields verbatim;
// an omitted field clears the corresponding deadline. Arbiter only.
func (s *Service) ExtendMilestone(ctx context.Context, caller string, env chain.Env, escrowID, milestoneID string, endHeight *uint64, endTime *int64) error {
	if !model.ValidAddress(caller) {
		return ErrInvalidAddress
	}
	caller = model.NormalizeAddress(caller)

	err := s.mutate(ctx, escrowID, func(e *model.Escrow) ([]transfer.Instruction, error) {
		if e.Status == model.StatusRefunded {
			return nil, ErrClosed
		}
		if caller != e.Arbiter {
			return nil, ErrUnauthorized
		}
		m := e.Milestone(milestoneID)
		if m == nil {
			return nil, ErrMilestoneNotFound
		}
		if e.Expired(env.Height, env.Time) {
			return nil, ErrExpired
		}
		if m.Expired(env.Height, env.Time) {
			return nil, ErrMilestoneExpired
		}
		if m.IsCompleted {
			return nil, ErrMilestoneCompleted
		}

		m.EndHeight = endHeight
		m.EndTime = endTime
		return nil, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("milestone extended", "escrow_id", escrowID, "milestone_id", milestoneID)
	return nil
}

// Refund returns the entire remaining balance to the source and closes the
// escrow. The arbiter may refund at any time; the source only once the
// escrow has expired. Completed milestones are unaffected.
func (s *Service) Refund(ctx context.Context, caller string, env chain.Env, id string) error {
	if !model.ValidAddress(caller) {
		return ErrInvalidAddress
	}
	caller = model.NormalizeAddress(caller)

	var out []transfer.Instruction
	err := s.mutate(ctx, id, func(e *model.Escrow) ([]transfer.Instruction, error) {
		if e.Status == model.StatusRefunded {
			return nil, ErrClosed
		}
		expired := e.Expired(env.Height, env.Time)
		switch {
		case caller == e.Arbiter:
		case caller == e.Source && expired:
		default:
			return nil, ErrUnauthorized
		}

		// Milestone completion flags are left as approval set them; the
		// refunded status alone makes the record terminal.
		remaining := e.Balance.Clone()
		e.Balance = model.Balance{}
		e.Status = model.StatusRefunded

		if remaining.IsZero() {
			return nil, nil
		}
		out = []transfer.Instruction{{
			ID:        model.NewTransferID(),
			EscrowID:  e.ID,
			To:        e.Source,
			Amount:    remaining,
			Reason:    transfer.ReasonRefund,
			CreatedAt: time.Now().UTC(),
		}}
		return out, nil
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, out)
	s.logger.Info("escrow refunded", "id", id, "caller", caller)
	return nil
}

// List returns all escrow ids in insertion order.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.store.ListEscrowIDs(ctx)
}

// Details returns the full escrow projection.
func (s *Service) Details(ctx context.Context, id string) (*model.Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, s.queryErr(err)
	}
	return e, nil
}

// ListMilestones returns the escrow's milestones in insertion order.
func (s *Service) ListMilestones(ctx context.Context, id string) ([]*model.Milestone, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, s.queryErr(err)
	}
	return e.Milestones, nil
}

// MilestoneDetails returns a single milestone by point lookup.
func (s *Service) MilestoneDetails(ctx context.Context, escrowID, milestoneID string) (*model.Milestone, error) {
	m, err := s.store.GetMilestone(ctx, escrowID, milestoneID)
	if err != nil {
		return nil, s.queryErr(err)
	}
	return m, nil
}

// Instructions returns the persisted transfer instructions for an escrow.
func (s *Service) Instructions(ctx context.Context, escrowID string) ([]transfer.Instruction, error) {
	if _, err := s.store.GetEscrow(ctx, escrowID); err != nil {
		return nil, s.queryErr(err)
	}
	return s.store.ListInstructions(ctx, escrowID)
}

// Stats returns aggregate registry counts.
func (s *Service) Stats(ctx context.Context) (*store.EscrowStats, error) {
	return s.store.GetEscrowStats(ctx)
}

// normalizeBalance canonicalizes the token keys of an incoming balance so
// whitelist checks and currency merges compare like with like. Malformed
// token addresses are rejected; native denominations pass through untouched.
func normalizeBalance(b model.Balance) (model.Balance, error) {
	if len(b.Tokens) == 0 {
		return b.Clone(), nil
	}
	out := b.Clone()
	out.Tokens = make(map[string]model.Amount, len(b.Tokens))
	for addr, amt := range b.Tokens {
		if !model.ValidAddress(addr) {
			return model.Balance{}, ErrInvalidAddress
		}
		key := model.NormalizeAddress(addr)
		out.Tokens[key] = out.Tokens[key].Add(amt)
	}
	return out, nil
}

// mutate wraps store.UpdateEscrow, translating store sentinels.
func (s *Service) mutate(ctx context.Context, id string, fn store.MutateFunc) error {
	err := s.store.UpdateEscrow(ctx, id, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Service) queryErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrMilestoneNotFound):
		return ErrMilestoneNotFound
	default:
		return err
	}
}

// dispatch hands committed instructions to the host. The outbox row is the
// source of truth; a dispatch failure is logged, never unwound.
func (s *Service) dispatch(ctx context.Context, instructions []transfer.Instruction) {
	for _, ins := range instructions {
		if err := s.dispatcher.Dispatch(ctx, ins); err != nil {
			s.logger.Error("dispatch transfer", "id", ins.ID, "escrow_id", ins.EscrowID, "error", err)
		}
	}
}
