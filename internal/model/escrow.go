package model

import "time"

// Escrow status constants.
const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
	StatusRefunded  = "refunded"
)

// Milestone is an independently approvable unit of an escrow with its own
// payout amount and optional deadline. The amount is immutable after
// creation; only the completion flag and deadline fields ever change.
type Milestone struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      Balance `json:"amount"`
	IsCompleted bool    `json:"is_completed"`
	EndHeight   *uint64 `json:"end_height,omitempty"`
	EndTime     *int64  `json:"end_time,omitempty"`
}

// Expired reports whether the milestone deadline has passed at the given
// chain height and unix time. Unset fields never expire.
func (m *Milestone) Expired(height uint64, now int64) bool {
	return deadlinePassed(m.EndHeight, m.EndTime, height, now)
}

// Escrow holds funds pending conditional release. The arbiter approves
// milestones and may refund; the source funded the escrow and is the refund
// beneficiary; the recipient receives funds on approval.
type Escrow struct {
	ID             string       `json:"id"`
	Arbiter        string       `json:"arbiter"`
	Recipient      string       `json:"recipient,omitempty"`
	Source         string       `json:"source"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Status         string       `json:"status"`
	Balance        Balance      `json:"balance"`
	TokenWhitelist []string     `json:"token_whitelist,omitempty"`
	Milestones     []*Milestone `json:"milestones"`
	EndHeight      *uint64      `json:"end_height,omitempty"`
	EndTime        *int64       `json:"end_time,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Milestone returns the milestone with the given id, or nil.
func (e *Escrow) Milestone(id string) *Milestone {
	for _, m := range e.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// IsComplete reports whether every milestone has been approved.
func (e *Escrow) IsComplete() bool {
	for _, m := range e.Milestones {
		if !m.IsCompleted {
			return false
		}
	}
	return true
}

// Expired reports whether the escrow-level deadline has passed at the given
// chain height and unix time.
func (e *Escrow) Expired(height uint64, now int64) bool {
	return deadlinePassed(e.EndHeight, e.EndTime, height, now)
}

// PendingTotal sums the amounts of all not-yet-completed milestones. The
// escrow balance must equal this at every observable point.
func (e *Escrow) PendingTotal() Balance {
	var total Balance
	for _, m := range e.Milestones {
		if !m.IsCompleted {
			total.Add(m.Amount)
		}
	}
	return total
}

// Whitelisted reports whether a token contract address is on the escrow's
// token whitelist.
func (e *Escrow) Whitelisted(addr string) bool {
	for _, t := range e.TokenWhitelist {
		if t == addr {
			return true
		}
	}
	return false
}

// deadlinePassed implements the expiration rule shared by escrows and
// milestones: expired once height strictly exceeds end_height or time
// strictly exceeds end_time.
func deadlinePassed(endHeight *uint64, endTime *int64, height uint64, now int64) bool {
	if endHeight != nil && height > *endHeight {
		return true
	}
	if endTime != nil && now > *endTime {
		return true
	}
	return false
}
