package escrow

import "errors"

// Sentinel errors for every way an escrow action can be refused. Handlers
// map these onto HTTP statuses; the service never wraps them with dynamic
// detail so errors.Is works at every layer.
var (
	ErrNotFound           = errors.New("escrow not found")
	ErrMilestoneNotFound  = errors.New("milestone not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrExpired            = errors.New("escrow is expired")
	ErrMilestoneExpired   = errors.New("milestone is expired")
	ErrRecipientNotSet    = errors.New("recipient is not set")
	ErrRecipientSet       = errors.New("recipient already set")
	ErrAlreadyInUse       = errors.New("escrow id already in use")
	ErrEmptyMilestones    = errors.New("milestones can't be empty")
	ErrEmptyBalance       = errors.New("deposit some funds to create an escrow")
	ErrFundsMismatch      = errors.New("deposited funds don't match milestone amounts")
	ErrNotInWhitelist     = errors.New("token is not on the escrow whitelist")
	ErrInvalidAddress     = errors.New("address is invalid")
	ErrInvalidID          = errors.New("escrow id must be 3-20 characters")
	ErrMilestoneCompleted = errors.New("milestone already completed")
	ErrClosed             = errors.New("escrow is closed")
)
