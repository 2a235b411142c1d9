package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
)

// Escrow ids are human-readable names supplied at creation, 3-20 bytes.
const (
	minEscrowIDLen = 3
	maxEscrowIDLen = 20
)

// NewTransferID generates a new ULID string for a transfer instruction.
func NewTransferID() string {
	return ulid.Make().String()
}

// ValidEscrowID reports whether s is an acceptable escrow identifier.
func ValidEscrowID(s string) bool {
	return len(s) >= minEscrowIDLen && len(s) <= maxEscrowIDLen
}

// ValidAddress reports whether s is a well-formed hex account address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress returns the canonical checksummed form of a hex address.
// All stored principals and comparisons use this form. Callers must have
// validated the address first.
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}
