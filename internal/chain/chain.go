// Package chain supplies the current block height and time against which
// escrow and milestone deadlines are evaluated. Every mutating invocation
// resolves a fresh Env; nothing is cached between calls.
package chain

import (
	"context"
	"time"
)

// Env is the caller-context height/time pair for a single invocation.
type Env struct {
	Height uint64
	Time   int64 // seconds since epoch
}

// Source resolves the current Env.
type Source interface {
	Env(ctx context.Context) (Env, error)
}

// SystemSource derives Env from the wall clock. Height is always zero, so
// height-based deadlines never trip; deployments that use them need a
// chain-backed source.
type SystemSource struct{}

func (SystemSource) Env(_ context.Context) (Env, error) {
	return Env{Height: 0, Time: time.Now().Unix()}, nil
}

// StaticSource returns a fixed Env. Used in tests and for replaying
// decisions at a known point.
type StaticSource struct {
	Height uint64
	Time   int64
}

func (s StaticSource) Env(_ context.Context) (Env, error) {
	return Env{Height: s.Height, Time: s.Time}, nil
}
