package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// EthSource reads height and time from the latest header of an Ethereum-style
// RPC node.
type EthSource struct {
	client *ethclient.Client
}

// NewEthSource dials the RPC endpoint.
func NewEthSource(ctx context.Context, rpcURL string) (*EthSource, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &EthSource{client: cli}, nil
}

// Env fetches the latest header and returns its number and timestamp.
func (s *EthSource) Env(ctx context.Context) (Env, error) {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Env{}, fmt.Errorf("latest header: %w", err)
	}
	return Env{
		Height: header.Number.Uint64(),
		Time:   int64(header.Time),
	}, nil
}

// Ping checks RPC connectivity for health reporting.
func (s *EthSource) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := s.client.BlockNumber(ctx)
	return err
}
