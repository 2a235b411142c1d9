package transfer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"escrowd/internal/contracts"
	"escrowd/internal/model"
)

// EthDispatcher submits payout transactions to the settlement contract.
type EthDispatcher struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthDispatcherConfig struct {
	RPCURL             string
	PrivateKeyHex      string
	SettlementContract string
}

func NewEthDispatcher(ctx context.Context, cfg EthDispatcherConfig) (*EthDispatcher, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.SettlementContract == "" {
		return nil, fmt.Errorf("settlement contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting payouts")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.SettlementABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.SettlementContract)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	return &EthDispatcher{
		client:    cli,
		contract:  bound,
		abi:       parsedABI,
		address:   address,
		chainID:   chainID,
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Dispatch submits one payout transaction per currency entry in the
// instruction. The ref ties every transaction back to the instruction id.
func (d *EthDispatcher) Dispatch(ctx context.Context, ins Instruction) error {
	to := common.HexToAddress(ins.To)
	ref := toBytes32(ins.ID)

	opts := *d.transacts
	opts.Context = ctx

	for denom, amount := range ins.Amount.Native {
		wei, err := parseAmount(amount)
		if err != nil {
			return fmt.Errorf("native %s: %w", denom, err)
		}
		if _, err := d.contract.Transact(&opts, "payoutNative", ref, to, toBytes32(denom), wei); err != nil {
			return fmt.Errorf("payout native %s: %w", denom, err)
		}
	}

	for _, token := range ins.Amount.TokenAddrs() {
		wei, err := parseAmount(ins.Amount.Tokens[token])
		if err != nil {
			return fmt.Errorf("token %s: %w", token, err)
		}
		if _, err := d.contract.Transact(&opts, "payoutToken", ref, to, common.HexToAddress(token), wei); err != nil {
			return fmt.Errorf("payout token %s: %w", token, err)
		}
	}

	return nil
}

// Ping checks RPC connectivity for health reporting.
func (d *EthDispatcher) Ping(ctx context.Context) error {
	if d.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := d.client.BlockNumber(ctx)
	return err
}

func parseAmount(a model.Amount) (*big.Int, error) {
	v, ok := new(big.Int).SetString(a.String(), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", a.String())
	}
	return v, nil
}

func toBytes32(value string) [32]byte {
	var out [32]byte
	copy(out[:], []byte(value))
	return out
}
