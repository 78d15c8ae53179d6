package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atm-network/atm-session/internal/logger"
)

const erc20ABI = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"}
]`

// ContractCaller is the read-only part of an Ethereum client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainIDReader reports the chain the RPC endpoint serves.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// TokenReader reads an ERC-20 token contract.
type TokenReader struct {
	caller     ContractCaller
	contract   common.Address
	abi        abi.ABI
	maxRetries uint64
	retryDelay time.Duration

	mu       sync.Mutex
	decimals *uint8
}

func NewTokenReader(caller ContractCaller, contract string, maxRetries int, retryDelay time.Duration) (*TokenReader, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid token contract address: %s", contract)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	if maxRetries < 0 {
		maxRetries = 0
	}

	return &TokenReader{
		caller:     caller,
		contract:   common.HexToAddress(contract),
		abi:        parsed,
		maxRetries: uint64(maxRetries),
		retryDelay: retryDelay,
	}, nil
}

// BalanceOf returns the raw token balance of owner.
func (r *TokenReader) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("invalid owner address: %s", owner)
	}

	var balance *big.Int
	if err := r.call(ctx, &balance, "balanceOf", common.HexToAddress(owner)); err != nil {
		return nil, err
	}
	return balance, nil
}

// Decimals returns the token's decimals; the value is read once.
func (r *TokenReader) Decimals(ctx context.Context) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.decimals != nil {
		return *r.decimals, nil
	}

	var decimals uint8
	if err := r.call(ctx, &decimals, "decimals"); err != nil {
		return 0, err
	}
	r.decimals = &decimals
	return decimals, nil
}

// FormattedBalance returns the balance of owner scaled by the token decimals.
func (r *TokenReader) FormattedBalance(ctx context.Context, owner string) (string, error) {
	balance, err := r.BalanceOf(ctx, owner)
	if err != nil {
		return "", err
	}
	decimals, err := r.Decimals(ctx)
	if err != nil {
		return "", err
	}
	return FormatUnits(balance, decimals), nil
}

func (r *TokenReader) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	var result []byte
	operation := func() error {
		var callErr error
		result, callErr = r.caller.CallContract(ctx, ethereum.CallMsg{
			To:   &r.contract,
			Data: data,
		}, nil)
		return callErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), r.maxRetries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		logger.Warn("Contract call %s failed, retrying in %s: %v", method, wait, err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}

	if err := r.abi.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return nil
}

// FormatUnits renders amount / 10^decimals without trailing zeros.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	value := new(big.Float).SetPrec(256).SetInt(amount)
	scale := new(big.Float).SetPrec(256).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Quo(value, scale)

	text := value.Text('f', int(decimals))
	if strings.Contains(text, ".") {
		text = strings.TrimRight(strings.TrimRight(text, "0"), ".")
	}
	return text
}
