// Package chain executes approved USDC transfers on Base.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/traces"
	"github.com/temelreiz/auxite-wallet/internal/usdc"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAmount     = errors.New("chain: invalid amount")
	ErrTransactionFailed = errors.New("chain: transaction failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// TransferError wraps transfer failures with the failing step.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ERC20 ABI: transfer and balanceOf are all the gateway needs.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a gateway.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, 0x prefix optional
	ChainID      int64
	USDCContract string
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// Gateway signs and submits USDC transfers from the custodial hot wallet.
type Gateway struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	usdcContract common.Address
	usdcABI      abi.ABI
}

// New creates a gateway from config.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	g := &Gateway{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(*publicKey),
		chainID:      big.NewInt(cfg.ChainID),
		usdcContract: common.HexToAddress(cfg.USDCContract),
		usdcABI:      parsedABI,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain: chain ID required")
	}
	if cfg.USDCContract == "" {
		return errors.New("chain: USDC contract address required")
	}
	return nil
}

// Address returns the hot wallet's address.
func (g *Gateway) Address() string {
	return g.address.Hex()
}

// Execute signs and submits a USDC transfer. The account is the custodial
// account the transfer was approved for; funds move from the hot wallet.
// Returns the transaction hash once the transaction is accepted by the node.
func (g *Gateway) Execute(ctx context.Context, account, to, amount string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "chain.Execute",
		traces.AccountAddr(account), traces.Amount(amount))
	defer span.End()

	raw, ok := usdc.Parse(amount)
	if !ok || raw.Sign() <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	toAddr := common.HexToAddress(to)

	data, err := g.usdcABI.Pack("transfer", toAddr, raw)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.address,
		To:    &g.usdcContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.usdcContract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	logging.L(ctx).Info("transfer submitted",
		"account", account, "to", toAddr.Hex(), "amount", amount,
		"txHash", signedTx.Hash().Hex(), "nonce", nonce)
	return signedTx.Hash().Hex(), nil
}

// BalanceOf returns the raw USDC balance of an address.
func (g *Gateway) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	data, err := g.usdcABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := g.client.CallContract(ctx, ethereum.CallMsg{
		To:   &g.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

// WaitForConfirmation polls until the transaction is mined or the timeout
// elapses.
func (g *Gateway) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return nil
		}
	}
}

// Close closes the client connection.
func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}
