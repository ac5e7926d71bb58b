// Package escrow binds the on-chain escrow contract: locking donations,
// confirming completion, disputes and deal reads.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/metrics"
	"github.com/bmbapp/bmb/internal/tokenamount"
	"github.com/bmbapp/bmb/internal/traces"
)

// Wallet is the signing side of a call. *chain.Manager satisfies it.
type Wallet interface {
	Connect(ctx context.Context) (common.Address, error)
	EnsureChain(ctx context.Context, n chain.Network) error
	SendTransaction(ctx context.Context, tx chain.TxRequest) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

var _ Wallet = (*chain.Manager)(nil)

// Option configures a Binding.
type Option func(*Binding)

// WithLogger sets the binding's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binding) { b.logger = l }
}

// WithReceiptTimeout bounds each receipt wait.
func WithReceiptTimeout(d time.Duration) Option {
	return func(b *Binding) { b.receiptTimeout = d }
}

// Binding issues typed calls against one escrow deployment.
type Binding struct {
	reader         chain.Reader
	network        chain.Network
	escrow         common.Address
	token          common.Address
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// New creates a binding for the escrow and token contracts on network.
// Reads go through reader; writes go through the caller's Wallet.
func New(reader chain.Reader, network chain.Network, escrowAddr, tokenAddr common.Address, opts ...Option) *Binding {
	b := &Binding{
		reader:         reader,
		network:        network,
		escrow:         escrowAddr,
		token:          tokenAddr,
		receiptTimeout: chain.DefaultReceiptTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Network returns the chain the escrow lives on.
func (b *Binding) Network() chain.Network { return b.network }

// EscrowAddress returns the escrow contract address.
func (b *Binding) EscrowAddress() common.Address { return b.escrow }

// LockParams describes a lockFunds call.
type LockParams struct {
	ScenarioID    string
	Executor      common.Address
	Referrer      common.Address // zero when the customer has no referrer
	Amount        string         // human-readable token amount, e.g. "50" or "12.5"
	ExecutionTime time.Time
}

// LockFunds escrows the donation. It checks the network and contract code,
// verifies the token balance, approves the escrow if the allowance is short,
// then simulates, estimates and sends lockFunds and waits for the receipt.
func (b *Binding) LockFunds(ctx context.Context, w Wallet, p LockParams) (*types.Receipt, error) {
	if p.Executor == (common.Address{}) {
		return nil, ErrMissingExecutor
	}
	from, err := b.prepare(ctx, w)
	if err != nil {
		return nil, err
	}
	if err := b.checkCode(ctx); err != nil {
		return nil, err
	}

	decimals, err := b.TokenDecimals(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := tokenamount.Parse(p.Amount, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}

	balance, err := b.BalanceOf(ctx, from)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, &InsufficientBalanceError{Have: balance, Need: amount, Decimals: decimals}
	}

	if err := b.ensureAllowance(ctx, w, from, amount); err != nil {
		return nil, err
	}

	execAt := p.ExecutionTime.Unix()
	if p.ExecutionTime.IsZero() || execAt <= 0 {
		execAt = time.Now().Unix()
	}
	data, err := escrowABI.Pack("lockFunds", ScenarioID(p.ScenarioID), p.Executor, p.Referrer, amount, big.NewInt(execAt))
	if err != nil {
		return nil, fmt.Errorf("escrow: pack lockFunds: %w", err)
	}
	return b.transact(ctx, w, from, b.escrow, "lockFunds", data, GasLockFunds)
}

// ConfirmCompletion releases the escrowed funds (called by the executor).
func (b *Binding) ConfirmCompletion(ctx context.Context, w Wallet, scenarioID string) (*types.Receipt, error) {
	return b.scenarioCall(ctx, w, "confirmCompletion", GasConfirmCompletion, ScenarioID(scenarioID))
}

// OpenDispute opens an on-chain dispute for the scenario.
func (b *Binding) OpenDispute(ctx context.Context, w Wallet, scenarioID string) (*types.Receipt, error) {
	return b.scenarioCall(ctx, w, "openDispute", GasOpenDispute, ScenarioID(scenarioID))
}

// EscalateToDispute moves an on-chain disagreement into community voting.
func (b *Binding) EscalateToDispute(ctx context.Context, w Wallet, scenarioID string) (*types.Receipt, error) {
	return b.scenarioCall(ctx, w, "escalateToDispute", GasEscalate, ScenarioID(scenarioID))
}

// Vote casts an on-chain dispute vote.
func (b *Binding) Vote(ctx context.Context, w Wallet, scenarioID string, forExecutor bool) (*types.Receipt, error) {
	return b.scenarioCall(ctx, w, "vote", GasVote, ScenarioID(scenarioID), forExecutor)
}

// FinalizeDispute settles a dispute whose voting has closed.
func (b *Binding) FinalizeDispute(ctx context.Context, w Wallet, scenarioID string) (*types.Receipt, error) {
	return b.scenarioCall(ctx, w, "finalizeDispute", GasFinalizeDispute, ScenarioID(scenarioID))
}

func (b *Binding) scenarioCall(ctx context.Context, w Wallet, method string, fallbackGas uint64, args ...interface{}) (*types.Receipt, error) {
	from, err := b.prepare(ctx, w)
	if err != nil {
		return nil, err
	}
	data, err := escrowABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: pack %s: %w", method, err)
	}
	return b.transact(ctx, w, from, b.escrow, method, data, fallbackGas)
}

// GetDeal reads the deal for a scenario. It has no side effects and is safe
// to poll.
func (b *Binding) GetDeal(ctx context.Context, scenarioID string) (*Deal, error) {
	start := time.Now()
	defer metrics.ObserveChainCall("getDeal", "read", start)

	out, err := b.call(ctx, b.escrow, escrowABI, "getDeal", ScenarioID(scenarioID))
	if err != nil {
		return nil, err
	}
	deal := *abi.ConvertType(out[0], new(Deal)).(*Deal)
	return &deal, nil
}

// TokenDecimals reads the token's decimals live.
func (b *Binding) TokenDecimals(ctx context.Context) (uint8, error) {
	out, err := b.call(ctx, b.token, erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// BalanceOf reads a token balance in base units.
func (b *Binding) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := b.call(ctx, b.token, erc20ABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Allowance reads how much the escrow may pull from owner.
func (b *Binding) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := b.call(ctx, b.token, erc20ABI, "allowance", owner, b.escrow)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// prepare connects the wallet and puts it on the escrow's network.
func (b *Binding) prepare(ctx context.Context, w Wallet) (common.Address, error) {
	from, err := w.Connect(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if err := w.EnsureChain(ctx, b.network); err != nil {
		return common.Address{}, err
	}
	return from, nil
}

func (b *Binding) checkCode(ctx context.Context) error {
	for _, c := range []struct {
		name string
		addr common.Address
	}{{"escrow", b.escrow}, {"token", b.token}} {
		code, err := b.reader.CodeAt(ctx, c.addr, nil)
		if err != nil {
			return fmt.Errorf("escrow: read %s code: %w", c.name, err)
		}
		if len(code) == 0 {
			return &NoCodeError{Name: c.name, Address: c.addr}
		}
	}
	return nil
}

// ensureAllowance approves the escrow for need. A nonzero allowance that is
// too small is reset to zero first, as some stablecoins require.
func (b *Binding) ensureAllowance(ctx context.Context, w Wallet, owner common.Address, need *big.Int) error {
	have, err := b.Allowance(ctx, owner)
	if err != nil {
		b.logger.Warn("allowance read failed, assuming zero", "owner", owner.Hex(), "error", err)
		have = new(big.Int)
	}
	if have.Cmp(need) >= 0 {
		return nil
	}

	if have.Sign() != 0 {
		if err := b.approve(ctx, w, owner, new(big.Int)); err != nil {
			return err
		}
	}
	return b.approve(ctx, w, owner, need)
}

func (b *Binding) approve(ctx context.Context, w Wallet, owner common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("approve", b.escrow, amount)
	if err != nil {
		return fmt.Errorf("escrow: pack approve: %w", err)
	}
	if _, err := b.transact(ctx, w, owner, b.token, "approve", data, GasApprove); err != nil {
		return errors.Join(ErrApproveFailed, err)
	}
	return nil
}

// transact simulates, estimates, sends and waits for one transaction.
func (b *Binding) transact(ctx context.Context, w Wallet, from, to common.Address, method string, data []byte, fallbackGas uint64) (receipt *types.Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+method, traces.Method(method))
	defer func() { traces.End(span, err) }()

	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	start := time.Now()
	_, simErr := b.reader.CallContract(ctx, msg, nil)
	metrics.ObserveChainCall(method, "simulate", start)
	if simErr != nil {
		if !IsBenignSimulationFailure(simErr) {
			return nil, &SimulationError{Method: method, Reason: RevertReason(simErr)}
		}
		b.logger.Warn("simulation inconclusive, sending anyway", "method", method, "error", simErr)
	}

	gas := b.estimateGas(ctx, method, msg, fallbackGas)

	start = time.Now()
	hash, err := w.SendTransaction(ctx, chain.TxRequest{To: to, Data: data, Gas: gas})
	metrics.ObserveChainCall(method, "send", start)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TxHash(hash.Hex()))
	b.logger.Info("transaction sent", "method", method, "txHash", hash.Hex(), "gas", gas)

	start = time.Now()
	receipt, err = w.WaitForReceipt(ctx, hash, b.receiptTimeout)
	metrics.ObserveChainCall(method, "confirm", start)
	if err != nil {
		return receipt, err
	}
	b.logger.Info("transaction confirmed", "method", method, "txHash", hash.Hex(), "block", receipt.BlockNumber)
	return receipt, nil
}

// estimateGas returns the estimate plus 20%, or fallback if estimation fails.
func (b *Binding) estimateGas(ctx context.Context, method string, msg ethereum.CallMsg, fallback uint64) uint64 {
	start := time.Now()
	est, err := b.reader.EstimateGas(ctx, msg)
	metrics.ObserveChainCall(method, "estimate", start)
	if err != nil || est == 0 {
		metrics.ChainGasFallbacksTotal.WithLabelValues(method).Inc()
		b.logger.Debug("gas estimation failed, using fallback", "method", method, "gas", fallback, "error", err)
		return fallback
	}
	return est * 12 / 10
}

func (b *Binding) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: pack %s: %w", method, err)
	}
	raw, err := b.reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("escrow: decode %s: empty result", method)
	}
	return out, nil
}
