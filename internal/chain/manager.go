package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/singleflight"

	"github.com/bmbapp/bmb/internal/metrics"
	"github.com/bmbapp/bmb/internal/retry"
)

const (
	// DefaultConnectTimeout bounds a wallet connect attempt.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultReceiptTimeout bounds WaitForReceipt when no timeout is given.
	DefaultReceiptTimeout = 120 * time.Second
	// DefaultReceiptPoll is the receipt polling interval.
	DefaultReceiptPoll = 2 * time.Second
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithReceiptPoll overrides the receipt polling interval.
func WithReceiptPoll(d time.Duration) ManagerOption {
	return func(m *Manager) { m.receiptPoll = d }
}

// WithEnvironment records which wallet environment the signer serves.
func WithEnvironment(env Environment) ManagerOption {
	return func(m *Manager) { m.env = env }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager is a user's single wallet connection.
type Manager struct {
	signer         Signer
	reader         Reader
	env            Environment
	connectTimeout time.Duration
	receiptPoll    time.Duration
	logger         *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	address common.Address
	ok      bool
}

// NewManager wraps a signer. reader serves receipts and must be on the
// network the signer is driven to.
func NewManager(signer Signer, reader Reader, opts ...ManagerOption) *Manager {
	m := &Manager{
		signer:         signer,
		reader:         reader,
		env:            EnvDesktop,
		connectTimeout: DefaultConnectTimeout,
		receiptPoll:    DefaultReceiptPoll,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Environment returns the wallet environment behind this connection.
func (m *Manager) Environment() Environment { return m.env }

// Signer returns the underlying wallet environment.
func (m *Manager) Signer() Signer { return m.signer }

// Address returns the connected account, if any.
func (m *Manager) Address() (common.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address, m.ok
}

// Connect returns the wallet account, prompting the user if necessary.
// Concurrent callers share one in-flight request. The request runs under
// the connect timeout even if an individual caller gives up earlier.
func (m *Manager) Connect(ctx context.Context) (common.Address, error) {
	if addr, ok := m.Address(); ok {
		return addr, nil
	}
	if m.signer == nil {
		return common.Address{}, ErrNoProvider
	}

	ch := m.group.DoChan("connect", func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
		defer cancel()

		accounts, err := m.signer.RequestAccounts(cctx)
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s", ErrConnectTimeout, m.connectTimeout)
			}
			metrics.WalletConnectsTotal.WithLabelValues(string(m.env), "error").Inc()
			return common.Address{}, err
		}
		if len(accounts) == 0 {
			metrics.WalletConnectsTotal.WithLabelValues(string(m.env), "error").Inc()
			return common.Address{}, ErrNoAccounts
		}

		m.mu.Lock()
		m.address, m.ok = accounts[0], true
		m.mu.Unlock()

		metrics.WalletConnectsTotal.WithLabelValues(string(m.env), "ok").Inc()
		m.logger.Info("wallet connected", "address", accounts[0].Hex(), "environment", m.env)
		return accounts[0], nil
	})

	select {
	case <-ctx.Done():
		return common.Address{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return common.Address{}, res.Err
		}
		return res.Val.(common.Address), nil
	}
}

// Disconnect forgets the cached account and closes the signer if it can be.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.address, m.ok = common.Address{}, false
	m.mu.Unlock()
	if c, ok := m.signer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// EnsureChain makes the wallet's active network n. If the wallet does not
// know n it is added and switched to again. The result is verified; a
// wallet left elsewhere yields *WrongNetworkError. A user refusal is
// returned as ErrUserRejected.
func (m *Manager) EnsureChain(ctx context.Context, n Network) error {
	if m.signer == nil {
		return ErrNoProvider
	}
	want := n.ID()

	current, err := m.signer.ChainID(ctx)
	if err == nil && current.Cmp(want) == 0 {
		return nil
	}

	err = m.signer.SwitchChain(ctx, want)
	if errors.Is(err, ErrUnrecognizedChain) {
		if addErr := m.signer.AddChain(ctx, n); addErr != nil {
			if errors.Is(addErr, ErrUserRejected) {
				return addErr
			}
			return &WrongNetworkError{Want: want, Got: current, Err: addErr}
		}
		err = m.signer.SwitchChain(ctx, want)
	}
	if err != nil {
		if errors.Is(err, ErrUserRejected) {
			return err
		}
		return &WrongNetworkError{Want: want, Got: current, Err: err}
	}

	got, err := m.signer.ChainID(ctx)
	if err != nil {
		return &WrongNetworkError{Want: want, Err: err}
	}
	if got.Cmp(want) != 0 {
		return &WrongNetworkError{Want: want, Got: got}
	}
	m.logger.Info("wallet network switched", "chainId", n.ChainID)
	return nil
}

// SendTransaction submits tx from the connected account.
func (m *Manager) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	addr, ok := m.Address()
	if !ok {
		return common.Hash{}, ErrNotConnected
	}
	tx.From = addr
	return m.signer.SendTransaction(ctx, tx)
}

// WaitForReceipt polls for the receipt of hash until it is mined or timeout
// elapses (DefaultReceiptTimeout when zero). A mined receipt with status 0
// is returned together with a *TxError wrapping ErrTransactionReverted.
func (m *Manager) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	return WaitForReceipt(ctx, m.reader, hash, timeout, m.receiptPoll)
}

// WaitForReceipt is the polling loop behind Manager.WaitForReceipt.
func WaitForReceipt(ctx context.Context, reader Reader, hash common.Hash, timeout, interval time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	if interval <= 0 {
		interval = DefaultReceiptPoll
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var receipt *types.Receipt
	err := retry.PollFor(wctx, timeout, interval, func(ctx context.Context) (bool, error) {
		r, err := reader.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if r == nil || r.BlockNumber == nil {
			return false, nil
		}
		receipt = r
		return true, nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConfirmationTimeoutError{TxHash: hash, Timeout: timeout}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, &TxError{Op: "confirm", TxHash: hash, Err: ErrTransactionReverted}
	}
	return receipt, nil
}
