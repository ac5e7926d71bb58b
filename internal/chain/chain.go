// Package chain connects a user's wallet to the escrow network.
//
// A Signer is one wallet environment (injected browser wallet, mobile deep
// link, local key). A Manager wraps a Signer as the single connection for a
// user: it coalesces connect attempts, keeps the wallet on the configured
// network, submits transactions, and waits for their receipts.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrNoProvider          = errors.New("chain: no wallet provider available")
	ErrNotConnected        = errors.New("chain: wallet not connected")
	ErrNoAccounts          = errors.New("chain: wallet returned no accounts")
	ErrUserRejected        = errors.New("chain: request rejected by user")
	ErrUnrecognizedChain   = errors.New("chain: network not recognized by wallet")
	ErrRequestPending      = errors.New("chain: a wallet request is already pending")
	ErrConnectTimeout      = errors.New("chain: wallet connection timed out")
	ErrConfirmationTimeout = errors.New("chain: transaction confirmation timed out")
	ErrTransactionReverted = errors.New("chain: transaction reverted")
	ErrInvalidPrivateKey   = errors.New("chain: invalid private key")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
)

// WrongNetworkError means the wallet stayed on another chain after a switch.
type WrongNetworkError struct {
	Want *big.Int
	Got  *big.Int
	Err  error
}

func (e *WrongNetworkError) Error() string {
	msg := fmt.Sprintf("chain: wrong network (want %s, got %s)", bigString(e.Want), bigString(e.Got))
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *WrongNetworkError) Unwrap() error { return e.Err }

// ConfirmationTimeoutError is returned when no receipt appeared in time.
// The transaction may still be mined later.
type ConfirmationTimeoutError struct {
	TxHash  common.Hash
	Timeout time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("chain: no receipt for %s after %s", e.TxHash.Hex(), e.Timeout)
}

func (e *ConfirmationTimeoutError) Is(target error) bool { return target == ErrConfirmationTimeout }

// TxError wraps a transaction failure with its operation and hash.
type TxError struct {
	Op     string
	TxHash common.Hash
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func bigString(v *big.Int) string {
	if v == nil {
		return "unknown"
	}
	return v.String()
}

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// TxRequest is an unsigned contract call submitted through a wallet.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// Signer is one wallet environment.
type Signer interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	AddChain(ctx context.Context, n Network) error
	SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error)
}

// Reader is read-only chain access. *ethclient.Client satisfies it.
type Reader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}
