package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bmbapp/bmb/internal/tokenamount"
)

var (
	ErrNoContractCode      = errors.New("escrow: no contract code at address")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrMissingExecutor     = errors.New("escrow: executor wallet required")
	ErrInsufficientBalance = errors.New("escrow: insufficient token balance")
	ErrSimulationReverted  = errors.New("escrow: simulation reverted")
	ErrApproveFailed       = errors.New("escrow: token approval failed")
)

// InsufficientBalanceError carries the balance shortfall.
type InsufficientBalanceError struct {
	Have     *big.Int
	Need     *big.Int
	Decimals uint8
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("escrow: insufficient token balance (have %s, need %s)",
		tokenamount.Format(e.Have, e.Decimals), tokenamount.Format(e.Need, e.Decimals))
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// SimulationError is a dry-run revert, reported before any gas is spent.
type SimulationError struct {
	Method string
	Reason string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("escrow: %s(simulate) reverted: %s", e.Method, e.Reason)
}

func (e *SimulationError) Is(target error) bool { return target == ErrSimulationReverted }

// NoCodeError names the address that is not a contract on this network.
type NoCodeError struct {
	Name    string
	Address common.Address
}

func (e *NoCodeError) Error() string {
	return fmt.Sprintf("escrow: %s address %s is not a contract on this network", e.Name, e.Address.Hex())
}

func (e *NoCodeError) Is(target error) bool { return target == ErrNoContractCode }
