package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ScenarioID maps a scenario identifier to the contract's bytes32 key:
// Keccak-256 over the UTF-8 bytes of the id.
func ScenarioID(id string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(id)))
}

// DealStatus is the contract's numeric deal state. Codes outside the known
// range are kept as-is and reported as unknown.
type DealStatus uint8

const (
	StatusNone      DealStatus = 0
	StatusPending   DealStatus = 1
	StatusLocked    DealStatus = 2
	StatusCompleted DealStatus = 3
	StatusRefunded  DealStatus = 4
)

// Known reports whether s is one of the documented codes.
func (s DealStatus) Known() bool { return s <= StatusRefunded }

func (s DealStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusLocked:
		return "locked"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Deal is the getDeal tuple. Field names and types match the ABI decoder's
// output so abi.ConvertType can fill it directly.
type Deal struct {
	Customer        common.Address
	Executor        common.Address
	Referrer        common.Address
	Amount          *big.Int
	ExecAt          *big.Int
	Deadline        *big.Int
	Flags           uint8
	Status          uint8
	DisputeOpenedAt *big.Int
	VotesExecutor   uint16
	VotesCustomer   uint16
}

// DealStatus returns the typed status code.
func (d *Deal) DealStatus() DealStatus { return DealStatus(d.Status) }

// Exists reports whether the contract has any record for the scenario.
func (d *Deal) Exists() bool {
	return d.Status != uint8(StatusNone) || d.Customer != (common.Address{})
}

// ExecutionTime returns the on-chain scheduled execution time.
func (d *Deal) ExecutionTime() time.Time { return unixTime(d.ExecAt) }

// DeadlineTime returns the on-chain deadline.
func (d *Deal) DeadlineTime() time.Time { return unixTime(d.Deadline) }

// DisputeOpenedTime returns when an on-chain dispute was opened, or zero.
func (d *Deal) DisputeOpenedTime() time.Time { return unixTime(d.DisputeOpenedAt) }

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
