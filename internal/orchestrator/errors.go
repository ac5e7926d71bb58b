package orchestrator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/dispute"
	"github.com/bmbapp/bmb/internal/escrow"
	"github.com/bmbapp/bmb/internal/evidence"
	"github.com/bmbapp/bmb/internal/pagination"
	"github.com/bmbapp/bmb/internal/reconcile"
	"github.com/bmbapp/bmb/internal/scenario"
	"github.com/bmbapp/bmb/internal/tokenamount"
)

var (
	ErrBusy          = errors.New("orchestrator: action already in progress")
	ErrForbidden     = errors.New("orchestrator: not a party to this scenario")
	ErrChainDisabled = errors.New("orchestrator: escrow contract not configured")
	ErrVotingOpen    = errors.New("orchestrator: dispute voting still open")
	ErrUnknownField  = errors.New("orchestrator: field is not editable")
)

// Kind classifies a failed action for the client.
type Kind string

const (
	KindWrongNetwork        Kind = "wrong_network"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindApproveFailed       Kind = "approve_failed"
	KindAddressMismatch     Kind = "address_mismatch"
	KindSimulationReverted  Kind = "simulation_reverted"
	KindReverted            Kind = "transaction_reverted"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindUserRejected        Kind = "user_rejected"
	KindWriteConflict       Kind = "write_conflict"
	KindEvidenceAttached    Kind = "evidence_attached"
	KindVotingClosed        Kind = "voting_closed"
	KindBusy                Kind = "busy"
	KindNotAllowed          Kind = "not_allowed"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindNoWallet            Kind = "no_wallet"
	KindConnectTimeout      Kind = "connect_timeout"
	KindInvalidInput        Kind = "invalid_input"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

// ActionError is the single user-facing error of a failed action.
// Silent errors (the user dismissed the wallet prompt) are not shown as
// failures.
type ActionError struct {
	Kind     Kind   `json:"error"`
	Message  string `json:"message"`
	TxHash   string `json:"txHash,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Silent   bool   `json:"silent,omitempty"`
	Err      error  `json:"-"`
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *ActionError) Unwrap() error { return e.Err }

// StatusCode is the HTTP status the error is rendered with.
func (e *ActionError) StatusCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidInput, KindUserRejected:
		return http.StatusBadRequest
	case KindBusy, KindNotAllowed, KindAddressMismatch, KindWrongNetwork,
		KindWriteConflict, KindEvidenceAttached, KindVotingClosed:
		return http.StatusConflict
	case KindInsufficientBalance, KindSimulationReverted, KindReverted:
		return http.StatusUnprocessableEntity
	case KindNoWallet:
		return http.StatusPreconditionFailed
	case KindConfirmationTimeout:
		return http.StatusAccepted
	case KindConnectTimeout:
		return http.StatusGatewayTimeout
	case KindApproveFailed:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AddressMismatchError means the connected wallet is not the wallet the
// action has to be signed with.
type AddressMismatchError struct {
	Expected string
	Actual   string
}

func (e *AddressMismatchError) Error() string {
	return fmt.Sprintf("orchestrator: connected wallet %s does not match expected %s", e.Actual, e.Expected)
}

// NotAllowedError is a gating refusal with its reason code.
type NotAllowedError struct {
	Action string
	Reason string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("orchestrator: %s not allowed: %s", e.Action, e.Reason)
}

// Translate maps err to an ActionError. Nil stays nil.
func Translate(err error) *ActionError {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae
	}
	out := classify(err)
	out.Err = err
	if out.TxHash == "" {
		out.TxHash = txHashOf(err)
	}
	return out
}

func classify(err error) *ActionError {
	var (
		mismatch *AddressMismatchError
		refused  *NotAllowedError
		network  *chain.WrongNetworkError
		balance  *escrow.InsufficientBalanceError
		sim      *escrow.SimulationError
		timeout  *chain.ConfirmationTimeoutError
	)
	switch {
	case errors.Is(err, ErrBusy):
		return &ActionError{Kind: KindBusy, Message: "This action is already in progress"}
	case errors.As(err, &refused):
		return &ActionError{Kind: KindNotAllowed, Message: refusalMessage(refused.Reason)}
	case errors.As(err, &mismatch):
		return &ActionError{
			Kind:     KindAddressMismatch,
			Message:  "Connected wallet does not match the executor wallet for this scenario",
			Expected: mismatch.Expected,
			Actual:   mismatch.Actual,
		}
	case errors.Is(err, chain.ErrUserRejected):
		return &ActionError{Kind: KindUserRejected, Message: "Request cancelled in wallet", Silent: true}
	case errors.As(err, &network), errors.Is(err, chain.ErrUnrecognizedChain):
		return &ActionError{Kind: KindWrongNetwork, Message: "Switch your wallet to the escrow network and try again"}
	case errors.As(err, &balance):
		return &ActionError{
			Kind: KindInsufficientBalance,
			Message: fmt.Sprintf("Insufficient token balance: have %s, need %s",
				tokenamount.Format(balance.Have, balance.Decimals), tokenamount.Format(balance.Need, balance.Decimals)),
		}
	case errors.Is(err, escrow.ErrApproveFailed):
		return &ActionError{Kind: KindApproveFailed, Message: "Token approval failed"}
	case errors.As(err, &sim):
		return &ActionError{Kind: KindSimulationReverted, Message: escrow.CleanRevertReason(sim.Reason)}
	case errors.As(err, &timeout):
		return &ActionError{
			Kind:    KindConfirmationTimeout,
			Message: "Transaction is still processing",
			TxHash:  timeout.TxHash.Hex(),
		}
	case errors.Is(err, chain.ErrTransactionReverted):
		return &ActionError{Kind: KindReverted, Message: escrow.RevertReason(err)}
	case errors.Is(err, chain.ErrConnectTimeout):
		return &ActionError{Kind: KindConnectTimeout, Message: "Wallet connection timed out"}
	case errors.Is(err, chain.ErrNoProvider), errors.Is(err, chain.ErrNotConnected),
		errors.Is(err, chain.ErrNoAccounts):
		return &ActionError{Kind: KindNoWallet, Message: "Connect a wallet first"}
	case errors.Is(err, chain.ErrRequestPending):
		return &ActionError{Kind: KindBusy, Message: "Finish the pending request in your wallet"}
	case errors.Is(err, scenario.ErrNoWallet):
		return &ActionError{Kind: KindNoWallet, Message: "The executor has not linked a wallet"}
	case errors.Is(err, escrow.ErrMissingExecutor):
		return &ActionError{Kind: KindNoWallet, Message: "The executor wallet is not a valid address"}
	case errors.Is(err, scenario.ErrWriteConflict), errors.Is(err, dispute.ErrWriteConflict):
		return &ActionError{Kind: KindWriteConflict, Message: "The scenario changed, reload and try again"}
	case errors.Is(err, dispute.ErrEvidenceAttached):
		return &ActionError{Kind: KindEvidenceAttached, Message: "Evidence has already been uploaded for this dispute"}
	case errors.Is(err, dispute.ErrVotingClosed):
		return &ActionError{Kind: KindVotingClosed, Message: "Voting on this dispute is closed"}
	case errors.Is(err, ErrVotingOpen):
		return &ActionError{Kind: KindNotAllowed, Message: "Voting on this dispute is still open"}
	case errors.Is(err, scenario.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		return &ActionError{Kind: KindNotFound, Message: "Not found"}
	case errors.Is(err, ErrForbidden), errors.Is(err, dispute.ErrNotParty):
		return &ActionError{Kind: KindForbidden, Message: "Only the scenario's parties can do this"}
	case errors.Is(err, scenario.ErrInvalidAmount), errors.Is(err, escrow.ErrInvalidAmount):
		return &ActionError{Kind: KindInvalidInput, Message: "Invalid donation amount"}
	case errors.Is(err, scenario.ErrInvalidSchedule):
		return &ActionError{Kind: KindInvalidInput, Message: "Invalid date or time"}
	case errors.Is(err, scenario.ErrMissingParties), errors.Is(err, scenario.ErrInvalidParty):
		return &ActionError{Kind: KindInvalidInput, Message: "A scenario needs a customer and a different executor"}
	case errors.Is(err, ErrUnknownField):
		return &ActionError{Kind: KindInvalidInput, Message: "Only the description and the amount can be drafted"}
	case errors.Is(err, pagination.ErrInvalidCursor):
		return &ActionError{Kind: KindInvalidInput, Message: "Invalid page cursor"}
	case errors.Is(err, dispute.ErrInvalidChoice):
		return &ActionError{Kind: KindInvalidInput, Message: "Vote for executor or customer"}
	case errors.Is(err, evidence.ErrEmptyFile):
		return &ActionError{Kind: KindInvalidInput, Message: "The file is empty"}
	case errors.Is(err, evidence.ErrTooLarge):
		return &ActionError{Kind: KindInvalidInput, Message: "The file is too large"}
	case errors.Is(err, evidence.ErrNotConfigured), errors.Is(err, ErrChainDisabled):
		return &ActionError{Kind: KindUnavailable, Message: "This feature is not configured"}
	case errors.Is(err, escrow.ErrNoContractCode):
		return &ActionError{Kind: KindUnavailable, Message: "Escrow contract is not deployed on this network"}
	}
	return &ActionError{Kind: KindInternal, Message: "Something went wrong, try again"}
}

func txHashOf(err error) string {
	var txErr *chain.TxError
	if errors.As(err, &txErr) && txErr.TxHash != (common.Hash{}) {
		return txErr.TxHash.Hex()
	}
	return ""
}

var refusalMessages = map[string]string{
	reconcile.ReasonNotParty:         "Only the scenario's parties can do this",
	reconcile.ReasonWrongRole:        "This action belongs to the other party",
	reconcile.ReasonConfirmed:        "The scenario is already confirmed",
	reconcile.ReasonLocked:           "Funds are already locked",
	reconcile.ReasonAlreadyAgreed:    "You already agreed",
	reconcile.ReasonNotAgreed:        "Both parties have to agree first",
	reconcile.ReasonNotLocked:        "Funds are not locked yet",
	reconcile.ReasonTooEarly:         "The scheduled time has not come yet",
	reconcile.ReasonAlreadyCompleted: "Already marked completed",
	reconcile.ReasonDealNotLocked:    "The on-chain deal is not locked",
	reconcile.ReasonNoExecutorWallet: "The executor has not linked a wallet",
	reconcile.ReasonAddressMismatch:  "Connected wallet does not match the executor wallet",
	reconcile.ReasonDealExists:       "Funds for this scenario are already held on-chain",
}

func refusalMessage(reason string) string {
	if m, ok := refusalMessages[reason]; ok {
		return m
	}
	return "This action is not available right now"
}
