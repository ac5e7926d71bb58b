package escrow

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	revertPrefix = regexp.MustCompile(`(?i)execution reverted:?`)
	reasonSuffix = regexp.MustCompile(`(?i)\(reason=.*?\)`)
	// Failures that say nothing about the call itself: the node or wallet
	// could not simulate, so the transaction is sent anyway.
	benignFailure = regexp.MustCompile(`(?i)missing revert data|CALL_EXCEPTION|could not|method not found`)
)

// CleanRevertReason strips node prefixes and wrapper noise from a revert
// message. An empty result becomes "Transaction failed".
func CleanRevertReason(msg string) string {
	msg = revertPrefix.ReplaceAllString(msg, "")
	msg = reasonSuffix.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "Transaction failed"
	}
	return msg
}

// RevertReason extracts the human reason from a failed call. ABI-encoded
// Error(string) data attached to the RPC error wins over the message text.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return CleanRevertReason(reason)
				}
			}
		}
	}
	return CleanRevertReason(err.Error())
}

// IsBenignSimulationFailure reports whether a failed dry run should not
// block the transaction.
func IsBenignSimulationFailure(err error) bool {
	return err != nil && benignFailure.MatchString(err.Error())
}
