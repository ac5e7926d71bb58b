package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABIJSON is the deployed escrow contract's interface.
const escrowABIJSON = `[
	{"type":"function","name":"lockFunds","stateMutability":"payable","inputs":[
		{"name":"scenarioId","type":"bytes32"},
		{"name":"executor","type":"address"},
		{"name":"referrer","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"executionTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"confirmCompletion","stateMutability":"nonpayable","inputs":[
		{"name":"scenarioId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"openDispute","stateMutability":"nonpayable","inputs":[
		{"name":"scenarioId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"escalateToDispute","stateMutability":"nonpayable","inputs":[
		{"name":"scenarioId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"vote","stateMutability":"nonpayable","inputs":[
		{"name":"scenarioId","type":"bytes32"},
		{"name":"voteForExecutor","type":"bool"}],"outputs":[]},
	{"type":"function","name":"finalizeDispute","stateMutability":"nonpayable","inputs":[
		{"name":"scenarioId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getDeal","stateMutability":"view","inputs":[
		{"name":"scenarioId","type":"bytes32"}],"outputs":[
		{"name":"","type":"tuple","components":[
			{"name":"customer","type":"address"},
			{"name":"executor","type":"address"},
			{"name":"referrer","type":"address"},
			{"name":"amount","type":"uint128"},
			{"name":"execAt","type":"uint40"},
			{"name":"deadline","type":"uint40"},
			{"name":"flags","type":"uint8"},
			{"name":"status","type":"uint8"},
			{"name":"disputeOpenedAt","type":"uint40"},
			{"name":"votesExecutor","type":"uint16"},
			{"name":"votesCustomer","type":"uint16"}]}]}
]`

// erc20ABIJSON covers the token calls the lock flow needs.
const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	escrowABI = mustParseABI(escrowABIJSON)
	erc20ABI  = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("escrow: invalid ABI: " + err.Error())
	}
	return parsed
}

// Fallback gas limits used when estimation fails.
const (
	GasLockFunds         = uint64(300000)
	GasConfirmCompletion = uint64(250000)
	GasOpenDispute       = uint64(200000)
	GasEscalate          = uint64(200000)
	GasVote              = uint64(150000)
	GasFinalizeDispute   = uint64(600000)
	GasApprove           = uint64(100000)
)
