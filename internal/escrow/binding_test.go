package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/logging"
)

var (
	escrowAddr   = common.HexToAddress("0x00000000000000000000000000000000000e5c00")
	tokenAddr    = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	customerAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	executorAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// revertError mimics a node error carrying Error(string) revert data.
type revertError struct {
	msg  string
	data string
}

func (e *revertError) Error() string          { return e.msg }
func (e *revertError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

// fakeChain plays both the token and the escrow contract.
type fakeChain struct {
	mu          sync.Mutex
	decimals    uint8
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]*big.Int
	deals       map[[32]byte]Deal
	noCode      map[common.Address]bool
	simErr      map[string]error
	estimate    uint64
	estimateErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		decimals:   18,
		balances:   map[common.Address]*big.Int{customerAddr: units(1000)},
		allowances: map[common.Address]*big.Int{},
		deals:      map[[32]byte]Deal{},
		noCode:     map[common.Address]bool{},
		simErr:     map[string]error{},
		estimate:   100000,
	}
}

func (f *fakeChain) method(to common.Address, data []byte) (*abi.Method, error) {
	if to == tokenAddr {
		return erc20ABI.MethodById(data[:4])
	}
	return escrowABI.MethodById(data[:4])
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.method(*msg.To, msg.Data)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	if e := f.simErr[m.Name]; e != nil {
		return nil, e
	}

	switch m.Name {
	case "decimals":
		return m.Outputs.Pack(f.decimals)
	case "balanceOf":
		return m.Outputs.Pack(f.balance(args[0].(common.Address)))
	case "allowance":
		a := f.allowances[args[0].(common.Address)]
		if a == nil {
			a = new(big.Int)
		}
		return m.Outputs.Pack(a)
	case "approve":
		return m.Outputs.Pack(true)
	case "getDeal":
		deal, ok := f.deals[args[0].([32]byte)]
		if !ok {
			deal = emptyDeal()
		}
		return m.Outputs.Pack(deal)
	}
	return nil, nil
}

func (f *fakeChain) balance(a common.Address) *big.Int {
	if b := f.balances[a]; b != nil {
		return b
	}
	return new(big.Int)
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeChain) CodeAt(_ context.Context, a common.Address, _ *big.Int) ([]byte, error) {
	if f.noCode[a] {
		return nil, nil
	}
	return []byte{0x60, 0x80}, nil
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(56), nil }

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func emptyDeal() Deal {
	return Deal{
		Amount:          new(big.Int),
		ExecAt:          new(big.Int),
		Deadline:        new(big.Int),
		DisputeOpenedAt: new(big.Int),
	}
}

type sentTx struct {
	method string
	args   []interface{}
	gas    uint64
}

// fakeWallet applies sent transactions to the fake chain.
type fakeWallet struct {
	chain   *fakeChain
	from    common.Address
	sent    []sentTx
	status  uint64
	sendErr error
}

func (w *fakeWallet) Connect(context.Context) (common.Address, error) { return w.from, nil }

func (w *fakeWallet) EnsureChain(context.Context, chain.Network) error { return nil }

func (w *fakeWallet) SendTransaction(_ context.Context, tx chain.TxRequest) (common.Hash, error) {
	if w.sendErr != nil {
		return common.Hash{}, w.sendErr
	}
	f := w.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.method(tx.To, tx.Data)
	if err != nil {
		return common.Hash{}, err
	}
	args, err := m.Inputs.Unpack(tx.Data[4:])
	if err != nil {
		return common.Hash{}, err
	}
	w.sent = append(w.sent, sentTx{method: m.Name, args: args, gas: tx.Gas})

	switch m.Name {
	case "approve":
		f.allowances[w.from] = args[1].(*big.Int)
	case "lockFunds":
		d := emptyDeal()
		d.Customer = w.from
		d.Executor = args[1].(common.Address)
		d.Referrer = args[2].(common.Address)
		d.Amount = args[3].(*big.Int)
		d.ExecAt = args[4].(*big.Int)
		d.Status = uint8(StatusLocked)
		f.deals[args[0].([32]byte)] = d
	}
	return common.BigToHash(big.NewInt(int64(len(w.sent)))), nil
}

func (w *fakeWallet) WaitForReceipt(_ context.Context, hash common.Hash, _ time.Duration) (*types.Receipt, error) {
	status := types.ReceiptStatusSuccessful
	if w.status != 0 {
		status = w.status - 1
	}
	rc := &types.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(10)}
	if status == types.ReceiptStatusFailed {
		return rc, &chain.TxError{Op: "confirm", TxHash: hash, Err: chain.ErrTransactionReverted}
	}
	return rc, nil
}

func (w *fakeWallet) methods() []string {
	out := make([]string, len(w.sent))
	for i, s := range w.sent {
		out[i] = s.method
	}
	return out
}

func newTestBinding(f *fakeChain) *Binding {
	return New(f, chain.BSC, escrowAddr, tokenAddr, WithLogger(logging.Discard()))
}

func lockParams() LockParams {
	return LockParams{
		ScenarioID:    "scenario-1",
		Executor:      executorAddr,
		Amount:        "50",
		ExecutionTime: time.Unix(1_900_000_000, 0),
	}
}

func TestScenarioID(t *testing.T) {
	id := ScenarioID("3f0c9a1e-2b5d-4c1e-9f00-0a1b2c3d4e5f")
	assert.Equal(t, crypto.Keccak256([]byte("3f0c9a1e-2b5d-4c1e-9f00-0a1b2c3d4e5f")), id[:])
	assert.Equal(t, id, ScenarioID("3f0c9a1e-2b5d-4c1e-9f00-0a1b2c3d4e5f"))
	assert.NotEqual(t, id, ScenarioID("3f0c9a1e-2b5d-4c1e-9f00-0a1b2c3d4e60"))
}

func TestLockFunds_SufficientAllowanceSendsOneTransaction(t *testing.T) {
	f := newFakeChain()
	f.allowances[customerAddr] = units(100)
	w := &fakeWallet{chain: f, from: customerAddr}
	b := newTestBinding(f)

	rc, err := b.LockFunds(context.Background(), w, lockParams())
	require.NoError(t, err)
	require.NotNil(t, rc)

	assert.Equal(t, []string{"lockFunds"}, w.methods())
	sent := w.sent[0]
	assert.Equal(t, uint64(120000), sent.gas)
	assert.Equal(t, ScenarioID("scenario-1"), sent.args[0])
	assert.Equal(t, executorAddr, sent.args[1])
	assert.Equal(t, common.Address{}, sent.args[2], "missing referrer is the zero address")
	assert.Equal(t, units(50), sent.args[3])
	assert.Equal(t, big.NewInt(1_900_000_000), sent.args[4])

	deal, err := b.GetDeal(context.Background(), "scenario-1")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, deal.DealStatus())
	assert.Equal(t, executorAddr, deal.Executor)
	assert.Equal(t, customerAddr, deal.Customer)
	assert.Equal(t, units(50), deal.Amount)
}

func TestLockFunds_ZeroAllowanceApprovesFirst(t *testing.T) {
	f := newFakeChain()
	w := &fakeWallet{chain: f, from: customerAddr}

	_, err := newTestBinding(f).LockFunds(context.Background(), w, lockParams())
	require.NoError(t, err)

	assert.Equal(t, []string{"approve", "lockFunds"}, w.methods())
	assert.Equal(t, units(50), w.sent[0].args[1])
}

func TestLockFunds_PartialAllowanceIsResetBeforeApprove(t *testing.T) {
	f := newFakeChain()
	f.allowances[customerAddr] = units(10)
	w := &fakeWallet{chain: f, from: customerAddr}

	_, err := newTestBinding(f).LockFunds(context.Background(), w, lockParams())
	require.NoError(t, err)

	assert.Equal(t, []string{"approve", "approve", "lockFunds"}, w.methods())
	assert.Equal(t, 0, w.sent[0].args[1].(*big.Int).Sign())
	assert.Equal(t, units(50), w.sent[1].args[1])
}

func TestLockFunds_AllowanceReadFailureAssumesZero(t *testing.T) {
	f := newFakeChain()
	f.allowances[customerAddr] = units(100)
	w := &fakeWallet{chain: f, from: customerAddr}
	b := newTestBinding(f)

	// Only the allowance read fails; approve simulation must still pass.
	f.simErr["allowance"] = errors.New("CALL_EXCEPTION")

	_, err := b.LockFunds(context.Background(), w, lockParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "lockFunds"}, w.methods())
}

func TestLockFunds_InsufficientBalance(t *testing.T) {
	f := newFakeChain()
	f.balances[customerAddr] = units(20)
	w := &fakeWallet{chain: f, from: customerAddr}

	_, err := newTestBinding(f).LockFunds(context.Background(), w, lockParams())
	var balErr *InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "have 20, need 50")
	assert.Empty(t, w.sent)
}

func TestLockFunds_SimulationRevertBlocksSend(t *testing.T) {
	f := newFakeChain()
	f.allowances[customerAddr] = units(100)
	f.simErr["lockFunds"] = &revertError{
		msg:  "execution reverted: Deal exists",
		data: encodeRevert(t, "Deal exists"),
	}
	w := &fakeWallet{chain: f, from: customerAddr}

	_, err := newTestBinding(f).LockFunds(context.Background(), w, lockParams())
	var simErr *SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, "lockFunds", simErr.Method)
	assert.Equal(t, "Deal exists", simErr.Reason)
	assert.ErrorIs(t, err, ErrSimulationReverted)
	assert.Empty(t, w.sent)
}

func TestLockFunds_BenignSimulationFailureProceeds(t *testing.T) {
	f := newFakeChain()
	f.allowances[customerAddr] = units(100)
	f.simErr["lockFunds"] = errors.New("missing revert data in call exception")
	w := &fakeWallet{chain: f, from: customerAddr}

	_, err := newTestBinding(f).LockFunds(context.Background(), w, lockParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"lockFunds"}, w.methods())
}

func TestLockFunds_EstimateFailureUsesFallbackGas(t *testing.T) {
	f := newFakeChain()
	f.allowances[customerAddr] = units(100)
	f.estimateErr = errors.New("gas required exceeds allowance")
	w := &fakeWallet{chain: f, from: customerAddr}

	_, err := newTestBinding(f).LockFunds(context.Background(), w, lockParams())
	require.NoError(t, err)
	assert.Equal(t, GasLockFunds, w.sent[0].gas)
}

func TestLockFunds_Validation(t *testing.T) {
	f := newFakeChain()
	w := &fakeWallet{chain: f, from: customerAddr}
	b := newTestBinding(f)

	p := lockParams()
	p.Executor = common.Address{}
	_, err := b.LockFunds(context.Background(), w, p)
	assert.ErrorIs(t, err, ErrMissingExecutor)

	p = lockParams()
	p.Amount = "0"
	_, err = b.LockFunds(context.Background(), w, p)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	p.Amount = "abc"
	_, err = b.LockFunds(context.Background(), w, p)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	f.noCode[tokenAddr] = true
	_, err = b.LockFunds(context.Background(), w, lockParams())
	var codeErr *NoCodeError
	require.ErrorAs(t, err, &codeErr)
	assert.Equal(t, "token", codeErr.Name)
	assert.Empty(t, w.sent)
}

func TestLockFunds_RevertedReceipt(t *testing.T) {
	f := newFakeChain()
	f.allowances[customerAddr] = units(100)
	w := &fakeWallet{chain: f, from: customerAddr, status: 1}

	_, err := newTestBinding(f).LockFunds(context.Background(), w, lockParams())
	assert.ErrorIs(t, err, chain.ErrTransactionReverted)
}

func TestScenarioCalls(t *testing.T) {
	f := newFakeChain()
	w := &fakeWallet{chain: f, from: executorAddr}
	b := newTestBinding(f)
	ctx := context.Background()

	_, err := b.ConfirmCompletion(ctx, w, "s")
	require.NoError(t, err)
	_, err = b.OpenDispute(ctx, w, "s")
	require.NoError(t, err)
	_, err = b.EscalateToDispute(ctx, w, "s")
	require.NoError(t, err)
	_, err = b.Vote(ctx, w, "s", true)
	require.NoError(t, err)
	_, err = b.FinalizeDispute(ctx, w, "s")
	require.NoError(t, err)

	assert.Equal(t, []string{"confirmCompletion", "openDispute", "escalateToDispute", "vote", "finalizeDispute"}, w.methods())
	assert.Equal(t, true, w.sent[3].args[1])

	f.estimateErr = errors.New("no estimate")
	w.sent = nil
	_, err = b.FinalizeDispute(ctx, w, "s")
	require.NoError(t, err)
	assert.Equal(t, GasFinalizeDispute, w.sent[0].gas)
}

func TestGetDeal_UnknownScenario(t *testing.T) {
	f := newFakeChain()
	deal, err := newTestBinding(f).GetDeal(context.Background(), "nothing")
	require.NoError(t, err)
	assert.False(t, deal.Exists())
	assert.Equal(t, StatusNone, deal.DealStatus())
	assert.True(t, deal.ExecutionTime().IsZero())
}

func TestDealStatus_String(t *testing.T) {
	assert.Equal(t, "locked", StatusLocked.String())
	assert.Equal(t, "completed", StatusCompleted.String())
	assert.Equal(t, "unknown(9)", DealStatus(9).String())
	assert.False(t, DealStatus(9).Known())
}
