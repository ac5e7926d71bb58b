package chain

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000000c1")

type fakeSigner struct {
	mu sync.Mutex

	accounts     []common.Address
	accountDelay time.Duration
	requestCalls atomic.Int32

	chainID   int64
	known     map[int64]bool
	stuck     bool
	switchErr error
	addErr    error
	calls     []string

	sent []TxRequest
}

func newFakeSigner(chainID int64) *fakeSigner {
	return &fakeSigner{
		accounts: []common.Address{testAccount},
		chainID:  chainID,
		known:    map[int64]bool{chainID: true},
	}
}

func (f *fakeSigner) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSigner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSigner) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	f.requestCalls.Add(1)
	if f.accountDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.accountDelay):
		}
	}
	return f.accounts, nil
}

func (f *fakeSigner) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return big.NewInt(f.chainID), nil
}

func (f *fakeSigner) SwitchChain(_ context.Context, id *big.Int) error {
	f.record("switch")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchErr != nil {
		return f.switchErr
	}
	if !f.known[id.Int64()] {
		return ErrUnrecognizedChain
	}
	if !f.stuck {
		f.chainID = id.Int64()
	}
	return nil
}

func (f *fakeSigner) AddChain(_ context.Context, n Network) error {
	f.record("add")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.known[n.ChainID] = true
	return nil
}

func (f *fakeSigner) SendTransaction(_ context.Context, tx TxRequest) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return common.BigToHash(big.NewInt(int64(len(f.sent)))), nil
}

// fakeReader serves receipts after a number of not-found polls.
type fakeReader struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	misses   map[common.Hash]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		receipts: make(map[common.Hash]*types.Receipt),
		misses:   make(map[common.Hash]int),
	}
}

func (r *fakeReader) mineAfter(hash common.Hash, polls int, status uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses[hash] = polls
	r.receipts[hash] = &types.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(100)}
}

func (r *fakeReader) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.misses[hash] > 0 {
		r.misses[hash]--
		return nil, ethereum.NotFound
	}
	rc, ok := r.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return rc, nil
}

func (r *fakeReader) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (r *fakeReader) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 21000, nil }

func (r *fakeReader) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (r *fakeReader) ChainID(context.Context) (*big.Int, error) { return big.NewInt(56), nil }

func (r *fakeReader) BlockNumber(context.Context) (uint64, error) { return 100, nil }
