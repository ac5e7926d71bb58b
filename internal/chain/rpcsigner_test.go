package chain

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// providerError mimics an EIP-1193 error coming back through the bridge.
type providerError struct {
	code int
	msg  string
}

func (e *providerError) Error() string  { return e.msg }
func (e *providerError) ErrorCode() int { return e.code }

// walletBridge is an in-process stand-in for a browser wallet.
type walletBridge struct {
	mu          sync.Mutex
	accounts    []common.Address
	pendingFor  int // eth_accounts polls answered empty while a request is pending
	rejectSend  bool
	chainID     int64
	known       map[int64]bool
	added       []addChainParams
	sent        []sendTxArgs
	requestOpen bool
}

type bridgeEth struct{ w *walletBridge }

func (e *bridgeEth) RequestAccounts() ([]common.Address, error) {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if e.w.requestOpen {
		return nil, &providerError{code: codeRequestPending, msg: "Request of type 'wallet_requestPermissions' already pending"}
	}
	return e.w.accounts, nil
}

func (e *bridgeEth) Accounts() []common.Address {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if e.w.pendingFor > 0 {
		e.w.pendingFor--
		return []common.Address{}
	}
	return e.w.accounts
}

func (e *bridgeEth) ChainId() *hexutil.Big {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return (*hexutil.Big)(big.NewInt(e.w.chainID))
}

func (e *bridgeEth) SendTransaction(args sendTxArgs) (common.Hash, error) {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if e.w.rejectSend {
		return common.Hash{}, &providerError{code: codeUserRejected, msg: "MetaMask Tx Signature: User denied transaction signature."}
	}
	e.w.sent = append(e.w.sent, args)
	return common.HexToHash("0xabc"), nil
}

type bridgeWallet struct{ w *walletBridge }

func (b *bridgeWallet) SwitchEthereumChain(p switchChainParams) error {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	id, err := hexutil.DecodeBig(p.ChainID)
	if err != nil {
		return err
	}
	if !b.w.known[id.Int64()] {
		return &providerError{code: codeUnrecognizedChain, msg: "Unrecognized chain ID"}
	}
	b.w.chainID = id.Int64()
	return nil
}

func (b *bridgeWallet) AddEthereumChain(p addChainParams) error {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	id, err := hexutil.DecodeBig(p.ChainID)
	if err != nil {
		return err
	}
	b.w.known[id.Int64()] = true
	b.w.added = append(b.w.added, p)
	return nil
}

func newBridge(t *testing.T, w *walletBridge) *RPCSigner {
	t.Helper()
	if w.known == nil {
		w.known = map[int64]bool{w.chainID: true}
	}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &bridgeEth{w: w}))
	require.NoError(t, server.RegisterName("wallet", &bridgeWallet{w: w}))
	client := rpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	s := NewRPCSigner(client)
	s.pollInterval = time.Millisecond
	return s
}

func TestRPCSigner_RequestAccounts(t *testing.T) {
	w := &walletBridge{accounts: []common.Address{testAccount}, chainID: 56}
	s := newBridge(t, w)

	accounts, err := s.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testAccount}, accounts)
}

func TestRPCSigner_PendingRequestPollsAccounts(t *testing.T) {
	w := &walletBridge{accounts: []common.Address{testAccount}, chainID: 56, requestOpen: true, pendingFor: 3}
	s := newBridge(t, w)

	accounts, err := s.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testAccount, accounts[0])
}

func TestRPCSigner_PendingRequestGivesUpWithContext(t *testing.T) {
	w := &walletBridge{chainID: 56, requestOpen: true}
	s := newBridge(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.RequestAccounts(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRPCSigner_SwitchAddFlowThroughManager(t *testing.T) {
	w := &walletBridge{accounts: []common.Address{testAccount}, chainID: 1}
	s := newBridge(t, w)
	m := newTestManager(s, newFakeReader())

	require.NoError(t, m.EnsureChain(context.Background(), BSC))

	id, err := s.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(56), id.Int64())
	require.Len(t, w.added, 1)
	assert.Equal(t, "0x38", w.added[0].ChainID)
	assert.Equal(t, "BNB", w.added[0].NativeCurrency.Symbol)
}

func TestRPCSigner_UnrecognizedChainCode(t *testing.T) {
	w := &walletBridge{chainID: 1}
	s := newBridge(t, w)

	err := s.SwitchChain(context.Background(), big.NewInt(97))
	assert.ErrorIs(t, err, ErrUnrecognizedChain)
}

func TestRPCSigner_SendTransaction(t *testing.T) {
	w := &walletBridge{accounts: []common.Address{testAccount}, chainID: 56}
	s := newBridge(t, w)

	to := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	hash, err := s.SendTransaction(context.Background(), TxRequest{
		From: testAccount,
		To:   to,
		Data: []byte{0xde, 0xad},
		Gas:  300000,
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xabc"), hash)

	require.Len(t, w.sent, 1)
	assert.Equal(t, to, w.sent[0].To)
	assert.Equal(t, hexutil.Bytes{0xde, 0xad}, w.sent[0].Data)
	require.NotNil(t, w.sent[0].Gas)
	assert.Equal(t, hexutil.Uint64(300000), *w.sent[0].Gas)
}

func TestRPCSigner_UserRejectedSend(t *testing.T) {
	w := &walletBridge{accounts: []common.Address{testAccount}, chainID: 56, rejectSend: true}
	s := newBridge(t, w)

	_, err := s.SendTransaction(context.Background(), TxRequest{From: testAccount, To: testAccount})
	assert.ErrorIs(t, err, ErrUserRejected)
	var txErr *TxError
	assert.ErrorAs(t, err, &txErr)
}

func TestMapProviderError_MessageFallback(t *testing.T) {
	assert.ErrorIs(t, mapProviderError(errString("User denied account authorization")), ErrUserRejected)
	assert.ErrorIs(t, mapProviderError(errString("Unrecognized chain ID 0x61")), ErrUnrecognizedChain)
	assert.NoError(t, mapProviderError(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
