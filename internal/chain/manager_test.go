package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmbapp/bmb/internal/logging"
)

func newTestManager(s Signer, r Reader, opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{
		WithManagerLogger(logging.Discard()),
		WithReceiptPoll(time.Millisecond),
	}, opts...)
	return NewManager(s, r, opts...)
}

func TestManager_ConcurrentConnectSharesOneRequest(t *testing.T) {
	s := newFakeSigner(56)
	s.accountDelay = 20 * time.Millisecond
	m := newTestManager(s, newFakeReader())

	var wg sync.WaitGroup
	addrs := make([]common.Address, 8)
	errs := make([]error, 8)
	for i := range addrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addrs[i], errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range addrs {
		require.NoError(t, errs[i])
		assert.Equal(t, testAccount, addrs[i])
	}
	assert.Equal(t, int32(1), s.requestCalls.Load())

	// Cached afterwards.
	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.requestCalls.Load())
}

func TestManager_ConnectTimeout(t *testing.T) {
	s := newFakeSigner(56)
	s.accountDelay = time.Second
	m := newTestManager(s, newFakeReader(), WithConnectTimeout(10*time.Millisecond))

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	_, ok := m.Address()
	assert.False(t, ok)
}

func TestManager_ConnectNoAccounts(t *testing.T) {
	s := newFakeSigner(56)
	s.accounts = nil
	m := newTestManager(s, newFakeReader())

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestManager_ConnectWithoutSigner(t *testing.T) {
	m := newTestManager(nil, newFakeReader())
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestManager_EnsureChain(t *testing.T) {
	target := BSC

	t.Run("already on network", func(t *testing.T) {
		s := newFakeSigner(56)
		m := newTestManager(s, newFakeReader())
		require.NoError(t, m.EnsureChain(context.Background(), target))
		assert.Empty(t, s.Calls())
	})

	t.Run("known network switches", func(t *testing.T) {
		s := newFakeSigner(1)
		s.known[56] = true
		m := newTestManager(s, newFakeReader())
		require.NoError(t, m.EnsureChain(context.Background(), target))
		assert.Equal(t, []string{"switch"}, s.Calls())
	})

	t.Run("unknown network is added then switched", func(t *testing.T) {
		s := newFakeSigner(1)
		m := newTestManager(s, newFakeReader())
		require.NoError(t, m.EnsureChain(context.Background(), target))
		assert.Equal(t, []string{"switch", "add", "switch"}, s.Calls())
	})

	t.Run("wallet stays elsewhere", func(t *testing.T) {
		s := newFakeSigner(1)
		s.known[56] = true
		s.stuck = true
		m := newTestManager(s, newFakeReader())

		err := m.EnsureChain(context.Background(), target)
		var wrong *WrongNetworkError
		require.ErrorAs(t, err, &wrong)
		assert.Equal(t, int64(56), wrong.Want.Int64())
		assert.Equal(t, int64(1), wrong.Got.Int64())
	})

	t.Run("add refused by user", func(t *testing.T) {
		s := newFakeSigner(1)
		s.addErr = ErrUserRejected
		m := newTestManager(s, newFakeReader())
		assert.ErrorIs(t, m.EnsureChain(context.Background(), target), ErrUserRejected)
	})

	t.Run("switch fails otherwise", func(t *testing.T) {
		s := newFakeSigner(1)
		s.switchErr = errors.New("internal wallet error")
		m := newTestManager(s, newFakeReader())

		var wrong *WrongNetworkError
		assert.ErrorAs(t, m.EnsureChain(context.Background(), target), &wrong)
	})
}

func TestManager_SendRequiresConnection(t *testing.T) {
	s := newFakeSigner(56)
	m := newTestManager(s, newFakeReader())

	_, err := m.SendTransaction(context.Background(), TxRequest{To: testAccount})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	_, err = m.SendTransaction(context.Background(), TxRequest{To: testAccount, Data: []byte{1}})
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, testAccount, s.sent[0].From)
}

func TestManager_WaitForReceipt(t *testing.T) {
	r := newFakeReader()
	m := newTestManager(newFakeSigner(56), r)

	t.Run("mined after a few polls", func(t *testing.T) {
		hash := common.HexToHash("0x01")
		r.mineAfter(hash, 3, types.ReceiptStatusSuccessful)

		rc, err := m.WaitForReceipt(context.Background(), hash, time.Second)
		require.NoError(t, err)
		assert.Equal(t, hash, rc.TxHash)
	})

	t.Run("reverted is not a timeout", func(t *testing.T) {
		hash := common.HexToHash("0x02")
		r.mineAfter(hash, 0, types.ReceiptStatusFailed)

		rc, err := m.WaitForReceipt(context.Background(), hash, time.Second)
		require.NotNil(t, rc)
		assert.ErrorIs(t, err, ErrTransactionReverted)
		assert.NotErrorIs(t, err, ErrConfirmationTimeout)
	})

	t.Run("timeout carries the hash", func(t *testing.T) {
		hash := common.HexToHash("0x03")

		_, err := m.WaitForReceipt(context.Background(), hash, 10*time.Millisecond)
		var timeout *ConfirmationTimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, hash, timeout.TxHash)
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.WaitForReceipt(ctx, common.HexToHash("0x04"), time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestManager_Disconnect(t *testing.T) {
	m := newTestManager(newFakeSigner(56), newFakeReader())
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Disconnect())
	_, ok := m.Address()
	assert.False(t, ok)
}
