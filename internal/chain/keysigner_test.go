package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type mockEthClient struct {
	nonce    uint64
	gasPrice *big.Int
	sendErr  error
	sent     []*types.Transaction
	closed   bool
}

func (m *mockEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockEthClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return m.gasPrice, nil
}

func (m *mockEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockEthClient) Close() { m.closed = true }

func TestNewKeySigner_InvalidKey(t *testing.T) {
	tests := []string{"", "abcd", "zz" + testKey[2:]}
	for _, k := range tests {
		_, err := NewKeySigner(k, BSC)
		assert.ErrorIs(t, err, ErrInvalidPrivateKey, "key %q", k)
	}
}

func TestKeySigner_SignsForCurrentChain(t *testing.T) {
	client := &mockEthClient{nonce: 7, gasPrice: big.NewInt(3_000_000_000)}
	s, err := NewKeySigner("0x"+testKey, BSC, WithClient(client))
	require.NoError(t, err)

	key, _ := crypto.HexToECDSA(testKey)
	want := crypto.PubkeyToAddress(key.PublicKey)
	accounts, err := s.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{want}, accounts)

	to := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	hash, err := s.SendTransaction(context.Background(), TxRequest{To: to, Data: []byte{1, 2, 3}})
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, DefaultGasLimit, tx.Gas())
	assert.Equal(t, int64(56), tx.ChainId().Int64())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(56)), tx)
	require.NoError(t, err)
	assert.Equal(t, want, from)
}

func TestKeySigner_SendFailureCarriesHash(t *testing.T) {
	client := &mockEthClient{gasPrice: big.NewInt(1), sendErr: errors.New("nonce too low")}
	s, err := NewKeySigner(testKey, BSC, WithClient(client))
	require.NoError(t, err)

	_, err = s.SendTransaction(context.Background(), TxRequest{To: testAccount, Gas: 50000})
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "send", txErr.Op)
	assert.NotEqual(t, common.Hash{}, txErr.TxHash)
}

func TestKeySigner_UnknownNetworkUntilAdded(t *testing.T) {
	testnet := Network{ChainID: 97, Name: "BSC Testnet", RPCURLs: []string{"http://testnet.invalid"}}
	dialed := &mockEthClient{gasPrice: big.NewInt(1)}
	initial := &mockEthClient{gasPrice: big.NewInt(1)}

	s, err := NewKeySigner(testKey, BSC,
		WithClient(initial),
		WithDialer(func(_ context.Context, n Network) (EthClient, error) {
			assert.Equal(t, int64(97), n.ChainID)
			return dialed, nil
		}),
	)
	require.NoError(t, err)

	assert.ErrorIs(t, s.SwitchChain(context.Background(), big.NewInt(97)), ErrUnrecognizedChain)

	require.NoError(t, s.AddChain(context.Background(), testnet))
	require.NoError(t, s.SwitchChain(context.Background(), big.NewInt(97)))

	id, err := s.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(97), id.Int64())
	assert.True(t, initial.closed)
}

func TestKeySigner_WorksWithManager(t *testing.T) {
	testnet := Network{ChainID: 97, Name: "BSC Testnet", RPCURLs: []string{"http://testnet.invalid"}}
	s, err := NewKeySigner(testKey, testnet,
		WithClient(&mockEthClient{gasPrice: big.NewInt(1)}),
		WithDialer(func(context.Context, Network) (EthClient, error) {
			return &mockEthClient{gasPrice: big.NewInt(1)}, nil
		}),
	)
	require.NoError(t, err)

	m := newTestManager(s, newFakeReader(), WithEnvironment(EnvLocalKey))
	require.NoError(t, m.EnsureChain(context.Background(), BSC))

	id, _ := s.ChainID(context.Background())
	assert.Equal(t, int64(56), id.Int64())
}
