package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultGasLimit is used when a transaction arrives without a gas limit.
const DefaultGasLimit = uint64(300000)

// EthClient abstracts the go-ethereum client for KeySigner.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Dialer opens a client for a network.
type Dialer func(ctx context.Context, n Network) (EthClient, error)

// KeySignerOption configures a KeySigner.
type KeySignerOption func(*KeySigner)

// WithClient sets the client for the initial network (useful for testing).
func WithClient(client EthClient) KeySignerOption {
	return func(s *KeySigner) { s.client = client }
}

// WithDialer replaces how clients are opened when switching networks.
func WithDialer(d Dialer) KeySignerOption {
	return func(s *KeySigner) { s.dial = d }
}

// WithNetworks registers networks the signer may switch to without AddChain.
func WithNetworks(networks ...Network) KeySignerOption {
	return func(s *KeySigner) {
		for _, n := range networks {
			s.networks[n.ChainID] = n
		}
	}
}

// KeySigner signs with a locally held private key. It stands in for an
// operator or development wallet and behaves like a wallet extension: it
// knows a fixed set of networks and must be told about others.
type KeySigner struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	address  common.Address
	networks map[int64]Network
	current  Network
	client   EthClient
	dial     Dialer
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner creates a signer for a hex private key (with or without 0x).
func NewKeySigner(hexKey string, initial Network, opts ...KeySignerOption) (*KeySigner, error) {
	key := strings.TrimPrefix(hexKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	s := &KeySigner{
		key:      privateKey,
		address:  crypto.PubkeyToAddress(privateKey.PublicKey),
		networks: map[int64]Network{initial.ChainID: initial},
		current:  initial,
		dial:     dialNetwork,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dialNetwork(ctx context.Context, n Network) (EthClient, error) {
	var lastErr error
	for _, url := range n.RPCURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err == nil {
			return client, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrRPCConnection, lastErr)
}

// Address returns the signer's account.
func (s *KeySigner) Address() common.Address { return s.address }

// RequestAccounts returns the single local account.
func (s *KeySigner) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{s.address}, nil
}

// ChainID returns the network the signer currently targets.
func (s *KeySigner) ChainID(context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ID(), nil
}

// SwitchChain moves to a known network and opens a client for it.
func (s *KeySigner) SwitchChain(ctx context.Context, chainID *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.networks[chainID.Int64()]
	if !ok {
		return ErrUnrecognizedChain
	}
	if n.ChainID == s.current.ChainID && s.client != nil {
		return nil
	}
	client, err := s.dial(ctx, n)
	if err != nil {
		return err
	}
	if s.client != nil {
		s.client.Close()
	}
	s.client = client
	s.current = n
	return nil
}

// AddChain registers a network. It does not switch to it.
func (s *KeySigner) AddChain(_ context.Context, n Network) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.networks[n.ChainID] = n
	s.mu.Unlock()
	return nil
}

// SendTransaction signs a legacy EIP-155 transaction and broadcasts it.
func (s *KeySigner) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		client, err := s.dial(ctx, s.current)
		if err != nil {
			return common.Hash{}, err
		}
		s.client = client
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, &TxError{Op: "nonce", Err: err}
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TxError{Op: "gas_price", Err: err}
	}

	gas := req.Gas
	if gas == 0 {
		gas = DefaultGasLimit
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTransaction(nonce, req.To, value, gas, gasPrice, req.Data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.current.ID()), s.key)
	if err != nil {
		return common.Hash{}, &TxError{Op: "sign", Err: err}
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &TxError{Op: "send", TxHash: signed.Hash(), Err: err}
	}
	return signed.Hash(), nil
}

// Close releases the underlying client.
func (s *KeySigner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}
