package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 provider error codes.
const (
	codeUserRejected      = 4001
	codeUnrecognizedChain = 4902
	codeRequestPending    = -32002
)

// accountsPollInterval paces eth_accounts polling while a request is pending.
const accountsPollInterval = 500 * time.Millisecond

// RPCSigner talks to an injected wallet through an EIP-1193 JSON-RPC bridge.
// The bridge forwards each request to the wallet in the user's browser and
// returns the wallet's answer, including its provider error codes.
type RPCSigner struct {
	client       *rpc.Client
	pollInterval time.Duration
}

var _ Signer = (*RPCSigner)(nil)

// NewRPCSigner wraps an established bridge client.
func NewRPCSigner(client *rpc.Client) *RPCSigner {
	return &RPCSigner{client: client, pollInterval: accountsPollInterval}
}

// DialRPCSigner opens a bridge connection (ws, http or ipc).
func DialRPCSigner(ctx context.Context, url string) (*RPCSigner, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Join(ErrRPCConnection, err)
	}
	return NewRPCSigner(client), nil
}

// RequestAccounts asks the wallet for accounts. If another request is
// already open in the wallet, it polls eth_accounts until the user answers
// that one or ctx ends.
func (s *RPCSigner) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	err := mapProviderError(s.client.CallContext(ctx, &accounts, "eth_requestAccounts"))
	if err == nil && len(accounts) > 0 {
		return accounts, nil
	}
	if err != nil && !errors.Is(err, ErrRequestPending) {
		return nil, err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if err := s.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
				return nil, mapProviderError(err)
			}
			if len(accounts) > 0 {
				return accounts, nil
			}
		}
	}
}

// ChainID returns the wallet's active chain.
func (s *RPCSigner) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := s.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, mapProviderError(err)
	}
	return (*big.Int)(&id), nil
}

type switchChainParams struct {
	ChainID string `json:"chainId"`
}

// SwitchChain asks the wallet to change its active chain.
func (s *RPCSigner) SwitchChain(ctx context.Context, chainID *big.Int) error {
	params := switchChainParams{ChainID: hexutil.EncodeBig(chainID)}
	return mapProviderError(s.client.CallContext(ctx, nil, "wallet_switchEthereumChain", params))
}

type addChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
}

// AddChain asks the wallet to register a network.
func (s *RPCSigner) AddChain(ctx context.Context, n Network) error {
	params := addChainParams{
		ChainID:           hexutil.EncodeBig(n.ID()),
		ChainName:         n.Name,
		RPCURLs:           n.RPCURLs,
		BlockExplorerURLs: n.ExplorerURLs,
		NativeCurrency:    n.NativeCurrency,
	}
	return mapProviderError(s.client.CallContext(ctx, nil, "wallet_addEthereumChain", params))
}

type sendTxArgs struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// SendTransaction hands the request to the wallet for signing and broadcast.
func (s *RPCSigner) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	args := sendTxArgs{From: req.From, To: req.To, Data: req.Data}
	if req.Value != nil {
		args.Value = (*hexutil.Big)(req.Value)
	}
	if req.Gas > 0 {
		gas := hexutil.Uint64(req.Gas)
		args.Gas = &gas
	}

	var hash common.Hash
	if err := s.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, &TxError{Op: "send", Err: mapProviderError(err)}
	}
	return hash, nil
}

// Close shuts the bridge connection.
func (s *RPCSigner) Close() error {
	s.client.Close()
	return nil
}

// mapProviderError turns EIP-1193 codes into package sentinels while keeping
// the original error in the chain.
func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected:
			return errors.Join(ErrUserRejected, err)
		case codeUnrecognizedChain:
			return errors.Join(ErrUnrecognizedChain, err)
		case codeRequestPending:
			return errors.Join(ErrRequestPending, err)
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return errors.Join(ErrUserRejected, err)
	case strings.Contains(msg, "unrecognized chain"):
		return errors.Join(ErrUnrecognizedChain, err)
	}
	return err
}
