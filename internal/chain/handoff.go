package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bmbapp/bmb/internal/idgen"
)

// ErrHandoffMismatch is returned when a handoff completes with a stale token.
var ErrHandoffMismatch = errors.New("chain: handoff token does not match")

// LinkPublisher delivers a wallet deep link to the user's open clients.
type LinkPublisher func(link string)

// HandoffSigner serves mobile browsers without an injected wallet. Connect
// publishes a deep link that opens the app inside the wallet's browser;
// the page loaded there completes the handoff with its bridge endpoint,
// after which every call goes through that bridge.
type HandoffSigner struct {
	deepLinkBase string
	appURL       string
	publish      LinkPublisher
	dial         func(ctx context.Context, url string) (*RPCSigner, error)

	mu    sync.Mutex
	token string
	ready chan struct{}
	inner *RPCSigner
}

var _ Signer = (*HandoffSigner)(nil)

// NewHandoffSigner creates a signer that opens appURL through deepLinkBase.
func NewHandoffSigner(deepLinkBase, appURL string, publish LinkPublisher) *HandoffSigner {
	return &HandoffSigner{
		deepLinkBase: deepLinkBase,
		appURL:       appURL,
		publish:      publish,
		dial:         DialRPCSigner,
	}
}

// BuildDeepLink returns the wallet link for appURL carrying a handoff token,
// e.g. https://metamask.app.link/dapp/example.com/deal?handoff=abc.
func BuildDeepLink(base, appURL, token string) (string, error) {
	u, err := url.Parse(appURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("chain: invalid app URL %q", appURL)
	}
	if token != "" {
		q := u.Query()
		q.Set("handoff", token)
		u.RawQuery = q.Encode()
	}
	target := strings.TrimPrefix(strings.TrimPrefix(u.String(), "https://"), "http://")
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + target, nil
}

// Token returns the pending handoff token, if any.
func (s *HandoffSigner) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// RequestAccounts publishes the deep link once and waits for the handoff.
func (s *HandoffSigner) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	s.mu.Lock()
	if inner := s.inner; inner != nil {
		s.mu.Unlock()
		return inner.RequestAccounts(ctx)
	}
	if s.ready == nil {
		s.token = idgen.Hex(16)
		s.ready = make(chan struct{})
		link, err := BuildDeepLink(s.deepLinkBase, s.appURL, s.token)
		if err != nil {
			s.ready = nil
			s.token = ""
			s.mu.Unlock()
			return nil, err
		}
		if s.publish != nil {
			s.publish(link)
		}
	}
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ready:
	}

	inner, err := s.signer()
	if err != nil {
		return nil, err
	}
	return inner.RequestAccounts(ctx)
}

// Complete attaches the bridge the wallet browser opened for token.
func (s *HandoffSigner) Complete(ctx context.Context, token, bridgeURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready == nil || token == "" || token != s.token {
		return ErrHandoffMismatch
	}
	inner, err := s.dial(ctx, bridgeURL)
	if err != nil {
		return err
	}
	s.inner = inner
	s.token = ""
	close(s.ready)
	return nil
}

func (s *HandoffSigner) signer() (*RPCSigner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil {
		return nil, ErrNotConnected
	}
	return s.inner, nil
}

func (s *HandoffSigner) ChainID(ctx context.Context) (*big.Int, error) {
	inner, err := s.signer()
	if err != nil {
		return nil, err
	}
	return inner.ChainID(ctx)
}

func (s *HandoffSigner) SwitchChain(ctx context.Context, chainID *big.Int) error {
	inner, err := s.signer()
	if err != nil {
		return err
	}
	return inner.SwitchChain(ctx, chainID)
}

func (s *HandoffSigner) AddChain(ctx context.Context, n Network) error {
	inner, err := s.signer()
	if err != nil {
		return err
	}
	return inner.AddChain(ctx, n)
}

func (s *HandoffSigner) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	inner, err := s.signer()
	if err != nil {
		return common.Hash{}, err
	}
	return inner.SendTransaction(ctx, tx)
}

// Close drops the bridge, if one was attached.
func (s *HandoffSigner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner != nil {
		return s.inner.Close()
	}
	return nil
}
