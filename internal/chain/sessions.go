package chain

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// SessionsConfig configures how wallet sessions are opened.
type SessionsConfig struct {
	DeepLinkBase string
	AppURL       string
	// Publish delivers a handoff deep link to a user's clients.
	Publish func(userID, link string)
	// Fallback serves users that never opened a session, e.g. an operator
	// key in development. Nil means such users are not connected.
	Fallback Signer
}

// Sessions holds one Manager per user.
type Sessions struct {
	reader     Reader
	cfg        SessionsConfig
	opts       []ManagerOption
	dialBridge func(ctx context.Context, url string) (*RPCSigner, error)
	logger     *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewSessions creates an empty registry. opts apply to every Manager.
func NewSessions(reader Reader, cfg SessionsConfig, logger *slog.Logger, opts ...ManagerOption) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		reader:     reader,
		cfg:        cfg,
		opts:       opts,
		dialBridge: DialRPCSigner,
		logger:     logger,
		managers:   make(map[string]*Manager),
	}
}

// For returns the user's wallet connection.
func (s *Sessions) For(userID string) (*Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.managers[userID]; ok {
		return m, nil
	}
	if s.cfg.Fallback == nil {
		return nil, ErrNoProvider
	}
	m := s.newManager(s.cfg.Fallback, EnvLocalKey, userID)
	s.managers[userID] = m
	return m, nil
}

// Attach installs signer as the user's wallet, replacing any previous one.
func (s *Sessions) Attach(userID string, signer Signer, env Environment) *Manager {
	m := s.newManager(signer, env, userID)

	s.mu.Lock()
	old := s.managers[userID]
	s.managers[userID] = m
	s.mu.Unlock()

	if old != nil && old.signer != s.cfg.Fallback {
		_ = old.Disconnect()
	}
	return m
}

// Open starts a session for the browser identified by userAgent. Desktop
// and in-app browsers provide a bridge endpoint directly; mobile browsers
// get a deep-link handoff and complete it later with CompleteHandoff.
func (s *Sessions) Open(ctx context.Context, userID, userAgent, bridgeURL string) (*Manager, error) {
	env := DetectEnvironment(userAgent)
	if env == EnvDeepLink && bridgeURL == "" {
		publish := func(link string) {
			if s.cfg.Publish != nil {
				s.cfg.Publish(userID, link)
			}
		}
		h := NewHandoffSigner(s.cfg.DeepLinkBase, s.cfg.AppURL, publish)
		h.dial = s.dialBridge
		return s.Attach(userID, h, env), nil
	}
	if bridgeURL == "" {
		return nil, ErrNoProvider
	}
	signer, err := s.dialBridge(ctx, bridgeURL)
	if err != nil {
		return nil, err
	}
	return s.Attach(userID, signer, env), nil
}

// CompleteHandoff attaches the bridge opened inside the wallet app.
func (s *Sessions) CompleteHandoff(ctx context.Context, userID, token, bridgeURL string) error {
	s.mu.Lock()
	m, ok := s.managers[userID]
	s.mu.Unlock()
	if !ok {
		return ErrHandoffMismatch
	}
	h, ok := m.signer.(*HandoffSigner)
	if !ok {
		return ErrHandoffMismatch
	}
	return h.Complete(ctx, token, bridgeURL)
}

// Close drops the user's session.
func (s *Sessions) Close(userID string) error {
	s.mu.Lock()
	m, ok := s.managers[userID]
	delete(s.managers, userID)
	s.mu.Unlock()
	if !ok || m.signer == s.cfg.Fallback {
		return nil
	}
	return m.Disconnect()
}

// CloseAll drops every session. Used on shutdown.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	managers := s.managers
	s.managers = make(map[string]*Manager)
	s.mu.Unlock()

	for _, m := range managers {
		if m.signer != s.cfg.Fallback {
			_ = m.Disconnect()
		}
	}
	if c, ok := s.cfg.Fallback.(io.Closer); ok {
		_ = c.Close()
	}
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.managers)
}

func (s *Sessions) newManager(signer Signer, env Environment, userID string) *Manager {
	opts := append([]ManagerOption{
		WithEnvironment(env),
		WithManagerLogger(s.logger.With("userId", userID)),
	}, s.opts...)
	return NewManager(signer, s.reader, opts...)
}
