// Package orchestrator runs the user-triggered lifecycle actions of a
// scenario: agree, lock funds, confirm completion and the dispute steps.
//
// Every action holds a busy flag keyed by action, entity and acting user
// for as long as it runs, so a double-submitted request fails fast
// instead of sending a second transaction. Failures leave the package as one *ActionError.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/changefeed"
	"github.com/bmbapp/bmb/internal/dispute"
	"github.com/bmbapp/bmb/internal/escrow"
	"github.com/bmbapp/bmb/internal/evidence"
	"github.com/bmbapp/bmb/internal/metrics"
	"github.com/bmbapp/bmb/internal/notify"
	"github.com/bmbapp/bmb/internal/pagination"
	"github.com/bmbapp/bmb/internal/reconcile"
	"github.com/bmbapp/bmb/internal/scenario"
	"github.com/bmbapp/bmb/internal/syncutil"
	"github.com/bmbapp/bmb/internal/traces"
)

// Chain is the escrow contract. *escrow.Binding satisfies it.
type Chain interface {
	LockFunds(ctx context.Context, w escrow.Wallet, p escrow.LockParams) (*types.Receipt, error)
	ConfirmCompletion(ctx context.Context, w escrow.Wallet, scenarioID string) (*types.Receipt, error)
	OpenDispute(ctx context.Context, w escrow.Wallet, scenarioID string) (*types.Receipt, error)
	Vote(ctx context.Context, w escrow.Wallet, scenarioID string, forExecutor bool) (*types.Receipt, error)
	FinalizeDispute(ctx context.Context, w escrow.Wallet, scenarioID string) (*types.Receipt, error)
	GetDeal(ctx context.Context, scenarioID string) (*escrow.Deal, error)
}

var _ Chain = (*escrow.Binding)(nil)

// Wallet is a user's wallet connection. *chain.Manager satisfies it.
type Wallet interface {
	escrow.Wallet
	Address() (common.Address, bool)
}

var _ Wallet = (*chain.Manager)(nil)

// Wallets resolves the wallet connection of a user.
type Wallets interface {
	For(userID string) (Wallet, error)
}

// SessionWallets adapts chain.Sessions to Wallets.
type SessionWallets struct {
	Sessions *chain.Sessions
}

func (s SessionWallets) For(userID string) (Wallet, error) {
	m, err := s.Sessions.For(userID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Disputes is the dispute subsystem. *dispute.Service satisfies it.
type Disputes interface {
	Open(ctx context.Context, scenarioID, initiatorID, respondentID string) (*dispute.Dispute, error)
	Get(ctx context.Context, id string) (*dispute.Dispute, error)
	LatestForScenario(ctx context.Context, scenarioID string) (*dispute.Dispute, error)
	Snapshot(ctx context.Context, disputeID, viewerID string) (*dispute.Snapshot, error)
	AttachEvidence(ctx context.Context, disputeID, authorID string, f evidence.File) (*dispute.Dispute, error)
	Vote(ctx context.Context, disputeID, voterID string, choice dispute.Choice) (*dispute.Snapshot, error)
	Close(ctx context.Context, disputeID string) (*dispute.Dispute, error)
	SetResolutionTx(ctx context.Context, disputeID, txHash string) error
}

var _ Disputes = (*dispute.Service)(nil)

// Notifier receives post-action notifications. *notify.Dispatcher
// satisfies it.
type Notifier interface {
	Fire(n notify.Notification)
}

// Options tune the chain waits.
type Options struct {
	// LockWait bounds the wait for the deal to read as locked.
	LockWait time.Duration
	LockPoll time.Duration
	// VerifyAttempts and VerifyDelay bound the settlement check after a
	// confirmation.
	VerifyAttempts int
	VerifyDelay    time.Duration
	// OnChainDisputes mirrors dispute open, votes and finalize to the
	// contract.
	OnChainDisputes bool
	// Location reads scenario dates that carry no zone.
	Location *time.Location
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		LockWait:       120 * time.Second,
		LockPoll:       3 * time.Second,
		VerifyAttempts: 6,
		VerifyDelay:    1200 * time.Millisecond,
		Location:       time.UTC,
	}
}

// Service runs the actions.
type Service struct {
	scenarios scenario.Store
	profiles  scenario.ProfileStore
	disputes  Disputes
	chain     Chain
	wallets   Wallets
	notifier  Notifier
	drafts    *reconcile.Drafts
	busy      *syncutil.Inflight
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an orchestrator without chain access. Lock and
// confirm fail until WithChain is called.
func NewService(scenarios scenario.Store, profiles scenario.ProfileStore, disputes Disputes, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		scenarios: scenarios,
		profiles:  profiles,
		disputes:  disputes,
		drafts:    reconcile.NewDrafts(),
		busy:      syncutil.NewInflight(),
		opts:      DefaultOptions(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithChain adds the escrow contract and the users' wallets.
func (s *Service) WithChain(c Chain, wallets Wallets) *Service {
	s.chain = c
	s.wallets = wallets
	return s
}

// WithNotifier adds post-action notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithOptions replaces the timings. Zero fields keep their defaults.
func (s *Service) WithOptions(o Options) *Service {
	d := DefaultOptions()
	if o.LockWait <= 0 {
		o.LockWait = d.LockWait
	}
	if o.LockPoll <= 0 {
		o.LockPoll = d.LockPoll
	}
	if o.VerifyAttempts <= 0 {
		o.VerifyAttempts = d.VerifyAttempts
	}
	if o.VerifyDelay <= 0 {
		o.VerifyDelay = d.VerifyDelay
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	s.opts = o
	return s
}

// WithClock replaces the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Drafts returns the draft buffers.
func (s *Service) Drafts() *reconcile.Drafts { return s.drafts }

// Busy lists the actions in flight as "action:entity/user" keys.
func (s *Service) Busy() []string { return s.busy.Keys() }

// run executes fn under the busy flag of action and entity, records the
// outcome and translates the error.
func (s *Service) run(ctx context.Context, action, entity string, fn func(ctx context.Context) error) error {
	key := action + ":" + entity
	release, ok := s.busy.TryAcquire(key)
	if !ok {
		metrics.ActionsTotal.WithLabelValues(action, string(KindBusy)).Inc()
		return Translate(ErrBusy)
	}
	defer release()

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "orchestrator."+action, traces.Method(action))
	err := fn(ctx)
	traces.End(span, err)
	metrics.ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())

	ae := Translate(err)
	if ae == nil {
		metrics.ActionsTotal.WithLabelValues(action, "ok").Inc()
		return nil
	}
	metrics.ActionsTotal.WithLabelValues(action, string(ae.Kind)).Inc()

	level := slog.LevelWarn
	switch {
	case ae.Kind == KindInternal:
		level = slog.LevelError
	case ae.Silent, ae.Kind == KindNotAllowed, ae.Kind == KindForbidden:
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "action failed",
		"action", action, "entity", entity, "kind", ae.Kind, "txHash", ae.TxHash, "error", err)
	return ae
}

func (s *Service) fire(n notify.Notification) {
	if s.notifier != nil {
		s.notifier.Fire(n)
	}
}

// ListScenarios returns one page of the scenarios userID is a party to,
// newest first.
func (s *Service) ListScenarios(ctx context.Context, userID, cursor string, limit int) (pagination.Page[*scenario.Scenario], error) {
	var page pagination.Page[*scenario.Scenario]
	after, err := pagination.Decode(cursor)
	if err != nil {
		return page, Translate(err)
	}
	list, err := s.scenarios.ListForUser(ctx, userID, after, limit+1)
	if err != nil {
		return page, Translate(err)
	}
	return pagination.ComputePage(list, limit, func(sc *scenario.Scenario) (time.Time, string) {
		return sc.CreatedAt, sc.ID
	}), nil
}

// View projects the scenario for viewerID from the stored row, the
// on-chain deal, the executor's wallet, the viewer's connected wallet and
// the viewer's drafts.
func (s *Service) View(ctx context.Context, scenarioID, viewerID string) (*reconcile.View, error) {
	sc, err := s.scenarios.Get(ctx, scenarioID)
	if err != nil {
		return nil, Translate(err)
	}
	sc, deal := s.readDeal(ctx, sc)
	in := s.input(ctx, sc, viewerID)
	in.Deal = deal
	v := reconcile.Project(in)
	return &v, nil
}

// readDeal reads the on-chain deal of a scenario that is agreed or
// locked, settling the scenario when the deal has completed. The deal is
// nil without chain access or when the read fails.
func (s *Service) readDeal(ctx context.Context, sc *scenario.Scenario) (*scenario.Scenario, *escrow.Deal) {
	if s.chain == nil || !(sc.Locked() || sc.BothAgreed()) {
		return sc, nil
	}
	deal, err := s.chain.GetDeal(ctx, sc.ID)
	if err != nil {
		s.logger.Warn("failed to read deal", "scenarioId", sc.ID, "error", err)
		return sc, nil
	}
	if deal.DealStatus() == escrow.StatusCompleted {
		sc = s.settle(ctx, sc)
	}
	return sc, deal
}

// input gathers the projection input that does not need the chain.
func (s *Service) input(ctx context.Context, sc *scenario.Scenario, viewerID string) reconcile.Input {
	in := reconcile.Input{
		Scenario: sc,
		Viewer:   viewerID,
		Drafts:   s.drafts.Overrides(viewerID, sc.ID),
		Now:      s.now(),
		Location: s.opts.Location,
	}
	if w, err := s.profiles.Wallet(ctx, sc.ExecutorID); err == nil {
		in.ExecutorWallet = w
	}
	if s.wallets != nil {
		if w, err := s.wallets.For(viewerID); err == nil {
			if addr, ok := w.Address(); ok {
				in.ConnectedWallet = addr.Hex()
			}
		}
	}
	return in
}

// gate loads the scenario and checks that userID may take action a now.
func (s *Service) gate(ctx context.Context, scenarioID, userID string, a reconcile.Action) (*scenario.Scenario, reconcile.Decision, error) {
	sc, err := s.scenarios.Get(ctx, scenarioID)
	if err != nil {
		return nil, reconcile.Decision{}, err
	}
	if _, ok := sc.PartyOf(userID); !ok {
		return nil, reconcile.Decision{}, ErrForbidden
	}
	sc, deal := s.readDeal(ctx, sc)
	in := s.input(ctx, sc, userID)
	in.Deal = deal
	v := reconcile.Project(in)
	return sc, v.Decision(a), nil
}

// reread resolves a conditional-write conflict by returning the current
// row.
func (s *Service) reread(ctx context.Context, scenarioID string, cause error) (*scenario.Scenario, error) {
	s.logger.Debug("write conflict, re-reading", "scenarioId", scenarioID, "error", cause)
	return s.scenarios.Get(ctx, scenarioID)
}

// Follow feeds scenario changes into the draft buffers until ctx ends.
func (s *Service) Follow(ctx context.Context, sub changefeed.Subscriber) {
	ch := sub.Subscribe(ctx, changefeed.Filter{Table: changefeed.TableScenarios})
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if c.Op == changefeed.OpDelete {
				continue
			}
			sc, err := scenario.FromRow(c.Row)
			if err != nil {
				s.logger.Warn("undecodable scenario change", "error", err)
				continue
			}
			s.drafts.ApplyRemote(sc)
		}
	}
}

func parties(sc *scenario.Scenario) []string {
	return []string{sc.CreatorID, sc.ExecutorID}
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q", escrow.ErrMissingExecutor, field, s)
	}
	return common.HexToAddress(s), nil
}
