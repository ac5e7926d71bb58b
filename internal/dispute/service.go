package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmbapp/bmb/internal/evidence"
	"github.com/bmbapp/bmb/internal/metrics"
	"github.com/bmbapp/bmb/internal/syncutil"
	"github.com/bmbapp/bmb/internal/traces"
)

// Snapshot is the full state of a dispute as one viewer sees it.
type Snapshot struct {
	Dispute      *Dispute  `json:"dispute"`
	Tally        Tally     `json:"tally"`
	MyVote       Choice    `json:"my_vote,omitempty"`
	Closed       bool      `json:"closed"`
	ClosedReason string    `json:"closed_reason,omitempty"`
	Deadline     time.Time `json:"deadline"`
	// Winner is the stored winner once closed, else the current majority.
	Winner Choice `json:"winner,omitempty"`
}

// Service implements the dispute operations. Opening is serialized per
// scenario and voting per dispute.
type Service struct {
	store     Store
	uploader  evidence.Uploader
	scenarios *syncutil.KeyedMutex
	votes     *syncutil.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a dispute service. uploader may be nil, in which
// case evidence uploads fail.
func NewService(store Store, uploader evidence.Uploader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		uploader:  uploader,
		scenarios: syncutil.NewKeyedMutex(),
		votes:     syncutil.NewKeyedMutex(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open returns the scenario's open dispute, creating it on first call.
func (s *Service) Open(ctx context.Context, scenarioID, initiatorID, respondentID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.ScenarioID(scenarioID))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.scenarios.Lock(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, created, err := s.store.OpenForScenario(ctx, scenarioID, initiatorID, respondentID)
	if err != nil {
		return nil, fmt.Errorf("open dispute: %w", err)
	}
	if created {
		s.logger.Info("dispute opened", "scenarioId", scenarioID, "disputeId", d.ID, "initiator", initiatorID)
	}
	return d, nil
}

// Get returns a dispute.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// LatestForScenario returns the newest dispute of a scenario.
func (s *Service) LatestForScenario(ctx context.Context, scenarioID string) (*Dispute, error) {
	return s.store.LatestForScenario(ctx, scenarioID)
}

// Snapshot re-reads the dispute, its tally and the viewer's vote.
func (s *Service) Snapshot(ctx context.Context, disputeID, viewerID string) (*Snapshot, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	tally, err := s.store.Tally(ctx, disputeID)
	if err != nil {
		return nil, fmt.Errorf("tally: %w", err)
	}
	snap := s.snapshot(d, tally)
	if viewerID != "" {
		v, err := s.store.GetVote(ctx, disputeID, viewerID)
		if err != nil {
			return nil, fmt.Errorf("my vote: %w", err)
		}
		if v != nil {
			snap.MyVote = v.Choice
		}
	}
	return snap, nil
}

func (s *Service) snapshot(d *Dispute, tally Tally) *Snapshot {
	reason := ClosedReason(d, tally, s.now())
	winner := tally.Winner()
	if d.Status.Terminal() {
		winner = d.Winner
	}
	return &Snapshot{
		Dispute:      d,
		Tally:        tally,
		Closed:       reason != "",
		ClosedReason: reason,
		Deadline:     d.Deadline(),
		Winner:       winner,
	}
}

// AttachEvidence uploads f and links it to the dispute. A dispute takes
// one evidence file; the check runs before any upload.
func (s *Service) AttachEvidence(ctx context.Context, disputeID, authorID string, f evidence.File) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.AttachEvidence", traces.DisputeID(disputeID))
	var err error
	defer func() { traces.End(span, err) }()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.HasEvidence() {
		err = ErrEvidenceAttached
		return nil, err
	}
	if !d.IsParty(authorID) {
		err = ErrNotParty
		return nil, err
	}
	if s.uploader == nil {
		err = evidence.ErrNotConfigured
		return nil, err
	}

	res, err := s.uploader.Upload(ctx, disputeID, f)
	if err != nil {
		return nil, fmt.Errorf("upload evidence: %w", err)
	}

	out, err := s.store.AttachEvidence(ctx, disputeID, Evidence{
		DisputeID: disputeID,
		AuthorID:  authorID,
		URL:       res.URL,
		ContentID: res.ContentID,
		CreatedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, ErrEvidenceAttached) {
			s.logger.Warn("evidence uploaded but another file was attached first",
				"disputeId", disputeID, "url", res.URL)
		}
		return nil, err
	}
	s.logger.Info("dispute evidence attached", "disputeId", disputeID, "provider", res.Provider)
	return out, nil
}

// Vote records voterID's choice. Voting again replaces the earlier
// choice. A closed dispute rejects the vote before anything is written.
func (s *Service) Vote(ctx context.Context, disputeID, voterID string, choice Choice) (*Snapshot, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Vote", traces.DisputeID(disputeID))
	var err error
	defer func() { traces.End(span, err) }()

	if !choice.Valid() {
		err = ErrInvalidChoice
		return nil, err
	}

	unlock, err := s.votes.Lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	tally, err := s.store.Tally(ctx, disputeID)
	if err != nil {
		return nil, fmt.Errorf("tally: %w", err)
	}
	if IsClosed(d, tally, s.now()) {
		err = ErrVotingClosed
		return nil, err
	}

	now := s.now()
	if err = s.store.UpsertVote(ctx, Vote{
		DisputeID: disputeID,
		VoterID:   voterID,
		Choice:    choice,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("cast vote: %w", err)
	}
	metrics.DisputeVotesTotal.WithLabelValues(string(choice)).Inc()

	return s.Snapshot(ctx, disputeID, voterID)
}

// Close resolves the dispute. The server-side procedure is used when the
// store has one; otherwise the majority is computed here.
func (s *Service) Close(ctx context.Context, disputeID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Close", traces.DisputeID(disputeID))
	var err error
	defer func() { traces.End(span, err) }()

	d, err := s.store.Close(ctx, disputeID)
	if err == nil {
		s.closed(d)
		return d, nil
	}
	if !errors.Is(err, ErrProcedureUnavailable) {
		return nil, err
	}

	tally, err := s.store.Tally(ctx, disputeID)
	if err != nil {
		return nil, fmt.Errorf("tally: %w", err)
	}
	d, err = s.store.MarkClosed(ctx, disputeID, tally.Winner(), s.now())
	if err != nil {
		return nil, err
	}
	s.closed(d)
	return d, nil
}

func (s *Service) closed(d *Dispute) {
	winner := string(d.Winner)
	if winner == "" {
		winner = "none"
	}
	metrics.DisputesClosedTotal.WithLabelValues(winner).Inc()
	s.logger.Info("dispute closed", "disputeId", d.ID, "scenarioId", d.ScenarioID, "winner", winner)
}

// CloseExpired persists the closed status of open disputes whose window
// elapsed or whose vote ceiling was reached. It returns how many were
// closed.
func (s *Service) CloseExpired(ctx context.Context, limit int) (int, error) {
	open, err := s.store.ListOpen(ctx, limit)
	if err != nil {
		return 0, err
	}
	now := s.now()
	closed := 0
	for _, d := range open {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		tally, err := s.store.Tally(ctx, d.ID)
		if err != nil {
			s.logger.Warn("failed to tally dispute", "disputeId", d.ID, "error", err)
			continue
		}
		if !IsClosed(d, tally, now) {
			continue
		}
		if _, err := s.Close(ctx, d.ID); err != nil {
			s.logger.Warn("failed to close dispute", "disputeId", d.ID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// SetResolutionTx records the on-chain finalize transaction hash.
func (s *Service) SetResolutionTx(ctx context.Context, disputeID, txHash string) error {
	return s.store.SetResolutionTx(ctx, disputeID, txHash)
}
