package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bmbapp/bmb/internal/changefeed"
	"github.com/bmbapp/bmb/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests. It has no
// server-side close procedure.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	votes    map[string]map[string]*Vote // dispute -> voter -> vote
	pub      changefeed.Publisher
	now      func() time.Time
}

// NewMemoryStore creates an in-memory dispute store. pub may be nil.
func NewMemoryStore(pub changefeed.Publisher) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		votes:    make(map[string]map[string]*Vote),
		pub:      pub,
		now:      time.Now,
	}
}

func (m *MemoryStore) OpenForScenario(_ context.Context, scenarioID, initiatorID, respondentID string) (*Dispute, bool, error) {
	m.mu.Lock()
	if d := m.latestLocked(scenarioID); d != nil && d.Status == StatusOpen {
		m.mu.Unlock()
		return d.Clone(), false, nil
	}
	d := &Dispute{
		ID:           idgen.New(),
		ScenarioID:   scenarioID,
		InitiatorID:  initiatorID,
		RespondentID: respondentID,
		Status:       StatusOpen,
		CreatedAt:    m.now(),
	}
	m.disputes[d.ID] = d
	out := d.Clone()
	m.mu.Unlock()

	m.publishDispute(changefeed.OpInsert, out)
	return out, true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) LatestForScenario(_ context.Context, scenarioID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.latestLocked(scenarioID)
	if d == nil {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) latestLocked(scenarioID string) *Dispute {
	var latest *Dispute
	for _, d := range m.disputes {
		if d.ScenarioID != scenarioID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	return latest
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AttachEvidence(_ context.Context, disputeID string, ev Evidence) (*Dispute, error) {
	m.mu.Lock()
	d, ok := m.disputes[disputeID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if d.HasEvidence() {
		m.mu.Unlock()
		return nil, ErrEvidenceAttached
	}
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	d.EvidenceID = ev.ID
	d.EvidenceURL = ev.URL
	d.EvidenceCID = ev.ContentID
	out := d.Clone()
	m.mu.Unlock()

	m.publishDispute(changefeed.OpUpdate, out)
	return out, nil
}

func (m *MemoryStore) UpsertVote(_ context.Context, v Vote) error {
	m.mu.Lock()
	if _, ok := m.disputes[v.DisputeID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	byVoter, ok := m.votes[v.DisputeID]
	if !ok {
		byVoter = make(map[string]*Vote)
		m.votes[v.DisputeID] = byVoter
	}
	op := changefeed.OpInsert
	if prev, ok := byVoter[v.VoterID]; ok {
		op = changefeed.OpUpdate
		v.CreatedAt = prev.CreatedAt
	}
	stored := v
	byVoter[v.VoterID] = &stored
	m.mu.Unlock()

	if m.pub != nil {
		m.pub.Publish(changefeed.Change{
			Table: changefeed.TableDisputeVotes,
			Op:    op,
			Row: map[string]any{
				"dispute_id": v.DisputeID,
				"user_id":    v.VoterID,
				"choice":     string(v.Choice),
			},
		})
	}
	return nil
}

func (m *MemoryStore) GetVote(_ context.Context, disputeID, voterID string) (*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.votes[disputeID][voterID]
	if !ok {
		return nil, nil
	}
	out := *v
	return &out, nil
}

func (m *MemoryStore) Tally(_ context.Context, disputeID string) (Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t Tally
	for _, v := range m.votes[disputeID] {
		switch v.Choice {
		case ChoiceExecutor:
			t.Executor++
		case ChoiceCustomer:
			t.Customer++
		}
	}
	return t, nil
}

func (m *MemoryStore) Close(context.Context, string) (*Dispute, error) {
	return nil, ErrProcedureUnavailable
}

func (m *MemoryStore) MarkClosed(_ context.Context, disputeID string, winner Choice, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	d, ok := m.disputes[disputeID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if d.Status != StatusOpen {
		out := d.Clone()
		m.mu.Unlock()
		return out, nil
	}
	d.Status = StatusClosed
	d.Winner = winner
	d.ClosedAt = &at
	out := d.Clone()
	m.mu.Unlock()

	m.publishDispute(changefeed.OpUpdate, out)
	return out, nil
}

func (m *MemoryStore) SetResolutionTx(_ context.Context, disputeID, txHash string) error {
	m.mu.Lock()
	d, ok := m.disputes[disputeID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	d.ResolutionTxHash = txHash
	out := d.Clone()
	m.mu.Unlock()

	m.publishDispute(changefeed.OpUpdate, out)
	return nil
}

// SetCreatedAt backdates a dispute, for tests of the voting window.
func (m *MemoryStore) SetCreatedAt(disputeID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.disputes[disputeID]; ok {
		d.CreatedAt = at
	}
}

func (m *MemoryStore) publishDispute(op changefeed.Op, d *Dispute) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(changefeed.Change{Table: changefeed.TableDisputes, Op: op, Row: d.Row()})
}

// Row returns the column map published on the change feed.
func (d *Dispute) Row() map[string]any {
	row := map[string]any{
		"id":          d.ID,
		"scenario_id": d.ScenarioID,
		"creator_id":  d.InitiatorID,
		"executor_id": d.RespondentID,
		"status":      string(d.Status),
		"created_at":  d.CreatedAt,
	}
	if d.EvidenceID != "" {
		row["behavior_id"] = d.EvidenceID
	}
	if d.Winner != ChoiceNone {
		row["winner"] = string(d.Winner)
	}
	if d.ClosedAt != nil {
		row["closed_at"] = *d.ClosedAt
	}
	return row
}
