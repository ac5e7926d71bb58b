package scenario

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmbapp/bmb/internal/changefeed"
	"github.com/bmbapp/bmb/internal/idgen"
	"github.com/bmbapp/bmb/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests. Writes
// are published on the change feed when a publisher is set.
type MemoryStore struct {
	mu        sync.RWMutex
	scenarios map[string]*Scenario
	pub       changefeed.Publisher
	now       func() time.Time
}

// NewMemoryStore creates an in-memory scenario store. pub may be nil.
func NewMemoryStore(pub changefeed.Publisher) *MemoryStore {
	return &MemoryStore{
		scenarios: make(map[string]*Scenario),
		pub:       pub,
		now:       time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if s.ID == "" {
		s.ID = idgen.New()
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	if s.Status == "" {
		s.Status = StatusPending
	}
	stored := s.Clone()
	m.scenarios[s.ID] = stored
	m.mu.Unlock()

	m.publish(changefeed.OpInsert, stored)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Scenario
	for _, s := range m.scenarios {
		if (s.CreatorID == userID || s.ExecutorID == userID) && cursor.After(s.CreatedAt, s.ID) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateTerms(ctx context.Context, id string, t Terms) (*Scenario, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return m.update(id, func(s *Scenario) bool {
		if s.Locked() || s.Status == StatusConfirmed {
			return false
		}
		t.apply(s)
		s.AgreedByCustomer = false
		s.AgreedByExecutor = false
		s.Status = StatusPending
		return true
	})
}

func (m *MemoryStore) SetAgreed(_ context.Context, id string, p Party) (*Scenario, error) {
	if !p.Valid() {
		return nil, ErrInvalidParty
	}
	return m.update(id, func(s *Scenario) bool {
		if s.Agreed(p) {
			return false
		}
		if p == PartyExecutor {
			s.AgreedByExecutor = true
		} else {
			s.AgreedByCustomer = true
		}
		if s.BothAgreed() && s.Status == StatusPending {
			s.Status = StatusAgreed
		}
		return true
	})
}

func (m *MemoryStore) SetEscrowTx(_ context.Context, id, txHash string) (*Scenario, error) {
	txHash = strings.TrimSpace(txHash)
	return m.update(id, func(s *Scenario) bool {
		if txHash == "" || !s.BothAgreed() || s.Locked() {
			return false
		}
		s.EscrowTxHash = txHash
		return true
	})
}

func (m *MemoryStore) SetCompleted(_ context.Context, id string, p Party) (*Scenario, error) {
	if !p.Valid() {
		return nil, ErrInvalidParty
	}
	return m.update(id, func(s *Scenario) bool {
		if s.Completed(p) {
			return false
		}
		if p == PartyExecutor {
			s.CompletedByExecutor = true
		} else {
			s.CompletedByCustomer = true
		}
		return true
	})
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, to Status, from ...Status) (*Scenario, error) {
	return m.update(id, func(s *Scenario) bool {
		if len(from) == 0 {
			return true
		}
		for _, f := range from {
			if s.Status == f {
				return true
			}
		}
		return false
	}, func(s *Scenario) { s.Status = to })
}

// update runs cond under the write lock. When cond reports false the row
// is left untouched and ErrWriteConflict is returned.
func (m *MemoryStore) update(id string, cond func(*Scenario) bool, then ...func(*Scenario)) (*Scenario, error) {
	m.mu.Lock()
	stored, ok := m.scenarios[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	next := stored.Clone()
	if !cond(next) {
		m.mu.Unlock()
		return nil, ErrWriteConflict
	}
	for _, fn := range then {
		fn(next)
	}
	next.UpdatedAt = m.now()
	m.scenarios[id] = next
	out := next.Clone()
	m.mu.Unlock()

	m.publish(changefeed.OpUpdate, next)
	return out, nil
}

func (m *MemoryStore) publish(op changefeed.Op, s *Scenario) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(changefeed.Change{Table: changefeed.TableScenarios, Op: op, Row: s.Row()})
}

// MemoryProfiles is an in-memory ProfileStore.
type MemoryProfiles struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryProfiles creates an empty profile store.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{profiles: make(map[string]Profile)}
}

// Put replaces a profile.
func (m *MemoryProfiles) Put(p Profile) {
	m.mu.Lock()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
}

func (m *MemoryProfiles) Wallet(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	p, ok := m.profiles[userID]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNoWallet
	}
	if w := p.PrimaryWallet(); w != "" {
		return w, nil
	}
	return "", ErrNoWallet
}

func (m *MemoryProfiles) ReferrerWallet(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return strings.TrimSpace(m.profiles[userID].ReferrerWallet), nil
}

func (m *MemoryProfiles) SetWallet(_ context.Context, userID, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	p.UserID = userID
	p.Wallet = wallet
	m.profiles[userID] = p
	return nil
}
