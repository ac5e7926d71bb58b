// Package changefeed delivers row-level change notifications from the
// store to subscribers, scoped by table and an optional column filter.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmbapp/bmb/internal/metrics"
)

// Table names carried on changes.
const (
	TableScenarios    = "scenarios"
	TableDisputes     = "disputes"
	TableDisputeVotes = "dispute_votes"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is one row change. Row holds the new column values, keyed by
// column name, as decoded from JSON.
type Change struct {
	Table string         `json:"table"`
	Op    Op             `json:"op"`
	Row   map[string]any `json:"row"`
	At    time.Time      `json:"at"`
}

// Filter selects changes of one table, optionally restricted to rows
// whose Column equals Value.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Matches reports whether c passes f.
func (f Filter) Matches(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	v, ok := c.Row[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// Publisher accepts changes produced by a store.
type Publisher interface {
	Publish(c Change)
}

// Subscriber registers interest in changes.
type Subscriber interface {
	Subscribe(ctx context.Context, filters ...Filter) <-chan Change
}

type subscription struct {
	filters []Filter
	ch      chan Change
}

func (s *subscription) wants(c Change) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f.Matches(c) {
			return true
		}
	}
	return false
}

// Broker fans changes out to subscribers in-process. A subscriber whose
// buffer is full misses the change; subscribers re-fetch on the next
// one, so a drop delays convergence but never corrupts state.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewBroker creates a broker with the given per-subscriber buffer.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		subs:   make(map[*subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Publish delivers c to every matching subscriber without blocking.
func (b *Broker) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	metrics.ChangeEventsTotal.WithLabelValues(c.Table).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			metrics.ChangeEventsDropped.Inc()
			b.logger.Warn("change subscriber full, dropping change", "table", c.Table)
		}
	}
}

// Subscribe returns a channel of changes matching any of filters (all
// changes when none are given). The channel closes when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, filters ...Filter) <-chan Change {
	s := &subscription{filters: filters, ch: make(chan Change, b.buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()

	return s.ch
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
