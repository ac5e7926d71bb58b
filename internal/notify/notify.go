// Package notify delivers post-action notifications. Delivery is
// fire-and-forget: errors are logged and counted, never returned to the
// action that fired them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmbapp/bmb/internal/metrics"
)

// Kind identifies the transition a notification reports.
type Kind string

const (
	KindFundsLocked         Kind = "funds_locked"
	KindCompletionConfirmed Kind = "completion_confirmed"
	KindCustomerCompleted   Kind = "customer_completed"
	KindScenarioAgreed      Kind = "scenario_agreed"
	KindDisputeOpened       Kind = "dispute_opened"
	KindEvidenceUploaded    Kind = "evidence_uploaded"
	KindDisputeClosed       Kind = "dispute_closed"
)

// Sound is the cue a client plays with the notification.
type Sound string

const (
	SoundNone    Sound = ""
	SoundSuccess Sound = "success"
	SoundAlert   Sound = "alert"
)

// Notification is one message to one or more users.
type Notification struct {
	Users      []string  `json:"-"`
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	Sound      Sound     `json:"sound,omitempty"`
	ScenarioID string    `json:"scenarioId,omitempty"`
	DisputeID  string    `json:"disputeId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Notifier delivers a notification through one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Dispatcher fans notifications out to every notifier in the background.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Nil notifiers are skipped.
func NewDispatcher(logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{timeout: 10 * time.Second, logger: logger}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

// WithTimeout bounds each delivery.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// Fire delivers n asynchronously and returns immediately.
func (d *Dispatcher) Fire(n Notification) {
	if d == nil {
		return
	}
	n.Users = dedupe(n.Users)
	if len(n.Users) == 0 {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	for _, notifier := range d.notifiers {
		d.wg.Add(1)
		go d.deliver(notifier, n)
	}
}

// Wait blocks until every fired notification finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(notifier Notifier, n Notification) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(notifier.Name(), "panic").Inc()
			d.logger.Error("panic in notifier", "notifier", notifier.Name(), "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := notifier.Notify(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(notifier.Name(), "error").Inc()
		d.logger.Warn("notification failed",
			"notifier", notifier.Name(), "kind", n.Kind, "scenarioId", n.ScenarioID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(notifier.Name(), "ok").Inc()
}

func dedupe(users []string) []string {
	seen := make(map[string]bool, len(users))
	out := users[:0:0]
	for _, u := range users {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
