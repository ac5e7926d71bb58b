package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Channel is the NOTIFY channel the schema triggers publish on.
const Channel = "bmb_changes"

// PGListener bridges PostgreSQL LISTEN/NOTIFY into a Publisher. Each
// notification payload is the JSON object built by the notify_change()
// trigger: {"table": ..., "op": ..., "row": {...}}.
type PGListener struct {
	dsn    string
	pub    Publisher
	logger *slog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
}

// NewPGListener creates a listener for dsn that republishes on pub.
func NewPGListener(dsn string, pub Publisher, logger *slog.Logger) *PGListener {
	return &PGListener{
		dsn:          dsn,
		pub:          pub,
		logger:       logger,
		minReconnect: 2 * time.Second,
		maxReconnect: time.Minute,
	}
}

// Run listens until ctx ends. Call in a goroutine.
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.logger.Warn("change listener connection problem", "event", ev, "error", err)
		case pq.ListenerEventReconnected:
			l.logger.Info("change listener reconnected")
		}
	})
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("changefeed: listen %s: %w", Channel, err)
	}
	l.logger.Info("change listener started", "channel", Channel)

	keepalive := time.NewTicker(90 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("change listener stopped")
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; rows changed meanwhile are picked up
			// by the next notification's full re-fetch.
			if n == nil {
				continue
			}
			c, err := DecodePayload(n.Extra)
			if err != nil {
				l.logger.Warn("undecodable change payload", "error", err)
				continue
			}
			l.pub.Publish(c)
		case <-keepalive.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

// DecodePayload parses a notify_change() payload.
func DecodePayload(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("changefeed: decode payload: %w", err)
	}
	if c.Table == "" {
		return Change{}, fmt.Errorf("changefeed: payload without table")
	}
	if c.Row == nil {
		c.Row = map[string]any{}
	}
	return c, nil
}
