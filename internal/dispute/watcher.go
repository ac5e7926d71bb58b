package dispute

import (
	"context"
	"log/slog"
	"time"

	"github.com/bmbapp/bmb/internal/changefeed"
)

// Watcher streams dispute snapshots. Each change to the dispute row or
// its votes triggers a full re-read rather than an incremental patch, so
// a missed or reordered change never leaves a stale tally.
type Watcher struct {
	service *Service
	sub     changefeed.Subscriber
	logger  *slog.Logger
}

// NewWatcher creates a watcher over sub.
func NewWatcher(service *Service, sub changefeed.Subscriber, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{service: service, sub: sub, logger: logger}
}

// Watch returns a channel carrying the current snapshot followed by a new
// one after every relevant change, plus one when the voting window ends.
// The channel closes when ctx ends. Only the latest snapshot is kept for
// a slow reader.
func (w *Watcher) Watch(ctx context.Context, disputeID, viewerID string) (<-chan *Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Subscribe before the first read so no change falls between them.
	changes := w.sub.Subscribe(ctx,
		changefeed.Filter{Table: changefeed.TableDisputes, Column: "id", Value: disputeID},
		changefeed.Filter{Table: changefeed.TableDisputeVotes, Column: "dispute_id", Value: disputeID},
	)
	first, err := w.service.Snapshot(ctx, disputeID, viewerID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *Snapshot, 1)
	out <- first

	go func() {
		defer close(out)
		defer cancel()

		var deadline <-chan time.Time
		if !first.Closed {
			timer := time.NewTimer(time.Until(first.Deadline))
			defer timer.Stop()
			deadline = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			case <-deadline:
				deadline = nil
			}

			snap, err := w.service.Snapshot(ctx, disputeID, viewerID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("dispute re-read failed", "disputeId", disputeID, "error", err)
				continue
			}
			emitLatest(out, snap)
		}
	}()
	return out, nil
}

// emitLatest replaces an unread snapshot with snap.
func emitLatest(out chan *Snapshot, snap *Snapshot) {
	for {
		select {
		case out <- snap:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
