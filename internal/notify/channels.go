package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bmbapp/bmb/internal/realtime"
)

// SubjectPrefix prefixes the per-user NATS subject.
const SubjectPrefix = "bmb.notifications."

// HubNotifier pushes notifications to the user's open sockets.
type HubNotifier struct {
	hub *realtime.Hub
}

// NewHubNotifier creates a notifier over hub.
func NewHubNotifier(hub *realtime.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (h *HubNotifier) Name() string { return "hub" }

func (h *HubNotifier) Notify(_ context.Context, n Notification) error {
	for _, u := range n.Users {
		h.hub.SendToUser(u, realtime.EventNotification, n)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications for the push worker, one message
// per user on bmb.notifications.<userID>.
type NATSNotifier struct {
	pub Publisher
}

// NewNATSNotifier creates a notifier over pub.
func NewNATSNotifier(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, u := range note.Users {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(struct {
			UserID string `json:"userId"`
			Notification
		}{UserID: u, Notification: note})
		if err != nil {
			return err
		}
		if err := n.pub.Publish(SubjectPrefix+u, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("bmb-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
}
