package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bmbapp/bmb/internal/retry"
	"github.com/bmbapp/bmb/internal/security"
)

// Webhook headers. The signature is hex HMAC-SHA256 over
// "<timestamp>.<body>" keyed with the shared secret.
const (
	HeaderEvent     = "X-BMB-Event"
	HeaderTimestamp = "X-BMB-Timestamp"
	HeaderSignature = "X-BMB-Signature"
)

// WebhookNotifier POSTs every notification, with its recipients, to one
// integrator endpoint.
type WebhookNotifier struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewWebhookNotifier validates url and returns a notifier for it.
// Private and loopback hosts are rejected.
func NewWebhookNotifier(url, secret string) (*WebhookNotifier, error) {
	if err := security.ValidateEndpointURL(url); err != nil {
		return nil, fmt.Errorf("notify: webhook url: %w", err)
	}
	return newWebhook(url, secret), nil
}

func newWebhook(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 5 * time.Second},
		attempts: 3,
		backoff:  250 * time.Millisecond,
		now:      time.Now,
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(struct {
		Users []string `json:"users"`
		Notification
	}{Users: n.Users, Notification: n})
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(w.now().Unix(), 10)
	sig := Sign(w.secret, ts, payload)

	return retry.Do(ctx, w.attempts, w.backoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(n.Kind))
		req.Header.Set(HeaderTimestamp, ts)
		if w.secret != "" {
			req.Header.Set(HeaderSignature, sig)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook: status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
		}
	})
}

// Sign computes the webhook signature for a timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
