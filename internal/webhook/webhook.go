// Package webhook handles webhook configuration and HTTP dispatch. When a
// webhook URL is configured the broker POSTs every domain event to it,
// signed with HMAC-SHA256 when a secret is set.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/agenthub/internal/events"
)

// Env overrides take priority over flag-supplied configuration.
const (
	EnvURL    = "AGENTHUB_WEBHOOK_URL"
	EnvSecret = "AGENTHUB_WEBHOOK_SECRET"
)

// Signature and delivery headers on outbound requests.
const (
	HeaderSignature = "X-Agenthub-Signature-256"
	HeaderDelivery  = "X-Agenthub-Delivery"
	HeaderEvent     = "X-Agenthub-Event"
)

// ResolveURL returns the effective webhook URL.
// Priority: AGENTHUB_WEBHOOK_URL env > configured value.
func ResolveURL(configured string) string {
	if v := os.Getenv(EnvURL); v != "" {
		return v
	}
	return configured
}

// ResolveSecret returns the effective HMAC secret.
// Priority: AGENTHUB_WEBHOOK_SECRET env > configured value.
func ResolveSecret(configured string) string {
	if v := os.Getenv(EnvSecret); v != "" {
		return v
	}
	return configured
}

// Payload is the wire body of one delivery.
type Payload struct {
	DeliveryID string       `json:"delivery_id"`
	Timestamp  string       `json:"timestamp"`
	Event      events.Event `json:"event"`
}

// Dispatcher delivers events asynchronously through a bounded queue. A full
// queue drops the event with a warning; webhook delivery is observational and
// must never apply backpressure to the request path.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	queue  chan events.Event
	done   chan struct{}
}

const (
	queueDepth     = 256
	deliverTimeout = 10 * time.Second
	maxAttempts    = 3
)

// NewDispatcher creates a dispatcher and starts its worker. A nil dispatcher
// is returned when no URL is configured; all its methods are safe no-ops.
func NewDispatcher(url, secret string) *Dispatcher {
	url = ResolveURL(url)
	if url == "" {
		return nil
	}
	d := &Dispatcher{
		url:    url,
		secret: ResolveSecret(secret),
		client: &http.Client{Timeout: deliverTimeout},
		queue:  make(chan events.Event, queueDepth),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Enabled reports whether deliveries will actually go out.
func (d *Dispatcher) Enabled() bool { return d != nil }

// Dispatch enqueues one event. Never blocks.
func (d *Dispatcher) Dispatch(ev events.Event) {
	if d == nil {
		return
	}
	select {
	case d.queue <- ev:
	default:
		slog.Warn("webhook: queue full, dropping event", "entity", ev.Entity, "action", ev.Action)
	}
}

// Close stops accepting events, drains the queue, and waits for the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	close(d.queue)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		if err := d.deliver(ev); err != nil {
			slog.Warn("webhook: delivery failed", "entity", ev.Entity, "action", ev.Action, "err", err)
		}
	}
}

// deliver POSTs one event, retrying transient failures with linear backoff.
func (d *Dispatcher) deliver(ev events.Event) error {
	payload := Payload{
		DeliveryID: uuid.NewString(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Event:      ev,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * time.Second)
		}
		lastErr = d.post(payload.DeliveryID, string(ev.Entity)+"."+string(ev.Action), body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (d *Dispatcher) post(deliveryID, eventName string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderEvent, eventName)
	if d.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(d.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under the secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header value (without the
// "sha256=" prefix) against the body.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
