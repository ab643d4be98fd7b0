// Package notify delivers ledger events to the external notification
// collaborator (the service that turns them into email/WhatsApp).
//
// Delivery is best-effort and fire-and-forget: a failed or slow
// notification must never roll back or delay a ledger mutation.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/propertyops/rentledger/internal/circuitbreaker"
)

// ErrCircuitOpen is returned when the collaborator endpoint has failed
// repeatedly and sends are being shed until it recovers.
var ErrCircuitOpen = errors.New("notify: collaborator circuit open")

const breakerKey = "collaborator"

// Notification is the payload contract with the collaborator.
type Notification struct {
	Type      string `json:"type"` // payment, allocation, refund
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// Dispatcher posts signed notifications to the configured endpoint.
// A circuit breaker sheds sends while the collaborator is down so a
// dead endpoint cannot tie up ledger goroutines on timeouts.
type Dispatcher struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewDispatcher creates a dispatcher. url may be empty, in which case
// every send is a silent no-op (notifications disabled).
func NewDispatcher(url, secret string) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// Send posts one notification, signing the body with HMAC-SHA256.
// Returns ErrCircuitOpen without attempting delivery while the breaker
// is tripped.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	if d == nil || d.url == "" {
		return nil
	}

	if !d.breaker.Allow(breakerKey) {
		return ErrCircuitOpen
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(d.secret, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}

	d.breaker.RecordSuccess(breakerKey)
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret. The gateway
// webhook ingress verifies inbound signatures with the same scheme.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the body under secret, in
// constant time.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
