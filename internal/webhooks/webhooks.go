// Package webhooks delivers signed JSON events to external HTTP endpoints.
//
// Every request carries the event type, a unix timestamp and, when a secret
// is configured, an HMAC-SHA256 signature of the body:
//
//	X-Quietguard-Event:     alert.risk
//	X-Quietguard-Timestamp: 1760911200
//	X-Quietguard-Signature: <hex hmac of body>
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/quietguard/internal/idgen"
	"github.com/mbd888/quietguard/internal/metrics"
	"github.com/mbd888/quietguard/internal/retry"
)

// Header names.
const (
	HeaderEvent     = "X-Quietguard-Event"
	HeaderTimestamp = "X-Quietguard-Timestamp"
	HeaderSignature = "X-Quietguard-Signature"
	HeaderDelivery  = "X-Quietguard-Delivery"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// ErrRejected is returned when the receiver answers with a non-2xx status.
var ErrRejected = errors.New("webhooks: delivery rejected")

// StatusError carries the receiver's status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhooks: delivery rejected with status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

// Event is the envelope posted to receivers.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Sender posts signed events to one endpoint.
type Sender struct {
	url      string
	secret   string
	target   string // metrics label
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewSender creates a sender for url. target labels delivery metrics.
func NewSender(url, secret, target string) *Sender {
	return &Sender{
		url:      url,
		secret:   secret,
		target:   target,
		client:   &http.Client{Timeout: DefaultTimeout},
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// WithClient overrides the HTTP client.
func (s *Sender) WithClient(c *http.Client) *Sender {
	s.client = c
	return s
}

// WithRetry overrides the attempt count and base backoff. attempts of 1
// disables retries.
func (s *Sender) WithRetry(attempts int, backoff time.Duration) *Sender {
	s.attempts = attempts
	s.backoff = backoff
	return s
}

// URL returns the endpoint.
func (s *Sender) URL() string {
	return s.url
}

// Send posts an event, retrying transport errors and 5xx responses.
// 4xx responses are not retried.
func (s *Sender) Send(ctx context.Context, eventType string, data any) error {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhooks: marshal event: %w", err)
	}

	err = retry.Do(ctx, s.attempts, s.backoff, func() error {
		return s.post(ctx, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(s.target, "failure").Inc()
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(s.target, "success").Inc()
	return nil
}

func (s *Sender) post(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("webhooks: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhooks: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode < 500 {
		return retry.Permanent(statusErr)
	}
	return statusErr
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), expected)
}
