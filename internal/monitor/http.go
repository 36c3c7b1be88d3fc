package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/mbd888/quietguard/internal/circuitbreaker"
	"github.com/mbd888/quietguard/internal/webhooks"
)

// Command event types posted to the host app.
const (
	CommandRegister    = "monitor.register"
	CommandDeregister  = "monitor.deregister"
	CommandApplyShield = "shield.apply"
	CommandClearShield = "shield.clear"
)

// HTTPHost drives a host app that exposes its activity monitor over a
// signed webhook endpoint. Consecutive failures trip a circuit breaker so a
// dead host fails fast instead of eating every caller's timeout.
type HTTPHost struct {
	userID  string
	sender  *webhooks.Sender
	breaker *circuitbreaker.Breaker
}

// NewHTTPHost creates a host adapter for one user. Breakers may be shared
// across users; the user ID is the breaker key.
func NewHTTPHost(userID string, sender *webhooks.Sender, breaker *circuitbreaker.Breaker) *HTTPHost {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPHost{userID: userID, sender: sender, breaker: breaker}
}

type command struct {
	UserID       string        `json:"userId"`
	Registration *Registration `json:"registration,omitempty"`
	Apps         []string      `json:"apps,omitempty"`
}

func (h *HTTPHost) Register(ctx context.Context, reg Registration) error {
	r := reg.Clone()
	return h.do(ctx, CommandRegister, command{UserID: h.userID, Registration: &r})
}

func (h *HTTPHost) Deregister(ctx context.Context) error {
	return h.do(ctx, CommandDeregister, command{UserID: h.userID})
}

func (h *HTTPHost) ApplyShield(ctx context.Context, apps []string) error {
	return h.do(ctx, CommandApplyShield, command{UserID: h.userID, Apps: slices.Clone(apps)})
}

func (h *HTTPHost) ClearShield(ctx context.Context) error {
	return h.do(ctx, CommandClearShield, command{UserID: h.userID})
}

func (h *HTTPHost) do(ctx context.Context, eventType string, cmd command) error {
	if !h.breaker.Allow(h.userID) {
		return fmt.Errorf("%w: circuit open for %s", ErrHostUnavailable, h.userID)
	}
	err := h.sender.Send(ctx, eventType, cmd)
	if err == nil {
		h.breaker.RecordSuccess(h.userID)
		return nil
	}

	var se *webhooks.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusForbidden || se.StatusCode == http.StatusUnauthorized) {
		// The host answered; permission problems are not host health.
		h.breaker.RecordSuccess(h.userID)
		return fmt.Errorf("%w: %s", ErrPermissionDenied, se.Body)
	}
	h.breaker.RecordFailure(h.userID)
	return fmt.Errorf("%w: %s: %w", ErrHostUnavailable, eventType, err)
}
