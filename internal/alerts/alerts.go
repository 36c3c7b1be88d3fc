// Package alerts turns high risk assessments into user notifications,
// at most one per cooldown window.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/metrics"
	"github.com/mbd888/quietguard/internal/risk"
)

// Defaults.
const (
	DefaultThreshold = 0.7
	DefaultCooldown  = 60 * time.Minute
)

var (
	alertsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total risk alerts dispatched.",
	})
	alertsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Risk assessments that did not alert, by reason.",
	}, []string{"reason"})
	alertsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alerts",
		Name:      "notify_failures_total",
		Help:      "Alerts whose notifier returned an error.",
	})
)

func init() {
	prometheus.MustRegister(alertsSent, alertsSuppressed, alertsFailed)
}

// Alert is the payload handed to notifiers.
type Alert struct {
	UserID         string              `json:"userId"`
	AssessmentID   string              `json:"assessmentId"`
	Score          float64             `json:"score"`
	Factors        []string            `json:"factors"`
	Recommendation risk.Recommendation `json:"recommendation"`
	TriggeredAt    time.Time           `json:"triggeredAt"`
}

// Notifier delivers an alert to the user.
type Notifier interface {
	Send(ctx context.Context, title, body string, payload Alert) error
}

// Dispatcher gates alerts on a score threshold and a cooldown. One
// dispatcher serves one user.
type Dispatcher struct {
	mu        sync.Mutex
	clock     clock.Clock
	notifier  Notifier
	threshold float64
	cooldown  time.Duration
	lastAlert time.Time
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher with the default threshold and cooldown.
func NewDispatcher(clk clock.Clock, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		clock:     clk,
		notifier:  notifier,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		logger:    logger,
	}
}

// WithThreshold overrides the minimum alerting score.
func (d *Dispatcher) WithThreshold(t float64) *Dispatcher {
	d.threshold = t
	return d
}

// WithCooldown overrides the minimum gap between alerts.
func (d *Dispatcher) WithCooldown(c time.Duration) *Dispatcher {
	d.cooldown = c
	return d
}

// LastAlert returns when the last alert was dispatched, zero if never.
func (d *Dispatcher) LastAlert() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAlert
}

// MaybeAlert notifies the user when the assessment's score reaches the
// threshold and the cooldown has elapsed. It reports whether an alert was
// dispatched. The cooldown starts before the notifier runs, so a failing
// notifier does not cause a burst of retries.
func (d *Dispatcher) MaybeAlert(ctx context.Context, a *risk.RiskAssessment) (bool, error) {
	if a == nil || a.Score < d.threshold {
		alertsSuppressed.WithLabelValues("below_threshold").Inc()
		return false, nil
	}

	now := d.clock.Now()
	d.mu.Lock()
	if !d.lastAlert.IsZero() && now.Sub(d.lastAlert) < d.cooldown {
		d.mu.Unlock()
		alertsSuppressed.WithLabelValues("cooldown").Inc()
		return false, nil
	}
	d.lastAlert = now
	d.mu.Unlock()

	alert := Alert{
		UserID:         a.UserID,
		AssessmentID:   a.ID,
		Score:          a.Score,
		Factors:        append([]string(nil), a.Factors...),
		Recommendation: a.Recommendation,
		TriggeredAt:    now,
	}
	alertsSent.Inc()
	if d.notifier == nil {
		return true, nil
	}
	title, body := Compose(alert)
	if err := d.notifier.Send(ctx, title, body, alert); err != nil {
		alertsFailed.Inc()
		d.logger.Warn("alert notifier failed", "user", a.UserID, "score", a.Score, "error", err)
		return true, fmt.Errorf("alerts: notify: %w", err)
	}
	d.logger.Info("risk alert dispatched", "user", a.UserID, "score", a.Score,
		"recommendation", a.Recommendation)
	return true, nil
}

// Compose renders the notification title and body.
func Compose(a Alert) (string, string) {
	title := "Heads up: this is a vulnerable moment"
	if a.Recommendation == risk.RecommendationHigh {
		title = "High risk of an impulse purchase right now"
	}
	reasons := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		reasons = append(reasons, strings.ReplaceAll(f, "_", " "))
	}
	body := fmt.Sprintf("Risk score %.0f%%.", a.Score*100)
	if len(reasons) > 0 {
		body += " Signals: " + strings.Join(reasons, ", ") + "."
	}
	return title, body
}

// Multi fans an alert out to several notifiers. Every notifier is tried;
// the errors are joined.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(ctx context.Context, title, body string, payload Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, title, body, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the log. Used when no delivery channel is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Send implements Notifier.
func (n LogNotifier) Send(ctx context.Context, title, body string, payload Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("alert", "user", payload.UserID, "title", title, "body", body)
	return nil
}
