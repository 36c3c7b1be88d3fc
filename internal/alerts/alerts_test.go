package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/realtime"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/webhooks"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Alert
	title []string
	err   error
}

func (r *recordingNotifier) Send(ctx context.Context, title, body string, payload Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, payload)
	r.title = append(r.title, title)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func assessment(score float64) *risk.RiskAssessment {
	return &risk.RiskAssessment{
		ID:             "risk_1",
		UserID:         "alice",
		Score:          score,
		Factors:        []string{risk.FactorLateNight, risk.FactorHighFrequency},
		Recommendation: risk.Recommend(score),
	}
}

var start = time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)

func newTestDispatcher(n Notifier) (*Dispatcher, *clock.Fake) {
	clk := clock.NewFake(start)
	return NewDispatcher(clk, n, slog.New(slog.DiscardHandler)), clk
}

func TestCooldownSuppressesWithinAnHour(t *testing.T) {
	n := &recordingNotifier{}
	d, clk := newTestDispatcher(n)
	ctx := context.Background()

	sent, err := d.MaybeAlert(ctx, assessment(0.85))
	require.NoError(t, err)
	assert.True(t, sent)

	clk.Advance(59 * time.Minute)
	sent, err = d.MaybeAlert(ctx, assessment(0.85))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, n.count())
}

func TestCooldownElapsedAllowsSecondAlert(t *testing.T) {
	n := &recordingNotifier{}
	d, clk := newTestDispatcher(n)
	ctx := context.Background()

	_, _ = d.MaybeAlert(ctx, assessment(0.85))
	clk.Advance(61 * time.Minute)
	sent, err := d.MaybeAlert(ctx, assessment(0.85))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 2, n.count())
	assert.True(t, d.LastAlert().Equal(start.Add(61*time.Minute)))
}

func TestCooldownBoundaryIsInclusive(t *testing.T) {
	n := &recordingNotifier{}
	d, clk := newTestDispatcher(n)
	_, _ = d.MaybeAlert(context.Background(), assessment(0.9))
	clk.Advance(DefaultCooldown)
	sent, _ := d.MaybeAlert(context.Background(), assessment(0.9))
	assert.True(t, sent)
}

func TestBelowThresholdNeverAlerts(t *testing.T) {
	n := &recordingNotifier{}
	d, _ := newTestDispatcher(n)

	sent, err := d.MaybeAlert(context.Background(), assessment(0.699))
	require.NoError(t, err)
	assert.False(t, sent)

	sent, _ = d.MaybeAlert(context.Background(), assessment(0.7))
	assert.True(t, sent)

	sent, _ = d.MaybeAlert(context.Background(), nil)
	assert.False(t, sent)
}

func TestCustomThresholdAndCooldown(t *testing.T) {
	n := &recordingNotifier{}
	d, clk := newTestDispatcher(n)
	d.WithThreshold(0.5).WithCooldown(10 * time.Minute)

	sent, _ := d.MaybeAlert(context.Background(), assessment(0.55))
	assert.True(t, sent)
	clk.Advance(11 * time.Minute)
	sent, _ = d.MaybeAlert(context.Background(), assessment(0.55))
	assert.True(t, sent)
}

func TestNotifierFailureStillStartsCooldown(t *testing.T) {
	n := &recordingNotifier{err: errors.New("push service down")}
	d, clk := newTestDispatcher(n)

	before := testutil.ToFloat64(alertsFailed)
	sent, err := d.MaybeAlert(context.Background(), assessment(0.9))
	assert.True(t, sent)
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(alertsFailed))

	clk.Advance(time.Minute)
	sent, err = d.MaybeAlert(context.Background(), assessment(0.9))
	assert.False(t, sent)
	assert.NoError(t, err)
}

func TestAlertPayload(t *testing.T) {
	n := &recordingNotifier{}
	d, _ := newTestDispatcher(n)
	_, _ = d.MaybeAlert(context.Background(), assessment(0.85))

	require.Len(t, n.sent, 1)
	got := n.sent[0]
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, 0.85, got.Score)
	assert.Equal(t, risk.RecommendationHigh, got.Recommendation)
	assert.Equal(t, []string{risk.FactorLateNight, risk.FactorHighFrequency}, got.Factors)
	assert.True(t, got.TriggeredAt.Equal(start))
	assert.Contains(t, n.title[0], "High risk")
}

func TestCompose(t *testing.T) {
	title, body := Compose(Alert{Score: 0.72, Recommendation: risk.RecommendationElevated,
		Factors: []string{risk.FactorRapidRepeat}})
	assert.Equal(t, "Heads up: this is a vulnerable moment", title)
	assert.Equal(t, "Risk score 72%. Signals: rapid repeat.", body)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	err := Multi{bad, nil, ok}.Send(context.Background(), "t", "b", Alert{UserID: "alice"})
	require.Error(t, err)
	assert.Equal(t, 1, ok.count(), "later notifiers still run")
	assert.Equal(t, 1, bad.count())
}

func TestWebhookNotifier(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !webhooks.Verify(body, "k", r.Header.Get(webhooks.HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev webhooks.Event
		_ = json.Unmarshal(body, &ev)
		payload, _ = ev.Data.(map[string]any)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "k")
	require.NoError(t, n.Send(context.Background(), "title", "body", Alert{UserID: "alice", Score: 0.8}))
	require.NotNil(t, payload)
	assert.Equal(t, "title", payload["title"])
	assert.Equal(t, "alice", payload["userId"])
	assert.Equal(t, 0.8, payload["score"])
}

type fakePublisher struct {
	userID string
	typ    realtime.EventType
}

func (f *fakePublisher) Publish(userID string, eventType realtime.EventType, data any) {
	f.userID, f.typ = userID, eventType
}

func TestHubNotifier(t *testing.T) {
	p := &fakePublisher{}
	require.NoError(t, NewHubNotifier(p).Send(context.Background(), "t", "b", Alert{UserID: "alice"}))
	assert.Equal(t, "alice", p.userID)
	assert.Equal(t, realtime.EventAlert, p.typ)
}
