package risk

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/idgen"
)

const (
	weightLateNight     = 0.3
	weightWeekend       = 0.2
	weightQuietHoursOff = 0.2
	weightHighFrequency = 0.5
	weightImpulseRatio  = 0.4
	weightRapidRepeat   = 0.2

	frequencyWindow    = time.Hour
	frequencyThreshold = 3
	impulseWindow      = 24 * time.Hour
	impulseThreshold   = 0.6
	rapidRepeatGap     = 30 * time.Minute
)

// factorOrder fixes the order tags are reported in.
var factorOrder = []string{
	FactorLateNight,
	FactorWeekend,
	FactorQuietHoursOff,
	FactorHighFrequency,
	FactorHighImpulseRatio,
	FactorRapidRepeat,
}

// Scorer computes assessments and records them to an optional audit store.
// History is kept by the caller in a History.
type Scorer struct {
	store Store
}

// NewScorer creates a scorer backed by the given audit store, which may be nil.
func NewScorer(store Store) *Scorer {
	return &Scorer{store: store}
}

// Record persists an assessment to the audit trail. A nil store is a no-op.
func (s *Scorer) Record(ctx context.Context, a *RiskAssessment) error {
	if s.store == nil || a == nil {
		return nil
	}
	return s.store.Record(ctx, a.Clone())
}

// Load returns the newest persisted assessments for userID, oldest first,
// for seeding a History.
func (s *Scorer) Load(ctx context.Context, userID string) ([]*RiskAssessment, error) {
	if s.store == nil {
		return nil, nil
	}
	list, err := s.store.ListByUser(ctx, userID, HistorySize)
	if err != nil {
		return nil, err
	}
	// Stores return newest first.
	slices.Reverse(list)
	return list, nil
}

// Assess scores the moment now for userID from the trailing unblock events
// and whether a quiet-hours window is currently in force.
func (s *Scorer) Assess(userID string, now time.Time, recent []events.UnblockEvent, scheduleActive bool) *RiskAssessment {
	weights := Weights(now, recent, scheduleActive)

	var score float64
	factors := make([]string, 0, len(weights))
	for _, tag := range factorOrder {
		w, ok := weights[tag]
		if !ok {
			continue
		}
		factors = append(factors, tag)
		score += w
	}

	// Clamp to [0, 1]
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	score = math.Round(score*1000) / 1000 // 3 decimal places

	return &RiskAssessment{
		ID:             idgen.WithPrefix("risk_"),
		UserID:         userID,
		Timestamp:      now,
		Score:          score,
		Factors:        factors,
		Weights:        weights,
		Recommendation: Recommend(score),
	}
}

// Weights returns the contribution of every factor that applies at now.
// Factors that do not apply are absent.
func Weights(now time.Time, recent []events.UnblockEvent, scheduleActive bool) map[string]float64 {
	w := make(map[string]float64, len(factorOrder))

	if h := now.Hour(); h >= 22 || h < 2 {
		w[FactorLateNight] = weightLateNight
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		w[FactorWeekend] = weightWeekend
	}
	if !scheduleActive {
		w[FactorQuietHoursOff] = weightQuietHoursOff
	}
	if len(events.Since(recent, now, frequencyWindow)) >= frequencyThreshold {
		w[FactorHighFrequency] = weightHighFrequency
	}
	if ratio := events.ImpulseRatio(events.Since(recent, now, impulseWindow)); ratio >= impulseThreshold {
		w[FactorHighImpulseRatio] = math.Round(weightImpulseRatio*ratio*1000) / 1000
	}
	if rapidRepeat(recent, now) {
		w[FactorRapidRepeat] = weightRapidRepeat
	}
	return w
}

// rapidRepeat reports whether the two most recent unblocks at or before now
// were less than rapidRepeatGap apart.
func rapidRepeat(recent []events.UnblockEvent, now time.Time) bool {
	var last, prev time.Time
	for _, e := range recent {
		ts := e.Timestamp
		if ts.After(now) {
			continue
		}
		switch {
		case ts.After(last):
			prev, last = last, ts
		case ts.After(prev):
			prev = ts
		}
	}
	if last.IsZero() || prev.IsZero() {
		return false
	}
	return last.Sub(prev) < rapidRepeatGap
}

// TagsOf returns the factor tags present in weights in reporting order.
func TagsOf(weights map[string]float64) []string {
	tags := make([]string, 0, len(weights))
	for _, tag := range factorOrder {
		if _, ok := weights[tag]; ok {
			tags = append(tags, tag)
		}
	}
	return tags
}
