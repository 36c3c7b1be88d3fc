// Package risk scores how vulnerable the user is to an impulsive purchase
// at a given moment.
//
// Every assessment combines six weighted factors: late night, weekend,
// quiet hours off, high unblock frequency, a high impulse ratio and rapid
// repeat unblocks. Scores range from 0.0 (calm) to 1.0 (high risk) and map
// onto a recommendation tier.
package risk

import (
	"context"
	"time"
)

// Recommendation is the advice tier derived from a score.
type Recommendation string

const (
	RecommendationLow      Recommendation = "low"
	RecommendationModerate Recommendation = "moderate"
	RecommendationElevated Recommendation = "elevated"
	RecommendationHigh     Recommendation = "high"
)

// Recommendation thresholds. Boundaries are inclusive.
const (
	HighThreshold     = 0.8
	ElevatedThreshold = 0.6
	ModerateThreshold = 0.4
)

// Factor tags.
const (
	FactorLateNight        = "late_night"
	FactorWeekend          = "weekend"
	FactorQuietHoursOff    = "quiet_hours_off"
	FactorHighFrequency    = "high_frequency"
	FactorHighImpulseRatio = "high_impulse_ratio"
	FactorRapidRepeat      = "rapid_repeat"
)

// RiskAssessment is one scored moment.
type RiskAssessment struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	Timestamp      time.Time          `json:"timestamp"`
	Score          float64            `json:"score"`
	Factors        []string           `json:"factors"`
	Weights        map[string]float64 `json:"weights"`
	Recommendation Recommendation     `json:"recommendation"`
}

// Clone returns a deep copy.
func (a *RiskAssessment) Clone() *RiskAssessment {
	if a == nil {
		return nil
	}
	c := *a
	c.Factors = append([]string(nil), a.Factors...)
	c.Weights = make(map[string]float64, len(a.Weights))
	for k, v := range a.Weights {
		c.Weights[k] = v
	}
	return &c
}

// Recommend maps a score onto a recommendation tier.
func Recommend(score float64) Recommendation {
	switch {
	case score >= HighThreshold:
		return RecommendationHigh
	case score >= ElevatedThreshold:
		return RecommendationElevated
	case score >= ModerateThreshold:
		return RecommendationModerate
	default:
		return RecommendationLow
	}
}

// Store persists risk assessments as an audit trail.
type Store interface {
	Record(ctx context.Context, assessment *RiskAssessment) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*RiskAssessment, error)
}
