package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePurchaseType(t *testing.T) {
	p, err := ParsePurchaseType("")
	require.NoError(t, err)
	assert.Equal(t, PurchaseNone, p)

	p, err = ParsePurchaseType("impulse")
	require.NoError(t, err)
	assert.Equal(t, PurchaseImpulse, p)

	_, err = ParsePurchaseType("splurge")
	assert.ErrorIs(t, err, ErrInvalidPurchaseType)
}

func TestSinceAndImpulseRatio(t *testing.T) {
	now := time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)
	evs := []UnblockEvent{
		{ID: "1", Timestamp: now.Add(-25 * time.Hour), PurchaseType: PurchaseImpulse},
		{ID: "2", Timestamp: now.Add(-2 * time.Hour), PurchaseType: PurchasePlanned},
		{ID: "3", Timestamp: now.Add(-30 * time.Minute), PurchaseType: PurchaseImpulse},
		{ID: "4", Timestamp: now, PurchaseType: PurchaseImpulse},
		{ID: "5", Timestamp: now.Add(time.Minute), PurchaseType: PurchaseImpulse},
	}

	day := Since(evs, now, 24*time.Hour)
	require.Len(t, day, 3)
	assert.InDelta(t, 2.0/3.0, ImpulseRatio(day), 1e-9)

	hour := Since(evs, now, time.Hour)
	assert.Len(t, hour, 2)

	assert.Zero(t, ImpulseRatio(nil))
}

func TestLogIsAppendOnlyCopy(t *testing.T) {
	now := time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)
	l := NewLog([]UnblockEvent{
		{ID: "b", Timestamp: now},
		{ID: "a", Timestamp: now.Add(-time.Hour)},
	})
	l.Append(UnblockEvent{ID: "c", Timestamp: now.Add(time.Minute)})

	all := l.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	all[0].ID = "mutated"
	assert.Equal(t, "a", l.All()[0].ID)
	assert.Equal(t, 3, l.Len())
	assert.Len(t, l.Recent(now.Add(time.Minute), 90*time.Second), 2)
}

func TestLogResetAndRemove(t *testing.T) {
	at := time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)
	l := NewLog([]UnblockEvent{{ID: "old", Timestamp: at}})

	l.Reset([]UnblockEvent{
		{ID: "b", Timestamp: at.Add(2 * time.Minute)},
		{ID: "a", Timestamp: at.Add(time.Minute)},
	})
	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	assert.True(t, l.Remove("a"))
	assert.False(t, l.Remove("a"))
	require.Equal(t, 1, l.Len())
	assert.Equal(t, "b", l.All()[0].ID)
}
