package risk

import (
	"sync"
	"time"
)

// HistorySize is the number of assessments kept in a History.
const HistorySize = 100

// neutralPattern is returned by Pattern when no sample matches.
const neutralPattern = 0.5

// History is a fixed-size ring buffer of assessments, oldest overwritten
// first. Safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	buf   [HistorySize]*RiskAssessment
	next  int
	count int
}

// NewHistory creates a history seeded with assessments ordered oldest first.
// Only the newest HistorySize are kept.
func NewHistory(seed []*RiskAssessment) *History {
	h := &History{}
	h.Reset(seed)
	return h
}

// Reset discards the stored assessments and reseeds from seed, oldest first.
func (h *History) Reset(seed []*RiskAssessment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = [HistorySize]*RiskAssessment{}
	h.next, h.count = 0, 0
	for _, a := range seed {
		h.addLocked(a)
	}
}

// Add appends an assessment, evicting the oldest when full.
func (h *History) Add(a *RiskAssessment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(a)
}

func (h *History) addLocked(a *RiskAssessment) {
	h.buf[h.next] = a.Clone()
	h.next = (h.next + 1) % HistorySize
	if h.count < HistorySize {
		h.count++
	}
}

// Len returns the number of stored assessments.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// All returns copies of the stored assessments, oldest first.
func (h *History) All() []*RiskAssessment {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*RiskAssessment, 0, h.count)
	start := (h.next - h.count + HistorySize) % HistorySize
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%HistorySize].Clone())
	}
	return out
}

// Latest returns the newest assessment, or nil when empty.
func (h *History) Latest() *RiskAssessment {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return nil
	}
	return h.buf[(h.next-1+HistorySize)%HistorySize].Clone()
}

// Pattern returns the mean score of stored assessments taken at the given
// hour (0-23) on the given ISO weekday (Monday=1 … Sunday=7). With no
// matching sample it returns 0.5.
func (h *History) Pattern(hour, isoWeekday int) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var sum float64
	n := 0
	for i := 0; i < h.count; i++ {
		a := h.buf[i]
		if a.Timestamp.Hour() != hour || isoDay(a.Timestamp) != isoWeekday {
			continue
		}
		sum += a.Score
		n++
	}
	if n == 0 {
		return neutralPattern
	}
	return sum / float64(n)
}

func isoDay(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}
