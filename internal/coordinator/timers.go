package coordinator

import (
	"context"
	"time"

	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/traces"
)

// timerSlot holds one armed timer and the token its callback must present.
type timerSlot struct {
	timer clock.Timer
	token uint64
	at    time.Time
}

func (s *timerSlot) cancel() {
	if s.timer != nil {
		s.timer.Stop()
	}
	*s = timerSlot{}
}

// armLocked replaces whatever slot holds with a timer firing fn after d.
func (c *Coordinator) armLocked(slot *timerSlot, name string, d time.Duration, fn func(context.Context, time.Time)) {
	slot.cancel()
	if d < 0 {
		d = 0
	}
	c.tokens++
	token := c.tokens
	slot.token = token
	slot.at = c.clk.Now().Add(d)
	slot.timer = c.clk.AfterFunc(d, func() { c.fire(slot, name, token, fn) })
}

func (c *Coordinator) cancelTimersLocked() {
	c.reblock.cancel()
	c.wake.cancel()
	c.debounce.cancel()
}

// fire runs a timer callback. A stale token means the timer was cancelled
// or re-armed after it started firing; the callback is dropped.
func (c *Coordinator) fire(slot *timerSlot, name string, token uint64, fn func(context.Context, time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("timer callback panicked", "timer", name, "panic", r)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if slot.token != token {
		return
	}
	*slot = timerSlot{}

	if !c.state.Monitoring() {
		err := &TimerRaceError{Timer: name, Token: token}
		timerRaces.Inc()
		c.logger.Error("timer fired while stopped", "timer", name, "error", err)
		if c.onInvariant != nil {
			c.onInvariant(err)
		}
		return
	}

	ctx, span := traces.StartSpan(context.Background(), "coordinator.timer."+name, traces.UserID(c.userID))
	defer span.End()
	fn(ctx, c.now())
	c.publishSnapshotLocked()
}

// armWakeLocked aims the wake timer at the earliest of the next schedule
// boundary, the next periodic risk assessment and the next temporary
// schedule expiry.
func (c *Coordinator) armWakeLocked(now time.Time) {
	next := c.nextRiskAt
	if b, ok := schedule.NextBoundary(c.schedules, now); ok && (next.IsZero() || b.Before(next)) {
		next = b
	}
	if e, ok := schedule.NextExpiry(c.schedules); ok && e.After(now) && (next.IsZero() || e.Before(next)) {
		next = e
	}
	if next.IsZero() {
		c.wake.cancel()
		return
	}
	c.armLocked(&c.wake, "wake", next.Sub(now), c.onWake)
}

func (c *Coordinator) onWake(ctx context.Context, now time.Time) {
	if err := c.reconcileLocked(ctx, now); err != nil {
		c.reportError(err)
		if c.state.Monitoring() {
			c.armLocked(&c.wake, "wake", c.opts.ReblockRetry, c.onWake)
		}
		return
	}

	if !c.nextRiskAt.IsZero() && !now.Before(c.nextRiskAt) {
		c.assessLocked(ctx, now)
		c.nextRiskAt = now.Add(c.opts.RiskInterval)
	}
	if st, changed := c.streak.Reconcile(now); changed {
		_ = c.saveLocked(ctx, "streak", func(ctx context.Context) error {
			return c.store.SaveStreak(ctx, c.userID, st)
		})
	}
	c.armWakeLocked(now)
}

// onReblock ends a temporary unblock. The grant has lapsed by now, so the
// target is never TemporarilyUnblocked. A failed re-block stays unblocked
// and retries shortly.
func (c *Coordinator) onReblock(ctx context.Context, now time.Time) {
	if err := c.reconcileLocked(ctx, now); err != nil {
		reblockFailures.Inc()
		c.reportError(err)
		if !c.state.Monitoring() {
			return
		}
		c.unblockedUntil = now
		c.armLocked(&c.reblock, "reblock", c.opts.ReblockRetry, c.onReblock)
		return
	}
	c.logger.Info("temporary unblock ended", "state", c.state)
	c.armWakeLocked(now)
}

func (c *Coordinator) onDebounce(ctx context.Context, now time.Time) {
	c.assessLocked(ctx, now)
}
