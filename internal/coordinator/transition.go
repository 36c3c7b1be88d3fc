package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mbd888/quietguard/internal/monitor"
	"github.com/mbd888/quietguard/internal/retry"
)

// hostState is what a failed transition restores.
type hostState struct {
	state    State
	reg      *monitor.Registration
	shielded []string
	active   string
}

// transitionLocked moves to next with the host holding reg and, when next
// is Blocking, shielding reg.Apps. Only what differs is sent to the host, so
// an unchanged target makes no calls. A failure restores the previous
// registration, shield and state.
func (c *Coordinator) transitionLocked(ctx context.Context, next State, reg monitor.Registration, active string) error {
	prev := hostState{
		state:    c.state,
		reg:      cloneRegistration(c.reg),
		shielded: slices.Clone(c.shielded),
		active:   c.active,
	}

	if c.reg == nil || !c.reg.Equal(reg) {
		if op, err := c.programLocked(ctx, reg); err != nil {
			return c.rollbackLocked(ctx, prev, op, err)
		}
	}

	var shield []string
	if next == StateBlocking {
		shield = slices.Clone(reg.Apps)
	}
	if !slices.Equal(c.shielded, shield) {
		if op, err := c.shieldLocked(ctx, shield); err != nil {
			return c.rollbackLocked(ctx, prev, op, err)
		}
	}

	if next != StateTemporarilyUnblocked {
		c.clearGrantLocked(ctx)
	}
	c.setStateLocked(next, active)
	return nil
}

// programLocked replaces the host registration: deregister, settle,
// register. It returns the failing operation.
func (c *Coordinator) programLocked(ctx context.Context, reg monitor.Registration) (string, error) {
	if c.reg != nil {
		if err := c.hostCall(ctx, "deregister", c.host.Deregister); err != nil {
			return "deregister", err
		}
		c.reg = nil
		if err := c.settle(ctx); err != nil {
			return "settle", err
		}
	}
	if err := c.hostCall(ctx, "register", func(ctx context.Context) error {
		return c.host.Register(ctx, reg)
	}); err != nil {
		return "register", err
	}
	r := reg.Clone()
	c.reg = &r
	return "", nil
}

// shieldLocked shields apps, or lifts the shield when apps is empty.
func (c *Coordinator) shieldLocked(ctx context.Context, apps []string) (string, error) {
	if len(apps) == 0 {
		if err := c.hostCall(ctx, "clear_shield", c.host.ClearShield); err != nil {
			return "clear_shield", err
		}
		c.shielded = nil
		return "", nil
	}
	if err := c.hostCall(ctx, "apply_shield", func(ctx context.Context) error {
		return c.host.ApplyShield(ctx, apps)
	}); err != nil {
		return "apply_shield", err
	}
	c.shielded = slices.Clone(apps)
	return "", nil
}

// rollbackLocked restores prev after op failed with cause. If the host
// cannot be restored the coordinator stops, so it never claims to monitor
// without a registration.
func (c *Coordinator) rollbackLocked(ctx context.Context, prev hostState, op string, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var rbErr error
	switch {
	case prev.reg == nil && c.reg != nil:
		if err := c.hostCall(ctx, "deregister", c.host.Deregister); err != nil {
			rbErr = err
		} else {
			c.reg = nil
		}
	case prev.reg != nil && (c.reg == nil || !c.reg.Equal(*prev.reg)):
		if _, err := c.programLocked(ctx, *prev.reg); err != nil {
			rbErr = err
		}
	}
	if rbErr == nil && !slices.Equal(c.shielded, prev.shielded) {
		if _, err := c.shieldLocked(ctx, prev.shielded); err != nil {
			rbErr = err
		}
	}

	if rbErr != nil {
		registrationFailures.WithLabelValues(op, "false").Inc()
		c.logger.Error("transition failed and rollback failed, stopping monitoring",
			"op", op, "error", cause, "rollback_error", rbErr)
		c.forceStopLocked(ctx)
		return &RegistrationError{Op: op, Err: cause, RolledBack: false}
	}

	c.state, c.active = prev.state, prev.active
	registrationFailures.WithLabelValues(op, "true").Inc()
	c.logger.Warn("transition failed, rolled back", "op", op, "state", c.state, "error", cause)
	return &RegistrationError{Op: op, Err: cause, RolledBack: true}
}

// forceStopLocked stops after an unrecoverable host failure.
func (c *Coordinator) forceStopLocked(ctx context.Context) {
	c.cancelTimersLocked()
	if errs := c.teardownLocked(ctx); len(errs) > 0 {
		c.logger.Warn("host teardown incomplete", "error", errors.Join(errs...))
	}
	_ = c.saveLocked(ctx, "monitoring", func(ctx context.Context) error {
		return c.store.SaveMonitoring(ctx, c.userID, false)
	})
}

// teardownLocked lifts the shield, deregisters and moves to Stopped. The
// state changes even when the host calls fail.
func (c *Coordinator) teardownLocked(ctx context.Context) []error {
	var errs []error
	if err := c.hostCall(ctx, "clear_shield", c.host.ClearShield); err != nil {
		errs = append(errs, fmt.Errorf("clear shield: %w", err))
	}
	c.shielded = nil
	if err := c.hostCall(ctx, "deregister", c.host.Deregister); err != nil {
		errs = append(errs, fmt.Errorf("deregister: %w", err))
	}
	c.reg = nil
	c.clearGrantLocked(ctx)
	c.nextRiskAt = time.Time{}
	c.setStateLocked(StateStopped, "")
	return errs
}

// hostCall runs one host operation with a per-attempt timeout and a
// bounded retry. Permission errors are not retried.
func (c *Coordinator) hostCall(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, c.opts.HostAttempts, c.opts.RetryBackoff, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.HostTimeout)
		defer cancel()
		err := fn(callCtx)
		if errors.Is(err, monitor.ErrPermissionDenied) {
			return retry.Permanent(err)
		}
		return err
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	hostCallDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	return err
}

// settle waits between deregister and register so the host can release the
// old registration.
func (c *Coordinator) settle(ctx context.Context) error {
	if c.opts.SettleDelay <= 0 {
		return nil
	}
	t := time.NewTimer(c.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) setStateLocked(next State, active string) {
	if c.state != next {
		transitionsTotal.WithLabelValues(string(c.state), string(next)).Inc()
		c.logger.Info("monitoring state changed", "from", c.state, "state", next, "schedule", active)
	}
	c.state = next
	c.active = active
}

func cloneRegistration(r *monitor.Registration) *monitor.Registration {
	if r == nil {
		return nil
	}
	out := r.Clone()
	return &out
}
