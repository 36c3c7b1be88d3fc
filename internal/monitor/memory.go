package monitor

import (
	"context"
	"slices"
	"sync"
)

// Call names used by MemoryHost failure injection and counters.
const (
	CallRegister    = "register"
	CallDeregister  = "deregister"
	CallApplyShield = "apply_shield"
	CallClearShield = "clear_shield"
)

// MemoryHost is an in-process Host for development and tests. It records
// every call and can be told to fail or hang.
type MemoryHost struct {
	mu       sync.Mutex
	current  *Registration
	shielded []string
	calls    map[string]int
	failures map[string][]error
	failFn   func(call string, reg *Registration) error
	hang     map[string]int
	history  []Registration
}

// NewMemoryHost creates an empty host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		hang:     make(map[string]int),
	}
}

// FailNext makes the next calls of the named kind return errs, one per call.
func (h *MemoryHost) FailNext(call string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[call] = append(h.failures[call], errs...)
}

// FailWhen installs a predicate consulted on every call. A non-nil result is
// returned as the call's error.
func (h *MemoryHost) FailWhen(fn func(call string, reg *Registration) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failFn = fn
}

// HangNext makes the next n calls of the named kind block until their
// context is done.
func (h *MemoryHost) HangNext(call string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hang[call] += n
}

// Calls returns how many times the named call was made, including failures.
func (h *MemoryHost) Calls(call string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[call]
}

// Current returns the active registration.
func (h *MemoryHost) Current() (Registration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return Registration{}, false
	}
	return h.current.Clone(), true
}

// Shielded returns the currently shielded apps.
func (h *MemoryHost) Shielded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.shielded)
}

// History returns every successful registration in order.
func (h *MemoryHost) History() []Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Registration, len(h.history))
	for i, r := range h.history {
		out[i] = r.Clone()
	}
	return out
}

func (h *MemoryHost) Register(ctx context.Context, reg Registration) error {
	if err := h.enter(ctx, CallRegister, &reg); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r := reg.Clone()
	h.current = &r
	h.history = append(h.history, r.Clone())
	return nil
}

func (h *MemoryHost) Deregister(ctx context.Context) error {
	if err := h.enter(ctx, CallDeregister, nil); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = nil
	return nil
}

func (h *MemoryHost) ApplyShield(ctx context.Context, apps []string) error {
	if err := h.enter(ctx, CallApplyShield, nil); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shielded = slices.Clone(apps)
	return nil
}

func (h *MemoryHost) ClearShield(ctx context.Context) error {
	if err := h.enter(ctx, CallClearShield, nil); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shielded = nil
	return nil
}

// enter counts the call and applies any injected hang or failure.
func (h *MemoryHost) enter(ctx context.Context, call string, reg *Registration) error {
	h.mu.Lock()
	h.calls[call]++
	hang := h.hang[call] > 0
	if hang {
		h.hang[call]--
	}
	var err error
	if q := h.failures[call]; len(q) > 0 {
		err, h.failures[call] = q[0], q[1:]
	}
	fn := h.failFn
	h.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if fn != nil {
		if err := fn(call, reg); err != nil {
			return err
		}
	}
	return ctx.Err()
}
