// Package coordinator drives one user's monitoring state machine.
//
// A Coordinator owns the user's schedules, monitored apps, unblock log,
// streak and risk history, and keeps the host activity monitor programmed
// to match them:
//
//	Stopped ──Start──▶ TrackingOnly ◀──boundary──▶ Blocking
//	                                                 │  ▲
//	                                     unblock(n)  ▼  │ re-block timer
//	                                           TemporarilyUnblocked
//
// Every mutation runs under a single mutex, including the host calls it
// makes, so the host only ever sees one transition at a time. Readers use a
// published snapshot and never wait on the host.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/quietguard/internal/alerts"
	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/idgen"
	"github.com/mbd888/quietguard/internal/monitor"
	"github.com/mbd888/quietguard/internal/realtime"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/store"
	"github.com/mbd888/quietguard/internal/streak"
	"github.com/mbd888/quietguard/internal/traces"
)

// State is the monitoring state.
type State string

const (
	StateStopped              State = "stopped"
	StateTrackingOnly         State = "tracking_only"
	StateBlocking             State = "blocking"
	StateTemporarilyUnblocked State = "temporarily_unblocked"
)

// Monitoring reports whether the host holds a registration in this state.
func (s State) Monitoring() bool {
	return s != StateStopped && s != ""
}

// Decision is the response to an app-open callback.
type Decision string

const (
	DecisionPromptUser  Decision = "prompt_user"
	DecisionSilentTrack Decision = "silent_track"
)

// MaxUnblockMinutes caps a single unblock grant.
const MaxUnblockMinutes = 24 * 60

// Defaults.
const (
	DefaultSettleDelay  = 200 * time.Millisecond
	DefaultHostTimeout  = 2 * time.Second
	DefaultHostAttempts = 2
	DefaultRetryBackoff = 50 * time.Millisecond
	DefaultRiskInterval = 15 * time.Minute
	DefaultRiskDebounce = 5 * time.Second
	DefaultReblockRetry = 30 * time.Second
	DefaultAlertTimeout = 5 * time.Second
	DefaultStoreTimeout = 5 * time.Second

	maxSettleDelay  = 200 * time.Millisecond
	riskEventWindow = 24 * time.Hour
)

// Options tunes timing. Zero values take the defaults.
type Options struct {
	// SettleDelay is the pause between deregister and register. Capped at
	// 200ms. Negative disables it.
	SettleDelay time.Duration
	// HostTimeout bounds every individual host call.
	HostTimeout time.Duration
	// HostAttempts is the number of tries per host call, including the first.
	HostAttempts int
	// RetryBackoff is the pause before the retry.
	RetryBackoff time.Duration
	// RiskInterval is the periodic re-assessment interval.
	RiskInterval time.Duration
	// RiskDebounce delays re-assessment after an unblock.
	RiskDebounce time.Duration
	// ReblockRetry is the delay before retrying a failed re-block.
	ReblockRetry time.Duration
	// Location is the zone schedules and streak days are evaluated in.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	switch {
	case o.SettleDelay < 0:
		o.SettleDelay = 0
	case o.SettleDelay == 0:
		o.SettleDelay = DefaultSettleDelay
	case o.SettleDelay > maxSettleDelay:
		o.SettleDelay = maxSettleDelay
	}
	if o.HostTimeout <= 0 {
		o.HostTimeout = DefaultHostTimeout
	}
	if o.HostAttempts <= 0 {
		o.HostAttempts = DefaultHostAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.RiskInterval <= 0 {
		o.RiskInterval = DefaultRiskInterval
	}
	if o.RiskDebounce <= 0 {
		o.RiskDebounce = DefaultRiskDebounce
	}
	if o.ReblockRetry <= 0 {
		o.ReblockRetry = DefaultReblockRetry
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// Publisher streams coordinator events to realtime subscribers.
type Publisher interface {
	Publish(userID string, eventType realtime.EventType, data any)
}

// Deps are the collaborators of one coordinator.
type Deps struct {
	UserID string
	Host   monitor.Host
	Store  store.Store
	Clock  clock.Clock
	// Scorer defaults to one auditing into Store.
	Scorer *risk.Scorer
	// Alerts is optional.
	Alerts *alerts.Dispatcher
	// Publisher is optional.
	Publisher Publisher
	Logger    *slog.Logger
	// OnInvariant receives TimerRaceErrors. Tests fail on it.
	OnInvariant func(error)
	// OnError receives failures of timer-driven work, which has no caller
	// to return them to.
	OnError func(error)
	Options Options
}

// Snapshot is a consistent copy of the coordinator's state.
type Snapshot struct {
	UserID           string                `json:"userId"`
	State            State                 `json:"state"`
	Monitoring       bool                  `json:"monitoring"`
	ActiveScheduleID string                `json:"activeScheduleId,omitempty"`
	Registration     *monitor.Registration `json:"registration,omitempty"`
	Shielded         []string              `json:"shielded,omitempty"`
	UnblockedUntil   *time.Time            `json:"unblockedUntil,omitempty"`
	NextWake         *time.Time            `json:"nextWake,omitempty"`
	Schedules        []schedule.Schedule   `json:"schedules"`
	MonitoredApps    []string              `json:"monitoredApps"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

// Coordinator is one user's monitoring state machine. Safe for concurrent use.
type Coordinator struct {
	userID      string
	host        monitor.Host
	store       store.Store
	clk         clock.Clock
	scorer      *risk.Scorer
	alerts      *alerts.Dispatcher
	pub         Publisher
	logger      *slog.Logger
	onInvariant func(error)
	onError     func(error)
	opts        Options

	mu             sync.Mutex
	state          State
	schedules      []schedule.Schedule
	apps           []string
	reg            *monitor.Registration // what the host holds, nil if nothing
	shielded       []string              // apps the host shields, nil if none
	active         string
	unblockedUntil time.Time
	pendingGrant   time.Time // persisted grant awaiting Start
	nextRiskAt     time.Time
	resume         bool
	closed         bool

	tokens   uint64
	reblock  timerSlot
	wake     timerSlot
	debounce timerSlot

	log     *events.Log
	streak  *streak.Tracker
	history *risk.History

	snap atomic.Pointer[Snapshot]
}

// New creates a stopped coordinator with empty state. Call Load to restore
// persisted state before use.
func New(deps Deps) (*Coordinator, error) {
	if deps.UserID == "" {
		return nil, errors.New("coordinator: user id is required")
	}
	if deps.Host == nil {
		return nil, errors.New("coordinator: host is required")
	}
	if deps.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Scorer == nil {
		deps.Scorer = risk.NewScorer(deps.Store)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	opts := deps.Options.withDefaults()

	c := &Coordinator{
		userID:      deps.UserID,
		host:        deps.Host,
		store:       deps.Store,
		clk:         deps.Clock,
		scorer:      deps.Scorer,
		alerts:      deps.Alerts,
		pub:         deps.Publisher,
		logger:      deps.Logger.With("user", deps.UserID),
		onInvariant: deps.OnInvariant,
		onError:     deps.OnError,
		opts:        opts,
		state:       StateStopped,
		log:         events.NewLog(nil),
		streak:      streak.NewTracker(opts.Location, streak.State{}),
		history:     risk.NewHistory(nil),
	}
	c.publishSnapshotLocked()
	return c, nil
}

// UserID returns the user this coordinator serves.
func (c *Coordinator) UserID() string { return c.userID }

// Load restores persisted state. It must be called before the coordinator
// is started; loading a running coordinator is rejected.
func (c *Coordinator) Load(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "coordinator.Load", traces.UserID(c.userID))
	defer span.End()

	data, err := c.store.Load(ctx, c.userID)
	if err != nil {
		traces.RecordError(span, err)
		return fmt.Errorf("coordinator: load %s: %w", c.userID, err)
	}
	hist, err := c.scorer.Load(ctx, c.userID)
	if err != nil {
		// The risk audit trail only seeds pattern lookups.
		c.logger.Warn("failed to load risk history", "error", err)
		hist = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Monitoring() {
		return errors.New("coordinator: cannot load while monitoring")
	}

	now := c.now()
	c.schedules = schedule.Ordered(data.Schedules)
	c.apps = normalizeApps(data.Apps)
	c.log.Reset(data.Events)
	c.streak.Restore(data.Streak)
	c.history.Reset(hist)
	c.resume = data.Monitoring
	c.pendingGrant = data.UnblockedUntil

	if pruned, changed := schedule.PruneExpired(c.schedules, now); changed {
		c.schedules = pruned
		_ = c.saveLocked(ctx, "schedules", func(ctx context.Context) error {
			return c.store.SaveSchedules(ctx, c.userID, c.schedules)
		})
	}
	if st, changed := c.streak.Reconcile(now); changed {
		_ = c.saveLocked(ctx, "streak", func(ctx context.Context) error {
			return c.store.SaveStreak(ctx, c.userID, st)
		})
	}

	c.logger.Info("coordinator loaded",
		"schedules", len(c.schedules), "apps", len(c.apps),
		"events", c.log.Len(), "resume", c.resume, "pending_unblock", c.pendingGrant)
	c.publishSnapshotLocked()
	return nil
}

// Resume restarts monitoring if it was running when last persisted.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.mu.Lock()
	resume := c.resume
	c.resume = false
	c.mu.Unlock()
	if !resume {
		return nil
	}
	return c.Start(ctx)
}

// Start begins monitoring. It is a no-op when already running. A grant
// persisted by a previous session that has not yet expired is honoured when
// the schedules call for blocking.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "coordinator.Start", traces.UserID(c.userID))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishSnapshotLocked()

	if c.closed {
		return ErrClosed
	}
	if c.state.Monitoring() {
		return nil
	}
	if len(c.apps) == 0 {
		return ErrEmptySelection
	}

	now := c.now()
	prev := c.schedules
	pruned := c.pruneExpiredLocked(now)
	next, reg, active := c.targetLocked(now)
	grant := c.pendingGrant
	restore := next == StateBlocking && grant.After(now)
	if restore {
		next = StateTemporarilyUnblocked
	}
	if err := c.transitionLocked(ctx, next, reg, active); err != nil {
		c.schedules = prev
		traces.RecordError(span, err)
		return err
	}
	c.pendingGrant = time.Time{}
	if pruned {
		_ = c.saveSchedulesLocked(ctx)
	}
	switch {
	case restore:
		c.unblockedUntil = grant
		c.armLocked(&c.reblock, "reblock", grant.Sub(now), c.onReblock)
		c.logger.Info("pending unblock restored", "until", grant)
	case !grant.IsZero():
		_ = c.saveGrantLocked(ctx)
	}
	c.nextRiskAt = now.Add(c.opts.RiskInterval)
	c.armWakeLocked(now)
	span.SetAttributes(traces.State(string(c.state)))

	return c.saveLocked(ctx, "monitoring", func(ctx context.Context) error {
		return c.store.SaveMonitoring(ctx, c.userID, true)
	})
}

// Stop ends monitoring from any state. Timers are cancelled before Stop
// returns. Host errors are returned, but the coordinator is stopped
// regardless.
func (c *Coordinator) Stop(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "coordinator.Stop", traces.UserID(c.userID))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishSnapshotLocked()

	c.cancelTimersLocked()
	if !c.state.Monitoring() {
		return nil
	}

	errs := c.teardownLocked(ctx)
	if err := c.saveLocked(ctx, "monitoring", func(ctx context.Context) error {
		return c.store.SaveMonitoring(ctx, c.userID, false)
	}); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	traces.RecordError(span, err)
	return err
}

// Close detaches the coordinator for shutdown: timers are cancelled and
// further mutations fail with ErrClosed. The host keeps its registration
// and the persisted monitoring flag is untouched, so a restart resumes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimersLocked()
	c.closed = true
}

// ConfigureSchedules replaces the schedule set. An identical set is a
// no-op. While monitoring the host is reconciled first; if that fails the
// previous set is kept.
func (c *Coordinator) ConfigureSchedules(ctx context.Context, schedules []schedule.Schedule) error {
	if err := schedule.ValidateSet(schedules); err != nil {
		return err
	}
	ordered := schedule.Ordered(schedules)

	ctx, span := traces.StartSpan(ctx, "coordinator.ConfigureSchedules", traces.UserID(c.userID))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishSnapshotLocked()

	if c.closed {
		return ErrClosed
	}
	if schedule.SameSet(c.schedules, ordered) {
		return nil
	}

	prev := c.schedules
	c.schedules = ordered
	if c.state.Monitoring() {
		// Nothing is persisted until the host accepts the new set.
		now := c.now()
		c.pruneExpiredLocked(now)
		next, reg, active := c.targetLocked(now)
		if err := c.transitionLocked(ctx, next, reg, active); err != nil {
			c.schedules = prev
			if c.state.Monitoring() {
				c.armWakeLocked(now)
			}
			traces.RecordError(span, err)
			return err
		}
		c.armWakeLocked(now)
	}
	return c.saveSchedulesLocked(ctx)
}

// ConfigureMonitoredApps replaces the monitored app selection. Duplicates
// and blanks are dropped; order is kept. An empty selection is rejected
// while monitoring.
func (c *Coordinator) ConfigureMonitoredApps(ctx context.Context, apps []string) error {
	apps = normalizeApps(apps)

	ctx, span := traces.StartSpan(ctx, "coordinator.ConfigureMonitoredApps", traces.UserID(c.userID))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishSnapshotLocked()

	if c.closed {
		return ErrClosed
	}
	if slices.Equal(c.apps, apps) {
		return nil
	}
	if len(apps) == 0 && c.state.Monitoring() {
		return ErrEmptySelection
	}

	prev := c.apps
	c.apps = apps
	if c.state.Monitoring() {
		if err := c.reconcileLocked(ctx, c.now()); err != nil {
			c.apps = prev
			traces.RecordError(span, err)
			return err
		}
	}
	return c.saveLocked(ctx, "apps", func(ctx context.Context) error {
		return c.store.SaveApps(ctx, c.userID, c.apps)
	})
}

// TemporarilyUnblock lifts the shield for minutes. It is valid while
// blocking, or while already unblocked, in which case the new grant
// replaces the pending one. The event is durably logged before the shield
// is lifted; if the log write fails nothing is unblocked. If the shield
// cannot be lifted the logged event is removed again.
func (c *Coordinator) TemporarilyUnblock(ctx context.Context, minutes int, meta events.UnblockMetadata) (events.UnblockEvent, error) {
	if minutes < 1 || minutes > MaxUnblockMinutes {
		return events.UnblockEvent{}, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes)
	}
	if meta.PurchaseType == "" {
		meta.PurchaseType = events.PurchaseNone
	}
	if !meta.PurchaseType.Valid() {
		return events.UnblockEvent{}, fmt.Errorf("%w: %q", events.ErrInvalidPurchaseType, meta.PurchaseType)
	}

	ctx, span := traces.StartSpan(ctx, "coordinator.TemporarilyUnblock",
		traces.UserID(c.userID), traces.Minutes(minutes))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishSnapshotLocked()

	if c.closed {
		return events.UnblockEvent{}, ErrClosed
	}
	switch c.state {
	case StateBlocking, StateTemporarilyUnblocked:
	case StateStopped:
		return events.UnblockEvent{}, ErrNotMonitoring
	default:
		return events.UnblockEvent{}, ErrNotBlocking
	}

	now := c.now()
	ev := events.UnblockEvent{
		ID:              idgen.WithPrefix("unb_"),
		UserID:          c.userID,
		Timestamp:       now,
		PurchaseType:    meta.PurchaseType,
		Tag:             meta.Tag,
		AppIndex:        meta.AppIndex,
		MonitoredCount:  len(c.apps),
		DurationMinutes: minutes,
	}
	if err := c.withStoreTimeout(ctx, func(ctx context.Context) error {
		return c.store.AppendEvent(ctx, ev)
	}); err != nil {
		persistenceFailures.WithLabelValues("unblock_event").Inc()
		perr := &PersistenceError{Entity: "unblock_event", Err: err}
		traces.RecordError(span, perr)
		return events.UnblockEvent{}, perr
	}
	c.log.Append(ev)

	if c.state == StateBlocking {
		if err := c.transitionLocked(ctx, StateTemporarilyUnblocked, c.reg.Clone(), c.active); err != nil {
			c.revokeEventLocked(ctx, ev)
			traces.RecordError(span, err)
			return events.UnblockEvent{}, err
		}
	}

	c.unblockedUntil = now.Add(time.Duration(minutes) * time.Minute)
	c.armLocked(&c.reblock, "reblock", c.unblockedUntil.Sub(now), c.onReblock)
	c.armLocked(&c.debounce, "risk_debounce", c.opts.RiskDebounce, c.onDebounce)
	_ = c.saveGrantLocked(ctx)

	st := c.streak.RecordUnblock(now)
	_ = c.saveLocked(ctx, "streak", func(ctx context.Context) error {
		return c.store.SaveStreak(ctx, c.userID, st)
	})

	unblocksTotal.WithLabelValues(string(ev.PurchaseType)).Inc()
	c.logger.Info("temporarily unblocked", "minutes", minutes,
		"purchase_type", ev.PurchaseType, "until", c.unblockedUntil)
	c.publish(realtime.EventUnblock, ev)
	return ev, nil
}

// OnAppOpened is the host's callback for a launch of appID. It never
// unblocks anything.
func (c *Coordinator) OnAppOpened(ctx context.Context, appID string) Decision {
	_, span := traces.StartSpan(ctx, "coordinator.OnAppOpened", traces.UserID(c.userID), traces.AppID(appID))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	decision := DecisionSilentTrack
	if c.state == StateBlocking && slices.Contains(c.apps, appID) {
		decision = DecisionPromptUser
	}
	appOpensTotal.WithLabelValues(string(decision)).Inc()
	c.logger.Debug("app opened", "app", appID, "state", c.state, "decision", decision)
	c.publish(realtime.EventAppOpened, map[string]any{"appId": appID, "decision": decision})
	return decision
}

// RecordProtection counts a prompt the user resisted toward the streak.
func (c *Coordinator) RecordProtection(ctx context.Context) (streak.State, error) {
	ctx, span := traces.StartSpan(ctx, "coordinator.RecordProtection", traces.UserID(c.userID))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.streak.RecordProtection(c.now())
	c.publish(realtime.EventStreak, st)
	err := c.saveLocked(ctx, "streak", func(ctx context.Context) error {
		return c.store.SaveStreak(ctx, c.userID, st)
	})
	traces.RecordError(span, err)
	return st, err
}

// State returns the current snapshot.
func (c *Coordinator) State() Snapshot {
	return *c.snap.Load()
}

// IsMonitoring reports whether the host holds a registration.
func (c *Coordinator) IsMonitoring() bool {
	return c.snap.Load().Monitoring
}

// Schedules returns the configured schedules in evaluation order.
func (c *Coordinator) Schedules() []schedule.Schedule {
	return slices.Clone(c.snap.Load().Schedules)
}

// MonitoredApps returns the monitored app selection.
func (c *Coordinator) MonitoredApps() []string {
	return slices.Clone(c.snap.Load().MonitoredApps)
}

// Events returns the unblock log, oldest first.
func (c *Coordinator) Events() []events.UnblockEvent {
	return c.log.All()
}

// Streak returns the streak counters, lapsed streaks reset.
func (c *Coordinator) Streak() streak.State {
	st, _ := c.streak.Reconcile(c.now())
	return st
}

// CurrentRisk scores this moment and adds it to the history. It does not
// alert; periodic and post-unblock assessments do.
func (c *Coordinator) CurrentRisk(ctx context.Context) *risk.RiskAssessment {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.scoreLocked(c.now())
	c.recordAssessmentLocked(ctx, a)
	return a.Clone()
}

// RiskHistory returns the retained assessments, oldest first.
func (c *Coordinator) RiskHistory() []*risk.RiskAssessment {
	return c.history.All()
}

// RiskPattern returns the mean historical score for an hour and ISO weekday.
func (c *Coordinator) RiskPattern(hour, isoWeekday int) float64 {
	return c.history.Pattern(hour, isoWeekday)
}

func (c *Coordinator) now() time.Time {
	return c.clk.Now().In(c.opts.Location)
}

// targetLocked computes the state and registration the schedules call for
// at now. A pending grant keeps the user unblocked.
func (c *Coordinator) targetLocked(now time.Time) (State, monitor.Registration, string) {
	apps := slices.Clone(c.apps)
	next := StateTrackingOnly
	reg := monitor.Registration{Apps: apps}
	active := ""
	if s, ok := schedule.ActiveSchedule(c.schedules, now); ok {
		next = StateBlocking
		reg.Window = &s
		active = s.ID
	}
	if c.state == StateTemporarilyUnblocked && !c.unblockedUntil.IsZero() && now.Before(c.unblockedUntil) {
		next = StateTemporarilyUnblocked
	}
	return next, reg, active
}

// reconcileLocked moves the host to what the schedules call for at now.
// Lapsed temporary schedules are dropped, and persisted only once the
// transition succeeds.
func (c *Coordinator) reconcileLocked(ctx context.Context, now time.Time) error {
	prev := c.schedules
	pruned := c.pruneExpiredLocked(now)
	next, reg, active := c.targetLocked(now)
	if err := c.transitionLocked(ctx, next, reg, active); err != nil {
		c.schedules = prev
		return err
	}
	if pruned {
		_ = c.saveSchedulesLocked(ctx)
	}
	return nil
}

// pruneExpiredLocked drops lapsed temporary schedules in memory.
func (c *Coordinator) pruneExpiredLocked(now time.Time) bool {
	pruned, changed := schedule.PruneExpired(c.schedules, now)
	if !changed {
		return false
	}
	c.schedules = pruned
	c.logger.Info("expired temporary schedules removed", "remaining", len(pruned))
	return true
}

func (c *Coordinator) saveSchedulesLocked(ctx context.Context) error {
	return c.saveLocked(ctx, "schedules", func(ctx context.Context) error {
		return c.store.SaveSchedules(ctx, c.userID, c.schedules)
	})
}

// saveGrantLocked persists the pending grant's expiry, zero when none.
func (c *Coordinator) saveGrantLocked(ctx context.Context) error {
	until := c.unblockedUntil
	return c.saveLocked(ctx, "unblocked_until", func(ctx context.Context) error {
		return c.store.SaveUnblockedUntil(ctx, c.userID, until)
	})
}

// clearGrantLocked ends a pending grant.
func (c *Coordinator) clearGrantLocked(ctx context.Context) {
	c.reblock.cancel()
	if c.unblockedUntil.IsZero() {
		return
	}
	c.unblockedUntil = time.Time{}
	_ = c.saveGrantLocked(ctx)
}

// revokeEventLocked removes an unblock event whose grant never took
// effect, so it does not count toward risk.
func (c *Coordinator) revokeEventLocked(ctx context.Context, ev events.UnblockEvent) {
	c.log.Remove(ev.ID)
	if err := c.saveLocked(ctx, "unblock_event", func(ctx context.Context) error {
		return c.store.DeleteEvent(ctx, c.userID, ev.ID)
	}); err != nil {
		c.logger.Warn("unblock event for failed grant left in store", "event", ev.ID)
	}
}

func (c *Coordinator) scoreLocked(now time.Time) *risk.RiskAssessment {
	return c.scorer.Assess(c.userID, now, c.log.Recent(now, riskEventWindow),
		schedule.AnyActive(c.schedules, now))
}

func (c *Coordinator) recordAssessmentLocked(ctx context.Context, a *risk.RiskAssessment) {
	c.history.Add(a)
	riskScores.Observe(a.Score)
	if err := c.withStoreTimeout(ctx, func(ctx context.Context) error {
		return c.scorer.Record(ctx, a)
	}); err != nil {
		c.logger.Warn("failed to record risk assessment", "error", err)
	}
	c.publish(realtime.EventRisk, a)
}

// assessLocked scores now, records it and offers it to the alert dispatcher.
func (c *Coordinator) assessLocked(ctx context.Context, now time.Time) {
	a := c.scoreLocked(now)
	c.recordAssessmentLocked(ctx, a)
	if c.alerts == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, DefaultAlertTimeout)
	defer cancel()
	if _, err := c.alerts.MaybeAlert(actx, a); err != nil {
		c.reportError(err)
	}
}

// saveLocked runs a store write with a bounded timeout, wrapping failures
// in a PersistenceError.
func (c *Coordinator) saveLocked(ctx context.Context, entity string, fn func(context.Context) error) error {
	if err := c.withStoreTimeout(ctx, fn); err != nil {
		persistenceFailures.WithLabelValues(entity).Inc()
		c.logger.Error("failed to persist", "entity", entity, "error", err)
		return &PersistenceError{Entity: entity, Err: err}
	}
	return nil
}

func (c *Coordinator) withStoreTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStoreTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Coordinator) publish(eventType realtime.EventType, data any) {
	if c.pub != nil {
		c.pub.Publish(c.userID, eventType, data)
	}
}

func (c *Coordinator) reportError(err error) {
	if err == nil {
		return
	}
	c.logger.Error("coordinator background failure", "state", c.state, "error", err)
	if c.onError != nil {
		c.onError(err)
	}
}

// publishSnapshotLocked refreshes the reader snapshot and announces state
// changes.
func (c *Coordinator) publishSnapshotLocked() {
	s := &Snapshot{
		UserID:           c.userID,
		State:            c.state,
		Monitoring:       c.state.Monitoring(),
		ActiveScheduleID: c.active,
		Shielded:         slices.Clone(c.shielded),
		Schedules:        slices.Clone(c.schedules),
		MonitoredApps:    slices.Clone(c.apps),
		UpdatedAt:        c.clk.Now(),
	}
	if c.reg != nil {
		r := c.reg.Clone()
		s.Registration = &r
	}
	if !c.unblockedUntil.IsZero() {
		t := c.unblockedUntil
		s.UnblockedUntil = &t
	}
	if !c.wake.at.IsZero() {
		t := c.wake.at
		s.NextWake = &t
	}
	prev := c.snap.Swap(s)
	if prev != nil && prev.State != s.State {
		c.publish(realtime.EventStateChanged, map[string]any{"from": prev.State, "to": s.State})
	}
}

// normalizeApps drops blanks and duplicates, keeping first occurrences.
func normalizeApps(apps []string) []string {
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		if a == "" || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}
