package session

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/quietguard/internal/coordinator"
	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/logging"
	"github.com/mbd888/quietguard/internal/monitor"
	"github.com/mbd888/quietguard/internal/pagination"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/validation"
)

const maxTagLength = 64

// Handler exposes each user's coordinator over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler creates a handler backed by manager.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts the per-user API under r, which should already be
// scoped to /users/:userID.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/schedules", h.GetSchedules)
	r.PUT("/schedules", h.PutSchedules)
	r.GET("/schedules/evaluate", h.EvaluateSchedules)
	r.GET("/apps", h.GetApps)
	r.PUT("/apps", h.PutApps)
	r.GET("/monitoring", h.GetMonitoring)
	r.POST("/monitoring/start", h.StartMonitoring)
	r.POST("/monitoring/stop", h.StopMonitoring)
	r.POST("/monitoring/unblock", h.Unblock)
	r.POST("/monitoring/protect", h.RecordProtection)
	r.GET("/risk", h.GetRisk)
	r.GET("/risk/history", h.GetRiskHistory)
	r.GET("/risk/pattern", h.GetRiskPattern)
	r.GET("/streak", h.GetStreak)
	r.GET("/events", h.ListEvents)
}

// RegisterHostRoutes mounts the host callbacks. Callers add signature
// verification in front.
func (h *Handler) RegisterHostRoutes(r *gin.RouterGroup) {
	r.POST("/apps/:appID/opened", h.AppOpened)
}

// coordinator resolves the :userID coordinator, writing the error response
// itself when that fails.
func (h *Handler) coordinator(c *gin.Context) (*coordinator.Coordinator, bool) {
	userID := c.Param("userID")
	c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
	co, err := h.manager.Get(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return co, true
}

// GetSchedules handles GET /v1/users/:userID/schedules
func (h *Handler) GetSchedules(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": co.Schedules()})
}

// SchedulesRequest replaces the schedule set.
type SchedulesRequest struct {
	Schedules []schedule.Schedule `json:"schedules"`
}

// PutSchedules handles PUT /v1/users/:userID/schedules
func (h *Handler) PutSchedules(c *gin.Context) {
	var req SchedulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, err)
		return
	}
	var checks []func() *validation.ValidationError
	for i := range req.Schedules {
		s := &req.Schedules[i]
		s.Name = validation.SanitizeString(s.Name, validation.MaxIDLength)
		checks = append(checks, validation.MaxLength("schedules.id", s.ID, validation.MaxIDLength))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	stampCreatedAt(req.Schedules, co.Schedules(), h.manager.Now())
	if err := co.ConfigureSchedules(c.Request.Context(), req.Schedules); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": co.Schedules(), "monitoring": co.State()})
}

// stampCreatedAt fills missing creation times. A schedule that already
// exists keeps its stored time, so resending the same set changes nothing;
// only new schedules get now.
func stampCreatedAt(incoming, existing []schedule.Schedule, now time.Time) {
	created := make(map[string]time.Time, len(existing))
	for _, s := range existing {
		created[s.ID] = s.CreatedAt
	}
	for i := range incoming {
		if !incoming[i].CreatedAt.IsZero() {
			continue
		}
		if t, ok := created[incoming[i].ID]; ok && !t.IsZero() {
			incoming[i].CreatedAt = t
			continue
		}
		incoming[i].CreatedAt = now
	}
}

// EvaluateSchedules handles GET /v1/users/:userID/schedules/evaluate?at=RFC3339
func (h *Handler) EvaluateSchedules(c *gin.Context) {
	at := h.manager.Now()
	if raw := c.Query("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_time",
				"message": "at must be an RFC3339 timestamp",
			})
			return
		}
		at = t.In(at.Location())
	}

	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	schedules := co.Schedules()
	resp := gin.H{"at": at, "active": false}
	if s, ok := schedule.ActiveSchedule(schedules, at); ok {
		resp["active"] = true
		resp["schedule"] = s
	}
	if next, ok := schedule.NextBoundary(schedules, at); ok {
		resp["nextBoundary"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetApps handles GET /v1/users/:userID/apps
func (h *Handler) GetApps(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": co.MonitoredApps()})
}

// AppsRequest replaces the monitored app selection.
type AppsRequest struct {
	Apps []string `json:"apps"`
}

// PutApps handles PUT /v1/users/:userID/apps
func (h *Handler) PutApps(c *gin.Context) {
	var req AppsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, err)
		return
	}
	for _, app := range req.Apps {
		if app != "" && !validation.IsValidID(app) {
			validationFailed(c, validation.ValidationErrors{{Field: "apps", Message: "invalid app id " + strconv.Quote(app)}})
			return
		}
	}

	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	if err := co.ConfigureMonitoredApps(c.Request.Context(), req.Apps); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": co.MonitoredApps()})
}

// GetMonitoring handles GET /v1/users/:userID/monitoring
func (h *Handler) GetMonitoring(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitoring": co.State()})
}

// StartMonitoring handles POST /v1/users/:userID/monitoring/start
func (h *Handler) StartMonitoring(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	if err := co.Start(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitoring": co.State()})
}

// StopMonitoring handles POST /v1/users/:userID/monitoring/stop. The
// coordinator is stopped even when host teardown reports errors; those
// are logged and surfaced as a warning.
func (h *Handler) StopMonitoring(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	resp := gin.H{}
	if err := co.Stop(c.Request.Context()); err != nil {
		if errors.Is(err, coordinator.ErrClosed) {
			respondError(c, err)
			return
		}
		logging.L(c.Request.Context()).Warn("stop completed with host errors", "error", err)
		resp["warning"] = err.Error()
	}
	resp["monitoring"] = co.State()
	c.JSON(http.StatusOK, resp)
}

// UnblockRequest asks for a temporary unblock.
type UnblockRequest struct {
	Minutes      int    `json:"minutes"`
	PurchaseType string `json:"purchaseType"`
	Tag          string `json:"tag"`
	AppIndex     int    `json:"appIndex"`
}

// Unblock handles POST /v1/users/:userID/monitoring/unblock
func (h *Handler) Unblock(c *gin.Context) {
	var req UnblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, err)
		return
	}
	req.Tag = validation.SanitizeString(req.Tag, 1<<10)
	if errs := validation.Validate(
		validation.IntRange("minutes", req.Minutes, 1, coordinator.MaxUnblockMinutes),
		validation.OneOf("purchaseType", req.PurchaseType,
			string(events.PurchasePlanned), string(events.PurchaseImpulse), string(events.PurchaseNone)),
		validation.MaxLength("tag", req.Tag, maxTagLength),
		validation.IntRange("appIndex", req.AppIndex, 0, 1<<16),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	ev, err := co.TemporarilyUnblock(c.Request.Context(), req.Minutes, events.UnblockMetadata{
		PurchaseType: events.PurchaseType(req.PurchaseType),
		Tag:          req.Tag,
		AppIndex:     req.AppIndex,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev, "monitoring": co.State()})
}

// RecordProtection handles POST /v1/users/:userID/monitoring/protect
func (h *Handler) RecordProtection(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	st, err := co.RecordProtection(c.Request.Context())
	if err != nil {
		// The streak advanced in memory; only the save failed.
		logging.L(c.Request.Context()).Warn("streak not persisted", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"streak": st})
}

// AppOpened handles POST /v1/users/:userID/apps/:appID/opened, the host's
// launch callback.
func (h *Handler) AppOpened(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	decision := co.OnAppOpened(c.Request.Context(), c.Param("appID"))
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// GetRisk handles GET /v1/users/:userID/risk
func (h *Handler) GetRisk(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": co.CurrentRisk(c.Request.Context())})
}

// GetRiskHistory handles GET /v1/users/:userID/risk/history?limit=&cursor=
// Newest assessments come first.
func (h *Handler) GetRiskHistory(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	history := co.RiskHistory()
	slices.Reverse(history)
	page, next, err := pagination.Page(history, c.Query("cursor"), queryInt(c, "limit"),
		func(a *risk.RiskAssessment) (time.Time, string) { return a.Timestamp, a.ID })
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": page, "nextCursor": next})
}

// GetRiskPattern handles GET /v1/users/:userID/risk/pattern?hour=&day=
// day is the ISO weekday and defaults, with hour, to now.
func (h *Handler) GetRiskPattern(c *gin.Context) {
	now := h.manager.Now()
	hour, day := now.Hour(), schedule.ISOWeekday(now)
	var err error
	if raw := c.Query("hour"); raw != "" {
		if hour, err = strconv.Atoi(raw); err != nil {
			hour = -1
		}
	}
	if raw := c.Query("day"); raw != "" {
		if day, err = strconv.Atoi(raw); err != nil {
			day = -1
		}
	}
	if errs := validation.Validate(
		validation.IntRange("hour", hour, 0, 23),
		validation.IntRange("day", day, 1, 7),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"hour": hour, "day": day, "score": co.RiskPattern(hour, day)})
}

// GetStreak handles GET /v1/users/:userID/streak
func (h *Handler) GetStreak(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"streak": co.Streak()})
}

// ListEvents handles GET /v1/users/:userID/events?limit=&cursor=
// The unblock log is returned oldest first.
func (h *Handler) ListEvents(c *gin.Context) {
	co, ok := h.coordinator(c)
	if !ok {
		return
	}
	page, next, err := pagination.Page(co.Events(), c.Query("cursor"), queryInt(c, "limit"),
		func(e events.UnblockEvent) (time.Time, string) { return e.Timestamp, e.ID })
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": page, "nextCursor": next})
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

func invalidBody(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Debug("invalid request body", "error", err)
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// respondError maps domain errors onto status codes.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	var (
		regErr     *coordinator.RegistrationError
		persistErr *coordinator.PersistenceError
	)
	isRegistration := errors.As(err, &regErr)
	isPersistence := errors.As(err, &persistErr)
	switch {
	case errors.Is(err, ErrInvalidUser):
		status, code = http.StatusBadRequest, "invalid_user"
	case errors.Is(err, pagination.ErrInvalidCursor):
		status, code = http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, coordinator.ErrInvalidDuration),
		errors.Is(err, events.ErrInvalidPurchaseType):
		status, code = http.StatusBadRequest, "validation_error"
	case isScheduleError(err):
		status, code = http.StatusBadRequest, "invalid_schedule"
	case errors.Is(err, coordinator.ErrEmptySelection):
		status, code = http.StatusConflict, "empty_selection"
	case errors.Is(err, coordinator.ErrNotMonitoring):
		status, code = http.StatusConflict, "not_monitoring"
	case errors.Is(err, coordinator.ErrNotBlocking):
		status, code = http.StatusConflict, "not_blocking"
	case errors.Is(err, coordinator.ErrClosed):
		status, code = http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, monitor.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case isRegistration:
		status, code = http.StatusBadGateway, "registration_failed"
	case isPersistence:
		status, code = http.StatusServiceUnavailable, "persistence_failed"
	}

	resp := gin.H{"error": code, "message": err.Error()}
	if isRegistration {
		resp["rolledBack"] = regErr.RolledBack
	}
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
	}
	c.JSON(status, resp)
}

func isScheduleError(err error) bool {
	for _, target := range []error{
		schedule.ErrMissingID,
		schedule.ErrDuplicateID,
		schedule.ErrInvalidTime,
		schedule.ErrInvalidDay,
		schedule.ErrNoDays,
		schedule.ErrInvalidClock,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
