package admin

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/quietguard/internal/coordinator"
	"github.com/mbd888/quietguard/internal/logging"
)

// SessionService abstracts the session manager for admin handlers.
type SessionService interface {
	Users() []string
	Peek(userID string) (*coordinator.Coordinator, bool)
	Evict(ctx context.Context, userID string) (bool, error)
}

// CircuitService abstracts the host callback circuit breaker.
type CircuitService interface {
	Open() []string
	Forget(key string)
}

// ScheduleReloader re-applies the schedule file.
type ScheduleReloader func(ctx context.Context) error

// Handler provides admin HTTP endpoints.
type Handler struct {
	sessions SessionService
	circuits CircuitService
	reload   ScheduleReloader
}

// NewHandler creates a new admin handler.
func NewHandler(sessions SessionService) *Handler {
	return &Handler{sessions: sessions}
}

// WithCircuits sets the circuit breaker for circuit operations.
func (h *Handler) WithCircuits(c CircuitService) *Handler {
	h.circuits = c
	return h
}

// WithScheduleReloader enables on-demand schedule file reloads.
func (h *Handler) WithScheduleReloader(r ScheduleReloader) *Handler {
	h.reload = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/sessions", h.listSessions)
	r.POST("/admin/sessions/:userID/evict", h.evictSession)
	r.GET("/admin/circuits", h.listCircuits)
	r.POST("/admin/circuits/:userID/reset", h.resetCircuit)
	r.POST("/admin/schedules/reload", h.reloadSchedules)
}

// listSessions returns loaded sessions, optionally filtered by ?state=.
func (h *Handler) listSessions(c *gin.Context) {
	state := coordinator.State(c.Query("state"))
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	var open []string
	if h.circuits != nil {
		open = h.circuits.Open()
	}

	sessions := make([]SessionSummary, 0)
	for _, id := range h.sessions.Users() {
		co, ok := h.sessions.Peek(id)
		if !ok {
			continue
		}
		snap := co.State()
		if state != "" && snap.State != state {
			continue
		}
		sessions = append(sessions, summarize(snap, slices.Contains(open, id)))
		if len(sessions) == limit {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// evictSession drops a user's coordinator so its next request reloads
// persisted state. Monitoring resumes from the store on reload.
func (h *Handler) evictSession(c *gin.Context) {
	userID := c.Param("userID")
	evicted, err := h.sessions.Evict(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evict_failed", "message": err.Error()})
		return
	}
	if !evicted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session is not loaded"})
		return
	}

	logging.L(c.Request.Context()).Info("admin: session evicted", "user", userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "evicted": true})
}

func (h *Handler) listCircuits(c *gin.Context) {
	if h.circuits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuits not configured"})
		return
	}
	open := h.circuits.Open()
	c.JSON(http.StatusOK, gin.H{"open": open, "count": len(open)})
}

// resetCircuit closes a user's host callback circuit so the next host call
// is attempted immediately.
func (h *Handler) resetCircuit(c *gin.Context) {
	if h.circuits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuits not configured"})
		return
	}

	userID := c.Param("userID")
	if !slices.Contains(h.circuits.Open(), userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Circuit is not open"})
		return
	}
	h.circuits.Forget(userID)

	logging.L(c.Request.Context()).Info("admin: circuit reset", "user", userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "reset": true})
}

func (h *Handler) reloadSchedules(c *gin.Context) {
	if h.reload == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "schedule file not configured"})
		return
	}
	if err := h.reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "reload_failed", "message": err.Error()})
		return
	}

	logging.L(c.Request.Context()).Info("admin: schedule file reloaded")
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}
