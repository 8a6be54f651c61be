package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonauth "workshop_rt/server/common/auth"
	"workshop_rt/server/common/middleware"
	"workshop_rt/server/common/priority"
	"workshop_rt/server/common/transport/httpresp"
	evdomain "workshop_rt/server/eventbus/domain"
	notifydomain "workshop_rt/server/notification/domain"
	syncdomain "workshop_rt/server/reconcile/domain"
	sessiondomain "workshop_rt/server/session/domain"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type SyncEngine interface {
	Enqueue(ctx context.Context, req syncdomain.EnqueueRequest) (string, error)
	GetOperation(ctx context.Context, id string) (syncdomain.SyncOperation, error)
	GetConflict(ctx context.Context, id string) (syncdomain.Conflict, error)
	Conflicts(ctx context.Context) ([]syncdomain.Conflict, error)
	ResolveConflict(ctx context.Context, req syncdomain.ResolveRequest) (syncdomain.Resolution, error)
	QueueDepth() int
}

type Notifier interface {
	Send(ctx context.Context, req notifydomain.Request) (notifydomain.Receipt, error)
	Get(ctx context.Context, id string) (notifydomain.Notification, error)
}

type EventLog interface {
	History(filter evdomain.HistoryFilter, limit int) []evdomain.Event
	Stats() evdomain.Stats
}

type SessionStats interface {
	Stats() sessiondomain.Stats
}

// RouteRegistrar mounts extra authenticated routes, such as the session
// socket.
type RouteRegistrar interface {
	RegisterRoutes(r gin.IRoutes)
}

type Handler struct {
	sync     SyncEngine
	notify   Notifier
	events   EventLog
	sessions SessionStats
	auth     *commonauth.Service
	gatherer prometheus.Gatherer
	sockets  []RouteRegistrar
}

func NewHandler(sync SyncEngine, notify Notifier, events EventLog, sessions SessionStats, auth *commonauth.Service, gatherer prometheus.Gatherer, sockets ...RouteRegistrar) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{sync: sync, notify: notify, events: events, sessions: sessions, auth: auth, gatherer: gatherer, sockets: sockets}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	authed := r.Group("")
	authed.Use(middleware.AuthRequired(h.auth))
	for _, s := range h.sockets {
		s.RegisterRoutes(authed)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/sync/operations", h.enqueueOperation)
		api.GET("/sync/operations/:id", h.getOperation)
		api.GET("/sync/conflicts", h.listConflicts)
		api.GET("/sync/conflicts/:id", h.getConflict)
		api.POST("/sync/conflicts/:id/resolve",
			middleware.RequireRoles(string(sessiondomain.RoleManager), string(sessiondomain.RoleDispatcher), string(sessiondomain.RoleAdmin)),
			h.resolveConflict)
		api.GET("/sync/stats", h.syncStats)

		api.POST("/notifications", h.sendNotification)
		api.GET("/notifications/:id", h.getNotification)

		api.GET("/events", h.listEvents)
		api.GET("/events/stats", h.eventStats)
		api.GET("/sessions/stats", h.sessionStats)
	}
}

func (h *Handler) enqueueOperation(c *gin.Context) {
	var req struct {
		Kind         syncdomain.Kind `json:"kind" binding:"required"`
		EntityType   string          `json:"entity_type" binding:"required"`
		EntityID     string          `json:"entity_id" binding:"required"`
		Payload      json.RawMessage `json:"payload"`
		Checksum     string          `json:"checksum"`
		OfflineSince *time.Time      `json:"offline_since"`
		Priority     priority.Level  `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	id, err := h.sync.Enqueue(c.Request.Context(), syncdomain.EnqueueRequest{
		Kind:         req.Kind,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Payload:      req.Payload,
		OriginActor:  middleware.ActorID(c),
		WorkshopID:   middleware.WorkshopID(c),
		OfflineSince: req.OfflineSince,
		Checksum:     req.Checksum,
		Priority:     req.Priority,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, httpresp.NewIDResponse(id))
}

func (h *Handler) getOperation(c *gin.Context) {
	op, err := h.sync.GetOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (h *Handler) listConflicts(c *gin.Context) {
	conflicts, err := h.sync.Conflicts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewListResponse(conflicts))
}

func (h *Handler) getConflict(c *gin.Context) {
	conflict, err := h.sync.GetConflict(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

func (h *Handler) resolveConflict(c *gin.Context) {
	var req struct {
		Strategy      syncdomain.Strategy `json:"strategy" binding:"required"`
		ManualPayload json.RawMessage     `json:"manual_payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	res, err := h.sync.ResolveConflict(c.Request.Context(), syncdomain.ResolveRequest{
		ConflictID:    c.Param("id"),
		Strategy:      req.Strategy,
		ManualPayload: req.ManualPayload,
		ResolvedBy:    middleware.ActorID(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) syncStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queue_depth": h.sync.QueueDepth()})
}

func (h *Handler) sendNotification(c *gin.Context) {
	var req notifydomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	receipt, err := h.notify.Send(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) getNotification(c *gin.Context) {
	n, err := h.notify.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) listEvents(c *gin.Context) {
	filter := evdomain.HistoryFilter{
		TargetGroup: strings.TrimSpace(c.Query("group")),
		OriginActor: strings.TrimSpace(c.Query("actor")),
	}
	for _, t := range strings.Split(c.Query("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.Types = append(filter.Types, evdomain.EventType(t))
		}
	}
	if raw := strings.TrimSpace(c.Query("min_priority")); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil || !priority.Level(level).Valid() {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("min_priority must be between 1 and 5"))
			return
		}
		filter.MinPriority = priority.Level(level)
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrSinceMustBeRFC3339))
			return
		}
		filter.Since = since
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	c.JSON(http.StatusOK, httpresp.NewListResponse(h.events.History(filter, limit)))
}

func (h *Handler) eventStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.events.Stats())
}

func (h *Handler) sessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.Stats())
}

func writeError(c *gin.Context, err error) {
	status, body := httpresp.FromError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}
