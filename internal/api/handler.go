// Package api serves the operational surface of a node: health and the
// trigger subscription endpoints the external scheduler drives.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/agenttool"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

type Registry interface {
	Subscribe(ctx context.Context, typ domain.EventType, target domain.Target, opts any) error
	Unsubscribe(ctx context.Context, typ domain.EventType, target domain.Target) error
	UnsubscribeAll(ctx context.Context, target domain.Target) error
	Subscriptions() []enqueuer.SubscriptionInfo
}

// QueueStats exposes the dispatch queue depth.
type QueueStats interface {
	Len() int
}

// CheckFunc probes one dependency for verbose /health responses.
type CheckFunc func(ctx context.Context) error

type Handler struct {
	registry Registry
	node     string
	queue    QueueStats
	checks   map[string]CheckFunc
	// info components are reported as-is and never degrade the status.
	info map[string]func() string
}

func NewHandler(registry Registry, node string) *Handler {
	return &Handler{
		registry: registry,
		node:     node,
		checks:   make(map[string]CheckFunc),
		info:     make(map[string]func() string),
	}
}

// WithQueue reports the dispatch queue depth on /health.
func (h *Handler) WithQueue(q QueueStats) *Handler {
	h.queue = q
	return h
}

// WithCheck adds a dependency probe to verbose /health responses. A failing
// probe turns the status to degraded.
func (h *Handler) WithCheck(name string, fn CheckFunc) *Handler {
	h.checks[name] = fn
	return h
}

// WithInfo adds an informational component, such as the circuit state or
// leadership, to verbose /health responses.
func (h *Handler) WithInfo(name string, fn func() string) *Handler {
	h.info[name] = fn
	return h
}

// Mount registers the routes on r.
func (h *Handler) Mount(r gin.IRoutes) {
	r.GET("/health", h.health)
	r.GET("/triggers", h.listTriggers)
	r.POST("/triggers", h.subscribe)
	r.DELETE("/triggers", h.unsubscribe)
}

func (h *Handler) health(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Node: h.node}
	if h.queue != nil {
		n := h.queue.Len()
		resp.QueueSize = &n
	}

	if c.Query("verbose") != "true" {
		c.JSON(http.StatusOK, resp)
		return
	}

	resp.Components = make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}
	for name, fn := range h.info {
		resp.Components[name] = fn()
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, resp)
}

func (h *Handler) listTriggers(c *gin.Context) {
	limit, offset, err := parsePagination(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	var filter domain.EventType
	if typ := c.Query("type"); typ != "" {
		filter = domain.EventType(typ)
		if err := validateType(filter); err != nil {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	all := h.registry.Subscriptions()
	matched := make([]enqueuer.SubscriptionInfo, 0, len(all))
	for _, sub := range all {
		if filter == "" || sub.Type == filter {
			matched = append(matched, sub)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Type != matched[j].Type {
			return matched[i].Type < matched[j].Type
		}
		return matched[i].ID < matched[j].ID
	})

	resp := ListTriggersResponse{Total: len(matched), Triggers: []enqueuer.SubscriptionInfo{}}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		resp.Triggers = matched[offset:end]
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) subscribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)

	var req SubscribeRequest
	if !decode(c, &req) {
		return
	}
	if err := validateSubscribe(req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	var opts any
	if len(req.Options) > 0 {
		opts = req.Options
	}
	if err := h.registry.Subscribe(c.Request.Context(), req.Type, req.Target, opts); err != nil {
		log.Printf("api: subscribe %s %s:%s failed: %v", req.Type, req.Target.Cwd, req.Target.Handler, err)
		writeError(c, subscribeStatus(err), err.Error())
		return
	}

	log.Printf("api: subscribed %s %s:%s", req.Type, req.Target.Cwd, req.Target.Handler)
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) unsubscribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)

	var req UnsubscribeRequest
	if !decode(c, &req) {
		return
	}
	if err := validateUnsubscribe(req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	if req.Type == "" {
		err = h.registry.UnsubscribeAll(c.Request.Context(), req.Target)
	} else {
		err = h.registry.Unsubscribe(c.Request.Context(), req.Type, req.Target)
	}
	if err != nil {
		log.Printf("api: unsubscribe %s:%s failed: %v", req.Target.Cwd, req.Target.Handler, err)
		writeError(c, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	c.Status(http.StatusNoContent)
}

func decode(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// subscribeStatus maps enqueuer configuration errors to HTTP statuses.
func subscribeStatus(err error) int {
	switch {
	case errors.Is(err, agenttool.ErrDuplicateTool):
		return http.StatusConflict
	case errors.Is(err, enqueuer.ErrUnknownEvent):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(c *gin.Context) (limit, offset int, err error) {
	limit = DefaultLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
