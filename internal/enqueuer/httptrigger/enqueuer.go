// Package httptrigger serves function triggers under a fixed path prefix.
//
// Routes are kept in an arena and compiled into an inner gin engine on every
// subscribe and unsubscribe. The engine is swapped atomically, so removing a
// route really removes it and the not-found handler is always installed last.
package httptrigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

const DefaultPrefix = "/fn-execute"

var (
	ErrPreflightOptions = errors.New("preflight cannot be combined with method OPTIONS")
	ErrMultiValueHeader = errors.New("multi-value headers are not supported")
	ErrBodyTooLarge     = errors.New("request body too large")

	errInvalidBody = errors.New("invalid request body")
)

// MethodAll subscribes a path for every verb.
const MethodAll = "ALL"

var allMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

type Options struct {
	Method    string `json:"method" yaml:"method"`
	Path      string `json:"path" yaml:"path"`
	Preflight bool   `json:"preflight,omitempty" yaml:"preflight,omitempty"`
}

func (o Options) normalize() (Options, error) {
	o.Method = strings.ToUpper(strings.TrimSpace(o.Method))
	if o.Method == "" {
		return o, fmt.Errorf("%w: method is required", enqueuer.ErrInvalidOptions)
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if !strings.HasPrefix(o.Path, "/") {
		o.Path = "/" + o.Path
	}
	if o.Preflight && o.Method == http.MethodOptions {
		return o, ErrPreflightOptions
	}
	return o, nil
}

func (o Options) methods() []string {
	if o.Method == MethodAll {
		return allMethods
	}
	return []string{o.Method}
}

// pending is one request waiting for its worker result.
type pending struct {
	request Request
	done    chan enqueuer.Result
}

type Enqueuer struct {
	deps   enqueuer.Deps
	prefix string

	mu      sync.Mutex // serializes rebuilds
	routes  *enqueuer.Arena[Options]
	router  atomic.Pointer[gin.Engine]
	pending *queue.PayloadQueue[*pending]
}

func New(deps enqueuer.Deps, prefix string) *Enqueuer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	e := &Enqueuer{
		deps:    deps,
		prefix:  strings.TrimRight(prefix, "/"),
		routes:  enqueuer.NewArena[Options](),
		pending: queue.NewPayloadQueue[*pending](),
	}
	router, _ := e.build(nil)
	e.router.Store(router)
	return e
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeHTTP
}

// Mount attaches the trigger prefix to r.
func (e *Enqueuer) Mount(r gin.IRoutes) {
	r.Any(e.prefix+"/*path", e.serve)
}

// serve hands the request to the current inner engine with the prefix
// stripped from URL.Path. RequestURI keeps the original for payloads and the
// not-found body.
func (e *Enqueuer) serve(c *gin.Context) {
	inner := c.Param("path")
	if inner == "" {
		inner = "/"
	}

	r := c.Request.WithContext(c.Request.Context())
	u := *r.URL
	u.Path = inner
	u.RawPath = ""
	r.URL = &u

	e.router.Load().ServeHTTP(c.Writer, r)
}

func (e *Enqueuer) Subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if options, err = options.normalize(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.routes.Add(target, options)
	router, err := e.build(e.routes.All())
	if err != nil {
		e.routes.Remove(entry.ID)
		return err
	}
	e.router.Store(router)
	e.deps.Subscriptions(e.Type(), e.routes.Len())

	log.Printf("http: subscribed %s %s%s -> %s:%s", options.Method, e.prefix, options.Path, target.Cwd, target.Handler)
	return nil
}

func (e *Enqueuer) Unsubscribe(ctx context.Context, target domain.Target) error {
	e.mu.Lock()
	removed := e.routes.RemoveMatching(target)
	if len(removed) > 0 {
		// The remaining routes compiled before, so the rebuild cannot fail.
		router, err := e.build(e.routes.All())
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.router.Store(router)
	}
	count := e.routes.Len()
	e.mu.Unlock()

	for _, p := range enqueuer.Withdraw(e.deps, e.Type(), target, e.pending) {
		p.done <- enqueuer.Result{Status: http.StatusServiceUnavailable}
	}
	e.deps.Subscriptions(e.Type(), count)
	for _, entry := range removed {
		log.Printf("http: unsubscribed %s %s%s (%s:%s)", entry.Value.Method, e.prefix, entry.Value.Path, entry.Target.Cwd, entry.Target.Handler)
	}
	e.deps.Unsubscribed(e.Type(), target)
	return nil
}

// build compiles entries into a fresh engine. The first subscription of a
// method and path wins; later duplicates stay dormant in the arena until the
// first is removed.
func (e *Enqueuer) build(entries []*enqueuer.Entry[Options]) (*gin.Engine, error) {
	engine := gin.New()
	seen := make(map[string]bool)

	for _, entry := range entries {
		opts := entry.Value
		for _, method := range opts.methods() {
			if seen[method+" "+opts.Path] {
				continue
			}
			seen[method+" "+opts.Path] = true
			if err := handle(engine, method, opts.Path, e.trigger(entry.Target)); err != nil {
				return nil, err
			}
		}
		if opts.Preflight && !seen[http.MethodOptions+" "+opts.Path] {
			seen[http.MethodOptions+" "+opts.Path] = true
			if err := handle(engine, http.MethodOptions, opts.Path, preflight(opts.methods())); err != nil {
				return nil, err
			}
		}
	}

	engine.NoRoute(notFound)
	return engine, nil
}

// handle converts gin's registration panics (conflicting wildcards, malformed
// paths) into configuration errors.
func handle(engine *gin.Engine, method, path string, h gin.HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s %s: %v", enqueuer.ErrInvalidOptions, method, path, r)
		}
	}()
	engine.Handle(method, path, h)
	return nil
}

func notFound(c *gin.Context) {
	url := c.Request.RequestURI
	c.JSON(http.StatusNotFound, gin.H{
		"message": fmt.Sprintf("Cannot %s %s", c.Request.Method, url),
		"url":     url,
		"method":  c.Request.Method,
		"engine":  "Function",
	})
}

func preflight(methods []string) gin.HandlerFunc {
	allow := strings.Join(append(append([]string(nil), methods...), http.MethodOptions), ", ")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		headers := c.GetHeader("Access-Control-Request-Headers")
		if headers == "" {
			headers = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", allow)
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Vary", "Origin")
		c.Status(http.StatusNoContent)
	}
}

func (e *Enqueuer) trigger(target domain.Target) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := newRequest(c)
		if errors.Is(err, ErrMultiValueHeader) {
			c.JSON(http.StatusNotImplemented, gin.H{"message": err.Error()})
			return
		}
		if errors.Is(err, ErrBodyTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}

		event := domain.NewEvent(domain.EventTypeHTTP, target)
		p := &pending{request: req, done: make(chan enqueuer.Result, 1)}
		e.pending.Enqueue(event.ID, p)

		if err := e.deps.Enqueue(event); err != nil {
			e.pending.Dequeue(event.ID)
			log.Printf("http: %v", err)
			c.Status(http.StatusServiceUnavailable)
			return
		}

		select {
		case res := <-p.done:
			writeResult(c, res)
		case <-c.Request.Context().Done():
			// Whoever dequeues the pending entry owns the event. If a
			// completion or drain got there first, there is nothing to undo.
			if _, ok := e.pending.Dequeue(event.ID); ok {
				e.deps.Queue.Remove(event.ID)
				e.deps.Cancelled(e.Type())
				log.Printf("http: client went away, withdrew event %s", event.ID)
			}
		}
	}
}

func writeResult(c *gin.Context, res enqueuer.Result) {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
		if res.Err != nil {
			status = http.StatusInternalServerError
		}
	}
	if res.Err != nil && len(res.Body) == 0 {
		c.JSON(status, gin.H{"message": res.Err.Error()})
		return
	}

	for name, value := range res.Headers {
		c.Header(name, value)
	}
	c.Status(status)
	if len(res.Body) > 0 {
		c.Writer.Write(res.Body)
		return
	}
	c.Writer.WriteHeaderNow()
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	p, ok := e.pending.Get(eventID)
	if !ok {
		return nil, false
	}
	return p.request, true
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	p, ok := e.pending.Dequeue(eventID)
	if !ok {
		return
	}
	p.done <- result
}

// OnEventsAreDrained answers every pending request with 503 and no body.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	drained := 0
	for _, event := range events {
		p, ok := e.pending.Dequeue(event.ID)
		if !ok {
			continue
		}
		p.done <- enqueuer.Result{Status: http.StatusServiceUnavailable}
		drained++
	}
	e.deps.Drained(e.Type(), drained)
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.routes.All() {
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value,
		})
	}
	return out
}

// Pending returns the number of requests waiting for a result.
func (e *Enqueuer) Pending() int {
	return e.pending.Len()
}
