// Package agenttool publishes function targets as tools behind a JSON-RPC
// endpoint that agent clients call with tools/list and tools/call.
package agenttool

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

const (
	DefaultPath = "/mcp"

	AuthAPIKey = "apikey"
	AuthBearer = "bearer"

	defaultAPIKeyHeader = "X-API-Key"
	serverName          = "easy-trigger"

	// bodyLimit caps a JSON-RPC request body.
	bodyLimit = 4 << 20
)

var ErrDuplicateTool = errors.New("tool name already registered")

type Auth struct {
	Type   string `json:"type" yaml:"type"`
	Header string `json:"header,omitempty" yaml:"header"`
	Key    string `json:"key" yaml:"key"`
}

type Options struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"parameters"`
	Auth        *Auth           `json:"auth,omitempty" yaml:"auth"`
}

func (o Options) validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: tool name is required", enqueuer.ErrInvalidOptions)
	}
	if len(o.Parameters) > 0 && !json.Valid(o.Parameters) {
		return fmt.Errorf("%w: parameters of %s are not valid JSON", enqueuer.ErrInvalidOptions, o.Name)
	}
	if o.Auth != nil {
		switch strings.ToLower(o.Auth.Type) {
		case AuthAPIKey, AuthBearer:
		default:
			return fmt.Errorf("%w: unknown auth type %q", enqueuer.ErrInvalidOptions, o.Auth.Type)
		}
		if o.Auth.Key == "" {
			return fmt.Errorf("%w: auth key of %s is required", enqueuer.ErrInvalidOptions, o.Name)
		}
	}
	return nil
}

func (o Options) schema() json.RawMessage {
	if len(o.Parameters) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return o.Parameters
}

// authorized checks the request credentials against the tool's auth.
func (o Options) authorized(h http.Header) bool {
	if o.Auth == nil {
		return true
	}
	var got string
	switch strings.ToLower(o.Auth.Type) {
	case AuthAPIKey:
		header := o.Auth.Header
		if header == "" {
			header = defaultAPIKeyHeader
		}
		got = h.Get(header)
	case AuthBearer:
		token, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer ")
		if !ok {
			return false
		}
		got = token
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(o.Auth.Key)) == 1
}

// ToolCall is the payload of an AGENT_TOOL event.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type pending struct {
	call ToolCall
	done chan callResult
}

type Enqueuer struct {
	deps    enqueuer.Deps
	path    string
	version string

	tools *enqueuer.Arena[Options]
	calls *queue.PayloadQueue[*pending]
}

func New(deps enqueuer.Deps, path, version string) *Enqueuer {
	if path == "" {
		path = DefaultPath
	}
	return &Enqueuer{
		deps:    deps,
		path:    path,
		version: version,
		tools:   enqueuer.NewArena[Options](),
		calls:   queue.NewPayloadQueue[*pending](),
	}
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeAgentTool
}

// Mount registers the JSON-RPC endpoint on r.
func (e *Enqueuer) Mount(r gin.IRoutes) {
	r.POST(e.path, e.handle)
}

func (e *Enqueuer) handle(c *gin.Context) {
	var req rpcRequest
	body, err := readBody(c)
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil || req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, replyError(req.ID, rpcErrorf(CodeInvalidRequest, "invalid request")))
		return
	}

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case methodInitialize:
		result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]string{"name": serverName, "version": e.version},
		}
	case methodToolsList:
		result = map[string]any{"tools": e.descriptors()}
	case methodToolsCall:
		result, rpcErr = e.call(c, req.Params)
	default:
		if req.notification() {
			c.Status(http.StatusOK)
			return
		}
		rpcErr = rpcErrorf(CodeMethodNotFound, "method not found: %s", req.Method)
	}

	if rpcErr != nil {
		c.JSON(http.StatusOK, replyError(req.ID, rpcErr))
		return
	}
	c.JSON(http.StatusOK, reply(req.ID, result))
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)
	return c.GetRawData()
}

func (e *Enqueuer) descriptors() []toolDescriptor {
	out := []toolDescriptor{}
	for _, entry := range e.tools.All() {
		out = append(out, toolDescriptor{
			Name:        entry.Value.Name,
			Description: entry.Value.Description,
			InputSchema: entry.Value.schema(),
		})
	}
	return out
}

func (e *Enqueuer) call(c *gin.Context, raw json.RawMessage) (any, *RPCError) {
	var params callParams
	if len(raw) == 0 || json.Unmarshal(raw, &params) != nil || params.Name == "" {
		return nil, rpcErrorf(CodeInvalidParams, "invalid params: tool name is required")
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	entry, ok := e.tools.Find(func(entry *enqueuer.Entry[Options]) bool {
		return entry.Value.Name == params.Name
	})
	if !ok {
		return nil, rpcErrorf(CodeInvalidParams, "unknown tool: %s", params.Name)
	}
	if !entry.Value.authorized(c.Request.Header) {
		return nil, rpcErrorf(CodeInternalError, "unauthorized")
	}

	event := domain.NewEvent(e.Type(), entry.Target)
	p := &pending{call: ToolCall{Name: params.Name, Arguments: params.Arguments}, done: make(chan callResult, 1)}
	e.calls.Enqueue(event.ID, p)
	if err := e.deps.Enqueue(event); err != nil {
		e.calls.Dequeue(event.ID)
		log.Printf("agenttool: %s: %v", params.Name, err)
		return nil, rpcErrorf(CodeInternalError, "internal error")
	}

	ctx := c.Request.Context()
	select {
	case res := <-p.done:
		return res, nil
	case <-ctx.Done():
		if _, ok := e.calls.Dequeue(event.ID); ok {
			e.deps.Queue.Remove(event.ID)
			e.deps.Cancelled(e.Type())
			log.Printf("agenttool: client went away during %s (event=%s)", params.Name, event.ID)
		}
		return nil, rpcErrorf(CodeInternalError, "request cancelled")
	}
}

func (e *Enqueuer) Subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if err := options.validate(); err != nil {
		return err
	}

	if existing, ok := e.tools.Find(func(entry *enqueuer.Entry[Options]) bool {
		return entry.Value.Name == options.Name
	}); ok {
		if reflect.DeepEqual(existing.Target, target) && reflect.DeepEqual(existing.Value, options) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateTool, options.Name)
	}

	e.tools.Add(target, options)
	e.deps.Subscriptions(e.Type(), e.tools.Len())
	log.Printf("agenttool: tool %s bound to %s:%s", options.Name, target.Cwd, target.Handler)
	return nil
}

func (e *Enqueuer) Unsubscribe(ctx context.Context, target domain.Target) error {
	removed := e.tools.RemoveMatching(target)
	for _, entry := range removed {
		log.Printf("agenttool: tool %s removed", entry.Value.Name)
	}
	for _, p := range enqueuer.Withdraw(e.deps, e.Type(), target, e.calls) {
		p.done <- errorResult("Service unavailable")
	}
	e.deps.Subscriptions(e.Type(), e.tools.Len())
	e.deps.Unsubscribed(e.Type(), target)
	return nil
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	p, ok := e.calls.Get(eventID)
	if !ok {
		return nil, false
	}
	return p.call, true
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	p, ok := e.calls.Dequeue(eventID)
	if !ok {
		return
	}
	if result.Failed() {
		msg := string(result.Body)
		if result.Err != nil {
			msg = result.Err.Error()
		}
		if msg == "" {
			msg = http.StatusText(result.Status)
		}
		p.done <- errorResult(msg)
		return
	}
	p.done <- callResult{Content: toContent(result.Body)}
}

// OnEventsAreDrained answers every drained call with an error result.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	for _, event := range events {
		if p, ok := e.calls.Dequeue(event.ID); ok {
			p.done <- errorResult("Service unavailable")
		}
	}
	e.deps.Drained(e.Type(), len(events))
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.tools.All() {
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value,
		})
	}
	return out
}
