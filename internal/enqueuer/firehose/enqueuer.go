// Package firehose accepts WebSocket clients and turns their frames into
// events. Results are written back to the client that sent the frame, or to
// every client when the result asks for a broadcast.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

const (
	DefaultPath         = "/firehose"
	DefaultPingInterval = 30 * time.Second

	// BroadcastHeader on a result sends its body to every connected client.
	BroadcastHeader = "X-Firehose-Broadcast"

	EventConnection = "connection"
	EventClose      = "close"

	matchAll       = "*"
	matchLifecycle = "**"

	writeTimeout = 5 * time.Second
)

type Options struct {
	Name string `json:"name" yaml:"name"`
}

// matches reports whether a subscription to sub receives an event called name.
func matches(sub, name string) bool {
	switch sub {
	case name, matchAll:
		return true
	case matchLifecycle:
		return name == EventConnection || name == EventClose
	default:
		return false
	}
}

type Client struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remoteAddr"`
}

type Pool struct {
	Size int `json:"size"`
}

// Message is the payload of a FIREHOSE event.
type Message struct {
	Client Client          `json:"client"`
	Pool   Pool            `json:"pool"`
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type frame struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	info Client
	conn *websocket.Conn
}

type Enqueuer struct {
	deps         enqueuer.Deps
	path         string
	pingInterval time.Duration
	fallback     http.Handler

	subs     *enqueuer.Arena[Options]
	messages *queue.PayloadQueue[Message]

	mu      sync.RWMutex
	clients map[string]*client
}

func New(deps enqueuer.Deps, path string) *Enqueuer {
	if path == "" {
		path = DefaultPath
	}
	return &Enqueuer{
		deps:         deps,
		path:         path,
		pingInterval: DefaultPingInterval,
		subs:         enqueuer.NewArena[Options](),
		messages:     queue.NewPayloadQueue[Message](),
		clients:      make(map[string]*client),
	}
}

func (e *Enqueuer) WithPingInterval(d time.Duration) *Enqueuer {
	if d > 0 {
		e.pingInterval = d
	}
	return e
}

// WithFallback sets the handler for upgrade requests on other paths.
// Without one they are rejected.
func (e *Enqueuer) WithFallback(h http.Handler) *Enqueuer {
	e.fallback = h
	return e
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeFirehose
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Middleware intercepts WebSocket upgrades and passes everything else to next.
func (e *Enqueuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case !isUpgrade(r):
			next.ServeHTTP(w, r)
		case r.URL.Path == e.path:
			e.serve(w, r)
		case e.fallback != nil:
			e.fallback.ServeHTTP(w, r)
		default:
			w.Header().Set("Connection", "close")
			http.Error(w, "unsupported upgrade path", http.StatusBadRequest)
		}
	})
}

func (e *Enqueuer) serve(w http.ResponseWriter, r *http.Request) {
	// Browser clients connect from any origin.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Printf("firehose: accept from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := &client{info: Client{ID: uuid.NewString(), RemoteAddr: r.RemoteAddr}, conn: conn}
	e.mu.Lock()
	e.clients[c.info.ID] = c
	e.mu.Unlock()
	log.Printf("firehose: client %s connected from %s", c.info.ID, c.info.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	e.emit(c, EventConnection, nil)
	go e.keepAlive(ctx, c)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Name == "" {
			log.Printf("firehose: client %s sent an invalid frame", c.info.ID)
			continue
		}
		e.emit(c, f.Name, f.Data)
	}

	e.mu.Lock()
	delete(e.clients, c.info.ID)
	e.mu.Unlock()
	conn.CloseNow()

	log.Printf("firehose: client %s disconnected", c.info.ID)
	e.emit(c, EventClose, nil)
}

// keepAlive terminates clients that do not answer a ping within one interval.
func (e *Enqueuer) keepAlive(ctx context.Context, c *client) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, e.pingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("firehose: client %s missed ping, terminating", c.info.ID)
				}
				c.conn.CloseNow()
				return
			}
		}
	}
}

func (e *Enqueuer) poolSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients)
}

func (e *Enqueuer) emit(c *client, name string, data json.RawMessage) {
	for _, entry := range e.subs.All() {
		if !matches(entry.Value.Name, name) {
			continue
		}
		event := domain.NewEvent(e.Type(), entry.Target)
		e.messages.Enqueue(event.ID, Message{
			Client: c.info,
			Pool:   Pool{Size: e.poolSize()},
			Name:   name,
			Data:   data,
		})
		if err := e.deps.Enqueue(event); err != nil {
			e.messages.Dequeue(event.ID)
			log.Printf("firehose: %s from client %s: %v", name, c.info.ID, err)
		}
	}
}

func (e *Enqueuer) Subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if options.Name == "" {
		return fmt.Errorf("%w: name is required", enqueuer.ErrInvalidOptions)
	}

	if _, dup := e.subs.Find(func(entry *enqueuer.Entry[Options]) bool {
		return reflect.DeepEqual(entry.Target, target) && entry.Value == options
	}); dup {
		return nil
	}
	e.subs.Add(target, options)
	e.deps.Subscriptions(e.Type(), e.subs.Len())
	log.Printf("firehose: %s:%s subscribed to %q", target.Cwd, target.Handler, options.Name)
	return nil
}

func (e *Enqueuer) Unsubscribe(ctx context.Context, target domain.Target) error {
	e.subs.RemoveMatching(target)
	enqueuer.Withdraw(e.deps, e.Type(), target, e.messages)
	e.deps.Subscriptions(e.Type(), e.subs.Len())
	e.deps.Unsubscribed(e.Type(), target)
	return nil
}

// Close disconnects every client.
func (e *Enqueuer) Close() {
	e.mu.RLock()
	clients := make([]*client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	return e.messages.Get(eventID)
}

func isBroadcast(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, BroadcastHeader) {
			return v != "" && !strings.EqualFold(v, "false") && v != "0"
		}
	}
	return false
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	msg, ok := e.messages.Dequeue(eventID)
	if !ok {
		return
	}
	if result.Failed() {
		log.Printf("firehose: %s for client %s failed (status=%d err=%v)", msg.Name, msg.Client.ID, result.Status, result.Err)
		return
	}
	if len(result.Body) == 0 {
		return
	}

	var targets []*client
	e.mu.RLock()
	if isBroadcast(result.Headers) {
		for _, c := range e.clients {
			targets = append(targets, c)
		}
	} else if c, ok := e.clients[msg.Client.ID]; ok {
		targets = append(targets, c)
	}
	e.mu.RUnlock()

	if len(targets) == 0 {
		log.Printf("firehose: client %s gone, dropping result of %s", msg.Client.ID, msg.Name)
		return
	}
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := c.conn.Write(ctx, websocket.MessageText, result.Body); err != nil {
			log.Printf("firehose: write to client %s: %v", c.info.ID, err)
		}
		cancel()
	}
}

// OnEventsAreDrained drops the payloads: clients are bound to this node.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	for _, event := range events {
		e.messages.Dequeue(event.ID)
	}
	e.deps.Drained(e.Type(), len(events))
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.subs.All() {
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value,
		})
	}
	return out
}
