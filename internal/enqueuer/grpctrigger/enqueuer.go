// Package grpctrigger exposes function targets as unary gRPC methods. Each
// subscription runs its own server with a single-method service whose
// messages are JSON documents.
package grpctrigger

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"reflect"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 50051

	// DefaultStopTimeout bounds GracefulStop before falling back to Stop.
	DefaultStopTimeout = 5 * time.Second
)

var ErrInvalidPort = errors.New("port must be within 1024-65535")

type TLS struct {
	Key  string `json:"key" yaml:"key"`
	Cert string `json:"cert" yaml:"cert"`
	CA   string `json:"ca,omitempty" yaml:"ca"`
}

type Options struct {
	Service string `json:"service" yaml:"service"`
	Method  string `json:"method" yaml:"method"`
	Host    string `json:"host,omitempty" yaml:"host"`
	Port    int    `json:"port,omitempty" yaml:"port"`
	TLS     *TLS   `json:"tls,omitempty" yaml:"tls"`
}

func (o Options) normalize() (Options, error) {
	if o.Service == "" || o.Method == "" {
		return o, fmt.Errorf("%w: service and method are required", enqueuer.ErrInvalidOptions)
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Port < 1024 || o.Port > 65535 {
		return o, fmt.Errorf("%w: %d", ErrInvalidPort, o.Port)
	}
	return o, nil
}

func (o Options) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) fullMethod() string {
	return "/" + o.Service + "/" + o.Method
}

// credentials builds the server TLS from the PEM key pair. Without a key and
// a cert the server is plaintext; a CA turns on client certificate checks.
func (o Options) credentials() (grpc.ServerOption, error) {
	if o.TLS == nil || (o.TLS.Key == "" && o.TLS.Cert == "") {
		return nil, nil
	}
	cert, err := tls.X509KeyPair([]byte(o.TLS.Cert), []byte(o.TLS.Key))
	if err != nil {
		return nil, fmt.Errorf("%w: tls key pair: %v", enqueuer.ErrInvalidOptions, err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if o.TLS.CA != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(o.TLS.CA)) {
			return nil, fmt.Errorf("%w: tls ca contains no certificates", enqueuer.ErrInvalidOptions)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return grpc.Creds(credentials.NewTLS(cfg)), nil
}

// Request is the payload of a GRPC event.
type Request struct {
	ID       string              `json:"id"`
	Service  string              `json:"service"`
	Method   string              `json:"method"`
	Payload  json.RawMessage     `json:"payload"`
	Metadata map[string][]string `json:"metadata,omitempty"`
}

type response struct {
	header metadata.MD
	body   json.RawMessage
	err    error
}

// Call is the answer side of one unary invocation. A replayed call has no
// client and discards what is sent to it.
type Call struct {
	ctx      context.Context
	detached bool
	done     chan response

	mu     sync.Mutex
	header metadata.MD
}

func newCall(ctx context.Context) *Call {
	return &Call{ctx: ctx, done: make(chan response, 1)}
}

func detachedCall() *Call {
	return &Call{ctx: context.Background(), detached: true, done: make(chan response, 1)}
}

func (c *Call) SendMetadata(md metadata.MD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header = metadata.Join(c.header, md)
}

func (c *Call) SendMessage(body json.RawMessage) {
	c.mu.Lock()
	header := c.header
	c.mu.Unlock()
	c.send(response{header: header, body: body})
}

func (c *Call) SendError(err error) {
	c.send(response{err: err})
}

func (c *Call) send(r response) {
	select {
	case c.done <- r:
	default:
	}
}

// Cancelled reports whether the client went away.
func (c *Call) Cancelled() bool {
	return c.ctx.Err() != nil
}

func (c *Call) live() bool {
	return !c.detached && !c.Cancelled()
}

type pending struct {
	request Request
	call    *Call
}

type server struct {
	options Options
	grpc    *grpc.Server

	mu     sync.Mutex
	closed bool
	reason string
}

func (s *server) markClosed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *server) state() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}

// ClaimKey is the job record key of a call.
func ClaimKey(eventID string) string {
	return "grpc-" + eventID
}

type Enqueuer struct {
	deps        enqueuer.Deps
	listen      func(network, addr string) (net.Listener, error)
	stopTimeout time.Duration

	servers *enqueuer.Arena[*server]
	calls   *queue.PayloadQueue[pending]
}

func New(deps enqueuer.Deps) *Enqueuer {
	e := &Enqueuer{
		deps:        deps,
		listen:      net.Listen,
		stopTimeout: DefaultStopTimeout,
		servers:     enqueuer.NewArena[*server](),
		calls:       queue.NewPayloadQueue[pending](),
	}
	deps.Replicate(e.Type(), e.subscribe, e.unsubscribe)
	deps.HandleShift(e.Type(), e.replay)
	return e
}

// WithListener replaces net.Listen, mainly for in-memory listeners in tests.
func (e *Enqueuer) WithListener(fn func(network, addr string) (net.Listener, error)) *Enqueuer {
	e.listen = fn
	return e
}

func (e *Enqueuer) WithStopTimeout(d time.Duration) *Enqueuer {
	e.stopTimeout = d
	return e
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeGRPC
}

func (e *Enqueuer) Subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if err := e.subscribe(ctx, target, options); err != nil {
		return err
	}
	e.deps.Broadcast(ctx, e.Type(), enqueuer.MethodSubscribe, target, options)
	return nil
}

func (e *Enqueuer) subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if options, err = options.normalize(); err != nil {
		return err
	}

	if _, dup := e.servers.Find(func(entry *enqueuer.Entry[*server]) bool {
		return reflect.DeepEqual(entry.Target, target) && reflect.DeepEqual(entry.Value.options, options)
	}); dup {
		return nil
	}

	serverOpts := []grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}
	creds, err := options.credentials()
	if err != nil {
		return err
	}
	if creds != nil {
		serverOpts = append(serverOpts, creds)
	} else {
		log.Printf("grpc: WARNING serving %s on %s without TLS", options.fullMethod(), options.addr())
	}

	s := &server{options: options, grpc: grpc.NewServer(serverOpts...)}
	entry := e.servers.Add(target, s)
	e.deps.Subscriptions(e.Type(), e.servers.Len())

	s.grpc.RegisterService(&grpc.ServiceDesc{
		ServiceName: options.Service,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: options.Method,
			Handler:    e.handler(entry),
		}},
		Streams: []grpc.StreamDesc{},
	}, struct{}{})

	lis, err := e.listen("tcp", options.addr())
	if err != nil {
		s.markClosed(fmt.Sprintf("listen failed: %v", err))
		e.deps.SubscriptionFailed(e.Type())
		log.Printf("grpc: listen on %s for %s:%s failed: %v", options.addr(), target.Cwd, target.Handler, err)
		return nil
	}

	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.markClosed(err.Error())
			e.deps.SubscriptionFailed(e.Type())
			log.Printf("grpc: server %s stopped: %v", options.addr(), err)
		}
	}()
	log.Printf("grpc: serving %s on %s for %s:%s", options.fullMethod(), options.addr(), target.Cwd, target.Handler)
	return nil
}

func (e *Enqueuer) handler(entry *enqueuer.Entry[*server]) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		var payload json.RawMessage
		if err := dec(&payload); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		md, _ := metadata.FromIncomingContext(ctx)
		event := domain.NewEvent(e.Type(), entry.Target)
		req := Request{
			ID:       event.ID,
			Service:  entry.Value.options.Service,
			Method:   entry.Value.options.Method,
			Payload:  payload,
			Metadata: md,
		}
		call := newCall(ctx)

		if err := e.fire(ctx, event, req, call); err != nil {
			log.Printf("grpc: %s: %v", entry.Value.options.fullMethod(), err)
			return nil, status.Error(codes.Unavailable, "service unavailable")
		}

		select {
		case resp := <-call.done:
			if len(resp.header) > 0 {
				if err := grpc.SetHeader(ctx, resp.header); err != nil {
					log.Printf("grpc: set header on %s: %v", entry.Value.options.fullMethod(), err)
				}
			}
			if resp.err != nil {
				return nil, resp.err
			}
			return resp.body, nil
		case <-ctx.Done():
			if _, ok := e.calls.Dequeue(event.ID); ok {
				e.deps.Queue.Remove(event.ID)
				e.deps.Release(context.Background(), event.ID)
				e.deps.Cancelled(e.Type())
				log.Printf("grpc: client cancelled %s (event=%s)", entry.Value.options.fullMethod(), event.ID)
			}
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (e *Enqueuer) fire(ctx context.Context, event domain.Event, req Request, call *Call) error {
	e.calls.Enqueue(event.ID, pending{request: req, call: call})
	_, err := e.deps.Claim(ctx, ClaimKey(event.ID), event, req, func() error {
		return e.deps.Enqueue(event)
	})
	if err != nil {
		e.calls.Dequeue(event.ID)
	}
	return err
}

// replay runs a call drained on another node. Its client is gone, so the
// result is discarded.
func (e *Enqueuer) replay(ctx context.Context, rec claim.JobRecord) error {
	var req Request
	if err := json.Unmarshal(rec.Payload, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	event := domain.NewEvent(e.Type(), rec.Target)
	req.ID = event.ID
	return e.fire(ctx, event, req, detachedCall())
}

func (e *Enqueuer) Unsubscribe(ctx context.Context, target domain.Target) error {
	if err := e.unsubscribe(ctx, target); err != nil {
		return err
	}
	e.deps.Broadcast(ctx, e.Type(), enqueuer.MethodUnsubscribe, target, nil)
	e.deps.Unsubscribed(e.Type(), target)
	return nil
}

// unsubscribe answers the queued calls of target before stopping its servers,
// since a graceful stop waits for them.
func (e *Enqueuer) unsubscribe(ctx context.Context, target domain.Target) error {
	removed := e.servers.RemoveMatching(target)
	for id, p := range enqueuer.Withdraw(e.deps, e.Type(), target, e.calls) {
		if p.call.live() {
			p.call.SendError(status.Error(codes.Unavailable, "service unavailable"))
		}
		e.deps.Release(ctx, id)
	}
	for _, entry := range removed {
		e.stop(entry.Value)
		log.Printf("grpc: stopped %s on %s for %s:%s", entry.Value.options.fullMethod(), entry.Value.options.addr(), entry.Target.Cwd, entry.Target.Handler)
	}
	e.deps.Subscriptions(e.Type(), e.servers.Len())
	return nil
}

func (e *Enqueuer) stop(s *server) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.stopTimeout):
		log.Printf("grpc: graceful stop of %s exceeded %s, forcing", s.options.addr(), e.stopTimeout)
		s.grpc.Stop()
		<-done
	}
}

// Close stops every server without unsubscribing peers.
func (e *Enqueuer) Close() {
	for _, entry := range e.servers.All() {
		e.stop(entry.Value)
	}
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	p, ok := e.calls.Get(eventID)
	if !ok {
		return nil, false
	}
	return p.request, true
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	p, ok := e.calls.Dequeue(eventID)
	if !ok {
		return
	}
	defer e.deps.Release(context.Background(), eventID)

	if result.Failed() {
		msg := string(result.Body)
		if result.Err != nil {
			msg = result.Err.Error()
		}
		p.call.SendError(status.Error(codes.Internal, msg))
		return
	}

	if len(result.Headers) > 0 {
		p.call.SendMetadata(metadata.New(result.Headers))
	}
	body := json.RawMessage(result.Body)
	if len(body) > 0 && !json.Valid(body) {
		quoted, _ := json.Marshal(string(result.Body))
		body = quoted
	}
	p.call.SendMessage(body)
}

// OnEventsAreDrained fails live calls with UNAVAILABLE so clients can retry
// elsewhere. Calls without a client are shifted to a peer.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	for _, event := range events {
		p, ok := e.calls.Dequeue(event.ID)
		if ok && p.call.live() {
			p.call.SendError(status.Error(codes.Unavailable, "service unavailable"))
			e.deps.Release(ctx, event.ID)
			continue
		}
		e.deps.Shift(ctx, event)
	}
	e.deps.Drained(e.Type(), len(events))
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.servers.All() {
		closed, reason := entry.Value.state()
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value.options,
			Closed:  closed,
			Reason:  reason,
		})
	}
	return out
}
