// Package listener owns the webhook socket. Connections are accepted and
// handled one at a time; reactions to a matched push are handed to the
// dispatcher so the loop never waits on them.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pushtrigger/internal/config"
	"github.com/austindbirch/pushtrigger/internal/dispatch"
	"github.com/austindbirch/pushtrigger/internal/effects"
	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/metrics"
	"github.com/austindbirch/pushtrigger/internal/payload"
	"github.com/austindbirch/pushtrigger/internal/ratelimit"
	"github.com/austindbirch/pushtrigger/internal/router"
	"github.com/austindbirch/pushtrigger/internal/tracing"
	"github.com/austindbirch/pushtrigger/internal/wire"
)

const DefaultReadTimeout = 10 * time.Second

var (
	ErrNotStopped      = errors.New("listener: already started")
	ErrStoppedStarting = errors.New("listener: stopped while starting")
)

// State is the lifecycle position of a Listener
type State int32

const (
	Stopped State = iota
	Starting
	Listening
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Dispatcher schedules the effects of a matched push
type Dispatcher interface {
	Dispatch(ctx context.Context, t effects.Trigger) *dispatch.Handle
}

type Listener struct {
	provider       config.Provider
	dispatcher     Dispatcher
	logger         *logging.Logger
	readTimeout    time.Duration
	maxHeaderBytes int
	maxBodyBytes   int64
	limiter        *ratelimit.PerSource
	newID          func() string
	now            func() time.Time
	listen         func(ctx context.Context, network, addr string) (net.Listener, error)

	state   atomic.Int32
	running atomic.Bool

	// mu guards the fields below and every transition out of Starting
	mu            sync.Mutex
	ln            net.Listener
	done          chan struct{}
	stopRequested bool
}

type Option func(*Listener)

func WithLogger(l *logging.Logger) Option {
	return func(ln *Listener) { ln.logger = l }
}

// WithReadTimeout bounds the time spent reading and answering one connection
func WithReadTimeout(d time.Duration) Option {
	return func(ln *Listener) {
		if d > 0 {
			ln.readTimeout = d
		}
	}
}

func WithMaxHeaderBytes(n int) Option {
	return func(ln *Listener) { ln.maxHeaderBytes = n }
}

// WithMaxBodyBytes rejects requests declaring a larger Content-Length
func WithMaxBodyBytes(n int64) Option {
	return func(ln *Listener) { ln.maxBodyBytes = n }
}

// WithRateLimit caps how many webhooks per source address are routed. Over
// the limit the sender still gets its OK but nothing is dispatched.
func WithRateLimit(p *ratelimit.PerSource) Option {
	return func(ln *Listener) { ln.limiter = p }
}

func New(provider config.Provider, d Dispatcher, opts ...Option) *Listener {
	l := &Listener{
		provider:     provider,
		dispatcher:   d,
		logger:       logging.Discard(),
		readTimeout:  DefaultReadTimeout,
		maxBodyBytes: wire.DefaultMaxBodyBytes,
		newID:        uuid.NewString,
		now:          time.Now,
	}
	var lc net.ListenConfig
	l.listen = lc.Listen
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) State() State { return State(l.state.Load()) }

// Listening reports whether the accept loop is serving
func (l *Listener) Listening() bool { return l.State() == Listening }

func (l *Listener) StateName() string { return l.State().String() }

// Addr is the bound address, nil unless listening
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Start binds the configured port on all interfaces and starts the accept
// loop. A bind failure is reported once and leaves the listener Stopped.
// A Stop that arrives during the bind wins: the socket is closed and Start
// returns ErrStoppedStarting.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if !l.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		l.mu.Unlock()
		return ErrNotStopped
	}
	l.stopRequested = false
	l.mu.Unlock()

	port := l.provider.Listener().ListenPort
	addr := fmt.Sprintf(":%d", port)

	ln, err := l.listen(ctx, "tcp", addr)
	if err != nil {
		l.state.Store(int32(Stopped))
		metrics.SetListenerUp(false)
		l.logger.WithContext(ctx).WithError(err).WithField("port", port).Error("failed to bind listener")
		return fmt.Errorf("listener: bind %s: %w", addr, err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	if l.stopRequested {
		l.state.Store(int32(Stopped))
		l.mu.Unlock()
		_ = ln.Close()
		metrics.SetListenerUp(false)
		l.logger.WithContext(ctx).WithField("addr", ln.Addr().String()).Info("webhook listener stopped before it started")
		return ErrStoppedStarting
	}
	l.ln = ln
	l.done = done
	l.running.Store(true)
	l.state.Store(int32(Listening))
	l.mu.Unlock()

	metrics.SetListenerUp(true)
	l.logger.WithContext(ctx).WithField("addr", ln.Addr().String()).Info("webhook listener started")

	go l.serve(ln, done)
	return nil
}

// Stop closes the socket and waits for the accept loop to exit, bounded by
// ctx. Effects already dispatched keep running. Stopping a listener that is
// still binding makes that Start give up.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.State() == Starting {
		l.stopRequested = true
		l.mu.Unlock()
		return nil
	}
	if !l.running.CompareAndSwap(true, false) {
		l.mu.Unlock()
		return nil
	}
	l.state.Store(int32(Draining))
	ln, done := l.ln, l.done
	l.mu.Unlock()
	metrics.SetListenerUp(false)

	if err := ln.Close(); err != nil {
		l.logger.WithContext(ctx).WithError(err).Warn("error closing listener socket")
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("listener: waiting for accept loop: %w", ctx.Err())
	}
	return nil
}

func (l *Listener) serve(ln net.Listener, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.ln = nil
		l.mu.Unlock()
		l.state.Store(int32(Stopped))
		l.logger.Plain().Info("webhook listener stopped")
		close(done)
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !l.running.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				l.running.Store(false)
				metrics.SetListenerUp(false)
				l.logger.Plain().WithError(err).Error("listener socket closed unexpectedly")
				return
			}
			// transient, e.g. too many open files
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			metrics.RecordConnection("accept_error")
			l.logger.Plain().WithError(err).WithField("retry_in_ms", backoff.Milliseconds()).Error("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		l.handle(conn)
	}
}

// handle serves one connection to completion: read, answer, route, dispatch
func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	ctx, span := tracing.StartSpan(context.Background(), "listener.connection",
		attribute.String("net.peer.addr", conn.RemoteAddr().String()),
	)
	defer span.End()

	receivedAt := l.now()
	_ = conn.SetDeadline(receivedAt.Add(l.readTimeout))

	req, err := wire.ReadRequestLimit(conn, l.maxHeaderBytes, l.maxBodyBytes)
	if err != nil {
		metrics.RecordConnection("read_error")
		tracing.SetSpanError(ctx, err)
		l.logger.WithContext(ctx).WithError(err).Warn("error handling incoming webhook request")
		return
	}
	l.logger.WithContext(ctx).WithEvent(req.EventType).
		WithField("content_length", req.ContentLength).
		Info("received webhook event")

	if err := wire.WriteOK(conn); err != nil {
		metrics.RecordConnection("write_error")
		tracing.SetSpanError(ctx, err)
		l.logger.WithContext(ctx).WithEvent(req.EventType).WithError(err).Warn("error writing webhook response")
		return
	}
	metrics.RecordConnection("ok")

	if source := remoteHost(conn.RemoteAddr()); !l.limiter.Allow(source) {
		metrics.RecordEvent(req.EventType, "rate_limited")
		l.logger.WithContext(ctx).WithEvent(req.EventType).WithField("source", source).Warn("webhook rate limited")
		return
	}

	cfg := l.provider.Listener()
	outcome := router.Route(req.EventType, req.Body, cfg)
	metrics.RecordEvent(req.EventType, outcome.String())
	span.SetAttributes(
		attribute.String("github.event", req.EventType),
		attribute.String("route.outcome", outcome.String()),
	)
	if outcome != router.Matched {
		l.logger.WithContext(ctx).WithEvent(req.EventType).
			WithField("branch", cfg.TargetBranch).
			Info("webhook ignored")
		return
	}

	t := effects.Trigger{
		ID:         l.newID(),
		EventType:  req.EventType,
		Config:     cfg,
		Facts:      payload.Extract(req.Body),
		ReceivedAt: receivedAt,
	}
	span.SetAttributes(attribute.String("trigger.id", t.ID))
	l.logger.WithContext(ctx).WithTrigger(t.ID).WithTask(cfg.TargetTaskName).
		WithField("branch", cfg.TargetBranch).
		Info("detected update to target branch, scheduling rerun")
	l.dispatcher.Dispatch(ctx, t)
}

func remoteHost(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
