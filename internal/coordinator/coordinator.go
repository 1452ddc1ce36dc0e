// Package coordinator runs one chat session: it serializes user submissions and transport
// events onto a single event loop, picks the streaming or single-shot transport for each
// turn, and publishes snapshots of the session to observers.
package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"StreamChat/internal/session"
	"StreamChat/internal/transport"
)

var (
	// ErrClosed is returned once the coordinator was closed.
	ErrClosed = errors.New("chat session is closed")
	// ErrNotStarted is returned by Submit and Reconnect before Start.
	ErrNotStarted = errors.New("chat session is not started")
	// ErrNotConnected fails a turn when neither transport can carry it.
	ErrNotConnected = errors.New("not connected to the chat server")
	// ErrConnectionReplaced fails a streamed turn whose connection was replaced.
	ErrConnectionReplaced = errors.New("chat connection was replaced")
)

type submitRequest struct {
	text   string
	result chan error
}

// streamEvent is a transport event tagged with the connection generation that produced it.
type streamEvent struct {
	gen uint64
	ev  session.Event
}

// turnResult is the outcome of a dispatched turn that did not come back over the stream.
type turnResult struct {
	turn  uint64
	reply string
	err   error
}

type reconnectRequest struct {
	done chan struct{}
}

// Coordinator owns a Session and its streaming connection for the session's lifetime.
type Coordinator struct {
	logger                  *slog.Logger
	dial                    DialFunc
	fallback                Fallback
	creds                   Credentials
	requireStreamCredential bool
	observers               []Observer
	tracer                  trace.Tracer
	meter                   metric.Meter
	queueSize               int

	turnsStarted     metric.Int64Counter
	turnsCompleted   metric.Int64Counter
	turnsFailed      metric.Int64Counter
	fallbackDuration metric.Float64Histogram

	queue    chan interface{}
	stopping chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	conn    Stream

	latest atomic.Pointer[session.Snapshot]

	// Owned by the event loop.
	sess       *session.Session
	gen        uint64
	turn       uint64
	streamTurn bool
}

// New creates a Coordinator. Call Start to open the stream and begin processing.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		queueSize: 64,
		stopping:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if c.dial == nil && c.fallback == nil {
		return nil, errors.New("at least one transport is required")
	}
	if c.creds == nil {
		c.creds = StaticCredentials("")
	}
	if c.sess == nil {
		c.sess = session.New(session.NewID())
	}
	if c.tracer == nil {
		c.tracer = tracenoop.NewTracerProvider().Tracer("streamchat")
	}
	if c.meter == nil {
		c.meter = metricnoop.NewMeterProvider().Meter("streamchat")
	}
	if err := c.initMetrics(); err != nil {
		return nil, err
	}

	c.queue = make(chan interface{}, c.queueSize)
	c.logger = c.logger.With("session_id", c.sess.ID())
	snap := c.sess.Snapshot()
	c.latest.Store(&snap)
	return c, nil
}

func (c *Coordinator) initMetrics() error {
	var err error
	if c.turnsStarted, err = c.meter.Int64Counter("streamchat.turns.started",
		metric.WithDescription("Accepted user submissions")); err != nil {
		return errors.Wrap(err, "failed to create counter")
	}
	if c.turnsCompleted, err = c.meter.Int64Counter("streamchat.turns.completed",
		metric.WithDescription("Assistant turns that finished normally")); err != nil {
		return errors.Wrap(err, "failed to create counter")
	}
	if c.turnsFailed, err = c.meter.Int64Counter("streamchat.turns.failed",
		metric.WithDescription("Assistant turns that ended with an error")); err != nil {
		return errors.Wrap(err, "failed to create counter")
	}
	if c.fallbackDuration, err = c.meter.Float64Histogram("streamchat.fallback.duration",
		metric.WithDescription("Single-shot request duration in milliseconds")); err != nil {
		return errors.Wrap(err, "failed to create histogram")
	}
	return nil
}

// Start begins processing events and opens the streaming connection.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.loop()
	c.queue <- reconnectRequest{}
	c.logger.Info("chat session started")
	return nil
}

// Close closes the connection and stops the loop. Events arriving afterwards are dropped.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	close(c.stopping)
	c.mu.Unlock()

	if !started {
		return nil
	}
	<-c.loopDone
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.logger.Info("chat session closed")
	return err
}

// Submit validates text and starts a turn. The user message and the assistant placeholder
// are in the session when Submit returns nil. Rejections are returned as
// session.ErrEmptyText, session.ErrTurnInFlight, ErrNotStarted or ErrClosed.
func (c *Coordinator) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return session.ErrEmptyText
	}

	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	req := submitRequest{text: text, result: make(chan error, 1)}
	if err := c.post(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.result:
		return err
	case <-c.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect replaces the streaming connection with a new one. A turn in flight on the old
// connection is failed.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	req := reconnectRequest{done: make(chan struct{})}
	if err := c.post(ctx, req); err != nil {
		return err
	}
	select {
	case <-req.done:
		return nil
	case <-c.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the state published after the last applied transition.
func (c *Coordinator) Snapshot() session.Snapshot {
	return *c.latest.Load()
}

// ConnectionState reports the state of the current streaming connection.
func (c *Coordinator) ConnectionState() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return transport.StateIdle
	}
	return c.conn.State()
}

func (c *Coordinator) post(ctx context.Context, item interface{}) error {
	select {
	case <-c.stopping:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- item:
		return nil
	case <-c.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync is used by transport goroutines; after teardown the item is dropped.
func (c *Coordinator) postAsync(item interface{}) {
	if err := c.post(context.Background(), item); err != nil {
		c.logger.Debug("dropped event after close", "item", describe(item))
	}
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.stopping:
			return
		case item := <-c.queue:
			select {
			case <-c.stopping:
				return
			default:
			}
			c.handle(item)
		}
	}
}

func (c *Coordinator) handle(item interface{}) {
	switch it := item.(type) {
	case submitRequest:
		it.result <- c.handleSubmit(it.text)
	case streamEvent:
		if it.gen != c.gen {
			c.logger.Debug("dropped event of a replaced connection", "event", it.ev.Kind.String())
			return
		}
		if c.sess.TurnInFlight() && !c.streamTurn {
			c.applyDetached(it.ev)
			return
		}
		c.apply(it.ev)
	case turnResult:
		c.handleTurnResult(it)
	case reconnectRequest:
		c.handleReconnect()
		if it.done != nil {
			close(it.done)
		}
	}
}

func (c *Coordinator) handleSubmit(text string) error {
	if err := c.sess.Submit(text); err != nil {
		c.logger.Info("submission rejected", "reason", err.Error())
		return err
	}
	c.turn++
	turn := c.turn
	c.streamTurn = false
	c.turnsStarted.Add(c.ctx, 1)
	c.publish()

	token, hasToken := c.creds.Token()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && conn.State() == transport.StateOpen && (hasToken || !c.requireStreamCredential) {
		c.logger.Info("sending query over stream", "turn", turn)
		c.streamTurn = true
		go c.sendStream(conn, turn, text, token)
		return nil
	}

	c.logger.Warn("stream unavailable, sending query over HTTP", "turn", turn)
	c.dispatchFallback(turn, text, token, hasToken)
	return nil
}

// dispatchFallback runs on the loop. Missing credentials or a missing fallback fail the
// turn right away without touching the network.
func (c *Coordinator) dispatchFallback(turn uint64, text, token string, hasToken bool) {
	if c.fallback == nil {
		c.apply(session.TurnFailedEvent(ErrNotConnected))
		return
	}
	if !hasToken {
		c.apply(session.TurnFailedEvent(transport.ErrFallbackAuthRequired))
		return
	}
	go c.requestFallback(turn, text, token)
}

func (c *Coordinator) sendStream(conn Stream, turn uint64, text, token string) {
	err := conn.Send(text)
	if err == nil {
		return
	}
	if !errors.Is(err, transport.ErrSendOnClosedConnection) {
		c.postAsync(turnResult{turn: turn, err: err})
		return
	}

	// The connection went away between the state check and the write.
	if c.fallback == nil {
		c.postAsync(turnResult{turn: turn, err: ErrNotConnected})
		return
	}
	if token == "" {
		c.postAsync(turnResult{turn: turn, err: transport.ErrFallbackAuthRequired})
		return
	}
	c.requestFallback(turn, text, token)
}

func (c *Coordinator) requestFallback(turn uint64, text, token string) {
	ctx, span := c.tracer.Start(c.ctx, "fallback_request")
	defer span.End()

	start := time.Now()
	reply, err := c.fallback.RequestOnce(ctx, text, token)
	c.fallbackDuration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.postAsync(turnResult{turn: turn, reply: reply, err: err})
}

func (c *Coordinator) handleTurnResult(res turnResult) {
	if res.turn != c.turn || !c.sess.TurnInFlight() {
		c.logger.Info("dropped result of a finished turn", "turn", res.turn)
		return
	}
	if res.err != nil {
		c.apply(session.TurnFailedEvent(res.err))
		return
	}
	// Fragment and TurnComplete land in the same loop step.
	c.sess.Apply(session.FragmentEvent(res.reply))
	c.apply(session.TurnCompleteEvent())
}

func (c *Coordinator) handleReconnect() {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		c.logger.Info("replacing chat connection")
		go old.Close()
		if c.streamTurn && c.sess.TurnInFlight() {
			c.apply(session.TurnFailedEvent(ErrConnectionReplaced))
		}
	}

	c.gen++
	if c.dial == nil {
		return
	}
	token, hasToken := c.creds.Token()
	if c.requireStreamCredential && !hasToken {
		c.logger.Info("stream requires a credential, staying on HTTP")
		return
	}

	conn := c.dial(c.ctx, token, c.streamHandlers(c.gen))
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Coordinator) streamHandlers(gen uint64) transport.Handlers {
	send := func(ev session.Event) {
		c.postAsync(streamEvent{gen: gen, ev: ev})
	}
	return transport.Handlers{
		OnFragment: func(text string) {
			send(session.FragmentEvent(text))
		},
		OnTerminal: func() {
			send(session.TurnCompleteEvent())
		},
		OnTurnError: func(err error) {
			send(session.TurnFailedEvent(err))
		},
		OnError: func(err error) {
			send(session.TurnFailedEvent(err))
		},
		OnClosed: func(code int, normal bool) {
			send(session.ConnectionLostEvent(code, normal))
		},
	}
}

// applyDetached handles a stream event while the turn in flight went out over HTTP. The
// stream carries no part of that turn, so failures are only surfaced and the fallback
// result finalizes the turn.
func (c *Coordinator) applyDetached(ev session.Event) {
	switch {
	case ev.Kind == session.EventTurnFailed:
		c.sess.RecordError(ev.Err)
	case ev.Kind == session.EventConnectionLost && !ev.Normal:
		c.sess.RecordError(&transport.ConnectionAbnormalClose{Code: ev.Code})
	default:
		c.logger.Debug("dropped stream event during HTTP turn", "event", ev.Kind.String())
		return
	}
	c.logger.Warn("chat connection problem", "error", c.sess.LastError())
	c.publish()
}

// apply runs one transition, records the turn outcome and publishes the new state.
func (c *Coordinator) apply(ev session.Event) {
	wasInFlight := c.sess.TurnInFlight()
	c.sess.Apply(ev)

	if wasInFlight && !c.sess.TurnInFlight() {
		c.streamTurn = false
		if ev.Kind == session.EventTurnComplete || (ev.Kind == session.EventConnectionLost && ev.Normal) {
			c.turnsCompleted.Add(c.ctx, 1)
		} else {
			c.turnsFailed.Add(c.ctx, 1)
			c.logger.Warn("turn failed", "error", c.sess.LastError())
		}
	} else if ev.Kind == session.EventTurnFailed || (ev.Kind == session.EventConnectionLost && !ev.Normal) {
		c.logger.Warn("chat connection problem", "error", c.sess.LastError())
	}
	c.publish()
}

func (c *Coordinator) publish() {
	snap := c.sess.Snapshot()
	c.latest.Store(&snap)
	for _, o := range c.observers {
		o(snap)
	}
}

func describe(item interface{}) string {
	switch it := item.(type) {
	case streamEvent:
		return it.ev.Kind.String()
	case turnResult:
		return "turn_result"
	case submitRequest:
		return "submit"
	case reconnectRequest:
		return "reconnect"
	default:
		return "unknown"
	}
}
