package coordinator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"StreamChat/internal/session"
	"StreamChat/internal/transport"
)

const waitFor = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	mu      sync.Mutex
	state   transport.State
	sendErr error
	sent    chan string
	closed  atomic.Int32
}

func newFakeStream(state transport.State) *fakeStream {
	return &fakeStream{state: state, sent: make(chan string, 8)}
}

func (s *fakeStream) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStream) Send(payload string) error {
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.sent <- payload
	return nil
}

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	s.mu.Lock()
	s.state = transport.StateClosed
	s.mu.Unlock()
	return nil
}

// fakeDialer hands out the given streams in order and keeps the handlers of each dial.
type fakeDialer struct {
	mu       sync.Mutex
	streams  []*fakeStream
	handlers []transport.Handlers
	tokens   []string
}

func (d *fakeDialer) dial(ctx context.Context, token string, h transport.Handlers) Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := len(d.handlers)
	d.handlers = append(d.handlers, h)
	d.tokens = append(d.tokens, token)
	if i < len(d.streams) {
		return d.streams[i]
	}
	return newFakeStream(transport.StateErrored)
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

func (d *fakeDialer) handler(i int) transport.Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[i]
}

type fallbackCall struct {
	query string
	token string
}

// fakeFallback answers every query with reply unless a gate is registered for it.
type fakeFallback struct {
	mu    sync.Mutex
	calls []fallbackCall
	reply string
	err   error
	gates map[string]chan string
}

func (f *fakeFallback) RequestOnce(ctx context.Context, query, token string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fallbackCall{query: query, token: token})
	gate := f.gates[query]
	reply, err := f.reply, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case r := <-gate:
			return r, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func startCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(append([]Option{WithLogger(testLogger())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func lastMessage(c *Coordinator) session.Message {
	msgs := c.Snapshot().Messages
	if len(msgs) == 0 {
		return session.Message{}
	}
	return msgs[len(msgs)-1]
}

func waitIdle(t *testing.T, c *Coordinator) session.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.Snapshot().TurnInFlight
	}, waitFor, 5*time.Millisecond)
	return c.Snapshot()
}

func waitDialed(t *testing.T, d *fakeDialer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.dials() >= n }, waitFor, 5*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	_, err := New(WithFallback(&fakeFallback{}))
	assert.Error(t, err)

	_, err = New(WithLogger(testLogger()))
	assert.Error(t, err)
}

func TestSubmitBeforeStartAndAfterClose(t *testing.T) {
	c, err := New(WithLogger(testLogger()), WithFallback(&fakeFallback{}))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Submit(context.Background(), "hi"), ErrNotStarted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Reconnect(ctx), ErrNotStarted)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Submit(context.Background(), "hi"), ErrClosed)
	assert.ErrorIs(t, c.Reconnect(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestFallbackWithCredential(t *testing.T) {
	fb := &fakeFallback{reply: "42"}
	c := startCoordinator(t,
		WithFallback(fb),
		WithCredentials(StaticCredentials("tok")),
	)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	snap := waitIdle(t, c)

	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hi", snap.Messages[0].Text)
	assert.Equal(t, session.AuthorAssistant, snap.Messages[1].Author)
	assert.Equal(t, "42", snap.Messages[1].Text)
	assert.False(t, snap.Messages[1].IsStreaming)
	assert.NoError(t, snap.LastError)
	assert.Equal(t, []fallbackCall{{query: "hi", token: "tok"}}, fb.calls)
}

type slowFallback struct {
	delay time.Duration
}

func (f slowFallback) RequestOnce(ctx context.Context, query, token string) (string, error) {
	time.Sleep(f.delay)
	return "done", nil
}

func TestFallbackDurationKeepsSubMillisecondPrecision(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	c := startCoordinator(t,
		WithFallback(slowFallback{delay: 1500 * time.Microsecond}),
		WithCredentials(StaticCredentials("tok")),
		WithMeter(provider.Meter("test")),
	)
	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "streamchat.fallback.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.Len(t, hist.DataPoints, 1)
			found = true
			sum := hist.DataPoints[0].Sum
			assert.GreaterOrEqual(t, sum, 1.5)
			assert.NotEqual(t, float64(int64(sum)), sum)
		}
	}
	assert.True(t, found)
}

func TestFallbackWithoutCredentialFailsFast(t *testing.T) {
	fb := &fakeFallback{reply: "never"}
	c := startCoordinator(t, WithFallback(fb))

	require.NoError(t, c.Submit(context.Background(), "hi"))

	// The failure is applied before Submit returns.
	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.False(t, snap.TurnInFlight)
	assert.True(t, snap.Messages[1].Failed)
	assert.True(t, strings.HasPrefix(snap.Messages[1].Text, session.FailureMarker))
	assert.ErrorIs(t, snap.LastError, transport.ErrFallbackAuthRequired)
	assert.Zero(t, fb.callCount())
}

func TestFallbackError(t *testing.T) {
	fb := &fakeFallback{err: &transport.APIError{StatusCode: 500, Detail: "server exploded"}}
	c := startCoordinator(t, WithFallback(fb), WithCredentials(StaticCredentials("tok")))

	require.NoError(t, c.Submit(context.Background(), "hi"))
	snap := waitIdle(t, c)

	msg := snap.Messages[1]
	assert.True(t, msg.Failed)
	assert.Contains(t, msg.Text, "server exploded")
	assert.EqualError(t, snap.LastError, "server exploded")
}

func TestNoTransportAvailable(t *testing.T) {
	d := &fakeDialer{}
	c := startCoordinator(t, WithDialer(d.dial))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	snap := waitIdle(t, c)
	assert.ErrorIs(t, snap.LastError, ErrNotConnected)
	assert.True(t, snap.Messages[1].Failed)
}

func TestStreamedTurn(t *testing.T) {
	stream := newFakeStream(transport.StateOpen)
	d := &fakeDialer{streams: []*fakeStream{stream}}
	fb := &fakeFallback{}
	c := startCoordinator(t, WithDialer(d.dial), WithFallback(fb))
	waitDialed(t, d, 1)
	assert.Equal(t, transport.StateOpen, c.ConnectionState())

	require.NoError(t, c.Submit(context.Background(), "hi"))
	assert.True(t, c.Snapshot().TurnInFlight)
	assert.Equal(t, "hi", <-stream.sent)

	h := d.handler(0)
	h.OnFragment("Hel")
	h.OnFragment("lo")
	h.OnTerminal()

	snap := waitIdle(t, c)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Hello", snap.Messages[1].Text)
	assert.False(t, snap.Messages[1].IsStreaming)
	assert.Zero(t, fb.callCount())
	assert.Equal(t, transport.StateOpen, c.ConnectionState())
}

func TestSubmitRejections(t *testing.T) {
	stream := newFakeStream(transport.StateOpen)
	d := &fakeDialer{streams: []*fakeStream{stream}}
	c := startCoordinator(t, WithDialer(d.dial))
	waitDialed(t, d, 1)

	assert.ErrorIs(t, c.Submit(context.Background(), "   "), session.ErrEmptyText)
	assert.Empty(t, c.Snapshot().Messages)

	require.NoError(t, c.Submit(context.Background(), "first"))
	before := c.Snapshot().Messages

	assert.ErrorIs(t, c.Submit(context.Background(), "second"), session.ErrTurnInFlight)
	assert.Equal(t, before, c.Snapshot().Messages)
}

func TestSendOnClosedConnectionFallsBack(t *testing.T) {
	stream := newFakeStream(transport.StateOpen)
	stream.sendErr = transport.ErrSendOnClosedConnection
	d := &fakeDialer{streams: []*fakeStream{stream}}
	fb := &fakeFallback{reply: "from http"}
	c := startCoordinator(t, WithDialer(d.dial), WithFallback(fb), WithCredentials(StaticCredentials("tok")))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	snap := waitIdle(t, c)
	assert.Equal(t, "from http", snap.Messages[1].Text)
	assert.NoError(t, snap.LastError)
	assert.Equal(t, 1, fb.callCount())
}

func TestSendFailureFailsTurn(t *testing.T) {
	stream := newFakeStream(transport.StateOpen)
	stream.sendErr = errors.New("broken pipe")
	d := &fakeDialer{streams: []*fakeStream{stream}}
	c := startCoordinator(t, WithDialer(d.dial))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	snap := waitIdle(t, c)
	assert.EqualError(t, snap.LastError, "broken pipe")
	assert.True(t, snap.Messages[1].Failed)
}

func TestAbnormalCloseFailsStreamingTurn(t *testing.T) {
	stream := newFakeStream(transport.StateOpen)
	d := &fakeDialer{streams: []*fakeStream{stream}}
	c := startCoordinator(t, WithDialer(d.dial))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	<-stream.sent
	h := d.handler(0)
	h.OnFragment("par")
	h.OnClosed(1006, false)

	snap := waitIdle(t, c)
	msg := snap.Messages[1]
	assert.False(t, msg.IsStreaming)
	assert.True(t, msg.Failed)
	assert.True(t, strings.HasPrefix(msg.Text, "par\n"))

	var closeErr *transport.ConnectionAbnormalClose
	require.ErrorAs(t, snap.LastError, &closeErr)
	assert.Equal(t, 1006, closeErr.Code)
}

func TestInBandErrorFailsTurn(t *testing.T) {
	stream := newFakeStream(transport.StateOpen)
	d := &fakeDialer{streams: []*fakeStream{stream}}
	c := startCoordinator(t, WithDialer(d.dial))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	<-stream.sent
	d.handler(0).OnTurnError(&transport.RemoteTurnError{Detail: "overloaded"})

	snap := waitIdle(t, c)
	var remote *transport.RemoteTurnError
	require.ErrorAs(t, snap.LastError, &remote)
	assert.Equal(t, "overloaded", remote.Detail)
	assert.Zero(t, stream.closed.Load())
}

func TestStreamFailureDuringHTTPTurnKeepsReply(t *testing.T) {
	tests := map[string]struct {
		fail    func(h transport.Handlers)
		wantErr error
	}{
		"establish error": {
			fail: func(h transport.Handlers) {
				h.OnError(&transport.ConnectionEstablishError{URL: "ws://x", Err: errors.New("refused")})
			},
			wantErr: &transport.ConnectionEstablishError{},
		},
		"abnormal close": {
			fail:    func(h transport.Handlers) { h.OnClosed(1006, false) },
			wantErr: &transport.ConnectionAbnormalClose{},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d := &fakeDialer{streams: []*fakeStream{newFakeStream(transport.StateConnecting)}}
			fb := &fakeFallback{gates: map[string]chan string{"q": make(chan string, 1)}}
			c := startCoordinator(t, WithDialer(d.dial), WithFallback(fb), WithCredentials(StaticCredentials("tok")))
			waitDialed(t, d, 1)

			require.NoError(t, c.Submit(context.Background(), "q"))
			require.Eventually(t, func() bool { return fb.callCount() == 1 }, waitFor, 5*time.Millisecond)

			tt.fail(d.handler(0))
			require.Eventually(t, func() bool {
				return c.Snapshot().LastError != nil
			}, waitFor, 5*time.Millisecond)
			snap := c.Snapshot()
			assert.True(t, snap.TurnInFlight)
			assert.IsType(t, tt.wantErr, snap.LastError)

			fb.gates["q"] <- "good answer"
			waitIdle(t, c)

			last := lastMessage(c)
			assert.Equal(t, session.AuthorAssistant, last.Author)
			assert.Equal(t, "good answer", last.Text)
			assert.False(t, last.Failed)
			assert.False(t, last.IsStreaming)
		})
	}
}

func TestStreamFragmentsIgnoredDuringHTTPTurn(t *testing.T) {
	d := &fakeDialer{streams: []*fakeStream{newFakeStream(transport.StateConnecting)}}
	fb := &fakeFallback{gates: map[string]chan string{"q": make(chan string, 1)}}
	c := startCoordinator(t, WithDialer(d.dial), WithFallback(fb), WithCredentials(StaticCredentials("tok")))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "q"))
	h := d.handler(0)
	h.OnFragment("noise")
	h.OnTerminal()
	h.OnClosed(transport.CloseNormal, true)

	fb.gates["q"] <- "answer"
	snap := waitIdle(t, c)
	assert.Equal(t, "answer", lastMessage(c).Text)
	assert.NoError(t, snap.LastError)
}

func TestEventsAfterCloseDropped(t *testing.T) {
	stream := newFakeStream(transport.StateOpen)
	d := &fakeDialer{streams: []*fakeStream{stream}}
	c, err := New(WithLogger(testLogger()), WithDialer(d.dial))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	<-stream.sent
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), stream.closed.Load())

	before := c.Snapshot()
	h := d.handler(0)
	h.OnFragment("late")
	h.OnTerminal()
	h.OnClosed(1006, false)
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, transport.StateIdle, c.ConnectionState())
}

func TestReconnectReplacesConnection(t *testing.T) {
	first := newFakeStream(transport.StateOpen)
	second := newFakeStream(transport.StateOpen)
	d := &fakeDialer{streams: []*fakeStream{first, second}}
	c := startCoordinator(t, WithDialer(d.dial), WithCredentials(StaticCredentials("tok")))
	waitDialed(t, d, 1)

	require.NoError(t, c.Submit(context.Background(), "hi"))
	<-first.sent

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, 2, d.dials())
	require.Eventually(t, func() bool { return first.closed.Load() == 1 }, waitFor, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.False(t, snap.TurnInFlight)
	assert.ErrorIs(t, snap.LastError, ErrConnectionReplaced)

	// Events of the replaced connection are ignored.
	d.handler(0).OnFragment("ghost")
	require.NoError(t, c.Submit(context.Background(), "again"))
	assert.Equal(t, "again", <-second.sent)
	d.handler(1).OnFragment("ok")
	d.handler(1).OnTerminal()

	snap = waitIdle(t, c)
	for _, m := range snap.Messages {
		assert.NotContains(t, m.Text, "ghost")
	}
	assert.Equal(t, "ok", lastMessage(c).Text)
	assert.Equal(t, []string{"tok", "tok"}, d.tokens)
}

func TestStreamCredentialRequired(t *testing.T) {
	d := &fakeDialer{streams: []*fakeStream{newFakeStream(transport.StateOpen)}}
	fb := &fakeFallback{reply: "unused"}
	c := startCoordinator(t,
		WithDialer(d.dial),
		WithFallback(fb),
		WithStreamCredentialRequired(true),
	)
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Zero(t, d.dials())

	require.NoError(t, c.Submit(context.Background(), "hi"))
	snap := c.Snapshot()
	assert.ErrorIs(t, snap.LastError, transport.ErrFallbackAuthRequired)
	assert.Zero(t, fb.callCount())
}

func TestObserverSeesEveryTransition(t *testing.T) {
	var mu sync.Mutex
	var seen []session.Snapshot
	observer := func(s session.Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	fb := &fakeFallback{reply: "42"}
	c := startCoordinator(t, WithFallback(fb), WithCredentials(StaticCredentials("tok")), WithObserver(observer))
	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].TurnInFlight)
	assert.Equal(t, "", seen[0].Messages[1].Text)
	assert.False(t, seen[1].TurnInFlight)
	assert.Equal(t, "42", seen[1].Messages[1].Text)
}

func TestResumedSession(t *testing.T) {
	sess := session.New("resumed")
	require.NoError(t, sess.Restore([]session.Message{
		{ID: "1", Author: session.AuthorUser, Text: "old question"},
		{ID: "2", Author: session.AuthorAssistant, Text: "old answer"},
	}))

	c := startCoordinator(t, WithSession(sess), WithFallback(&fakeFallback{reply: "new"}), WithCredentials(StaticCredentials("tok")))
	assert.Equal(t, "resumed", c.Snapshot().SessionID)
	assert.Len(t, c.Snapshot().Messages, 2)

	require.NoError(t, c.Submit(context.Background(), "next"))
	snap := waitIdle(t, c)
	assert.Len(t, snap.Messages, 4)
	assert.Equal(t, "new", snap.Messages[3].Text)
}
