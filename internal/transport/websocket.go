package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeWait = 10 * time.Second

// Handlers receive stream events. They are called from a single reader goroutine,
// in the order frames arrive. Nil handlers are skipped.
type Handlers struct {
	OnFragment  func(text string)
	OnTerminal  func()
	OnTurnError func(err error)
	OnError     func(err error)
	OnClosed    func(code int, normal bool)
}

func (h Handlers) fragment(text string) {
	if h.OnFragment != nil {
		h.OnFragment(text)
	}
}

func (h Handlers) terminal() {
	if h.OnTerminal != nil {
		h.OnTerminal()
	}
}

func (h Handlers) turnError(err error) {
	if h.OnTurnError != nil {
		h.OnTurnError(err)
	}
}

func (h Handlers) failure(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handlers) closed(code int, normal bool) {
	if h.OnClosed != nil {
		h.OnClosed(code, normal)
	}
}

// Dialer opens streaming connections to the chat backend.
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
	// CloseTimeout bounds how long Close waits for the peer to acknowledge.
	CloseTimeout time.Duration
	Terminator   string
	ErrorPrefix  string

	logger *slog.Logger
}

// NewDialer creates a Dialer for the websocket endpoint at url.
func NewDialer(url string, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if url == "" {
		return nil, errors.New("stream url cannot be empty")
	}
	return &Dialer{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     2 * time.Second,
		Terminator:       DefaultTerminator,
		ErrorPrefix:      DefaultErrorPrefix,
		logger:           logger,
	}, nil
}

// Open starts connecting and returns immediately. Establishment failures are reported
// through h.OnError, never returned. token, when non-empty, is sent as a bearer header.
func (d *Dialer) Open(ctx context.Context, token string, h Handlers) *Conn {
	c := &Conn{
		url:          d.URL,
		terminator:   d.Terminator,
		errorPrefix:  d.ErrorPrefix,
		closeTimeout: d.CloseTimeout,
		handlers:     h,
		logger:       d.logger.With("url", d.URL),
		done:         make(chan struct{}),
	}
	if c.terminator == "" {
		c.terminator = DefaultTerminator
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.setState(StateConnecting)

	go c.connect(dialCtx, &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}, header)
	return c
}

// Conn is one streaming connection. It is safe for concurrent use.
type Conn struct {
	url          string
	terminator   string
	errorPrefix  string
	closeTimeout time.Duration
	handlers     Handlers
	logger       *slog.Logger

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	cancelDial context.CancelFunc

	writeMu sync.Mutex
	done    chan struct{}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reached a terminal state and its goroutine exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// setState applies a legal transition and reports whether it happened.
func (c *Conn) setState(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(to)
}

func (c *Conn) setStateLocked(to State) bool {
	if !CanTransition(c.state, to) {
		return false
	}
	c.logger.Debug("chat stream state change", "from", c.state.String(), "to", to.String())
	c.state = to
	return true
}

func (c *Conn) connect(ctx context.Context, dialer *websocket.Dialer, header http.Header) {
	defer close(c.done)
	defer c.cancelDial()

	ws, resp, err := dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if c.setState(StateErrored) {
			c.logger.Error("failed to connect to chat stream", "error", err)
			c.handlers.failure(&ConnectionEstablishError{URL: c.url, Err: err})
		}
		return
	}

	c.mu.Lock()
	if !c.setStateLocked(StateOpen) {
		// Closed while the handshake was in flight.
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.logger.Info("chat stream connected")
	c.readLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		text := string(data)
		switch {
		case text == c.terminator:
			c.handlers.terminal()
		case c.errorPrefix != "" && strings.HasPrefix(text, c.errorPrefix):
			detail := strings.TrimSpace(strings.TrimPrefix(text, c.errorPrefix))
			c.logger.Warn("server reported a failed turn", "detail", detail)
			c.handlers.turnError(&RemoteTurnError{Detail: detail})
		default:
			c.handlers.fragment(text)
		}
	}
}

func (c *Conn) handleReadError(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		c.setState(StateClosed)
		normal := closeErr.Code == websocket.CloseNormalClosure
		if normal {
			c.logger.Info("chat stream closed", "code", closeErr.Code)
		} else {
			c.logger.Warn("chat stream closed abnormally", "code", closeErr.Code, "reason", closeErr.Text)
		}
		c.handlers.closed(closeErr.Code, normal)
		return
	}

	c.mu.Lock()
	if c.state == StateClosing {
		// Our own Close gave up waiting and tore the socket down.
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.handlers.closed(CloseNormal, true)
		return
	}
	errored := c.setStateLocked(StateErrored)
	c.mu.Unlock()

	if errored {
		c.logger.Error("chat stream read failed", "error", err)
		c.handlers.failure(&ConnectionError{Err: err})
	}
}

// Send transmits one query. When the connection is not open it logs a warning and
// returns ErrSendOnClosedConnection.
func (c *Conn) Send(payload string) error {
	c.mu.Lock()
	state, ws := c.state, c.ws
	c.mu.Unlock()

	if state != StateOpen {
		c.logger.Warn("chat stream is not connected or not ready", "state", state.String())
		return ErrSendOnClosedConnection
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return errors.Wrap(err, "failed to write query")
	}
	return nil
}

// Close shuts the connection down. It is safe to call more than once and in any state.
func (c *Conn) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateConnecting:
		c.setStateLocked(StateClosed)
		cancel := c.cancelDial
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case StateOpen:
		c.setStateLocked(StateClosing)
		ws := c.ws
		c.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.logger.Debug("failed to write close frame", "error", err)
		}

		select {
		case <-c.done:
		case <-time.After(c.closeTimeout):
			c.logger.Warn("chat stream did not acknowledge close, dropping it")
			ws.Close()
			<-c.done
		}
		c.logger.Info("closed chat stream")
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}
