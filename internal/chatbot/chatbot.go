package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"StreamChat/internal/cache"
	"StreamChat/internal/config"
	"StreamChat/internal/coordinator"
	"StreamChat/internal/session"
	"StreamChat/internal/store"
	"StreamChat/internal/telemetry"
	"StreamChat/internal/transport"
)

// ChatBot represents the main application
type ChatBot struct {
	config  *config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	store   *store.Store
	dialer  *transport.Dialer
	api     *transport.HTTPClient
	in      io.Reader
	out     io.Writer
	cleanup []func()

	mu      sync.Mutex
	current *chatSession
}

// chatSession is one coordinator plus the goroutine rendering its snapshots.
type chatSession struct {
	id       string
	coord    *coordinator.Coordinator
	frames   chan session.Snapshot
	rendered chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	inFlight bool
	count    int
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg *config.Config, version string) (*ChatBot, error) {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}

	cb := &ChatBot{
		config:  cfg,
		logger:  logger,
		in:      os.Stdin,
		out:     os.Stdout,
		cleanup: []func(){func() { closeLog() }},
	}

	if cfg.Telemetry {
		tracer, meter, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir, version)
		if err != nil {
			cb.Close()
			return nil, errors.Wrap(err, "failed to initialize telemetry")
		}
		cb.tracer, cb.meter = tracer, meter
		cb.cleanup = append(cb.cleanup, shutdown)
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		cb.Close()
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	cb.store = st
	cb.cleanup = append(cb.cleanup, func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	})

	dialer, err := transport.NewDialer(cfg.StreamURL, logger)
	if err != nil {
		cb.Close()
		return nil, errors.Wrap(err, "failed to create stream dialer")
	}
	dialer.HandshakeTimeout = cfg.HandshakeTimeout
	dialer.Terminator = cfg.Terminator
	dialer.ErrorPrefix = cfg.ErrorPrefix
	cb.dialer = dialer

	httpOpts := []transport.HTTPOption{transport.WithTimeout(cfg.RequestTimeout)}
	if cfg.CacheTTL > 0 {
		httpOpts = append(httpOpts, transport.WithCache(cache.New(cfg.CacheTTL)))
	}
	if cfg.RateLimit > 0 {
		httpOpts = append(httpOpts, transport.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	api, err := transport.NewHTTPClient(cfg.APIURL, logger, httpOpts...)
	if err != nil {
		cb.Close()
		return nil, errors.Wrap(err, "failed to create API client")
	}
	cb.api = api

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}
	return cb, nil
}

// Close stops the active session and releases every resource.
func (cb *ChatBot) Close() {
	cb.mu.Lock()
	cs := cb.current
	cb.current = nil
	cb.mu.Unlock()
	if cs != nil {
		cb.stopSession(cs)
	}

	for i := len(cb.cleanup) - 1; i >= 0; i-- {
		cb.cleanup[i]()
	}
	cb.cleanup = nil
}

// resume loads the configured session, falling back to a fresh one.
func (cb *ChatBot) resume(ctx context.Context) (string, []session.Message) {
	if cb.config.SessionID == "" {
		return session.NewID(), nil
	}
	history, err := cb.store.LoadMessages(ctx, cb.config.SessionID)
	if err != nil {
		cb.logger.Warn("failed to load session, creating new one", "error", err)
		return session.NewID(), nil
	}
	cb.logger.Info("loaded existing session", "session_id", cb.config.SessionID, "message_count", len(history))
	return cb.config.SessionID, history
}

func (cb *ChatBot) startSession(ctx context.Context, id string, history []session.Message) (*chatSession, error) {
	sess := session.New(id)
	if err := sess.Restore(history); err != nil {
		return nil, errors.Wrap(err, "failed to restore session")
	}

	cs := &chatSession{
		id:       id,
		frames:   make(chan session.Snapshot, 1),
		rendered: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	opts := []coordinator.Option{
		coordinator.WithLogger(cb.logger),
		coordinator.WithSession(sess),
		coordinator.WithCredentials(coordinator.StaticCredentials(cb.config.Token)),
		coordinator.WithStreamCredentialRequired(cb.config.RequireStreamCredential),
		coordinator.WithDialer(func(ctx context.Context, token string, h transport.Handlers) coordinator.Stream {
			return cb.dialer.Open(ctx, token, h)
		}),
		coordinator.WithFallback(cb.api),
		coordinator.WithObserver(cs.observe),
	}
	if cb.tracer != nil {
		opts = append(opts, coordinator.WithTracer(cb.tracer))
	}
	if cb.meter != nil {
		opts = append(opts, coordinator.WithMeter(cb.meter))
	}

	coord, err := coordinator.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create coordinator")
	}
	cs.coord = coord

	if err := cb.store.SaveSession(ctx, id, time.Now()); err != nil {
		cb.logger.Error("failed to save session", "error", err)
	}

	r := newRenderer(cb.out, cb.persistFunc(id))
	r.seed(history)
	go cs.renderLoop(r)

	if err := coord.Start(ctx); err != nil {
		close(cs.frames)
		<-cs.done
		return nil, errors.Wrap(err, "failed to start session")
	}
	cb.logger.Info("session started", "session_id", id)
	return cs, nil
}

func (cb *ChatBot) stopSession(cs *chatSession) {
	if err := cs.coord.Close(); err != nil {
		cb.logger.Warn("error closing chat connection", "error", err)
	}
	// No observer runs once Close has returned.
	close(cs.frames)
	<-cs.done
}

func (cb *ChatBot) persistFunc(sessionID string) func(session.Message) {
	return func(msg session.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cb.store.SaveMessage(ctx, sessionID, msg); err != nil {
			cb.logger.Error("failed to save message", "message_id", msg.ID, "error", err)
		}
	}
}

// observe runs on the coordinator loop. Only the newest snapshot is kept for rendering.
func (cs *chatSession) observe(snap session.Snapshot) {
	select {
	case cs.frames <- snap:
		return
	default:
	}
	select {
	case <-cs.frames:
	default:
	}
	select {
	case cs.frames <- snap:
	default:
	}
}

func (cs *chatSession) renderLoop(r *renderer) {
	defer close(cs.done)
	for snap := range cs.frames {
		r.render(snap)

		cs.mu.Lock()
		cs.inFlight = snap.TurnInFlight
		cs.count = len(snap.Messages)
		cs.mu.Unlock()

		select {
		case cs.rendered <- struct{}{}:
		default:
		}
	}
}

// waitTurn blocks until a snapshot holding at least count messages with no turn in
// flight has been rendered.
func (cs *chatSession) waitTurn(ctx context.Context, count int) error {
	for {
		cs.mu.Lock()
		finished := !cs.inFlight && cs.count >= count
		cs.mu.Unlock()
		if finished {
			return nil
		}

		select {
		case <-cs.rendered:
		case <-cs.done:
			return coordinator.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (cb *ChatBot) active() *chatSession {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current
}

// sendMessage submits a query and waits until its reply is fully rendered.
func (cb *ChatBot) sendMessage(ctx context.Context, text string) error {
	cs := cb.active()
	if err := cs.coord.Submit(ctx, text); err != nil {
		return err
	}
	return cs.waitTurn(ctx, len(cs.coord.Snapshot().Messages))
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		cb.mu.Lock()
		old := cb.current
		cb.current = nil
		cb.mu.Unlock()
		cb.stopSession(old)

		cs, err := cb.startSession(ctx, session.NewID(), nil)
		if err != nil {
			return true, err
		}
		cb.mu.Lock()
		cb.current = cs
		cb.mu.Unlock()
		fmt.Fprintln(cb.out, "Started new session:", cs.id)
		return false, nil

	case "/reconnect":
		if err := cb.active().coord.Reconnect(ctx); err != nil {
			return false, errors.Wrap(err, "failed to reconnect")
		}
		fmt.Fprintln(cb.out, "Reconnecting to", cb.config.StreamURL)
		return false, nil

	case "/status":
		cb.printStatus(ctx)
		return false, nil

	case "/history":
		snap := cb.active().coord.Snapshot()
		if len(snap.Messages) == 0 {
			fmt.Fprintln(cb.out, "No messages yet.")
			return false, nil
		}
		fmt.Fprintln(cb.out)
		for _, m := range snap.Messages {
			status := ""
			if m.IsStreaming {
				status = " (streaming)"
			}
			fmt.Fprintf(cb.out, "[%s] %s%s: %s\n", m.CreatedAt.Format("15:04:05"), m.Author, status, m.Text)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit   - Exit the chat")
		fmt.Fprintln(cb.out, "  /new-session   - Start a new chat session")
		fmt.Fprintln(cb.out, "  /reconnect     - Open a fresh streaming connection")
		fmt.Fprintln(cb.out, "  /status        - Show connection and server status")
		fmt.Fprintln(cb.out, "  /history       - Show the messages of this session")
		fmt.Fprintln(cb.out, "  /help          - Show this help message")
		return false, nil

	default:
		return false, errors.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

func (cb *ChatBot) printStatus(ctx context.Context) {
	cs := cb.active()
	snap := cs.coord.Snapshot()

	fmt.Fprintf(cb.out, "Session:    %s\n", snap.SessionID)
	fmt.Fprintf(cb.out, "Stream:     %s (%s)\n", cs.coord.ConnectionState(), cb.config.StreamURL)
	fmt.Fprintf(cb.out, "Replying:   %t\n", snap.TurnInFlight)
	if snap.LastError != nil {
		fmt.Fprintf(cb.out, "Last error: %v\n", snap.LastError)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	report, err := cb.api.Health(ctx)
	if err != nil {
		fmt.Fprintf(cb.out, "Server:     unreachable (%v)\n", err)
		return
	}
	fmt.Fprintf(cb.out, "Server:     %s (passed %d, failed %d)\n", report.State, report.Passed, report.Failed)
}

// Run starts the chat bot
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	id, history := cb.resume(ctx)
	cs, err := cb.startSession(ctx, id, history)
	if err != nil {
		return err
	}
	cb.mu.Lock()
	cb.current = cs
	cb.mu.Unlock()

	fmt.Fprintln(cb.out, "=== StreamChat ===")
	fmt.Fprintf(cb.out, "Session: %s\n", id)
	fmt.Fprintf(cb.out, "Server:  %s\n", cb.config.StreamURL)
	if len(history) > 0 {
		fmt.Fprintf(cb.out, "Restored %d messages, /history shows them\n", len(history))
	}
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(cb.out, "You: ")
		var line string
		var ok bool
		select {
		case line, ok = <-lines:
		case <-ctx.Done():
			ok = false
		}
		if !ok {
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.sendMessage(ctx, input); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(cb.out, "Error: %v\n", err)
			cb.logger.Error("failed to send message", "error", err)
		}
	}

	fmt.Fprintln(cb.out, "\nGoodbye!")
	return nil
}
