package coordinator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"StreamChat/internal/session"
	"StreamChat/internal/transport"
)

// Stream is the part of a streaming connection the coordinator drives.
type Stream interface {
	State() transport.State
	Send(payload string) error
	Close() error
}

// DialFunc starts a streaming connection without blocking. Failures arrive through h.
type DialFunc func(ctx context.Context, token string, h transport.Handlers) Stream

// Fallback performs one request/response exchange.
type Fallback interface {
	RequestOnce(ctx context.Context, query string, token string) (string, error)
}

// Credentials supplies the bearer token of the signed-in user.
type Credentials interface {
	Token() (string, bool)
}

// StaticCredentials is a fixed token; the empty string means signed out.
type StaticCredentials string

func (s StaticCredentials) Token() (string, bool) {
	return string(s), s != ""
}

// Observer receives a snapshot after every applied transition. It runs on the event
// loop and must not block or call back into the Coordinator synchronously.
type Observer func(session.Snapshot)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. It is required.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithDialer enables the streaming path.
func WithDialer(dial DialFunc) Option {
	return func(c *Coordinator) {
		c.dial = dial
	}
}

// WithFallback enables the single-shot path.
func WithFallback(f Fallback) Option {
	return func(c *Coordinator) {
		c.fallback = f
	}
}

// WithCredentials sets the credential source.
func WithCredentials(creds Credentials) Option {
	return func(c *Coordinator) {
		c.creds = creds
	}
}

// WithStreamCredentialRequired keeps the stream closed and unused while no token is available.
func WithStreamCredentialRequired(required bool) Option {
	return func(c *Coordinator) {
		c.requireStreamCredential = required
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, o)
	}
}

// WithSession uses an existing session, for example one restored from storage.
func WithSession(s *session.Session) Option {
	return func(c *Coordinator) {
		c.sess = s
	}
}

// WithTracer records a span per fallback request.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithMeter records turn counters and fallback latency.
func WithMeter(m metric.Meter) Option {
	return func(c *Coordinator) {
		c.meter = m
	}
}

// WithQueueSize sets the event queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queueSize = n
		}
	}
}
