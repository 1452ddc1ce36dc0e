// Package session holds the authoritative state of one chat view: the ordered messages,
// whether an assistant turn is in flight, and the last surfaced error.
//
// A Session has a single writer. It is not safe for concurrent use; the coordinator
// serializes every transition onto one goroutine.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"StreamChat/internal/transport"
)

// Author identifies who wrote a message.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// FailureMarker prefixes the annotation added to an assistant message whose turn failed.
const FailureMarker = "[error]"

var (
	// ErrEmptyText rejects submissions that are empty after trimming.
	ErrEmptyText = errors.New("query is empty")
	// ErrTurnInFlight rejects submissions while the assistant is still replying.
	ErrTurnInFlight = errors.New("assistant is still replying")
)

// Message represents a single chat message
type Message struct {
	ID          string    `json:"id"`
	Author      Author    `json:"author"`
	Text        string    `json:"text"`
	IsStreaming bool      `json:"is_streaming"`
	Failed      bool      `json:"failed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is an immutable view of a session at one point in time.
type Snapshot struct {
	SessionID    string
	Messages     []Message
	TurnInFlight bool
	LastError    error
}

// Session represents a chat session
type Session struct {
	id           string
	messages     []Message
	open         int // index of the streaming assistant message, -1 when none
	turnInFlight bool
	lastError    error

	now func() time.Time
}

// New creates an empty session.
func New(id string) *Session {
	return &Session{
		id:   id,
		open: -1,
		now:  time.Now,
	}
}

// NewID returns a time-ordered identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Restore seeds an empty session with finalized history.
func (s *Session) Restore(history []Message) error {
	if len(s.messages) != 0 {
		return errors.New("cannot restore into a session that already has messages")
	}
	for _, msg := range history {
		msg.IsStreaming = false
		s.messages = append(s.messages, msg)
	}
	return nil
}

// Submit appends the user message and an empty streaming assistant placeholder.
// It returns ErrEmptyText or ErrTurnInFlight without touching state when rejected.
func (s *Session) Submit(text string) error {
	if s.turnInFlight {
		return ErrTurnInFlight
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	s.append(AuthorUser, text, false)
	s.openAssistant("")
	s.lastError = nil
	return nil
}

// Fragment appends text to the open assistant message. Without one, a new streaming
// assistant message is started so late or duplicated frames are kept, not dropped.
func (s *Session) Fragment(text string) {
	if s.open < 0 {
		s.openAssistant(text)
		return
	}
	s.messages[s.open].Text += text
}

// TurnComplete finalizes the open assistant message. It is a no-op without one.
func (s *Session) TurnComplete() {
	if s.open < 0 {
		return
	}
	s.messages[s.open].IsStreaming = false
	s.closeTurn()
}

// TurnFailed records err and finalizes the open assistant message with a failure
// annotation, keeping any partial text.
func (s *Session) TurnFailed(err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.lastError = err

	if s.open >= 0 {
		msg := &s.messages[s.open]
		annotation := FailureMarker + " " + err.Error()
		if msg.Text == "" {
			msg.Text = annotation
		} else {
			msg.Text += "\n" + annotation
		}
		msg.IsStreaming = false
		msg.Failed = true
	}
	s.closeTurn()
}

// ConnectionLost handles the end of the streaming connection. An abnormal close fails the
// turn; either way nothing is left generating.
func (s *Session) ConnectionLost(code int, normal bool) {
	if !normal {
		s.TurnFailed(&transport.ConnectionAbnormalClose{Code: code})
		return
	}
	s.TurnComplete()
}

// RecordError surfaces err without touching the messages or the turn.
func (s *Session) RecordError(err error) {
	if err != nil {
		s.lastError = err
	}
}

// Messages returns a copy of the message list in chronological order.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TurnInFlight reports whether the assistant is producing a reply.
func (s *Session) TurnInFlight() bool {
	return s.turnInFlight
}

// LastError returns the last surfaced error, nil after a successful submission.
func (s *Session) LastError() error {
	return s.lastError
}

// Snapshot captures the current state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:    s.id,
		Messages:     s.Messages(),
		TurnInFlight: s.turnInFlight,
		LastError:    s.lastError,
	}
}

func (s *Session) append(author Author, text string, streaming bool) {
	s.messages = append(s.messages, Message{
		ID:          NewID(),
		Author:      author,
		Text:        text,
		IsStreaming: streaming,
		CreatedAt:   s.now(),
	})
}

func (s *Session) openAssistant(text string) {
	s.append(AuthorAssistant, text, true)
	s.open = len(s.messages) - 1
	s.turnInFlight = true
}

func (s *Session) closeTurn() {
	s.open = -1
	s.turnInFlight = false
}
