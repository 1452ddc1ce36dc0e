package chatbot

import (
	"fmt"
	"io"

	"StreamChat/internal/session"
)

// renderer turns successive session snapshots into incremental terminal output.
// Assistant text is printed as it grows; finalized messages are handed to persist once.
type renderer struct {
	out     io.Writer
	persist func(session.Message)

	printed   map[string]int
	started   map[string]bool
	finalized map[string]bool
	lastErr   string
}

func newRenderer(out io.Writer, persist func(session.Message)) *renderer {
	return &renderer{
		out:       out,
		persist:   persist,
		printed:   make(map[string]int),
		started:   make(map[string]bool),
		finalized: make(map[string]bool),
	}
}

// seed marks restored history as already shown and stored.
func (r *renderer) seed(history []session.Message) {
	for _, m := range history {
		r.finalized[m.ID] = true
	}
}

func (r *renderer) render(snap session.Snapshot) {
	failedShown := false
	for _, m := range snap.Messages {
		if r.finalized[m.ID] {
			continue
		}
		if m.Author == session.AuthorAssistant {
			r.writeAssistant(m)
		}
		if m.IsStreaming {
			continue
		}

		r.finalized[m.ID] = true
		delete(r.printed, m.ID)
		delete(r.started, m.ID)
		if m.Failed {
			failedShown = true
		}
		if r.persist != nil {
			r.persist(m)
		}
	}

	errText := ""
	if snap.LastError != nil {
		errText = snap.LastError.Error()
	}
	// A failed message already carries the annotation.
	if errText != "" && errText != r.lastErr && !failedShown {
		fmt.Fprintf(r.out, "Error: %s\n", errText)
	}
	r.lastErr = errText
}

func (r *renderer) writeAssistant(m session.Message) {
	n := r.printed[m.ID]
	if n > len(m.Text) {
		n = 0
	}
	delta := m.Text[n:]

	if !r.started[m.ID] {
		if delta == "" && m.IsStreaming {
			return
		}
		fmt.Fprint(r.out, "Bot: ")
		r.started[m.ID] = true
	}
	fmt.Fprint(r.out, delta)
	r.printed[m.ID] = len(m.Text)

	if !m.IsStreaming {
		fmt.Fprint(r.out, "\n\n")
	}
}
