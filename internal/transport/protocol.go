package transport

// Wire types for the chat backend.
//
// The streaming endpoint speaks raw text frames: the client sends the query text, the server
// answers with fragments followed by the terminator. The single-shot endpoint speaks JSON.

const (
	// DefaultTerminator marks end-of-turn on the streaming channel.
	DefaultTerminator = "[KONIEC_STRUMIENIA]"
	// DefaultErrorPrefix starts an in-band per-turn error frame.
	DefaultErrorPrefix = "[BŁĄD]"

	// CloseNormal is the websocket close code for a normal shutdown.
	CloseNormal = 1000
	// CloseAbnormal is reported when the connection dropped without a close frame.
	CloseAbnormal = 1006
)

// AskRequest is the body of POST /ask.
type AskRequest struct {
	Query string `json:"query"`
}

// AskResponse is the 2xx body of POST /ask.
type AskResponse struct {
	ReplyText *string `json:"replyText"`
}

// ErrorResponse is the non-2xx body of the API.
type ErrorResponse struct {
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code,omitempty"`
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	State           string  `json:"state"`
	TestDurationSec float64 `json:"test_duration_sec"`
	Passed          int     `json:"passed"`
	Failed          int     `json:"failed"`
	Timestamp       float64 `json:"timestamp"`
}
