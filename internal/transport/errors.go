package transport

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrSendOnClosedConnection is returned by Send when the connection is not open.
// It is a warning: the turn is not failed by it.
var ErrSendOnClosedConnection = errors.New("send on a connection that is not open")

// ErrFallbackAuthRequired means the single-shot path has no usable credential.
var ErrFallbackAuthRequired = errors.New("you must be logged in to send queries")

// ConnectionEstablishError is delivered through OnError when the stream could not be opened
// or failed before it became ready.
type ConnectionEstablishError struct {
	URL string
	Err error
}

func (e *ConnectionEstablishError) Error() string {
	return fmt.Sprintf("failed to connect to chat stream %s: %v", e.URL, e.Err)
}

func (e *ConnectionEstablishError) Unwrap() error { return e.Err }

// ConnectionAbnormalClose describes a close with a code other than 1000.
type ConnectionAbnormalClose struct {
	Code   int
	Reason string
}

func (e *ConnectionAbnormalClose) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chat connection closed (code %d: %s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat connection closed (code %d)", e.Code)
}

// ConnectionError is a transport failure on an established stream.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chat connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteTurnError carries an in-band failure reported by the server for the current turn.
type RemoteTurnError struct {
	Detail string
}

func (e *RemoteTurnError) Error() string {
	return fmt.Sprintf("server failed to answer: %s", e.Detail)
}

// FallbackNetworkError wraps a failure to reach the single-shot endpoint.
type FallbackNetworkError struct {
	Err error
}

func (e *FallbackNetworkError) Error() string {
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *FallbackNetworkError) Unwrap() error { return e.Err }

// FallbackMalformedResponse is returned when a 2xx body cannot be decoded.
type FallbackMalformedResponse struct {
	Err error
}

func (e *FallbackMalformedResponse) Error() string {
	return "invalid response format from server"
}

func (e *FallbackMalformedResponse) Unwrap() error { return e.Err }

// APIError is a non-2xx answer of the single-shot endpoint.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("HTTP error: %d", e.StatusCode)
}

// Is lets 401 and 403 answers match ErrFallbackAuthRequired.
func (e *APIError) Is(target error) bool {
	return target == ErrFallbackAuthRequired &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}
