package dingtalk

import (
	"errors"
	"fmt"

	"github.com/zulandar/dingline/internal/telegraph"
)

// ErrConnectionExhausted is returned by Connect, and carried by the
// system.exhausted event, once the reconnect budget is spent.
var ErrConnectionExhausted = errors.New("dingtalk: reconnect budget exhausted")

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("dingtalk: adapter closed")

// AuthError reports a failed access token request.
type AuthError struct {
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dingtalk: auth: %v", e.Err)
	}
	return fmt.Sprintf("dingtalk: auth: status %d, errcode %d: %s", e.StatusCode, e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HandshakeError reports a gateway negotiation that did not yield a usable
// endpoint and ticket.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dingtalk: handshake: %s: %v", e.Reason, e.Err)
	}
	return "dingtalk: handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// UnsupportedElementError is returned when sending an element whose kind
// has no registered converter.
type UnsupportedElementError struct {
	Kind telegraph.Kind
}

func (e *UnsupportedElementError) Error() string {
	return fmt.Sprintf("dingtalk: unsupported element: %s", e.Kind)
}

// APIError is a non-success response from the DingTalk REST API. Callers
// can use errors.As to inspect it:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden { ... }
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"requestid"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dingtalk: api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsUnsupportedElement reports whether err is an UnsupportedElementError.
func IsUnsupportedElement(err error) bool {
	var unsupported *UnsupportedElementError
	return errors.As(err, &unsupported)
}
