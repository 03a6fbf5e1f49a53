// Package apperror defines the error taxonomy shared by the connection node
// and the endpoint node, per the error handling design: each Kind maps to a
// fixed WebSocket close code or HTTP status, so callers never have to guess
// how to surface a failure.
package apperror

import (
	"errors"
	"fmt"
)

// Kind identifies which row of the error handling table an error belongs to.
type Kind string

const (
	KindInvalidMessage     Kind = "invalid_message"
	KindJSON               Kind = "json"
	KindUnsupportedMessage Kind = "unsupported_message"
	KindHandshakeTimeout   Kind = "handshake_timeout"
	KindPongTimeout        Kind = "pong_timeout"
	KindExcessivePing      Kind = "excessive_ping"
	KindUaidReset          Kind = "uaid_reset"
	KindGhost              Kind = "ghost"
	KindDatabase           Kind = "database"
	KindUserNotConnected   Kind = "user_not_connected"
	KindUpstream           Kind = "upstream"
	KindTooMuchData        Kind = "too_much_data"
	KindInvalidToken       Kind = "invalid_token"
	KindInvalidAPIVersion  Kind = "invalid_api_version"
	KindInvalidMessageID   Kind = "invalid_message_id"
	KindNoUser             Kind = "no_user"
	KindNoSubscription     Kind = "no_subscription"
)

// Sentry reports whether an error of this Kind should be treated as an
// operational event worth paging on, versus a routine/expected condition
// counted only via a metric label.
func (k Kind) Sentry() bool {
	switch k {
	case KindHandshakeTimeout, KindGhost, KindUaidReset, KindUserNotConnected:
		return false
	default:
		return true
	}
}

// Error is the concrete error type produced by the connection-node session
// state machine and the endpoint-node HTTP handlers. It wraps an underlying
// cause (if any) without losing the Kind needed for dispatch.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apperror.New(KindGhost, "")) style matching on
// Kind alone, ignoring Msg/Err.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
