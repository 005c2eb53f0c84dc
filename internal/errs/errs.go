// Package errs defines the executor's error taxonomy. Every user-visible
// failure is one of these kinds with a structured reason; subsystems convert
// foreign errors at their boundary so the taxonomy stays exhaustive.
package errs

import (
	"errors"
	"fmt"
	"runtime"
)

// Kind classifies an error.
type Kind string

const (
	KindConfig        Kind = "ConfigError"
	KindAuth          Kind = "AuthError"
	KindDisconnected  Kind = "TransportDisconnected"
	KindTransportTime Kind = "TransportTimeout"
	KindMalformed     Kind = "TransportMalformed"
	KindBrokerReject  Kind = "BrokerReject"
	KindSafetyReject  Kind = "SafetyReject"
	KindKillSwitch    Kind = "KillSwitchActive"
	KindBackpressure  Kind = "Backpressure"
	KindTimeout       Kind = "Timeout"
	KindDuplicate     Kind = "Duplicate"
	KindExpired       Kind = "Expired"
	KindInternal      Kind = "Internal"
)

// Error is the single error type crossing subsystem boundaries.
type Error struct {
	Kind   Kind
	Reason string
	Code   int    // broker reject code, when applicable
	Rule   string // safety rule name, when applicable
	Stack  string // captured for Internal errors only
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Kind: k}) style matching on kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an error of the given kind with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and reason.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// BrokerReject builds a logical broker rejection. Never retried.
func BrokerReject(code int, message string) *Error {
	return &Error{Kind: KindBrokerReject, Reason: message, Code: code}
}

// SafetyReject builds a pre-trade validator rejection for the named rule.
func SafetyReject(rule, reason string) *Error {
	return &Error{Kind: KindSafetyReject, Reason: reason, Rule: rule}
}

// Internal builds an invariant-violation error with a stack sample.
// Internal errors trip the kill-switch and are reported on the next
// heartbeat.
func Internal(reason string, err error) *Error {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return &Error{Kind: KindInternal, Reason: reason, Err: err, Stack: string(buf[:n])}
}

// KindOf extracts the taxonomy kind of err, or KindInternal for foreign
// errors that escaped conversion.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the failure may be retried with backoff.
// Transport failures and deadline expiry are transient; logical
// rejections (broker, safety, kill-switch, malformed input) are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDisconnected, KindTransportTime, KindTimeout, KindBackpressure:
		return true
	}
	return false
}

// Convert maps a foreign error into the taxonomy, defaulting to the given
// kind. Errors already in the taxonomy pass through unchanged.
func Convert(kind Kind, reason string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(kind, reason, err)
}
