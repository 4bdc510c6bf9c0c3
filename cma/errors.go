package cma

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass is the machine-level category a transport failure is
// translated into at the manager/session boundary.
type ErrorClass int

const (
	// ClassTransient errors are logged and retried after a pause.
	ClassTransient ErrorClass = iota + 1
	// ClassSessionFatal errors end the current session only.
	ClassSessionFatal
	// ClassProgramming errors indicate misuse of the API.
	ClassProgramming
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSessionFatal:
		return "session-fatal"
	case ClassProgramming:
		return "programming"
	default:
		return "unknown"
	}
}

var (
	ErrNotActive         = &Error{Class: ClassProgramming, Op: "Stop", Message: "connection manager not active"}
	ErrDispatcherStopped = &Error{Class: ClassProgramming, Op: "Submit", Message: "dispatcher stopped"}
	ErrLoopStopping      = &Error{Class: ClassProgramming, Op: "Start", Message: "discovery loop still shutting down"}
	ErrNoTransport       = &Error{Class: ClassProgramming, Op: "Start", Message: "transport not configured"}
	ErrExchangeFailed    = &Error{Class: ClassSessionFatal, Op: "ExchangeInfo", Message: "identity exchange failed"}
	ErrEventRead         = &Error{Class: ClassSessionFatal, Op: "ReadEvent", Message: "error reading event"}
	ErrDiscovery         = &Error{Class: ClassTransient, Op: "Discover", Message: "discovery failed"}
)

// Error is a classified lifecycle error.
type Error struct {
	Class     ErrorClass
	Op        string
	Transport string // Optional: transport involved
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Transport != "" {
		sb.WriteString(e.Transport)
		sb.WriteString(" ")
	}
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same class and operation, and the same message
// when target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Class != t.Class || e.Op != t.Op {
		return false
	}
	return t.Message == "" || e.Message == t.Message
}

// NewDiscoveryError wraps a transport discovery failure as transient.
func NewDiscoveryError(kind TransportKind, cause error) *Error {
	return &Error{
		Class:     ClassTransient,
		Op:        "Discover",
		Transport: kind.String(),
		Message:   "discovery failed",
		Cause:     cause,
	}
}

// NewExchangeError wraps an identity exchange failure as session-fatal.
func NewExchangeError(kind TransportKind, cause error) *Error {
	return &Error{
		Class:     ClassSessionFatal,
		Op:        "ExchangeInfo",
		Transport: kind.String(),
		Message:   "identity exchange failed",
		Cause:     cause,
	}
}

// NewEventReadError wraps a read failure as session-fatal.
func NewEventReadError(cause error) *Error {
	return &Error{
		Class:   ClassSessionFatal,
		Op:      "ReadEvent",
		Message: "error reading event",
		Cause:   cause,
	}
}

// Classify returns the class of the first *Error in err's chain, or
// ClassTransient for unclassified errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsSessionFatal reports whether err ended a session.
func IsSessionFatal(err error) bool {
	return Classify(err) == ClassSessionFatal
}

// IsProgramming reports whether err indicates API misuse.
func IsProgramming(err error) bool {
	return Classify(err) == ClassProgramming
}

func programmingPanic(err *Error, detail string) {
	panic(fmt.Sprintf("cma: %s (%s)", err.Error(), detail))
}
