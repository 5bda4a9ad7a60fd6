package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/vikashloomba/mcp-gateway-go/pkg/catalog"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// Code classifies a routing failure for clients.
type Code string

const (
	CodeUnknownCapability   Code = "unknown_capability"
	CodeBackendUnavailable  Code = "backend_unavailable"
	CodeRequestTimeout      Code = "request_timeout"
	CodeBackendDisconnected Code = "backend_disconnected"
	CodeBackendError        Code = "backend_error"
)

// Error is returned by every Router operation that fails after the request
// reached the router.
type Error struct {
	Code      Code
	Kind      catalog.Kind
	Name      string
	Namespace string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %q", e.Code, e.Kind, e.Name)
	if e.Namespace != "" {
		msg += " on " + e.Namespace
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later without
// changes. Only an unavailable backend qualifies; timeouts are never retried
// because the backend may still be executing the call.
func (e *Error) Retryable() bool { return e.Code == CodeBackendUnavailable }

// CodeOf returns the router code carried by err, or "" when there is none.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// classify maps a session error to a router error. Client cancellation is
// passed through unchanged.
func classify(kind catalog.Kind, name, namespace string, err error) error {
	re := &Error{Kind: kind, Name: name, Namespace: namespace, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		re.Code = CodeRequestTimeout
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, mcpmgr.ErrSessionUnavailable):
		re.Code = CodeBackendUnavailable
	case errors.Is(err, mcpmgr.ErrBackendDisconnected):
		re.Code = CodeBackendDisconnected
	default:
		re.Code = CodeBackendError
	}
	return re
}
