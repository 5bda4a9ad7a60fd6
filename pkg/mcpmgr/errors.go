package mcpmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionUnavailable is returned by Call when the backend is not Ready.
	ErrSessionUnavailable = errors.New("mcpmgr: session unavailable")
	// ErrBackendDisconnected fails every call still pending when the backend's
	// transport ends, its health check fails, or the session is stopped.
	ErrBackendDisconnected = errors.New("mcpmgr: backend disconnected")
	// ErrUnknownBackend is returned by Manager lookups for an unconfigured
	// namespace.
	ErrUnknownBackend = errors.New("mcpmgr: unknown backend")
)

// JSON-RPC error codes the session produces or interprets.
const (
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
)

// BackendError is a JSON-RPC error returned by the backend for one call.
type BackendError struct {
	Code    int64
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("mcpmgr: backend error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether err is a backend method-not-found error.
func IsMethodNotFound(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Code == CodeMethodNotFound
}
