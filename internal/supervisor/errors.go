package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the link is not Open.
	ErrNotConnected = errors.New("not connected")
	// ErrShortWrite means the transport accepted only part of a frame; the
	// frame is dropped, never completed later.
	ErrShortWrite = errors.New("short write")
)

// ConfigError reports a credential field that cannot be turned into a
// connection target. The supervisor stays Idle until it is corrected.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError wraps a connect, send or receive failure. Always
// recoverable through the reconnect cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation is what a receive handler returns for a frame it could
// not process. The supervisor only logs it; the link stays up.
type ProtocolViolation struct {
	Err error
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %v", e.Err)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }
