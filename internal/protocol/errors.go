package protocol

import (
	"errors"
	"fmt"
)

// Precondition violations. Callers referenced state the Endpoint does not
// hold; nothing was sent and, unless noted, nothing was allocated.
var (
	ErrUnknownRemote  = errors.New("remote not open")
	ErrUnknownProcess = errors.New("process not running")
	ErrUnknownPipe    = errors.New("pipe not open")
	ErrRootRemote     = errors.New("root remote cannot be closed")
	ErrNoArguments    = errors.New("command variant carries no arguments")
	ErrEmptyCommand   = errors.New("command has no executable name")
	ErrHandleConsumed = errors.New("handle is not an open file stream")
	ErrEmptyPayload   = errors.New("envelope carries no payload")
)

// TransportError wraps a failed send. Local bookkeeping done before the
// send is kept.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: send: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from the underlying channel rather
// than from a violated precondition.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
