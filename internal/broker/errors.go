package broker

import (
	"errors"

	"github.com/danmuck/brokerlink/internal/registry"
)

var (
	ErrNotConnected      = errors.New("broker: not connected")
	ErrConnClosed        = errors.New("broker: connection closed")
	ErrConnectionLost    = errors.New("broker: connection lost")
	ErrForcedDisconnect  = errors.New("broker: forced disconnect")
	ErrUnexpectedRecord  = errors.New("broker: unexpected record")
	ErrRejected          = errors.New("broker: request rejected")
	ErrInvalidChannel    = errors.New("broker: invalid channel")
	ErrInvalidTransition = errors.New("broker: invalid registration transition")
	ErrInvalidService    = errors.New("broker: invalid service registration")
	ErrUnknownService    = errors.New("broker: unknown service registration")
	ErrServiceNotFound   = errors.New("broker: service not found")
	ErrBindExhausted     = errors.New("broker: bind attempts exhausted")

	// ErrTimeout marks a wait that ran out of time. The call may be retried.
	ErrTimeout = registry.ErrTimeout
	// ErrClosed wraps the transport failure that ended the connection.
	ErrClosed = registry.ErrClosed
)
