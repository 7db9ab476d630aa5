package domain

import (
	"errors"
	"fmt"
)

type ConnectionErrorKind int

const (
	ConnTimeout ConnectionErrorKind = iota
	ConnNetworkUnreachable
	ConnProtocolError
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case ConnTimeout:
		return "timeout"
	case ConnNetworkUnreachable:
		return "network_unreachable"
	case ConnProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

type ConnectionError struct {
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection " + e.Kind.String()
	}
	return fmt.Sprintf("connection %s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

var (
	ErrValidationFailed  = errors.New("bid validation failed")
	ErrAlreadySubmitting = errors.New("a bid for this item is already being submitted")
	ErrServerRejected    = errors.New("bid rejected by server")
	ErrSubmitTimeout     = errors.New("bid submission timed out")
	ErrTransport         = errors.New("bid transport failure")
	ErrNotConnected      = errors.New("feed is not connected")
	ErrMalformedMessage  = errors.New("malformed feed message")
)

// ValidationError is returned synchronously by Submit; the transport was not used.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "bid validation failed: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

type ServerRejectedError struct {
	Reason string
}

func (e *ServerRejectedError) Error() string {
	return "bid rejected by server: " + e.Reason
}

func (e *ServerRejectedError) Is(target error) bool {
	return target == ErrServerRejected
}

// ReducerWarning is logged by the reducer and never returned as a failure.
type ReducerWarning string

const (
	OutOfOrderUpdate ReducerWarning = "out_of_order_update"
	DuplicateUpdate  ReducerWarning = "duplicate_update"
	OrderingMismatch ReducerWarning = "ordering_mismatch"
	StaleUpdate      ReducerWarning = "stale_update"
)
