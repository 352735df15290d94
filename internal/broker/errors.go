package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineGone is returned by engine calls after the provider
	// connection that owns the engine has disconnected.
	ErrEngineGone = errors.New("engine provider is gone")

	// ErrClosed is returned when the coordinator is no longer running.
	ErrClosed = errors.New("coordinator is not running")

	// ErrNoContext is returned for calls naming an unknown input context.
	ErrNoContext = errors.New("no such input context")

	// Method-call failure kinds. The transport maps each to a bus error name.
	ErrNotImplemented = errors.New("not implemented")
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrFailed         = errors.New("failed")
	ErrUnknownMethod  = errors.New("unknown method")
)

// CallError is a bus-visible method failure.
type CallError struct {
	Kind    error
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Kind
}

func callError(kind error, format string, args ...any) error {
	return &CallError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
