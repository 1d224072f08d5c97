package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures; the engine decides what a kind means for a run.
type Kind int

const (
	UnknownError Kind = iota
	ConfigurationError
	ToolMissingError
	ExternalProcessError
	NetworkError
	FilesystemError
	CancellationError
)

func (k Kind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration"
	case ToolMissingError:
		return "tool missing"
	case ExternalProcessError:
		return "external process"
	case NetworkError:
		return "network"
	case FilesystemError:
		return "filesystem"
	case CancellationError:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrCancelled = errors.New("operation cancelled")
	ErrTimeout   = errors.New("operation timed out")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String() + " error"
	case e.Op == "":
		return e.Err.Error()
	case e.Err == nil:
		return e.Op
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCancelled) true for every cancellation kind.
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == CancellationError
}

// Cancelled wraps a context error as a CancellationError.
func Cancelled(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(ErrTimeout, err)
	}
	return &Error{Kind: CancellationError, Op: op, Err: err}
}

// IsCancelled is true for cancellation errors and bare context errors.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsCancelled(err) {
		return CancellationError
	}
	return UnknownError
}
