// Package blockerrors defines the error kinds of spec.md §7 and the HTTP
// status each maps to, so the External API Facade (C8) never has to know
// about individual operation failures — only the Kind.
package blockerrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind identifies the class of failure. The literal names match spec.md §7
// so that grepping the spec for an identifier finds the code that raises it.
type Kind string

const (
	// 404
	KindBlockNotFound      Kind = "BlockNotFound"
	KindReplicaNotFound    Kind = "ReplicaNotFound"
	KindNodeNotFound       Kind = "NodeNotFound"
	KindDiskNotFound       Kind = "DiskNotFound"
	KindPodNotFound        Kind = "PodNotFound"
	KindControllerNotFound Kind = "ControllerNotFound"

	// 409
	KindBlockExists       Kind = "BlockExists"
	KindBlockMounted      Kind = "BlockMounted"
	KindBlockNotMounted   Kind = "BlockNotMounted"
	KindBlockFormatted    Kind = "BlockFormatted"
	KindBlockNotFormatted Kind = "BlockNotFormatted"
	KindControllerExists  Kind = "ControllerExists"
	KindControllerMounted Kind = "ControllerMounted"

	// 400
	KindBlockOffline          Kind = "BlockOffline"
	KindInvalidMode           Kind = "InvalidMode"
	KindLastReplicaWithoutForce Kind = "LastReplicaWithoutForce"

	// precondition (mixed 500/404 in the source; we surface 409 uniformly)
	KindNoController      Kind = "NoController"
	KindPodNotRunning     Kind = "PodNotRunning"
	KindNoReplicaEndpoint Kind = "NoReplicaEndpoint"

	// 500
	KindPodCreationError       Kind = "PodCreationError"
	KindAddReplicaError        Kind = "AddReplicaError"
	KindCannotRemoveLastReplica Kind = "CannotRemoveLastReplica"
	KindEngineCommandFailed    Kind = "EngineCommandFailed"
	KindNodeStorageNotFound    Kind = "NodeStorageNotFound"
)

var httpStatus = map[Kind]int{
	KindBlockNotFound:      http.StatusNotFound,
	KindReplicaNotFound:    http.StatusNotFound,
	KindNodeNotFound:       http.StatusNotFound,
	KindDiskNotFound:       http.StatusNotFound,
	KindPodNotFound:        http.StatusNotFound,
	KindControllerNotFound: http.StatusNotFound,

	KindBlockExists:       http.StatusConflict,
	KindBlockMounted:      http.StatusConflict,
	KindBlockNotMounted:   http.StatusConflict,
	KindBlockFormatted:    http.StatusConflict,
	KindBlockNotFormatted: http.StatusConflict,
	KindControllerExists:  http.StatusConflict,
	KindControllerMounted: http.StatusConflict,

	KindBlockOffline:            http.StatusBadRequest,
	KindInvalidMode:             http.StatusBadRequest,
	KindLastReplicaWithoutForce: http.StatusBadRequest,

	KindNoController:      http.StatusConflict,
	KindPodNotRunning:     http.StatusConflict,
	KindNoReplicaEndpoint: http.StatusConflict,

	KindPodCreationError:        http.StatusInternalServerError,
	KindAddReplicaError:         http.StatusInternalServerError,
	KindCannotRemoveLastReplica: http.StatusInternalServerError,
	KindEngineCommandFailed:     http.StatusInternalServerError,
	KindNodeStorageNotFound:     http.StatusInternalServerError,
}

// Error is the error value raised by every component in this module. It
// wraps an optional cause so callers keep stack context (via
// github.com/pkg/errors) while still being able to switch on Kind.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause to errors.Is/As and github.com/pkg/errors.Cause.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the REST status code spec.md §7 maps this Kind to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates a bare Error of the given Kind with a formatted detail.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying cause, preserving it for Unwrap and
// stack-trace formatting via github.com/pkg/errors.
func Wrap(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
		cause:  errors.WithStack(cause),
	}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// StatusOf returns the HTTP status for any error, defaulting to 500 for
// errors that never went through this package.
func StatusOf(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.HTTPStatus()
	}
	return http.StatusInternalServerError
}
