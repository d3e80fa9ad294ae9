// Package apierr defines the error taxonomy shared by every supervisor
// component, so the gRPC gateway and the (external) REST shim can translate
// a failure to the right wire status without inspecting component internals.
package apierr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind identifies a class of failure from §7 of the specification.
type Kind string

const (
	KindNotFound         Kind = "NotFound"
	KindAlreadyExists    Kind = "AlreadyExists"
	KindPortConflict     Kind = "PortConflict"
	KindPortExhausted    Kind = "PortExhausted"
	KindCapacityExceeded Kind = "CapacityExceeded"
	KindInvalidConfig    Kind = "InvalidConfig"
	KindBusy             Kind = "Busy"
	KindUnavailable      Kind = "Unavailable"
	KindDeadlineExceeded Kind = "DeadlineExceeded"
	KindInternal         Kind = "Internal"
	KindInvalidArgument  Kind = "InvalidArgument"
	KindUnimplemented    Kind = "Unimplemented"
)

// Error is the concrete error type returned by every C1-C5 public operation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// httpStatus maps each Kind to the HTTP status the (external) REST shim
// should use, per §7.
var httpStatus = map[Kind]int{
	KindNotFound:         404,
	KindAlreadyExists:     409,
	KindPortConflict:      422,
	KindPortExhausted:     422,
	KindCapacityExceeded:  422,
	KindInvalidConfig:     400,
	KindBusy:              409,
	KindUnavailable:       503,
	KindDeadlineExceeded:  504,
	KindInternal:          500,
	KindInvalidArgument:   400,
	KindUnimplemented:     501,
}

// HTTPStatus returns the HTTP status code for err's Kind.
func HTTPStatus(err error) int {
	status, ok := httpStatus[KindOf(err)]
	if !ok {
		return 500
	}
	return status
}

// grpcCode maps each Kind to the gRPC status code used by the multiplexer.
var grpcCode = map[Kind]codes.Code{
	KindNotFound:         codes.NotFound,
	KindAlreadyExists:     codes.AlreadyExists,
	KindPortConflict:      codes.FailedPrecondition,
	KindPortExhausted:     codes.FailedPrecondition,
	KindCapacityExceeded:  codes.ResourceExhausted,
	KindInvalidConfig:     codes.InvalidArgument,
	KindBusy:              codes.FailedPrecondition,
	KindUnavailable:       codes.Unavailable,
	KindDeadlineExceeded:  codes.DeadlineExceeded,
	KindInternal:          codes.Internal,
	KindInvalidArgument:   codes.InvalidArgument,
	KindUnimplemented:     codes.Unimplemented,
}

// GRPCCode returns the gRPC status code for err's Kind.
func GRPCCode(err error) codes.Code {
	code, ok := grpcCode[KindOf(err)]
	if !ok {
		return codes.Internal
	}
	return code
}
