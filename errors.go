package npurt

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a structured npurt error carrying the context needed to
// correlate a failure back to a device, execution group, or model.
// The error taxonomy is the standard gRPC status vocabulary (codes.Code),
// since it already names every category spec §7 needs: InvalidArgument,
// FailedPrecondition, ResourceExhausted, Unavailable, Aborted,
// AlreadyExists, Internal, OutOfRange.
type Error struct {
	Op        string // operation that failed, e.g. "Load", "Infer"
	DeviceIdx int    // device index (-1 if not applicable)
	EGID      uint32 // execution group id (0 if not applicable)
	NNID      uint32 // model id (0 if not applicable)
	Code      codes.Code
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceIdx >= 0 {
		parts = append(parts, fmt.Sprintf("device=%d", e.DeviceIdx))
	}
	if e.EGID != 0 {
		parts = append(parts, fmt.Sprintf("eg=%d", e.EGID))
	}
	if e.NNID != 0 {
		parts = append(parts, fmt.Sprintf("nn=%d", e.NNID))
	}

	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if len(parts) > 0 {
		return fmt.Sprintf("npurt: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("npurt: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped driver error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is compares by Code so callers can do errors.Is(err, &Error{Code: codes.Aborted}).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// GRPCStatus lets status.FromError unwrap an *Error the way it would a
// native gRPC error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// NewError builds a plain operation-scoped error.
func NewError(op string, code codes.Code, msg string) *Error {
	return &Error{Op: op, DeviceIdx: -1, Code: code, Msg: msg}
}

// NewDeviceError builds an error scoped to a device.
func NewDeviceError(op string, deviceIdx int, code codes.Code, msg string) *Error {
	return &Error{Op: op, DeviceIdx: deviceIdx, Code: code, Msg: msg}
}

// NewEGError builds an error scoped to a device and execution group.
func NewEGError(op string, deviceIdx int, egID uint32, code codes.Code, msg string) *Error {
	return &Error{Op: op, DeviceIdx: deviceIdx, EGID: egID, Code: code, Msg: msg}
}

// NewModelError builds an error scoped to a device and model.
func NewModelError(op string, deviceIdx int, nnID uint32, code codes.Code, msg string) *Error {
	return &Error{Op: op, DeviceIdx: deviceIdx, NNID: nnID, Code: code, Msg: msg}
}

// WrapError wraps an arbitrary error with npurt context, carrying
// through the gRPC status code if the inner error has one.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			DeviceIdx: ie.DeviceIdx,
			EGID:      ie.EGID,
			NNID:      ie.NNID,
			Code:      ie.Code,
			Msg:       ie.Msg,
			Inner:     ie.Inner,
		}
	}
	code := codes.Internal
	if st, ok := status.FromError(inner); ok {
		code = st.Code()
	}
	return &Error{Op: op, DeviceIdx: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// CodeOf returns the Code carried by err, or codes.Unknown if err is
// not (or does not wrap) an *Error or gRPC status error.
func CodeOf(err error) codes.Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code codes.Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
