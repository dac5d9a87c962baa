// Package tncerr defines the §7 error taxonomy shared by every public
// boundary of the tnc runtime: the plugin host, the batch engine, the
// aggregator, and the policy evaluator.
package tncerr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed failure kinds the spec surfaces at the public
// boundary.
type Code int

const (
	// Success is not normally constructed as an error; it exists so Code
	// has a defined zero-adjacent value mirroring the IF-IMC/IF-IMV
	// TNC_RESULT_SUCCESS constant.
	Success Code = iota
	// NotInitialized: a call was made before a one-time Initialize.
	NotInitialized
	// AlreadyInitialized: a redundant Initialize call.
	AlreadyInitialized
	// InvalidParameter: unknown id, malformed message-type, wrong
	// Recipient, unknown bind-function name, absent/out-of-range
	// attribute, or a wildcard-only incoming message type.
	InvalidParameter
	// NoCommonVersion: no overlap between a plugin's version range and
	// the host's.
	NoCommonVersion
	// Fatal: unrecoverable — allocation failure, library open failure,
	// missing mandatory entry point, XML parse failure, missing root or
	// BatchId, aggregator inability.
	Fatal
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case NotInitialized:
		return "not_initialized"
	case AlreadyInitialized:
		return "already_initialized"
	case InvalidParameter:
		return "invalid_parameter"
	case NoCommonVersion:
		return "no_common_version"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a Code with context, and optionally an underlying cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(code Code, msg string, err error) error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the Code of err if it is (or wraps) an *Error, defaulting
// to Fatal for any other non-nil error and Success for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return Fatal
}
