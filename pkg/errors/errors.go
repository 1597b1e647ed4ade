package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code classifies a delivery failure. The worker routes on codes, never on
// error strings.
type Code string

const (
	CodeConfig             Code = "CONFIG_ERROR"
	CodeTransportTransient Code = "TRANSPORT_TRANSIENT"
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeTransportPermanent Code = "TRANSPORT_PERMANENT"
	CodeNoDevices          Code = "NO_DEVICES"
	CodeDatabase           Code = "DATABASE_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

type Metadata struct {
	// Retryable failures contribute to error_count and leave the row pending
	// until max_retries.
	Retryable bool
	// RemovesToken failures trigger device-registry cleanup before the row
	// outcome is decided.
	RemovesToken bool
}

var metadataByCode = map[Code]Metadata{
	CodeConfig:             {Retryable: false},
	CodeTransportTransient: {Retryable: true},
	CodeTokenInvalid:       {Retryable: true, RemovesToken: true},
	CodeTransportPermanent: {Retryable: true},
	CodeNoDevices:          {Retryable: true},
	CodeDatabase:           {Retryable: true},
	CodeInternal:           {Retryable: true},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts a typed *Error from anywhere in the chain, or nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the chain's delivery code, defaulting to CodeInternal for
// untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}
