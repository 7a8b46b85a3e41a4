package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a transfer or session ended.
type ErrorCode uint16

const (
	CodeOK ErrorCode = iota
	CodeConnectionImpossible
	CodeConnectionLost
	CodeProtocolViolation
	CodeAuthenticationFailed
	CodeRankMismatch
	CodeTaskFailure
	CodeQueryStillRunning
	CodeInternal
	CodeCanceled
)

var codeNames = map[ErrorCode]string{
	CodeOK:                   "OK",
	CodeConnectionImpossible: "ConnectionImpossible",
	CodeConnectionLost:       "ConnectionLost",
	CodeProtocolViolation:    "ProtocolViolation",
	CodeAuthenticationFailed: "AuthenticationFailed",
	CodeRankMismatch:         "RankMismatch",
	CodeTaskFailure:          "TaskFailure",
	CodeQueryStillRunning:    "QueryStillRunning",
	CodeInternal:             "Internal",
	CodeCanceled:             "Canceled",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint16(c))
}

// Retryable reports whether the retry coordinator may resume after this code.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeAuthenticationFailed, CodeRankMismatch, CodeInternal:
		return false
	default:
		return true
	}
}

// ParseErrorCode maps a code name back to its value.
func ParseErrorCode(name string) (ErrorCode, error) {
	for code, n := range codeNames {
		if n == name {
			return code, nil
		}
	}
	return CodeInternal, fmt.Errorf("unknown error code %q", name)
}

// TransferError is an expected, classified failure.
type TransferError struct {
	Code ErrorCode
	Err  error
}

// NewError builds a classified error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *TransferError {
	return &TransferError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &TransferError{Code: code, Err: err}
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the classification of err. Unclassified errors are Internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// Outcome is the final value of a session's transferEnded signal.
type Outcome struct {
	Code    ErrorCode
	Rank    int
	Message string
}

// Success reports whether the outcome is a normal end of transfer.
func (o Outcome) Success() bool {
	return o.Code == CodeOK
}

// Err converts a failed outcome into a classified error.
func (o Outcome) Err() error {
	if o.Success() {
		return nil
	}
	if o.Message == "" {
		return &TransferError{Code: o.Code}
	}
	return &TransferError{Code: o.Code, Err: errors.New(o.Message)}
}
