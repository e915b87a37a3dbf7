package types

import (
	"fmt"

	"github.com/gocql/gocql"
)

// ErrorCode identifies an error. Server codes are the native protocol codes,
// library codes live in their own range above 0x01000000.
type ErrorCode int

// Server error codes
const (
	CodeServerError     ErrorCode = gocql.ErrCodeServer
	CodeProtocolError   ErrorCode = gocql.ErrCodeProtocol
	CodeUnavailable     ErrorCode = gocql.ErrCodeUnavailable
	CodeOverloaded      ErrorCode = gocql.ErrCodeOverloaded
	CodeIsBootstrapping ErrorCode = gocql.ErrCodeBootstrapping
	CodeTruncateError   ErrorCode = gocql.ErrCodeTruncate
	CodeWriteTimeout    ErrorCode = gocql.ErrCodeWriteTimeout
	CodeReadTimeout     ErrorCode = gocql.ErrCodeReadTimeout
	CodeReadFailure     ErrorCode = gocql.ErrCodeReadFailure
	CodeWriteFailure    ErrorCode = gocql.ErrCodeWriteFailure
	CodeSyntaxError     ErrorCode = gocql.ErrCodeSyntax
	CodeInvalidQuery    ErrorCode = gocql.ErrCodeInvalid
	CodeAlreadyExists   ErrorCode = gocql.ErrCodeAlreadyExists
	CodeUnprepared      ErrorCode = gocql.ErrCodeUnprepared
)

const libErrorBase = 0x01000000

// Library error codes
const (
	CodeLibNoHostsAvailable ErrorCode = libErrorBase + iota + 1
	CodeLibRequestTimedOut
	CodeLibUnableToConnect
	CodeLibWriteError
	CodeLibConnectionClosed
	CodeLibUnableToPrepare
	CodeLibInternalError
)

var codeNames = map[ErrorCode]string{
	CodeServerError:         "SERVER_ERROR",
	CodeProtocolError:       "PROTOCOL_ERROR",
	CodeUnavailable:         "UNAVAILABLE",
	CodeOverloaded:          "OVERLOADED",
	CodeIsBootstrapping:     "IS_BOOTSTRAPPING",
	CodeTruncateError:       "TRUNCATE_ERROR",
	CodeWriteTimeout:        "WRITE_TIMEOUT",
	CodeReadTimeout:         "READ_TIMEOUT",
	CodeReadFailure:         "READ_FAILURE",
	CodeWriteFailure:        "WRITE_FAILURE",
	CodeSyntaxError:         "SYNTAX_ERROR",
	CodeInvalidQuery:        "INVALID_QUERY",
	CodeAlreadyExists:       "ALREADY_EXISTS",
	CodeUnprepared:          "UNPREPARED",
	CodeLibNoHostsAvailable: "LIB_NO_HOSTS_AVAILABLE",
	CodeLibRequestTimedOut:  "LIB_REQUEST_TIMED_OUT",
	CodeLibUnableToConnect:  "LIB_UNABLE_TO_CONNECT",
	CodeLibWriteError:       "LIB_WRITE_ERROR",
	CodeLibConnectionClosed: "LIB_CONNECTION_CLOSED",
	CodeLibUnableToPrepare:  "LIB_UNABLE_TO_PREPARE",
	CodeLibInternalError:    "LIB_INTERNAL_ERROR",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR(0x%x)", int(c))
}

// IsLib reports whether the code was raised by the driver rather than a node
func (c ErrorCode) IsLib() bool {
	return c > libErrorBase
}

// Error is a terminal request error, tagged with the address that produced it.
type Error struct {
	Code    ErrorCode
	Message string
	Address Address
}

func (e *Error) Error() string {
	if e.Address.IsValid() {
		return fmt.Sprintf("%s: %s (host %s)", e.Code, e.Message, e.Address)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
