package policy

import (
	"github.com/gocql/gocql"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ErrorKind classifies the failure a retry decision is asked about.
type ErrorKind int

const (
	ErrorKindReadTimeout  ErrorKind = iota // Coordinator read timeout
	ErrorKindWriteTimeout                  // Coordinator write timeout
	ErrorKindUnavailable                   // Not enough live replicas
	ErrorKindRequestError                  // Overloaded, server error, bootstrapping, truncate
	ErrorKindTransport                     // Connection closed, write failure, client side timeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindReadTimeout:
		return "read_timeout"
	case ErrorKindWriteTimeout:
		return "write_timeout"
	case ErrorKindUnavailable:
		return "unavailable"
	case ErrorKindRequestError:
		return "request_error"
	case ErrorKindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// KindForCode maps a node error code to the kind a retry policy reasons
// about. ok is false for codes that are never retried (syntax, invalid...).
func KindForCode(code types.ErrorCode) (ErrorKind, bool) {
	switch code {
	case types.CodeReadTimeout:
		return ErrorKindReadTimeout, true
	case types.CodeWriteTimeout:
		return ErrorKindWriteTimeout, true
	case types.CodeUnavailable:
		return ErrorKindUnavailable, true
	case types.CodeOverloaded, types.CodeServerError, types.CodeIsBootstrapping, types.CodeTruncateError:
		return ErrorKindRequestError, true
	case types.CodeLibConnectionClosed, types.CodeLibWriteError, types.CodeLibRequestTimedOut, types.CodeLibUnableToConnect:
		return ErrorKindTransport, true
	default:
		return 0, false
	}
}

// RetryInfo is everything a retry policy may look at.
type RetryInfo struct {
	Kind        ErrorKind
	Error       *types.ErrorResponse // nil for transport errors
	Request     *types.Request
	Consistency gocql.Consistency
	Idempotent  bool
	RetryCount  int
}

// RetryPolicy decides how a failed attempt continues: gocql.Retry (same
// host), gocql.RetryNextHost, gocql.Ignore or gocql.Rethrow.
type RetryPolicy interface {
	Decide(info RetryInfo) gocql.RetryType
}

// FallthroughRetryPolicy never retries.
type FallthroughRetryPolicy struct{}

func (FallthroughRetryPolicy) Decide(RetryInfo) gocql.RetryType {
	return gocql.Rethrow
}

// DefaultRetryPolicy retries at most once per attempt chain:
//   - read timeout: same host, when enough replicas answered but the data
//     was missing
//   - write timeout: same host, for batch log writes only
//   - unavailable: next host
//   - request errors and transport errors: next host, idempotent requests only
type DefaultRetryPolicy struct{}

func (DefaultRetryPolicy) Decide(info RetryInfo) gocql.RetryType {
	switch info.Kind {
	case ErrorKindReadTimeout:
		if info.RetryCount == 0 && info.Error != nil &&
			info.Error.Received >= info.Error.BlockFor && !info.Error.DataPresent {
			return gocql.Retry
		}
		return gocql.Rethrow
	case ErrorKindWriteTimeout:
		if info.RetryCount == 0 && info.Error != nil && info.Error.WriteType == "BATCH_LOG" {
			return gocql.Retry
		}
		return gocql.Rethrow
	case ErrorKindUnavailable:
		if info.RetryCount == 0 {
			return gocql.RetryNextHost
		}
		return gocql.Rethrow
	case ErrorKindRequestError, ErrorKindTransport:
		if info.Idempotent {
			return gocql.RetryNextHost
		}
		return gocql.Rethrow
	default:
		return gocql.Rethrow
	}
}
