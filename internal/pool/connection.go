// ============================================================================
// Connection contracts
// ============================================================================
//
// Package: internal/pool
// File: connection.go
//
// A Connection accepts a request and reports its progress through a
// ResponseCallback: OnWrite once the request left the client, then exactly
// one of OnSet (a decoded frame, result or error) or OnError (transport
// failure). Callbacks may run on any goroutine, including synchronously
// inside Write.
//
// ============================================================================

package pool

import (
	"context"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ResponseCallback receives the progress of one written request.
type ResponseCallback interface {
	OnWrite()
	OnSet(response *types.Response)
	OnError(code types.ErrorCode, message string)
}

// Connection is a multiplexed connection to one host.
type Connection interface {
	Host() *types.Host
	// Write sends req. A non-nil error means nothing was sent and no
	// callback will be invoked.
	Write(req *types.RequestWrapper, cb ResponseCallback) error
	// InFlight returns the number of requests awaiting a response
	InFlight() int
	IsClosed() bool
	Close() error
}

// Dialer opens connections to hosts.
type Dialer interface {
	Dial(ctx context.Context, host *types.Host) (Connection, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, host *types.Host) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, host *types.Host) (Connection, error) {
	return f(ctx, host)
}
