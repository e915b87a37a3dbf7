package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ErrConnectionClosed is returned by Write on a closed connection
var ErrConnectionClosed = errors.New("transport: connection closed")

// Dialer opens gRPC connections to nodes. It implements pool.Dialer.
type Dialer struct {
	// ContextDialer replaces the network dialer, e.g. with a bufconn
	ContextDialer func(ctx context.Context, addr string) (net.Conn, error)
	// WaitReady makes Dial block until the connection is ready
	WaitReady bool
	Logger    *slog.Logger
}

var _ pool.Dialer = (*Dialer)(nil)

// Dial connects to host
func (d *Dialer) Dial(ctx context.Context, host *types.Host) (pool.Connection, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if d.ContextDialer != nil {
		opts = append(opts, grpc.WithContextDialer(d.ContextDialer))
	}

	cc, err := grpc.NewClient("passthrough:///"+host.Address.String(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", host, err)
	}

	if d.WaitReady {
		if err := waitReady(ctx, cc); err != nil {
			_ = cc.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
		}
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connCtx, cancel := context.WithCancel(context.Background())
	return &Connection{
		host:   host,
		cc:     cc,
		ctx:    connCtx,
		cancel: cancel,
		logger: logger.With("component", "transport", "host", host.String()),
	}, nil
}

func waitReady(ctx context.Context, cc *grpc.ClientConn) error {
	cc.Connect()
	for {
		s := cc.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("connection state %s", s)
		}
		if !cc.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}

// Connection is a multiplexed gRPC connection to one node. Each Write is
// an independent unary call.
type Connection struct {
	host   *types.Host
	cc     *grpc.ClientConn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	inFlight atomic.Int32
	closed   atomic.Bool
}

var _ pool.Connection = (*Connection)(nil)

func (c *Connection) Host() *types.Host { return c.host }

// Write sends w and reports progress through cb from another goroutine
func (c *Connection) Write(w *types.RequestWrapper, cb pool.ResponseCallback) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	in, err := EncodeRequest(w)
	if err != nil {
		return err
	}

	c.inFlight.Inc()
	go func() {
		defer c.inFlight.Dec()
		cb.OnWrite()

		out, err := invokeExecute(c.ctx, c.cc, in)
		if err != nil {
			code, message := errorCode(err)
			c.logger.Debug("request failed", "code", code, "error", message)
			cb.OnError(code, message)
			return
		}
		resp, err := DecodeResponse(out)
		if err != nil {
			cb.OnError(types.CodeLibInternalError, err.Error())
			return
		}
		cb.OnSet(resp)
	}()
	return nil
}

// errorCode maps a gRPC error to a library error code
func errorCode(err error) (types.ErrorCode, string) {
	st := status.Convert(err)
	switch st.Code() {
	case codes.Unavailable, codes.Canceled:
		return types.CodeLibConnectionClosed, st.Message()
	case codes.DeadlineExceeded:
		return types.CodeLibRequestTimedOut, st.Message()
	case codes.InvalidArgument, codes.Internal:
		return types.CodeLibInternalError, st.Message()
	default:
		return types.CodeLibWriteError, st.Message()
	}
}

// InFlight returns the number of outstanding calls
func (c *Connection) InFlight() int { return int(c.inFlight.Load()) }

// IsClosed reports whether Close was called or the channel shut down
func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.cc.GetState() == connectivity.Shutdown
}

// Close cancels outstanding calls and closes the channel
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return c.cc.Close()
}
