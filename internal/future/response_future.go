// ============================================================================
// ResponseFuture - single-assignment result slot of one logical request
// ============================================================================
//
// Package: internal/future
// File: response_future.go
//
// Every execution racing for the same request ends in one of the Set*
// methods. The first call swaps the outcome pointer from nil and closes the
// done channel; all later calls lose the compare-and-swap and return false.
// Waiters block on the done channel, so reads never take the write path's
// lock.
//
//   execution A ──SetError────┐
//   execution B ──SetResponse─┼──► CAS(nil, outcome) ──► close(done)
//   request timer ─SetError───┘        (one winner)
//
// ============================================================================

package future

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// outcome is the value stored by the winning Set call.
type outcome struct {
	address  types.Address
	response *types.Response
	err      *types.Error
}

// ResponseFuture holds the eventual outcome of one request.
type ResponseFuture struct {
	result atomic.Pointer[outcome]
	done   chan struct{}

	mu        sync.Mutex
	attempted []types.Address

	// Statement is the request whose completion this future reports. It is
	// informational only.
	Statement *types.Request
}

// New creates an unset future
func New() *ResponseFuture {
	return &ResponseFuture{
		done: make(chan struct{}),
	}
}

// NewForRequest creates an unset future bound to req
func NewForRequest(req *types.Request) *ResponseFuture {
	f := New()
	f.Statement = req
	return f
}

func (f *ResponseFuture) set(o *outcome) bool {
	if !f.result.CompareAndSwap(nil, o) {
		return false
	}
	close(f.done)
	return true
}

// SetResponse completes the future successfully. It returns false when an
// outcome was already set.
func (f *ResponseFuture) SetResponse(address types.Address, response *types.Response) bool {
	return f.set(&outcome{address: address, response: response})
}

// SetErrorWithAddress completes the future with an error raised on address
func (f *ResponseFuture) SetErrorWithAddress(address types.Address, code types.ErrorCode, message string) bool {
	return f.set(&outcome{
		address: address,
		err:     &types.Error{Code: code, Message: message, Address: address},
	})
}

// SetErrorWithResponse completes the future with an error and keeps the error
// frame that caused it.
func (f *ResponseFuture) SetErrorWithResponse(address types.Address, response *types.Response, code types.ErrorCode, message string) bool {
	return f.set(&outcome{
		address:  address,
		response: response,
		err:      &types.Error{Code: code, Message: message, Address: address},
	})
}

// Done is closed once an outcome is set
func (f *ResponseFuture) Done() <-chan struct{} {
	return f.done
}

// IsSet reports whether an outcome has been set
func (f *ResponseFuture) IsSet() bool {
	return f.result.Load() != nil
}

// Wait blocks until the future is set or ctx is done.
func (f *ResponseFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ResponseFuture) wait(ctx context.Context) (*outcome, error) {
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	return f.result.Load(), nil
}

// Response blocks until the future is set and returns the response. For an
// error outcome the error frame (if any) is returned together with the
// *types.Error.
func (f *ResponseFuture) Response(ctx context.Context) (*types.Response, error) {
	o, err := f.wait(ctx)
	if err != nil {
		return nil, err
	}
	if o.err != nil {
		return o.response, o.err
	}
	return o.response, nil
}

// Address blocks until the future is set and returns the address of the host
// that produced the outcome.
func (f *ResponseFuture) Address(ctx context.Context) (types.Address, error) {
	o, err := f.wait(ctx)
	if err != nil {
		return "", err
	}
	return o.address, nil
}

// Error blocks until the future is set and returns the request error, nil on
// success.
func (f *ResponseFuture) Error(ctx context.Context) (*types.Error, error) {
	o, err := f.wait(ctx)
	if err != nil {
		return nil, err
	}
	return o.err, nil
}

// AddAttemptedAddress appends address to the attempt log. Only the request
// handler records attempts.
func (f *ResponseFuture) AddAttemptedAddress(address types.Address) {
	f.mu.Lock()
	f.attempted = append(f.attempted, address)
	f.mu.Unlock()
}

// AttemptedAddresses returns a copy of the addresses attempted so far, in
// the order the attempts were recorded.
func (f *ResponseFuture) AttemptedAddresses() []types.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Address, len(f.attempted))
	copy(out, f.attempted)
	return out
}
