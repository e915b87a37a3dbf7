// ============================================================================
// RequestExecution - state machine of one attempt chain
// ============================================================================
//
// Package: internal/request
// File: execution.go
//
// State transitions:
//
//   Init ─► HostSelected ─► ConnectionAcquired ─► WriteSent ─► AwaitingResponse
//                 ▲                                                   │
//                 │   RetrySameHost / RetryNextHost / UnpreparedRetry ◄┤
//                 └───────────────────────────────────────────────────┤
//                                                    Succeeded / Failed ◄┘
//
// Connection callbacks, the prepare executor and the handler all deliver
// events. deliver() queues them and the first caller drains the queue, so
// step() never runs concurrently with itself, even when a connection fires
// a callback from inside Write.
//
// ============================================================================

package request

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/ChuLiYu/reqexec/internal/metrics"
	"github.com/ChuLiYu/reqexec/internal/policy"
	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

type state int

const (
	stateInit state = iota
	stateHostSelected
	stateConnectionAcquired
	stateWriteSent
	stateAwaitingResponse
	stateSucceeded
	stateRetrySameHost
	stateRetryNextHost
	stateUnpreparedRetry
	stateFailed
)

var stateNames = map[state]string{
	stateInit:               "INIT",
	stateHostSelected:       "HOST_SELECTED",
	stateConnectionAcquired: "CONNECTION_ACQUIRED",
	stateWriteSent:          "WRITE_SENT",
	stateAwaitingResponse:   "AWAITING_RESPONSE",
	stateSucceeded:          "SUCCEEDED",
	stateRetrySameHost:      "RETRY_SAME_HOST",
	stateRetryNextHost:      "RETRY_NEXT_HOST",
	stateUnpreparedRetry:    "UNPREPARED_RETRY",
	stateFailed:             "FAILED",
}

func (s state) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

type eventKind int

const (
	eventStart eventKind = iota
	eventRetryCurrentHost
	eventRetryNextHost
	eventWrite
	eventResponse
	eventError
	eventPrepared
)

type event struct {
	kind     eventKind
	response *types.Response
	code     types.ErrorCode
	message  string
	ok       bool // eventPrepared
}

// failure is the last error an execution observed
type failure struct {
	address  types.Address
	code     types.ErrorCode
	message  string
	response *types.Response // error frame, nil for transport errors
}

// Execution is one chain of attempts of a request. Speculative executions
// run side by side against different hosts.
type Execution struct {
	handler *Handler
	host    *types.Host
	conn    pool.Connection

	retryCount   int
	repreparedOn types.Address
	startTime    time.Time
	state        state
	lastErr      *failure

	mu       sync.Mutex
	pending  []event
	draining bool
}

var _ pool.ResponseCallback = (*Execution)(nil)

func newExecution(h *Handler, host *types.Host) *Execution {
	return &Execution{
		handler:   h,
		host:      host,
		startTime: h.clock.Now(),
		state:     stateInit,
	}
}

// OnWrite is called once the request was flushed to the connection
func (e *Execution) OnWrite() {
	e.deliver(event{kind: eventWrite})
}

// OnSet is called with the response frame
func (e *Execution) OnSet(response *types.Response) {
	e.deliver(event{kind: eventResponse, response: response})
}

// OnError is called on a transport failure
func (e *Execution) OnError(code types.ErrorCode, message string) {
	e.deliver(event{kind: eventError, code: code, message: message})
}

// deliver queues ev and drains the queue unless another caller already is
func (e *Execution) deliver(ev event) {
	e.mu.Lock()
	e.pending = append(e.pending, ev)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()
		e.step(next)
		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}

// step is the transition function
func (e *Execution) step(ev event) {
	h := e.handler

	switch ev.kind {
	case eventStart:
		h.retry(e)

	case eventRetryCurrentHost:
		e.state = stateRetrySameHost
		h.retry(e)

	case eventRetryNextHost:
		e.state = stateRetryNextHost
		e.host = h.nextHost()
		h.retry(e)

	case eventWrite:
		if e.state != stateWriteSent {
			e.ignore(ev)
			return
		}
		e.onWrite()

	case eventResponse:
		if !e.awaiting() {
			e.ignore(ev)
			return
		}
		e.onSet(ev.response)

	case eventError:
		if !e.awaiting() {
			e.ignore(ev)
			return
		}
		e.onError(ev.code, ev.message)

	case eventPrepared:
		if e.state != stateUnpreparedRetry {
			e.ignore(ev)
			return
		}
		e.onPrepared(ev.ok)
	}
}

func (e *Execution) awaiting() bool {
	return e.state == stateWriteSent || e.state == stateAwaitingResponse
}

func (e *Execution) ignore(ev event) {
	e.handler.logger.Debug("ignoring event", "event", int(ev.kind), "state", e.state, "host", e.host)
}

func (e *Execution) onWrite() {
	h := e.handler
	e.state = stateAwaitingResponse
	h.startRequest()
	if h.wrapper.IsIdempotent() {
		h.scheduleNextExecution(e.host)
	}
}

func (e *Execution) onSet(response *types.Response) {
	h := e.handler

	if response == nil {
		e.onError(types.CodeLibInternalError, "Empty response")
		return
	}
	if response.IsError() {
		e.onErrorResponse(response)
		return
	}

	e.state = stateSucceeded
	result := response.Result
	if result == nil {
		h.setResponse(e.host, response)
		return
	}

	req := h.request
	switch result.Kind {
	case types.ResultSetKeyspace:
		h.NotifyKeyspaceChanged(result.Keyspace)

	case types.ResultRows:
		if req.Kind == types.KindExecute && result.ResultMetadataID != "" &&
			result.ResultMetadataID != h.wrapper.ResultMetadataID {
			h.notifyResultMetadataChanged(req.PreparedID, req.Query, h.wrapper.Keyspace, result.ResultMetadataID, result)
		}

	case types.ResultSchemaChange:
		if !h.waitForSchemaAgreement(e.host, response) {
			return
		}

	case types.ResultPrepared:
		h.notifyResultMetadataChanged(result.PreparedID, req.Query, h.wrapper.Keyspace, result.ResultMetadataID, result)
		if !h.prepareAll(e.host, response) {
			return
		}
	}

	h.setResponse(e.host, response)
}

func (e *Execution) onErrorResponse(response *types.Response) {
	er := response.Error
	if er == nil {
		e.onError(types.CodeLibInternalError, "Error frame without error body")
		return
	}

	if er.Code == types.CodeUnprepared {
		e.onErrorUnprepared(response)
		return
	}

	e.lastErr = &failure{address: e.host.Address, code: er.Code, message: er.Message, response: response}

	kind, ok := policy.KindForCode(er.Code)
	if !ok {
		e.state = stateFailed
		e.handler.setErrorWithErrorResponse(e.host, response, er.Code, er.Message)
		return
	}
	e.applyDecision(e.decide(kind, er), response)
}

func (e *Execution) onError(code types.ErrorCode, message string) {
	e.lastErr = &failure{address: e.host.Address, code: code, message: message}

	kind, ok := policy.KindForCode(code)
	if !ok {
		kind = policy.ErrorKindTransport
	}
	e.applyDecision(e.decide(kind, nil), nil)
}

func (e *Execution) decide(kind policy.ErrorKind, er *types.ErrorResponse) gocql.RetryType {
	h := e.handler
	return h.retryPolicy.Decide(policy.RetryInfo{
		Kind:        kind,
		Error:       er,
		Request:     h.request,
		Consistency: h.wrapper.Consistency,
		Idempotent:  h.wrapper.IsIdempotent(),
		RetryCount:  e.retryCount,
	})
}

func (e *Execution) applyDecision(decision gocql.RetryType, response *types.Response) {
	h := e.handler

	switch decision {
	case gocql.Retry:
		e.retryCount++
		h.metrics.RecordRetry(metrics.RetrySameHost)
		e.deliver(event{kind: eventRetryCurrentHost})

	case gocql.RetryNextHost:
		e.retryCount++
		h.metrics.RecordRetry(metrics.RetryNextHost)
		e.deliver(event{kind: eventRetryNextHost})

	case gocql.Ignore:
		e.state = stateSucceeded
		h.setResponse(e.host, types.NewVoidResponse())

	default:
		e.state = stateFailed
		f := e.lastErr
		if response != nil {
			h.setErrorWithErrorResponse(e.host, response, f.code, f.message)
		} else {
			h.setError(e.host, f.code, f.message)
		}
	}
}

// onErrorUnprepared re-prepares the statement through the listener and
// retries on the same host. A host still missing the statement after that
// is skipped.
func (e *Execution) onErrorUnprepared(response *types.Response) {
	h := e.handler
	host := e.host

	if e.repreparedOn == host.Address {
		e.lastErr = &failure{
			address: host.Address,
			code:    types.CodeLibUnableToPrepare,
			message: fmt.Sprintf("Statement is still unprepared on %s after re-preparing it", host),
		}
		e.deliver(event{kind: eventRetryNextHost})
		return
	}

	e.state = stateUnpreparedRetry
	e.lastErr = &failure{
		address: host.Address,
		code:    types.CodeLibUnableToPrepare,
		message: fmt.Sprintf("Unable to re-prepare statement on %s", host),
	}

	if h.listener == nil {
		e.failUnprepared()
		return
	}

	h.logger.Debug("re-preparing statement", "host", host, "prepared_id", h.request.PreparedID)
	h.metrics.RecordReprepare()
	err := h.executor.Submit(func() {
		ok := h.listener.OnPrepareAll(h, host, response)
		e.deliver(event{kind: eventPrepared, ok: ok})
	})
	if err != nil {
		h.logger.Warn("unable to schedule re-prepare", "host", host, "error", err)
		e.failUnprepared()
	}
}

// onPrepared retries on the same host. The retry is housekeeping and does
// not count against the retry policy.
func (e *Execution) onPrepared(ok bool) {
	if !ok {
		e.failUnprepared()
		return
	}
	e.repreparedOn = e.host.Address
	e.deliver(event{kind: eventRetryCurrentHost})
}

func (e *Execution) failUnprepared() {
	e.state = stateFailed
	e.handler.setError(e.host, e.lastErr.code, e.lastErr.message)
}

// Host returns the host the execution currently targets
func (e *Execution) Host() *types.Host { return e.host }

// RetryCount returns the number of policy-driven retries so far
func (e *Execution) RetryCount() int { return e.retryCount }
