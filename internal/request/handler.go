// ============================================================================
// RequestHandler - lifecycle of one logical request
// ============================================================================
//
// Package: internal/request
// File: handler.go
//
// A Handler owns everything shared by the executions of one request: the
// query plan, the speculative plan, the request timer, the speculative
// timer, the running-executions counter and the canceled flag. Executions
// never walk the query plan themselves; they come back through retry() and
// nextHost().
//
// Lifecycle:
//   1. NewHandler(req, future, manager, metrics, listener, opts...)
//   2. Init(profiles, keyspace, tokenMap, prepared)   exactly once
//   3. Execute()                                      exactly once
//   4. executions conclude through set*; the first one wins the future,
//      the request is stopped once the future is set or nothing runs
//
// Concurrency:
//   - running / canceled are atomics read on every callback
//   - mu guards the plans and both timers
//   - all completions funnel through the single-assignment future
//
// ============================================================================

package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/internal/future"
	"github.com/ChuLiYu/reqexec/internal/metrics"
	"github.com/ChuLiYu/reqexec/internal/policy"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyInitialized 表示 Init 被調用了兩次
	ErrAlreadyInitialized = errors.New("request: handler already initialized")
	// ErrNotInitialized 表示 Execute 在 Init 之前被調用
	ErrNotInitialized = errors.New("request: handler not initialized")
	// ErrAlreadyExecuting 表示 Execute 被調用了兩次
	ErrAlreadyExecuting = errors.New("request: handler already executing")
)

// Option configures a Handler
type Option func(*Handler)

// WithPreferredAddress pins the request to one host, bypassing the query plan
func WithPreferredAddress(address types.Address) Option {
	return func(h *Handler) { h.preferred = address }
}

// WithClock sets the clock used for the request and speculative timers
func WithClock(clock quartz.Clock) Option {
	return func(h *Handler) { h.clock = clock }
}

// WithLogger sets the base logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.baseLogger = logger }
}

// WithExecutor sets where blocking listener work (re-prepares) runs
func WithExecutor(executor Executor) Option {
	return func(h *Handler) { h.executor = executor }
}

// Handler drives one request to completion.
type Handler struct {
	id        string
	request   *types.Request
	future    *future.ResponseFuture
	manager   ConnectionPoolManager
	metrics   *metrics.Collector
	listener  Listener
	executor  Executor
	clock     quartz.Clock
	preferred types.Address

	baseLogger *slog.Logger
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Int32
	canceled atomic.Bool

	mu            sync.Mutex
	initialized   bool
	executing     bool
	wrapper       *types.RequestWrapper
	retryPolicy   policy.RetryPolicy
	queryPlan     policy.QueryPlan
	specPlan      policy.SpeculativeExecutionPlan
	requestTimer  *quartz.Timer
	requestArmed  bool
	specTimer     *quartz.Timer
	startTime     time.Time
	lastAttempted types.Address
}

// NewHandler creates a handler for req that reports into fut. metrics and
// listener may be nil.
func NewHandler(req *types.Request, fut *future.ResponseFuture, manager ConnectionPoolManager,
	collector *metrics.Collector, listener Listener, opts ...Option) *Handler {
	h := &Handler{
		id:       uuid.NewString(),
		request:  req,
		future:   fut,
		manager:  manager,
		metrics:  collector,
		listener: listener,
		executor: goExecutor{},
		clock:    quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.baseLogger == nil {
		h.baseLogger = slog.Default()
	}
	h.logger = h.baseLogger.With("component", "request", "id", h.id)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Init resolves the request against its execution profile and builds the
// query and speculative plans. It must be called exactly once.
func (h *Handler) Init(profiles *config.Profiles, keyspace string, tokenMap policy.TokenMap, prepared *PreparedEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized {
		return ErrAlreadyInitialized
	}

	profile := profiles.Get(h.request.Profile)
	h.wrapper = newWrapper(h.request, profile, keyspace, prepared)
	h.retryPolicy = profile.Retry

	if h.preferred.IsValid() {
		h.queryPlan = policy.NewListPlan(&types.Host{Address: h.preferred})
	} else {
		h.queryPlan = profile.LoadBalancing.NewQueryPlan(h.wrapper.Keyspace, h.request, tokenMap)
	}

	if h.wrapper.IsIdempotent() {
		h.specPlan = profile.Speculative.NewPlan(h.wrapper.Keyspace, h.request)
	} else {
		h.specPlan = policy.NoSpeculativeExecutionPolicy{}.NewPlan(h.wrapper.Keyspace, h.request)
	}

	h.initialized = true
	return nil
}

// newWrapper resolves the request's execution parameters
func newWrapper(req *types.Request, profile *config.ExecutionProfile, keyspace string, prepared *PreparedEntry) *types.RequestWrapper {
	w := &types.RequestWrapper{
		Request:           req,
		Consistency:       req.Consistency,
		SerialConsistency: req.SerialConsistency,
		Keyspace:          req.Keyspace,
		RequestTimeout:    req.RequestTimeout,
	}
	if w.Consistency == types.ConsistencyUnset {
		w.Consistency = profile.Consistency
	}
	if w.SerialConsistency == 0 {
		w.SerialConsistency = profile.SerialConsistency
	}
	if w.Keyspace == "" {
		w.Keyspace = keyspace
	}
	switch {
	case w.RequestTimeout == 0:
		w.RequestTimeout = profile.RequestTimeout
	case w.RequestTimeout < 0:
		w.RequestTimeout = 0
	}
	if req.Kind == types.KindExecute && prepared != nil && prepared.PreparedID == req.PreparedID {
		w.ResultMetadataID = prepared.ResultMetadataID
	}
	return w
}

// Execute starts the first execution. It must be called exactly once,
// after Init.
func (h *Handler) Execute() error {
	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return ErrNotInitialized
	}
	if h.executing {
		h.mu.Unlock()
		return ErrAlreadyExecuting
	}
	h.executing = true
	h.startTime = h.clock.Now()
	host := h.queryPlan.Next()
	h.mu.Unlock()

	h.logger.Debug("executing request", "kind", h.request.Kind, "host", host)

	if host == nil {
		if h.future.SetErrorWithAddress("", types.CodeLibNoHostsAvailable,
			"No hosts available for the current load balancing plan") {
			h.recordOutcome(metrics.OutcomeError)
		}
		h.stopRequest()
		return nil
	}

	h.startExecution(host)
	return nil
}

// startExecution runs a new execution against host
func (h *Handler) startExecution(host *types.Host) {
	e := newExecution(h, host)
	h.running.Inc()
	h.metrics.ExecutionStarted()
	e.deliver(event{kind: eventStart})
}

// ============================================================================
// Execution support (package-private)
// ============================================================================

// nextHost returns the next host of the query plan, nil once exhausted
func (h *Handler) nextHost() *types.Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queryPlan.Next()
}

// nextExecution returns the delay before the next speculative execution
func (h *Handler) nextExecution(current *types.Host) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.specPlan.NextExecution(current)
}

// retry acquires a connection for e's host and writes the request,
// advancing through the query plan while hosts fail to take it. With the
// plan exhausted the execution concludes with its last error.
func (h *Handler) retry(e *Execution) {
	if h.canceled.Load() {
		h.drop(e)
		return
	}

	for e.host != nil {
		e.state = stateHostSelected
		conn, err := h.manager.Acquire(h.ctx, e.host)
		if err != nil {
			h.logger.Debug("unable to acquire connection", "host", e.host, "error", err)
			e.lastErr = &failure{
				address: e.host.Address,
				code:    types.CodeLibUnableToConnect,
				message: fmt.Sprintf("Unable to acquire connection to %s: %v", e.host, err),
			}
			e.host = h.nextHost()
			continue
		}

		e.conn = conn
		e.state = stateConnectionAcquired
		if err := h.write(e); err != nil {
			h.logger.Debug("unable to write request", "host", e.host, "error", err)
			e.lastErr = &failure{
				address: e.host.Address,
				code:    types.CodeLibWriteError,
				message: fmt.Sprintf("Unable to write request to %s: %v", e.host, err),
			}
			e.host = h.nextHost()
			continue
		}

		h.addAttemptedAddress(e.host.Address)
		h.metrics.RecordAttempt()
		return
	}

	e.state = stateFailed
	h.exhausted(e)
}

// write sends the request on e's connection. Callbacks fired from inside
// Write are queued behind the current step.
func (h *Handler) write(e *Execution) error {
	e.state = stateWriteSent
	if err := e.conn.Write(h.wrapper, e); err != nil {
		e.state = stateConnectionAcquired
		return err
	}
	return nil
}

// exhausted concludes an execution that ran out of hosts. While other
// executions are running the future is left to them.
func (h *Handler) exhausted(e *Execution) {
	if h.finishExecution() > 0 {
		h.logger.Debug("query plan exhausted, other executions still running")
		return
	}

	var set bool
	switch f := e.lastErr; {
	case f == nil:
		set = h.future.SetErrorWithAddress("", types.CodeLibNoHostsAvailable,
			"All hosts in the current load balancing plan have been tried")
	case f.response != nil:
		set = h.future.SetErrorWithResponse(f.address, f.response, f.code, f.message)
	default:
		set = h.future.SetErrorWithAddress(f.address, f.code, f.message)
	}
	if set {
		h.recordOutcome(metrics.OutcomeError)
	}
	h.stopRequest()
}

// drop concludes an execution of a canceled request without touching the
// future.
func (h *Handler) drop(e *Execution) {
	e.state = stateFailed
	if h.finishExecution() <= 0 {
		h.stopRequest()
	}
}

func (h *Handler) finishExecution() int32 {
	h.metrics.ExecutionFinished()
	return h.running.Dec()
}

// startRequest arms the request timer, once
func (h *Handler) startRequest() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.requestArmed || h.canceled.Load() {
		return
	}
	h.requestArmed = true
	if h.wrapper.RequestTimeout > 0 {
		h.requestTimer = h.clock.AfterFunc(h.wrapper.RequestTimeout, h.onTimeout)
	}
}

// scheduleNextExecution arms the speculative timer unless one is pending
// or the plan has no more executions.
func (h *Handler) scheduleNextExecution(current *types.Host) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.specTimer != nil || h.canceled.Load() {
		return
	}
	delay, ok := h.specPlan.NextExecution(current)
	if !ok {
		return
	}
	h.specTimer = h.clock.AfterFunc(delay, h.onExecuteNext)
}

// onExecuteNext is the speculative timer callback
func (h *Handler) onExecuteNext() {
	h.mu.Lock()
	h.specTimer = nil
	if h.canceled.Load() {
		h.mu.Unlock()
		return
	}
	host := h.queryPlan.Next()
	h.mu.Unlock()

	if host == nil {
		return
	}
	h.logger.Debug("starting speculative execution", "host", host)
	h.metrics.RecordSpeculativeExecution()
	h.startExecution(host)
}

// onTimeout is the request timer callback
func (h *Handler) onTimeout() {
	h.mu.Lock()
	h.requestTimer = nil
	address := h.lastAttempted
	timeout := h.wrapper.RequestTimeout
	h.mu.Unlock()

	if h.future.SetErrorWithAddress(address, types.CodeLibRequestTimedOut,
		fmt.Sprintf("Request timed out after %v", timeout)) {
		h.logger.Debug("request timed out", "host", address, "timeout", timeout)
		h.recordOutcome(metrics.OutcomeTimeout)
	}
	h.stopRequest()
}

// stopRequest cancels the request: no execution or retry starts afterwards
func (h *Handler) stopRequest() {
	h.mu.Lock()
	h.canceled.Store(true)
	if h.requestTimer != nil {
		h.requestTimer.Stop()
		h.requestTimer = nil
	}
	if h.specTimer != nil {
		h.specTimer.Stop()
		h.specTimer = nil
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *Handler) addAttemptedAddress(address types.Address) {
	h.mu.Lock()
	h.lastAttempted = address
	h.mu.Unlock()
	h.future.AddAttemptedAddress(address)
}

func (h *Handler) recordOutcome(outcome string) {
	h.mu.Lock()
	start := h.startTime
	h.mu.Unlock()
	h.metrics.RecordRequest(outcome, h.clock.Since(start))
}

// conclude decrements the running count after set ran and stops the
// request when the future was set or nothing runs anymore.
func (h *Handler) conclude(set func() bool, outcome string) {
	// set runs while this execution still counts as running, so a
	// concurrently exhausted execution cannot see zero and win first
	won := set()
	remaining := h.finishExecution()
	if won {
		h.recordOutcome(outcome)
		h.stopRequest()
		return
	}
	if remaining <= 0 {
		h.stopRequest()
	}
}

func (h *Handler) setResponse(host *types.Host, response *types.Response) {
	h.conclude(func() bool {
		return h.future.SetResponse(hostAddress(host), response)
	}, metrics.OutcomeSuccess)
}

func (h *Handler) setError(host *types.Host, code types.ErrorCode, message string) {
	h.conclude(func() bool {
		return h.future.SetErrorWithAddress(hostAddress(host), code, message)
	}, metrics.OutcomeError)
}

func (h *Handler) setErrorWithErrorResponse(host *types.Host, response *types.Response, code types.ErrorCode, message string) {
	h.conclude(func() bool {
		return h.future.SetErrorWithResponse(hostAddress(host), response, code, message)
	}, metrics.OutcomeError)
}

func hostAddress(host *types.Host) types.Address {
	if host == nil {
		return ""
	}
	return host.Address
}

// ============================================================================
// Listener completions
// ============================================================================

// SetResponse completes a request the listener took over
func (h *Handler) SetResponse(host *types.Host, response *types.Response) {
	h.setResponse(host, response)
}

// SetError completes a request the listener took over with an error
func (h *Handler) SetError(host *types.Host, code types.ErrorCode, message string) {
	h.setError(host, code, message)
}

// SetErrorWithErrorResponse completes a request the listener took over with
// an error frame
func (h *Handler) SetErrorWithErrorResponse(host *types.Host, response *types.Response, code types.ErrorCode, message string) {
	h.setErrorWithErrorResponse(host, response, code, message)
}

// ============================================================================
// Listener notifications
// ============================================================================

func (h *Handler) notifyResultMetadataChanged(preparedID, query, keyspace, resultMetadataID string, result *types.Result) {
	if h.listener != nil {
		h.listener.OnResultMetadataChanged(preparedID, query, keyspace, resultMetadataID, result)
	}
}

// NotifyKeyspaceChanged forwards a keyspace change to the listener
func (h *Handler) NotifyKeyspaceChanged(keyspace string) {
	if h.listener != nil {
		h.listener.OnKeyspaceChanged(keyspace)
	}
}

func (h *Handler) waitForSchemaAgreement(host *types.Host, response *types.Response) bool {
	if h.listener == nil {
		return true
	}
	return h.listener.OnWaitForSchemaAgreement(h, host, response)
}

func (h *Handler) prepareAll(host *types.Host, response *types.Response) bool {
	if h.listener == nil {
		return true
	}
	return h.listener.OnPrepareAll(h, host, response)
}

// ============================================================================
// Accessors
// ============================================================================

// ID returns the handler's unique id
func (h *Handler) ID() string { return h.id }

// Request returns the wrapped request
func (h *Handler) Request() *types.Request { return h.request }

// Future returns the future the handler reports into
func (h *Handler) Future() *future.ResponseFuture { return h.future }

// Wrapper returns the resolved request, nil before Init
func (h *Handler) Wrapper() *types.RequestWrapper {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wrapper
}

// Consistency returns the resolved consistency
func (h *Handler) Consistency() gocql.Consistency {
	if w := h.Wrapper(); w != nil {
		return w.Consistency
	}
	return h.request.Consistency
}

// PreferredAddress returns the pinned host address, empty when unset
func (h *Handler) PreferredAddress() types.Address { return h.preferred }

// RunningExecutions returns the number of executions still running
func (h *Handler) RunningExecutions() int { return int(h.running.Load()) }

// IsCanceled reports whether the request was stopped
func (h *Handler) IsCanceled() bool { return h.canceled.Load() }

// Logger returns the handler's logger
func (h *Handler) Logger() *slog.Logger { return h.logger }
