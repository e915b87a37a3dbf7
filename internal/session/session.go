// ============================================================================
// Session - owner of request handlers
// ============================================================================
//
// Package: internal/session
// File: session.go
//
// The session creates a handler per request and is the handler's Listener:
//   - keeps the current keyspace (USE results)
//   - caches prepared statement metadata in an LRU
//   - re-prepares statements a node lost (UNPREPARED)
//   - optionally prepares new statements on every host
//   - holds schema changing requests back until the cluster agrees
//
// Blocking listener work runs on the session's worker pool, never on a
// connection callback.
//
// Internal requests (re-prepares, schema polls) go through the same handler
// machinery with a listener that never takes over completion.
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/internal/future"
	"github.com/ChuLiYu/reqexec/internal/metrics"
	"github.com/ChuLiYu/reqexec/internal/policy"
	"github.com/ChuLiYu/reqexec/internal/request"
	"github.com/ChuLiYu/reqexec/internal/ring"
	"github.com/ChuLiYu/reqexec/internal/worker"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrSessionClosed 表示 session 已關閉
	ErrSessionClosed = errors.New("session: closed")
	// ErrPreparedIDMismatch 表示重新 prepare 得到不同的 id
	ErrPreparedIDMismatch = errors.New("session: prepared id mismatch")
)

// Preparer prepares a statement on one host
type Preparer interface {
	Prepare(ctx context.Context, host *types.Host, query, keyspace string) (*types.Result, error)
}

// SchemaAgreement waits until the cluster agrees on the schema after host
// applied a change
type SchemaAgreement interface {
	Wait(ctx context.Context, host *types.Host) error
}

// Option configures a Session
type Option func(*Session)

// WithMetrics sets the collector handlers report into
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithClock sets the clock for request timers and schema polling
func WithClock(clock quartz.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithLogger sets the base logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.baseLogger = logger }
}

// WithPreparer replaces the preparer used for re-prepares and fan-out
func WithPreparer(p Preparer) Option {
	return func(s *Session) { s.preparer = p }
}

// WithSchemaAgreement replaces the schema agreement check
func WithSchemaAgreement(a SchemaAgreement) Option {
	return func(s *Session) { s.agreement = a }
}

// Session executes requests against a cluster.
type Session struct {
	cfg        *config.Config
	profiles   *config.Profiles
	manager    request.ConnectionPoolManager
	tokenMap   policy.TokenMap
	hosts      []*types.Host
	metrics    *metrics.Collector
	clock      quartz.Clock
	workers    *worker.Pool
	preparer   Preparer
	agreement  SchemaAgreement
	baseLogger *slog.Logger
	logger     *slog.Logger

	prepared *lru.Cache[string, request.PreparedEntry]
	keyspace atomic.String
	inflight singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

var _ request.Listener = (*Session)(nil)

// New creates a session over manager. A nil tokenMap builds a ring from the
// configured hosts.
func New(cfg *config.Config, manager request.ConnectionPoolManager, tokenMap policy.TokenMap, opts ...Option) (*Session, error) {
	profiles, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, request.PreparedEntry](cfg.Session.PreparedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create prepared cache: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		profiles: profiles,
		manager:  manager,
		tokenMap: tokenMap,
		hosts:    cfg.HostList(),
		clock:    quartz.NewReal(),
		prepared: cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseLogger == nil {
		s.baseLogger = slog.Default()
	}
	s.logger = s.baseLogger.With("component", "session")
	if s.tokenMap == nil {
		r := ring.New(cfg.Cluster.VirtualNodes, cfg.Cluster.ReplicationFactor)
		for _, h := range s.hosts {
			r.AddHost(h)
		}
		s.tokenMap = r
	}
	if s.preparer == nil {
		s.preparer = &sessionPreparer{s: s}
	}
	if s.agreement == nil {
		s.agreement = &versionPoller{s: s, interval: defaultPollInterval}
	}
	s.keyspace.Store(cfg.Cluster.Keyspace)

	s.workers = worker.NewPool(cfg.Session.WorkerCount)
	if err := s.workers.Start(); err != nil {
		return nil, err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if path := cfg.Session.SnapshotPath; path != "" {
		if err := s.LoadPrepared(path); err != nil {
			s.logger.Warn("unable to load prepared snapshot", "path", path, "error", err)
		}
	}

	s.logger.Info("session started", "hosts", len(s.hosts), "keyspace", s.Keyspace())
	return s, nil
}

// ============================================================================
// Execution
// ============================================================================

// Execute runs req through its execution profile
func (s *Session) Execute(req *types.Request) (*future.ResponseFuture, error) {
	return s.execute(req, s)
}

// ExecuteOn runs req on the host at address only
func (s *Session) ExecuteOn(address types.Address, req *types.Request) (*future.ResponseFuture, error) {
	return s.execute(req, s, request.WithPreferredAddress(address))
}

// Prepare prepares query through the regular request path and returns the
// cached metadata
func (s *Session) Prepare(ctx context.Context, query string) (request.PreparedEntry, error) {
	fut, err := s.Execute(types.NewPrepare(query))
	if err != nil {
		return request.PreparedEntry{}, err
	}
	resp, err := fut.Response(ctx)
	if err != nil {
		return request.PreparedEntry{}, err
	}
	if resp.Result == nil || resp.Result.Kind != types.ResultPrepared {
		return request.PreparedEntry{}, fmt.Errorf("session: unexpected %s result to prepare", resultKind(resp))
	}
	entry, _ := s.PreparedEntry(resp.Result.PreparedID)
	return entry, nil
}

// executeInternal runs a request the session issues on its own behalf
func (s *Session) executeInternal(address types.Address, req *types.Request) (*future.ResponseFuture, error) {
	return s.execute(req, internalListener{s}, request.WithPreferredAddress(address))
}

func (s *Session) execute(req *types.Request, listener request.Listener, opts ...request.Option) (*future.ResponseFuture, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	fut := future.NewForRequest(req)
	opts = append([]request.Option{
		request.WithClock(s.clock),
		request.WithLogger(s.baseLogger),
		request.WithExecutor(s.workers),
	}, opts...)
	h := request.NewHandler(req, fut, s.manager, s.metrics, listener, opts...)

	var prepared *request.PreparedEntry
	if req.Kind == types.KindExecute {
		if entry, ok := s.prepared.Get(req.PreparedID); ok {
			prepared = &entry
		}
	}
	if err := h.Init(s.profiles, s.Keyspace(), s.tokenMap, prepared); err != nil {
		return nil, err
	}
	if err := h.Execute(); err != nil {
		return nil, err
	}
	return fut, nil
}

// ============================================================================
// Listener
// ============================================================================

// OnResultMetadataChanged caches the statement's metadata
func (s *Session) OnResultMetadataChanged(preparedID, query, keyspace, resultMetadataID string, _ *types.Result) {
	if preparedID == "" {
		return
	}
	s.prepared.Add(preparedID, request.PreparedEntry{
		PreparedID:       preparedID,
		Query:            query,
		Keyspace:         keyspace,
		ResultMetadataID: resultMetadataID,
	})
	s.logger.Debug("prepared metadata updated", "prepared_id", preparedID, "result_metadata_id", resultMetadataID)
}

// OnKeyspaceChanged switches the session keyspace
func (s *Session) OnKeyspaceChanged(keyspace string) {
	if old := s.keyspace.Swap(keyspace); old != keyspace {
		s.logger.Info("keyspace changed", "from", old, "to", keyspace)
	}
}

// OnWaitForSchemaAgreement completes h once the cluster agrees on the
// schema, or the agreement timeout passes
func (s *Session) OnWaitForSchemaAgreement(h *request.Handler, host *types.Host, response *types.Response) bool {
	err := s.workers.Submit(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Session.SchemaAgreementTimeout)
		defer cancel()

		if err := s.agreement.Wait(ctx, host); err != nil {
			h.Logger().Warn("no schema agreement, completing anyway", "host", host, "error", err)
		}
		h.SetResponse(host, response)
	})
	if err != nil {
		s.logger.Warn("unable to schedule schema agreement", "error", err)
		return true
	}
	return false
}

// OnPrepareAll handles both sides of statement preparation. With an
// UNPREPARED error frame it re-prepares the statement on host and reports
// success. With a PREPARED result it prepares the statement on the other
// hosts, when configured to, before completing h.
func (s *Session) OnPrepareAll(h *request.Handler, host *types.Host, response *types.Response) bool {
	if response.IsError() {
		return s.reprepare(h, host)
	}
	if !s.cfg.Session.PrepareOnAllHosts || response.Result == nil {
		return true
	}

	result := response.Result
	keyspace := h.Wrapper().Keyspace
	query := h.Request().Query
	err := s.workers.Submit(func() {
		ctx, cancel := s.requestContext(h)
		defer cancel()
		if err := s.prepareOnHosts(ctx, host, query, keyspace); err != nil {
			h.Logger().Warn("unable to prepare on all hosts", "prepared_id", result.PreparedID, "error", err)
		}
		h.SetResponse(host, response)
	})
	if err != nil {
		s.logger.Warn("unable to schedule prepare on all hosts", "error", err)
		return true
	}
	return false
}

// reprepare runs on the handler's executor
func (s *Session) reprepare(h *request.Handler, host *types.Host) bool {
	req := h.Request()
	query, keyspace := req.Query, h.Wrapper().Keyspace
	if entry, ok := s.prepared.Get(req.PreparedID); ok {
		query, keyspace = entry.Query, entry.Keyspace
	}

	ctx, cancel := s.requestContext(h)
	defer cancel()

	result, err := s.prepareOn(ctx, host, query, keyspace)
	if err != nil {
		h.Logger().Warn("re-prepare failed", "host", host, "error", err)
		return false
	}
	if result.PreparedID != req.PreparedID {
		h.Logger().Error("re-prepare returned another statement", "host", host,
			"error", ErrPreparedIDMismatch, "want", req.PreparedID, "got", result.PreparedID)
		return false
	}
	return true
}

// prepareOnHosts prepares query on every host but origin
func (s *Session) prepareOnHosts(ctx context.Context, origin *types.Host, query, keyspace string) error {
	targets := make([]*types.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		if origin == nil || h.Address != origin.Address {
			targets = append(targets, h)
		}
	}
	return fanOut(ctx, targets, s.cfg.Session.WorkerCount, func(ctx context.Context, host *types.Host) error {
		_, err := s.prepareOn(ctx, host, query, keyspace)
		return err
	})
}

// prepareOn prepares query on host, sharing the call with concurrent
// requests for the same statement and host
func (s *Session) prepareOn(ctx context.Context, host *types.Host, query, keyspace string) (*types.Result, error) {
	key := host.Address.String() + "\x00" + keyspace + "\x00" + query
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		return s.preparer.Prepare(ctx, host, query, keyspace)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Result), nil
}

func (s *Session) requestContext(h *request.Handler) (context.Context, context.CancelFunc) {
	timeout := h.Wrapper().RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return context.WithTimeout(s.ctx, timeout)
}

// internalListener keeps the session's metadata handling but never takes
// over completion
type internalListener struct {
	*Session
}

func (internalListener) OnWaitForSchemaAgreement(*request.Handler, *types.Host, *types.Response) bool {
	return true
}

func (l internalListener) OnPrepareAll(h *request.Handler, host *types.Host, response *types.Response) bool {
	if response.IsError() {
		return l.reprepare(h, host)
	}
	return true
}

// ============================================================================
// Accessors
// ============================================================================

// Keyspace returns the session keyspace
func (s *Session) Keyspace() string { return s.keyspace.Load() }

// PreparedEntry returns the cached metadata of a prepared statement
func (s *Session) PreparedEntry(id string) (request.PreparedEntry, bool) {
	return s.prepared.Get(id)
}

// PreparedCount returns the number of cached prepared statements
func (s *Session) PreparedCount() int { return s.prepared.Len() }

// Hosts returns the configured hosts
func (s *Session) Hosts() []*types.Host { return s.hosts }

// Profiles returns the resolved execution profiles
func (s *Session) Profiles() *config.Profiles { return s.profiles }

// Stats is a point-in-time view of a session
type Stats struct {
	Keyspace       string
	Prepared       int
	Workers        int
	WorkersBusy    int
	WorkersStarted bool
	Closed         bool
}

// Stats returns the current session state
func (s *Session) Stats() Stats {
	return Stats{
		Keyspace:       s.Keyspace(),
		Prepared:       s.PreparedCount(),
		Workers:        s.workers.GetWorkerCount(),
		WorkersBusy:    s.workers.Running(),
		WorkersStarted: s.workers.IsStarted(),
		Closed:         s.closed.Load(),
	}
}

// Close rejects new requests, waits for pending listener work and saves the
// prepared snapshot when one is configured
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if path := s.cfg.Session.SnapshotPath; path != "" {
		err = s.SavePrepared(path)
	}
	s.cancel()
	s.workers.Stop()
	s.logger.Info("session closed")
	return err
}

func resultKind(resp *types.Response) string {
	switch {
	case resp == nil:
		return "empty"
	case resp.IsError():
		return "error"
	case resp.Result == nil:
		return "void"
	default:
		return resp.Result.Kind.String()
	}
}

const defaultPollInterval = 200 * time.Millisecond
