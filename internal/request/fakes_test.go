package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/internal/future"
	"github.com/ChuLiYu/reqexec/internal/policy"
	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ============================================================================
// Fake nodes
// ============================================================================

// nodeFunc plays one node's side of a write
type nodeFunc func(w *types.RequestWrapper, cb pool.ResponseCallback) error

func respond(resp *types.Response) nodeFunc {
	return func(_ *types.RequestWrapper, cb pool.ResponseCallback) error {
		cb.OnWrite()
		cb.OnSet(resp)
		return nil
	}
}

func transportFail(code types.ErrorCode) nodeFunc {
	return func(_ *types.RequestWrapper, cb pool.ResponseCallback) error {
		cb.OnWrite()
		cb.OnError(code, "connection reset")
		return nil
	}
}

func refuseWrite() nodeFunc {
	return func(*types.RequestWrapper, pool.ResponseCallback) error {
		return errors.New("write buffer full")
	}
}

// sequence answers the i-th write with fns[i], repeating the last one
func sequence(fns ...nodeFunc) nodeFunc {
	var mu sync.Mutex
	n := 0
	return func(w *types.RequestWrapper, cb pool.ResponseCallback) error {
		mu.Lock()
		fn := fns[min(n, len(fns)-1)]
		n++
		mu.Unlock()
		return fn(w, cb)
	}
}

// hangingNode acknowledges writes and never answers until told to
type hangingNode struct {
	mu  sync.Mutex
	cbs []pool.ResponseCallback
}

func (n *hangingNode) node() nodeFunc {
	return func(_ *types.RequestWrapper, cb pool.ResponseCallback) error {
		cb.OnWrite()
		n.mu.Lock()
		n.cbs = append(n.cbs, cb)
		n.mu.Unlock()
		return nil
	}
}

func (n *hangingNode) pending() []pool.ResponseCallback {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pool.ResponseCallback(nil), n.cbs...)
}

type fakeConn struct {
	host *types.Host
	node nodeFunc
}

func (c *fakeConn) Host() *types.Host { return c.host }
func (c *fakeConn) Write(w *types.RequestWrapper, cb pool.ResponseCallback) error {
	return c.node(w, cb)
}
func (c *fakeConn) InFlight() int  { return 0 }
func (c *fakeConn) IsClosed() bool { return false }
func (c *fakeConn) Close() error   { return nil }

// fakeManager hands out fake connections to the registered nodes
type fakeManager struct {
	mu       sync.Mutex
	nodes    map[types.Address]nodeFunc
	down     map[types.Address]bool
	acquired []types.Address
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		nodes: make(map[types.Address]nodeFunc),
		down:  make(map[types.Address]bool),
	}
}

func (m *fakeManager) set(address string, node nodeFunc) *fakeManager {
	m.mu.Lock()
	m.nodes[types.Address(address)] = node
	m.mu.Unlock()
	return m
}

func (m *fakeManager) markDown(address string) *fakeManager {
	m.mu.Lock()
	m.down[types.Address(address)] = true
	m.mu.Unlock()
	return m
}

func (m *fakeManager) Acquire(_ context.Context, host *types.Host) (pool.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = append(m.acquired, host.Address)
	if m.down[host.Address] {
		return nil, pool.ErrHostDown
	}
	node, ok := m.nodes[host.Address]
	if !ok {
		return nil, errors.New("unknown host")
	}
	return &fakeConn{host: host, node: node}, nil
}

func (m *fakeManager) acquisitions() []types.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Address(nil), m.acquired...)
}

// ============================================================================
// Fake listener
// ============================================================================

type fakeListener struct {
	mu sync.Mutex

	prepareCalls  int
	prepareResult bool
	prepareResps  []*types.Response

	schemaCalls   int
	schemaResult  bool
	schemaHandler *Handler
	schemaHost    *types.Host
	schemaResp    *types.Response

	keyspaces []string
	metadata  []string
}

func (l *fakeListener) OnResultMetadataChanged(_, _, _ string, resultMetadataID string, _ *types.Result) {
	l.mu.Lock()
	l.metadata = append(l.metadata, resultMetadataID)
	l.mu.Unlock()
}

func (l *fakeListener) OnKeyspaceChanged(keyspace string) {
	l.mu.Lock()
	l.keyspaces = append(l.keyspaces, keyspace)
	l.mu.Unlock()
}

func (l *fakeListener) OnWaitForSchemaAgreement(h *Handler, host *types.Host, resp *types.Response) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.schemaCalls++
	l.schemaHandler, l.schemaHost, l.schemaResp = h, host, resp
	return l.schemaResult
}

func (l *fakeListener) OnPrepareAll(_ *Handler, _ *types.Host, resp *types.Response) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prepareCalls++
	l.prepareResps = append(l.prepareResps, resp)
	return l.prepareResult
}

func (l *fakeListener) prepares() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prepareCalls
}

// syncExecutor runs tasks inline
type syncExecutor struct{}

func (syncExecutor) Submit(task func()) error {
	task()
	return nil
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return errors.New("pool closed") }

// ============================================================================
// Policies
// ============================================================================

// retryFunc adapts a function to policy.RetryPolicy
type retryFunc func(info policy.RetryInfo) gocql.RetryType

func (f retryFunc) Decide(info policy.RetryInfo) gocql.RetryType { return f(info) }

func always(decision gocql.RetryType) policy.RetryPolicy {
	return retryFunc(func(policy.RetryInfo) gocql.RetryType { return decision })
}

// ============================================================================
// Helpers
// ============================================================================

const (
	hostA = "10.0.0.1:9042"
	hostB = "10.0.0.2:9042"
	hostC = "10.0.0.3:9042"
)

func rowsResponse(value string) *types.Response {
	return types.NewResultResponse(&types.Result{
		Kind:    types.ResultRows,
		Columns: []string{"v"},
		Rows:    [][]string{{value}},
	})
}

func errorResponse(code types.ErrorCode, message string) *types.Response {
	return types.NewErrorResponse(&types.ErrorResponse{Code: code, Message: message})
}

func unpreparedResponse(id string) *types.Response {
	return types.NewErrorResponse(&types.ErrorResponse{
		Code:       types.CodeUnprepared,
		Message:    "Prepared query with ID " + id + " not found",
		PreparedID: id,
	})
}

// testProfiles resolves a round robin profile over hosts
func testProfiles(t *testing.T, hosts []string, mutate func(p *config.Profile)) *config.Profiles {
	t.Helper()
	cfg := config.Default()
	for _, addr := range hosts {
		cfg.Cluster.Hosts = append(cfg.Cluster.Hosts, types.Host{Address: types.Address(addr)})
	}
	cfg.Defaults.LoadBalancing = "round_robin"
	cfg.Defaults.RequestTimeout = time.Second
	if mutate != nil {
		mutate(&cfg.Defaults)
	}
	ps, err := config.Resolve(cfg)
	require.NoError(t, err)
	return ps
}

func newInitializedHandler(t *testing.T, req *types.Request, ps *config.Profiles, manager ConnectionPoolManager,
	listener Listener, opts ...Option) (*Handler, *future.ResponseFuture) {
	t.Helper()
	fut := future.NewForRequest(req)
	h := NewHandler(req, fut, manager, nil, listener, opts...)
	require.NoError(t, h.Init(ps, "app", nil, nil))
	return h, fut
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func addresses(addrs ...string) []types.Address {
	out := make([]types.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, types.Address(a))
	}
	return out
}
