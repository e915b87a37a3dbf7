package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// SchemaVersionQuery asks a node for its schema version
const SchemaVersionQuery = "SELECT schema_version FROM system.local"

// PreparedID returns the id a node assigns to query prepared in keyspace
func PreparedID(keyspace, query string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(keyspace+"\x00"+query))
}

func resultMetadataID(query string) string {
	return fmt.Sprintf("%08x", uint32(xxhash.Sum64String(query)))
}

// SimNode is an in-process node. It keeps a prepared statement registry,
// a schema version, and can inject latency, error frames or silence.
type SimNode struct {
	address types.Address
	cluster *SimCluster

	mu            sync.Mutex
	latency       time.Duration
	hang          bool
	failures      []*types.ErrorResponse
	prepared      map[string]string
	schemaVersion string
	requests      int
}

var _ Node = (*SimNode)(nil)

// NewSimNode creates a standalone node
func NewSimNode(address string) *SimNode {
	return &SimNode{
		address:       types.Address(address),
		prepared:      make(map[string]string),
		schemaVersion: uuid.NewString(),
	}
}

// Address returns the node address
func (n *SimNode) Address() types.Address { return n.address }

// SetLatency delays every answer by d
func (n *SimNode) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

// SetHang makes the node accept requests and never answer them
func (n *SimNode) SetHang(hang bool) {
	n.mu.Lock()
	n.hang = hang
	n.mu.Unlock()
}

// FailNext answers the next len(errs) requests with the given error frames
func (n *SimNode) FailNext(errs ...*types.ErrorResponse) {
	n.mu.Lock()
	n.failures = append(n.failures, errs...)
	n.mu.Unlock()
}

// Forget drops every prepared statement, as a restarted node would
func (n *SimNode) Forget() {
	n.mu.Lock()
	n.prepared = make(map[string]string)
	n.mu.Unlock()
}

// IsPrepared reports whether the node knows the prepared statement id
func (n *SimNode) IsPrepared(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.prepared[id]
	return ok
}

// SchemaVersion returns the node's current schema version
func (n *SimNode) SchemaVersion() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.schemaVersion
}

func (n *SimNode) setSchemaVersion(version string) {
	n.mu.Lock()
	n.schemaVersion = version
	n.mu.Unlock()
}

// Requests returns the number of requests handled
func (n *SimNode) Requests() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests
}

// Handle implements Node
func (n *SimNode) Handle(ctx context.Context, w *types.RequestWrapper) (*types.Response, error) {
	n.mu.Lock()
	n.requests++
	latency, hang := n.latency, n.hang
	var injected *types.ErrorResponse
	if len(n.failures) > 0 {
		injected = n.failures[0]
		n.failures = n.failures[1:]
	}
	n.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if injected != nil {
		return types.NewErrorResponse(injected), nil
	}

	req := w.Request
	switch req.Kind {
	case types.KindPrepare:
		id := PreparedID(w.Keyspace, req.Query)
		n.mu.Lock()
		n.prepared[id] = req.Query
		n.mu.Unlock()
		return types.NewResultResponse(&types.Result{
			Kind:             types.ResultPrepared,
			Keyspace:         w.Keyspace,
			PreparedID:       id,
			ResultMetadataID: resultMetadataID(req.Query),
		}), nil

	case types.KindExecute:
		n.mu.Lock()
		query, ok := n.prepared[req.PreparedID]
		n.mu.Unlock()
		if !ok {
			return types.NewErrorResponse(&types.ErrorResponse{
				Code:       types.CodeUnprepared,
				Message:    fmt.Sprintf("Prepared query with ID %s not found", req.PreparedID),
				PreparedID: req.PreparedID,
			}), nil
		}
		resp := n.query(w, query)
		if resp.Result != nil && resp.Result.Kind == types.ResultRows {
			resp.Result.ResultMetadataID = resultMetadataID(query)
		}
		return resp, nil

	case types.KindBatch:
		return types.NewVoidResponse(), nil

	default:
		return n.query(w, req.Query), nil
	}
}

func (n *SimNode) query(w *types.RequestWrapper, text string) *types.Response {
	stmt := strings.TrimSuffix(strings.TrimSpace(text), ";")
	upper := strings.ToUpper(stmt)

	switch {
	case strings.HasPrefix(upper, "USE "):
		keyspace := strings.Trim(strings.TrimSpace(stmt[4:]), `"`)
		return types.NewResultResponse(&types.Result{Kind: types.ResultSetKeyspace, Keyspace: keyspace})

	case strings.HasPrefix(upper, "CREATE "), strings.HasPrefix(upper, "ALTER "), strings.HasPrefix(upper, "DROP "):
		n.schemaChanged()
		return types.NewResultResponse(&types.Result{
			Kind:         types.ResultSchemaChange,
			Keyspace:     w.Keyspace,
			SchemaChange: stmt,
		})

	case strings.EqualFold(stmt, SchemaVersionQuery):
		return types.NewResultResponse(&types.Result{
			Kind:    types.ResultRows,
			Columns: []string{"schema_version"},
			Rows:    [][]string{{n.SchemaVersion()}},
		})

	case strings.HasPrefix(upper, "SELECT "):
		return types.NewResultResponse(&types.Result{
			Kind:    types.ResultRows,
			Columns: []string{"host", "query"},
			Rows:    [][]string{{n.address.String(), stmt}},
		})

	default:
		return types.NewVoidResponse()
	}
}

func (n *SimNode) schemaChanged() {
	version := uuid.NewString()
	n.setSchemaVersion(version)
	if n.cluster != nil {
		n.cluster.propagate(n, version)
	}
}

// SimCluster groups nodes whose schema changes propagate to each other.
type SimCluster struct {
	nodes []*SimNode

	mu               sync.Mutex
	propagationDelay time.Duration
}

// NewSimCluster creates a node per address
func NewSimCluster(addresses ...string) *SimCluster {
	c := &SimCluster{}
	for _, addr := range addresses {
		n := NewSimNode(addr)
		n.cluster = c
		c.nodes = append(c.nodes, n)
	}
	// All nodes start in agreement
	version := uuid.NewString()
	for _, n := range c.nodes {
		n.setSchemaVersion(version)
	}
	return c
}

// SetPropagationDelay delays schema changes reaching the other nodes
func (c *SimCluster) SetPropagationDelay(d time.Duration) {
	c.mu.Lock()
	c.propagationDelay = d
	c.mu.Unlock()
}

// Nodes returns the cluster's nodes
func (c *SimCluster) Nodes() []*SimNode { return c.nodes }

// Node returns the node with address, nil when unknown
func (c *SimCluster) Node(address string) *SimNode {
	for _, n := range c.nodes {
		if n.address == types.Address(address) {
			return n
		}
	}
	return nil
}

// Hosts returns a host per node
func (c *SimCluster) Hosts() []*types.Host {
	hosts := make([]*types.Host, 0, len(c.nodes))
	for _, n := range c.nodes {
		hosts = append(hosts, &types.Host{Address: n.address})
	}
	return hosts
}

// InAgreement reports whether every node has the same schema version
func (c *SimCluster) InAgreement() bool {
	var version string
	for i, n := range c.nodes {
		v := n.SchemaVersion()
		if i > 0 && v != version {
			return false
		}
		version = v
	}
	return true
}

func (c *SimCluster) propagate(origin *SimNode, version string) {
	c.mu.Lock()
	delay := c.propagationDelay
	c.mu.Unlock()

	apply := func() {
		for _, n := range c.nodes {
			if n != origin {
				n.setSchemaVersion(version)
			}
		}
	}
	if delay <= 0 {
		apply()
		return
	}
	time.AfterFunc(delay, apply)
}
