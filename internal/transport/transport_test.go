package transport

import (
	"context"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

type outcome struct {
	resp    *types.Response
	code    types.ErrorCode
	message string
}

// recorder is a pool.ResponseCallback that records one outcome
type recorder struct {
	wrote chan struct{}
	done  chan outcome
}

func newRecorder() *recorder {
	return &recorder{wrote: make(chan struct{}, 1), done: make(chan outcome, 1)}
}

func (r *recorder) OnWrite()                  { r.wrote <- struct{}{} }
func (r *recorder) OnSet(resp *types.Response) { r.done <- outcome{resp: resp} }
func (r *recorder) OnError(code types.ErrorCode, message string) {
	r.done <- outcome{code: code, message: message}
}

func (r *recorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
		return outcome{}
	}
}

func wrap(req *types.Request, keyspace string) *types.RequestWrapper {
	return &types.RequestWrapper{
		Request:     req,
		Consistency: gocql.LocalOne,
		Keyspace:    keyspace,
	}
}

func dial(t *testing.T, network *InMemoryNetwork, address string) pool.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := network.Dialer().Dial(ctx, types.NewHost(address))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn pool.Connection, w *types.RequestWrapper) outcome {
	t.Helper()
	rec := newRecorder()
	require.NoError(t, conn.Write(w, rec))
	return rec.wait(t)
}

// ============================================================================
// Codec
// ============================================================================

func TestRequestCodec(t *testing.T) {
	req := types.NewExecute("abc", "SELECT v FROM t WHERE k = ?")
	req.Idempotent = true
	req.PageSize = 100
	req.PagingState = []byte{0x01, 0x02}
	req.RoutingKey = []byte("k1")
	w := &types.RequestWrapper{
		Request:           req,
		Consistency:       gocql.Quorum,
		SerialConsistency: gocql.LocalSerial,
		Keyspace:          "app",
		ResultMetadataID:  "m1",
	}

	s, err := EncodeRequest(w)
	require.NoError(t, err)
	got, err := DecodeRequest(s)
	require.NoError(t, err)

	assert.Equal(t, types.KindExecute, got.Request.Kind)
	assert.Equal(t, "abc", got.Request.PreparedID)
	assert.Equal(t, req.Query, got.Request.Query)
	assert.Equal(t, gocql.Quorum, got.Consistency)
	assert.Equal(t, gocql.LocalSerial, got.SerialConsistency)
	assert.Equal(t, "app", got.Keyspace)
	assert.Equal(t, "m1", got.ResultMetadataID)
	assert.True(t, got.Request.Idempotent)
	assert.Equal(t, 100, got.Request.PageSize)
	assert.Equal(t, []byte{0x01, 0x02}, got.Request.PagingState)
	assert.Equal(t, []byte("k1"), got.Request.RoutingKey)
}

func TestResponseCodec(t *testing.T) {
	rows := types.NewResultResponse(&types.Result{
		Kind:    types.ResultRows,
		Columns: []string{"k", "v"},
		Rows:    [][]string{{"1", "a"}, {"2", "b"}},
	})
	s, err := EncodeResponse(rows)
	require.NoError(t, err)
	got, err := DecodeResponse(s)
	require.NoError(t, err)
	assert.Equal(t, rows.Result.Rows, got.Result.Rows)
	assert.Equal(t, rows.Result.Columns, got.Result.Columns)

	readTimeout := types.NewErrorResponse(&types.ErrorResponse{
		Code: types.CodeReadTimeout, Message: "timeout", Consistency: gocql.Quorum,
		Received: 1, BlockFor: 2, DataPresent: true,
	})
	s, err = EncodeResponse(readTimeout)
	require.NoError(t, err)
	got, err = DecodeResponse(s)
	require.NoError(t, err)
	assert.True(t, got.IsError())
	assert.Equal(t, readTimeout.Error, got.Error)
}

func TestDecodeRejectsErrorFrameWithoutBody(t *testing.T) {
	s, err := EncodeResponse(&types.Response{Opcode: types.OpcodeError})
	require.NoError(t, err)
	_, err = DecodeResponse(s)
	assert.Error(t, err)
}

// ============================================================================
// gRPC round trips
// ============================================================================

func TestPrepareThenExecute(t *testing.T) {
	network := NewInMemoryNetwork()
	defer network.Close()
	node := NewSimNode("node-a:9042")
	_, err := network.Serve("node-a:9042", node)
	require.NoError(t, err)

	conn := dial(t, network, "node-a:9042")
	query := "SELECT v FROM t WHERE k = ?"

	o := send(t, conn, wrap(types.NewPrepare(query), "app"))
	require.NotNil(t, o.resp)
	require.Equal(t, types.ResultPrepared, o.resp.Result.Kind)
	id := o.resp.Result.PreparedID
	assert.Equal(t, PreparedID("app", query), id)
	assert.True(t, node.IsPrepared(id))

	o = send(t, conn, wrap(types.NewExecute(id, query), "app"))
	require.NotNil(t, o.resp)
	assert.Equal(t, types.ResultRows, o.resp.Result.Kind)
	assert.NotEmpty(t, o.resp.Result.ResultMetadataID)
	assert.Equal(t, "node-a:9042", o.resp.Result.Rows[0][0])
	assert.Equal(t, 0, conn.InFlight())
}

func TestExecuteUnknownStatementIsUnprepared(t *testing.T) {
	network := NewInMemoryNetwork()
	defer network.Close()
	_, err := network.Serve("node-a:9042", NewSimNode("node-a:9042"))
	require.NoError(t, err)

	conn := dial(t, network, "node-a:9042")
	o := send(t, conn, wrap(types.NewExecute("deadbeef", "SELECT 1"), "app"))

	require.NotNil(t, o.resp)
	require.True(t, o.resp.IsError())
	assert.Equal(t, types.CodeUnprepared, o.resp.Error.Code)
	assert.Equal(t, "deadbeef", o.resp.Error.PreparedID)
}

func TestInjectedErrorFrames(t *testing.T) {
	network := NewInMemoryNetwork()
	defer network.Close()
	node := NewSimNode("node-a:9042")
	node.FailNext(&types.ErrorResponse{Code: types.CodeOverloaded, Message: "busy"})
	_, err := network.Serve("node-a:9042", node)
	require.NoError(t, err)

	conn := dial(t, network, "node-a:9042")

	o := send(t, conn, wrap(types.NewQuery("SELECT 1"), "app"))
	require.True(t, o.resp.IsError())
	assert.Equal(t, types.CodeOverloaded, o.resp.Error.Code)

	o = send(t, conn, wrap(types.NewQuery("SELECT 1"), "app"))
	assert.False(t, o.resp.IsError())
	assert.Equal(t, 2, node.Requests())
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	network := NewInMemoryNetwork()
	defer network.Close()
	node := NewSimNode("node-a:9042")
	node.SetHang(true)
	_, err := network.Serve("node-a:9042", node)
	require.NoError(t, err)

	conn := dial(t, network, "node-a:9042")
	rec := newRecorder()
	require.NoError(t, conn.Write(wrap(types.NewQuery("SELECT 1"), "app"), rec))
	<-rec.wrote

	require.NoError(t, conn.Close())
	o := rec.wait(t)
	assert.Equal(t, types.CodeLibConnectionClosed, o.code)
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.Write(wrap(types.NewQuery("SELECT 1"), "app"), newRecorder()), ErrConnectionClosed)
}

func TestDialUnknownAddressFails(t *testing.T) {
	network := NewInMemoryNetwork()
	defer network.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := network.Dialer().Dial(ctx, types.NewHost("nowhere:9042"))
	assert.Error(t, err)
}

func TestNodeDownFailsCalls(t *testing.T) {
	network := NewInMemoryNetwork()
	defer network.Close()
	node := NewSimNode("node-a:9042")
	node.SetHang(true)
	_, err := network.Serve("node-a:9042", node)
	require.NoError(t, err)

	conn := dial(t, network, "node-a:9042")
	rec := newRecorder()
	require.NoError(t, conn.Write(wrap(types.NewQuery("SELECT 1"), "app"), rec))
	<-rec.wrote

	network.Down("node-a:9042")
	o := rec.wait(t)
	assert.Equal(t, types.CodeLibConnectionClosed, o.code)
}

// ============================================================================
// Simulated cluster
// ============================================================================

func TestSimNodeStatements(t *testing.T) {
	node := NewSimNode("node-a:9042")
	ctx := context.Background()

	resp, err := node.Handle(ctx, wrap(types.NewQuery("USE other;"), "app"))
	require.NoError(t, err)
	assert.Equal(t, types.ResultSetKeyspace, resp.Result.Kind)
	assert.Equal(t, "other", resp.Result.Keyspace)

	before := node.SchemaVersion()
	resp, err = node.Handle(ctx, wrap(types.NewQuery("CREATE TABLE t (k int PRIMARY KEY)"), "app"))
	require.NoError(t, err)
	assert.Equal(t, types.ResultSchemaChange, resp.Result.Kind)
	assert.NotEqual(t, before, node.SchemaVersion())

	resp, err = node.Handle(ctx, wrap(types.NewQuery(SchemaVersionQuery), "app"))
	require.NoError(t, err)
	assert.Equal(t, node.SchemaVersion(), resp.Result.Rows[0][0])

	resp, err = node.Handle(ctx, wrap(types.NewQuery("INSERT INTO t (k) VALUES (1)"), "app"))
	require.NoError(t, err)
	assert.Equal(t, types.ResultVoid, resp.Result.Kind)

	resp, err = node.Handle(ctx, wrap(types.NewBatch("INSERT 1", "INSERT 2"), "app"))
	require.NoError(t, err)
	assert.Equal(t, types.ResultVoid, resp.Result.Kind)
}

func TestSimNodeForget(t *testing.T) {
	node := NewSimNode("node-a:9042")
	ctx := context.Background()

	resp, err := node.Handle(ctx, wrap(types.NewPrepare("SELECT 1"), "app"))
	require.NoError(t, err)
	id := resp.Result.PreparedID
	require.True(t, node.IsPrepared(id))

	node.Forget()
	assert.False(t, node.IsPrepared(id))
}

func TestSimNodeHangHonorsContext(t *testing.T) {
	node := NewSimNode("node-a:9042")
	node.SetHang(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := node.Handle(ctx, wrap(types.NewQuery("SELECT 1"), "app"))
	assert.Error(t, err)
}

func TestSchemaPropagation(t *testing.T) {
	cluster := NewSimCluster("a:1", "b:1", "c:1")
	require.True(t, cluster.InAgreement())
	assert.Len(t, cluster.Hosts(), 3)
	assert.Nil(t, cluster.Node("z:1"))

	cluster.SetPropagationDelay(20 * time.Millisecond)
	_, err := cluster.Node("a:1").Handle(context.Background(), wrap(types.NewQuery("DROP TABLE t"), "app"))
	require.NoError(t, err)

	assert.False(t, cluster.InAgreement())
	assert.Eventually(t, cluster.InAgreement, time.Second, 5*time.Millisecond)
}

func TestNetworkCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := NewInMemoryNetwork()
	require.NoError(t, network.ServeCluster(NewSimCluster("a:1", "b:1")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := network.Dialer().Dial(ctx, types.NewHost("a:1"))
	require.NoError(t, err)
	o := send(t, conn, wrap(types.NewQuery("SELECT 1"), "app"))
	require.NotNil(t, o.resp)

	require.NoError(t, conn.Close())
	network.Close()
}
