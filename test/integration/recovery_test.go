// ============================================================================
// reqexec 故障恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端故障處理測試
//
// 每個測試啟動 3 個模擬節點（gRPC over bufconn）與一個 session，
// 驗證請求在以下情況仍只完成一次且結果正確：
//   1. 慢節點：推測執行由其他節點回應
//   2. 節點下線：請求轉往其他節點
//   3. 節點重啟遺失 prepared statement：透明地重新 prepare
//   4. schema 變更：等待整個叢集一致後才完成
//   5. 整個叢集無回應：請求逾時
//   6. 所有節點過載：回傳最後一個錯誤
//
// ============================================================================

package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/internal/future"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

func TestSpeculativeExecutionMasksSlowNode(t *testing.T) {
	tc := newTestCluster(t, func(cfg *config.Config) {
		cfg.Defaults.Speculative.Delay = 30 * time.Millisecond
		cfg.Defaults.Speculative.MaxExecutions = 2
	})
	slow := types.Address(nodes[0])
	tc.cluster.Node(nodes[0]).SetLatency(time.Second)
	ctx := waitCtx(t, 10*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := types.NewQuery("SELECT v FROM kv WHERE k = 1")
			req.Idempotent = true

			start := time.Now()
			fut, err := tc.session.Execute(req)
			if !assert.NoError(t, err) {
				return
			}
			addr, err := fut.Address(ctx)
			assert.NoError(t, err)
			assert.NotEqual(t, slow, addr)
			assert.Less(t, time.Since(start), time.Second)
		}()
	}
	wg.Wait()

	assert.Greater(t, tc.counter(t, "reqexec_speculative_executions_total"), 0.0)
	tc.eventuallyCounts(t, "reqexec_requests_total", 6)
}

func TestNodeDownFailover(t *testing.T) {
	tc := newTestCluster(t, func(cfg *config.Config) {
		cfg.Pool.BreakerFailures = 1
	})
	ctx := waitCtx(t, 10*time.Second)
	tc.network.Down(nodes[1])

	for i := 0; i < 10; i++ {
		req := types.NewQuery("SELECT v FROM kv WHERE k = 1")
		req.Idempotent = true
		fut, err := tc.session.Execute(req)
		require.NoError(t, err)

		resp, err := fut.Response(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.ResultRows, resp.Result.Kind)
		assert.NotEqual(t, nodes[1], resp.Result.Rows[0][0])
	}
}

func TestNodeDownMidRequest(t *testing.T) {
	tc := newTestCluster(t, nil)
	ctx := waitCtx(t, 10*time.Second)
	hung := types.Address(nodes[2])
	tc.cluster.Node(nodes[2]).SetHang(true)

	var inflight []*future.ResponseFuture
	for i := 0; i < 3; i++ {
		req := types.NewQuery("SELECT v FROM kv WHERE k = 1")
		req.Idempotent = true
		fut, err := tc.session.Execute(req)
		require.NoError(t, err)
		inflight = append(inflight, fut)
	}

	// One of the three requests is stuck on the hung node until its
	// connection breaks
	time.Sleep(50 * time.Millisecond)
	tc.network.Down(nodes[2])

	for _, fut := range inflight {
		addr, err := fut.Address(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, hung, addr)
	}
	tc.eventuallyCounts(t, "reqexec_requests_total", 3)
}

func TestReprepareAfterClusterRestart(t *testing.T) {
	tc := newTestCluster(t, func(cfg *config.Config) {
		cfg.Session.PrepareOnAllHosts = true
	})
	ctx := waitCtx(t, 10*time.Second)
	query := "SELECT v FROM kv WHERE k = ?"

	entry, err := tc.session.Prepare(ctx, query)
	require.NoError(t, err)
	for _, n := range tc.cluster.Nodes() {
		require.True(t, n.IsPrepared(entry.PreparedID))
		n.Forget()
	}

	for i := 0; i < 6; i++ {
		fut, err := tc.session.Execute(types.NewExecute(entry.PreparedID, query))
		require.NoError(t, err)
		resp, err := fut.Response(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.ResultRows, resp.Result.Kind)
	}

	for _, n := range tc.cluster.Nodes() {
		assert.True(t, n.IsPrepared(entry.PreparedID), "%s was not re-prepared", n.Address())
	}
	assert.Equal(t, 3.0, tc.counter(t, "reqexec_reprepares_total"))
}

func TestSchemaChangeWaitsForCluster(t *testing.T) {
	tc := newTestCluster(t, nil)
	tc.cluster.SetPropagationDelay(300 * time.Millisecond)
	ctx := waitCtx(t, 10*time.Second)

	start := time.Now()
	fut, err := tc.session.Execute(types.NewQuery("CREATE TABLE kv (k int PRIMARY KEY, v int)"))
	require.NoError(t, err)
	resp, err := fut.Response(ctx)
	require.NoError(t, err)

	assert.Equal(t, types.ResultSchemaChange, resp.Result.Kind)
	assert.True(t, tc.cluster.InAgreement())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestUseKeyspaceAppliesToLaterRequests(t *testing.T) {
	tc := newTestCluster(t, nil)
	ctx := waitCtx(t, 10*time.Second)

	fut, err := tc.session.Execute(types.NewQuery("USE metrics"))
	require.NoError(t, err)
	require.NoError(t, fut.Wait(ctx))

	entry, err := tc.session.Prepare(ctx, "SELECT v FROM kv")
	require.NoError(t, err)
	assert.Equal(t, "metrics", entry.Keyspace)
}

func TestRequestTimeoutOnHungCluster(t *testing.T) {
	tc := newTestCluster(t, func(cfg *config.Config) {
		cfg.Defaults.RequestTimeout = 200 * time.Millisecond
	})
	for _, n := range tc.cluster.Nodes() {
		n.SetHang(true)
	}
	ctx := waitCtx(t, 10*time.Second)

	req := types.NewQuery("SELECT v FROM kv WHERE k = 1")
	fut, err := tc.session.Execute(req)
	require.NoError(t, err)

	reqErr, err := fut.Error(ctx)
	require.NoError(t, err)
	require.NotNil(t, reqErr)
	assert.Equal(t, types.CodeLibRequestTimedOut, reqErr.Code)
	assert.Len(t, fut.AttemptedAddresses(), 1)
	assert.Equal(t, fut.AttemptedAddresses()[0], reqErr.Address)
}

func TestOverloadedClusterReturnsLastError(t *testing.T) {
	tc := newTestCluster(t, nil)
	ctx := waitCtx(t, 10*time.Second)
	for _, n := range tc.cluster.Nodes() {
		n.FailNext(&types.ErrorResponse{Code: types.CodeOverloaded, Message: "overloaded " + n.Address().String()})
	}

	req := types.NewQuery("SELECT v FROM kv WHERE k = 1")
	req.Idempotent = true
	fut, err := tc.session.Execute(req)
	require.NoError(t, err)

	resp, err := fut.Response(ctx)
	require.Error(t, err)
	require.True(t, resp.IsError())
	attempted := fut.AttemptedAddresses()
	require.Len(t, attempted, 3)
	assert.ElementsMatch(t, []types.Address{
		types.Address(nodes[0]), types.Address(nodes[1]), types.Address(nodes[2]),
	}, attempted)
	assert.Equal(t, "overloaded "+attempted[2].String(), resp.Error.Message)

	// The nodes recovered
	fut, err = tc.session.Execute(req)
	require.NoError(t, err)
	_, err = fut.Response(ctx)
	assert.NoError(t, err)
}

func TestNonIdempotentRequestIsNotRetried(t *testing.T) {
	tc := newTestCluster(t, nil)
	ctx := waitCtx(t, 10*time.Second)
	for _, n := range tc.cluster.Nodes() {
		n.FailNext(&types.ErrorResponse{Code: types.CodeOverloaded, Message: "overloaded"})
	}

	fut, err := tc.session.Execute(types.NewQuery("UPDATE kv SET v = 1 WHERE k = 1"))
	require.NoError(t, err)

	reqErr, err := fut.Error(ctx)
	require.NoError(t, err)
	require.NotNil(t, reqErr)
	assert.Equal(t, types.CodeOverloaded, reqErr.Code)
	assert.Len(t, fut.AttemptedAddresses(), 1)
}
