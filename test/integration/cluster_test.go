package integration

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/internal/metrics"
	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/internal/session"
	"github.com/ChuLiYu/reqexec/internal/transport"
)

var nodes = []string{"10.0.0.1:9042", "10.0.0.2:9042", "10.0.0.3:9042"}

// testCluster is a simulated cluster served over bufconn with a session
// connected to it
type testCluster struct {
	cluster  *transport.SimCluster
	network  *transport.InMemoryNetwork
	manager  *pool.Manager
	session  *session.Session
	registry *prometheus.Registry
}

func newTestCluster(tb testing.TB, mutate func(cfg *config.Config)) *testCluster {
	tb.Helper()

	cluster := transport.NewSimCluster(nodes...)
	network := transport.NewInMemoryNetwork()
	require.NoError(tb, network.ServeCluster(cluster))

	cfg := config.Default()
	for _, h := range cluster.Hosts() {
		cfg.Cluster.Hosts = append(cfg.Cluster.Hosts, *h)
	}
	cfg.Cluster.Keyspace = "app"
	cfg.Defaults.LoadBalancing = "round_robin"
	cfg.Defaults.RequestTimeout = 3 * time.Second
	cfg.Session.SchemaAgreementTimeout = 3 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	registry := prometheus.NewRegistry()
	manager := pool.NewManager(cfg.Pool, network.Dialer())
	s, err := session.New(cfg, manager, nil, session.WithMetrics(metrics.NewCollectorWith(registry)))
	require.NoError(tb, err)

	tb.Cleanup(func() {
		_ = s.Close()
		_ = manager.Close()
		network.Close()
	})
	return &testCluster{cluster: cluster, network: network, manager: manager, session: s, registry: registry}
}

// counter sums every series of the named metric
func (c *testCluster) counter(tb testing.TB, name string) float64 {
	tb.Helper()
	families, err := c.registry.Gather()
	require.NoError(tb, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// eventuallyCounts waits for the named metric to reach want. Outcomes are
// recorded right after the future is set.
func (c *testCluster) eventuallyCounts(t *testing.T, name string, want float64) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return c.counter(t, name) == want
	}, 2*time.Second, 10*time.Millisecond, "%s never reached %v", name, want)
}

func waitCtx(tb testing.TB, d time.Duration) context.Context {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	tb.Cleanup(cancel)
	return ctx
}
