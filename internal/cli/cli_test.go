package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

const testConfig = `
cluster:
  hosts:
    - address: "node-a:9042"
    - address: "node-b:9042"
    - address: "node-c:9042"
  keyspace: app

defaults:
  consistency: QUORUM
  request_timeout: 2s
  load_balancing: round_robin

profiles:
  analytics:
    consistency: ONE

session:
  prepare_on_all_hosts: true
  schema_agreement_timeout: 2s
  worker_count: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func testQueryOptions() queryOptions {
	return queryOptions{simulate: true, timeout: 5 * time.Second}
}

// ============================================================================
// 命令結構
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "reqexec", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	assert.Len(t, commandNames, 3, "Should have 3 subcommands")
	assert.True(t, commandNames["serve"])
	assert.True(t, commandNames["query"])
	assert.True(t, commandNames["status"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildQueryCommand(t *testing.T) {
	cmd := buildQueryCommand()

	assert.Equal(t, "query <cql>", cmd.Use)
	for _, name := range []string{"simulate", "host", "profile", "consistency", "idempotent", "prepare", "wait"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.Error(t, cmd.Args(cmd, nil), "query needs exactly one statement")
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.Flags().Lookup("propagation-delay"))
}

// ============================================================================
// 配置
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Len(t, cfg.Cluster.Hosts, 3)
	assert.Equal(t, "QUORUM", cfg.Defaults.Consistency)
	assert.Equal(t, 2*time.Second, cfg.Defaults.RequestTimeout)
	assert.True(t, cfg.Session.PrepareOnAllHosts)
	assert.Equal(t, 4, cfg.Session.WorkerCount)
	assert.Contains(t, cfg.Profiles, "analytics")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
cluster:
  hosts: "not a list"
  invalid yaml structure
    broken indentation
`)
	cfg, err := loadConfig(path)

	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestDefaultConfigFileLoads(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	_, err = config.Resolve(cfg)
	assert.NoError(t, err)
}

// ============================================================================
// query
// ============================================================================

func TestRunQuerySimulated(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	opts := testQueryOptions()
	opts.host = "node-b:9042"
	require.NoError(t, runQuery(&out, cfg, "SELECT v FROM t", opts))

	assert.Contains(t, out.String(), "Attempted hosts: [node-b:9042]")
	assert.Contains(t, out.String(), "Result: ROWS from node-b:9042")
	assert.Contains(t, out.String(), "(1 rows)")
}

func TestRunQueryPrepared(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	opts := testQueryOptions()
	opts.prepare = true
	opts.idempotent = true
	opts.consistency = "local_quorum"
	require.NoError(t, runQuery(&out, cfg, "SELECT v FROM t WHERE k = ?", opts))

	assert.Contains(t, out.String(), "Result: ROWS")
}

func TestRunQuerySchemaChange(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runQuery(&out, cfg, "CREATE TABLE t (k int PRIMARY KEY)", testQueryOptions()))
	assert.Contains(t, out.String(), "Schema change: CREATE TABLE t (k int PRIMARY KEY)")
}

func TestRunQueryInvalidConsistency(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	opts := testQueryOptions()
	opts.consistency = "MOST"
	err = runQuery(&bytes.Buffer{}, cfg, "SELECT 1", opts)
	assert.ErrorContains(t, err, "invalid consistency")
}

func TestRunQueryUnknownHost(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	opts := testQueryOptions()
	opts.host = "node-z:9042"
	err = runQuery(&out, cfg, "SELECT 1", opts)

	require.Error(t, err)
	assert.Contains(t, err.Error(), types.CodeLibUnableToConnect.String())
	assert.Contains(t, out.String(), "Attempted hosts: []")
}

// ============================================================================
// status
// ============================================================================

func TestShowStatus(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, cfg))

	assert.Contains(t, out.String(), "node-a:9042")
	assert.Contains(t, out.String(), "Profiles: analytics")
	assert.Contains(t, out.String(), "Speculative:     disabled")
}

func TestShowLiveSession(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, showLiveSession(&out, cfg))

	assert.Contains(t, out.String(), "Live session:")
	assert.Contains(t, out.String(), "Workers Started: true")
	assert.Contains(t, out.String(), "Workers Busy:    0/4")
}

func TestShowStatusWithoutHosts(t *testing.T) {
	var out bytes.Buffer
	assert.NoError(t, showStatus(&out, config.Default()))
	assert.Contains(t, out.String(), "Hosts:        0")
}
