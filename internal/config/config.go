// ============================================================================
// reqexec Config - YAML configuration and execution profiles
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Maps the YAML config file and resolves execution profiles into
//          the policies a request handler consumes
//
// Config file layout:
//   cluster:   contact hosts, keyspace, ring parameters
//   defaults:  default execution profile
//   profiles:  named execution profiles, unset fields inherit defaults
//   pool:      connection pool settings
//   session:   prepared cache, schema agreement, worker pool
//   metrics:   Prometheus HTTP endpoint
//
// Durations are Go duration strings ("250ms", "12s").
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// Default values
const (
	DefaultRequestTimeout    = 12 * time.Second
	DefaultVirtualNodes      = 16
	DefaultReplicationFactor = 3
	DefaultPreparedCacheSize = 1024
	DefaultSchemaAgreement   = 10 * time.Second
	DefaultWorkerCount       = 8
	DefaultMetricsPort       = 9090
)

var (
	// ErrNoHosts 表示配置中沒有任何節點
	ErrNoHosts = errors.New("config: no cluster hosts configured")
	// ErrUnknownPolicy 表示未知的策略名稱
	ErrUnknownPolicy = errors.New("config: unknown policy")
)

// Config represents the complete configuration file
type Config struct {
	Cluster  ClusterConfig      `yaml:"cluster"`
	Defaults Profile            `yaml:"defaults"`
	Profiles map[string]Profile `yaml:"profiles"`
	Pool     pool.Config        `yaml:"pool"`
	Session  SessionConfig      `yaml:"session"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// ClusterConfig describes the nodes and the token ring
type ClusterConfig struct {
	Hosts             []types.Host `yaml:"hosts"`
	Keyspace          string       `yaml:"keyspace"`
	VirtualNodes      int          `yaml:"virtual_nodes"`
	ReplicationFactor int          `yaml:"replication_factor"`
}

// SessionConfig configures the owning session
type SessionConfig struct {
	PreparedCacheSize      int           `yaml:"prepared_cache_size"`
	PrepareOnAllHosts      bool          `yaml:"prepare_on_all_hosts"`
	SchemaAgreementTimeout time.Duration `yaml:"schema_agreement_timeout"`
	WorkerCount            int           `yaml:"worker_count"`
	SnapshotPath           string        `yaml:"snapshot_path"`
	SnapshotBackups        int           `yaml:"snapshot_backups"` // previous snapshots kept on save
}

// Profile is the raw YAML form of an execution profile. Empty fields
// inherit from the defaults profile.
type Profile struct {
	Consistency       string        `yaml:"consistency"`
	SerialConsistency string        `yaml:"serial_consistency"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	LoadBalancing     string        `yaml:"load_balancing"` // round_robin | token_aware
	Retry             string        `yaml:"retry"`          // default | fallthrough
	Speculative       struct {
		Delay         time.Duration `yaml:"delay"`
		MaxExecutions int           `yaml:"max_executions"`
	} `yaml:"speculative"`
}

// Default returns a configuration usable without a file
func Default() *Config {
	cfg := &Config{
		Pool: pool.DefaultConfig(),
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML data and fills in defaults
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Pool: pool.DefaultConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cluster.VirtualNodes <= 0 {
		c.Cluster.VirtualNodes = DefaultVirtualNodes
	}
	if c.Cluster.ReplicationFactor <= 0 {
		c.Cluster.ReplicationFactor = DefaultReplicationFactor
	}
	if c.Defaults.Consistency == "" {
		c.Defaults.Consistency = "LOCAL_ONE"
	}
	if c.Defaults.SerialConsistency == "" {
		c.Defaults.SerialConsistency = "SERIAL"
	}
	if c.Defaults.RequestTimeout == 0 {
		c.Defaults.RequestTimeout = DefaultRequestTimeout
	}
	if c.Defaults.LoadBalancing == "" {
		c.Defaults.LoadBalancing = "token_aware"
	}
	if c.Defaults.Retry == "" {
		c.Defaults.Retry = "default"
	}
	if c.Session.PreparedCacheSize <= 0 {
		c.Session.PreparedCacheSize = DefaultPreparedCacheSize
	}
	if c.Session.SchemaAgreementTimeout <= 0 {
		c.Session.SchemaAgreementTimeout = DefaultSchemaAgreement
	}
	if c.Session.WorkerCount <= 0 {
		c.Session.WorkerCount = DefaultWorkerCount
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
}

// HostList returns the configured hosts as pointers
func (c *Config) HostList() []*types.Host {
	hosts := make([]*types.Host, 0, len(c.Cluster.Hosts))
	for i := range c.Cluster.Hosts {
		h := c.Cluster.Hosts[i]
		hosts = append(hosts, &h)
	}
	return hosts
}

// inherit fills the unset fields of p from base
func (p Profile) inherit(base Profile) Profile {
	if p.Consistency == "" {
		p.Consistency = base.Consistency
	}
	if p.SerialConsistency == "" {
		p.SerialConsistency = base.SerialConsistency
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = base.RequestTimeout
	}
	if p.LoadBalancing == "" {
		p.LoadBalancing = base.LoadBalancing
	}
	if p.Retry == "" {
		p.Retry = base.Retry
	}
	if p.Speculative.MaxExecutions == 0 && p.Speculative.Delay == 0 {
		p.Speculative = base.Speculative
	}
	return p
}

// ParseSerialConsistency parses SERIAL or LOCAL_SERIAL
func ParseSerialConsistency(s string) (gocql.SerialConsistency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SERIAL":
		return gocql.Serial, nil
	case "LOCAL_SERIAL":
		return gocql.LocalSerial, nil
	default:
		return 0, fmt.Errorf("config: invalid serial consistency %q", s)
	}
}
