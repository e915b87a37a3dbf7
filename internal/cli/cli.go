// ============================================================================
// reqexec CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands driving the request execution core
//
// Command Structure:
//   reqexec                        # Root command
//   ├── serve                      # Serve simulated nodes over gRPC
//   │   └── --propagation-delay   # Schema propagation delay between nodes
//   ├── query <cql>                # Execute one request through a session
//   │   ├── --simulate            # Run against an in-process cluster
//   │   ├── --host                # Pin the request to one node
//   │   ├── --profile             # Execution profile
//   │   ├── --consistency         # Override the profile consistency
//   │   ├── --idempotent          # Allow speculative executions
//   │   └── --prepare             # Prepare, then execute the statement
//   ├── status [--live]            # Print the resolved configuration (and a live session)
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// serve Command:
//   Starts one simulated node per configured host, each listening on the
//   host's address, until SIGINT / SIGTERM.
//
//     ./reqexec serve -c configs/default.yaml
//
// query Command:
//   Executes the statement, prints the result, the answering host and every
//   attempted host. With --simulate the cluster runs in process over
//   bufconn, so no serve is needed.
//
//     ./reqexec query "SELECT * FROM users" --simulate
//     ./reqexec query "SELECT * FROM users WHERE id = ?" --prepare --idempotent
//
// Metrics Service:
//   When enabled in config, query exposes /metrics on the configured port
//   while it runs.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gocql/gocql"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/internal/future"
	"github.com/ChuLiYu/reqexec/internal/metrics"
	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/internal/session"
	"github.com/ChuLiYu/reqexec/internal/transport"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reqexec",
		Short: "reqexec: request execution core of a database driver",
		Long: `reqexec drives client requests against a cluster with:
- load balanced query plans
- speculative executions
- retry policies and request timeouts
- transparent re-prepare and schema agreement`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildQueryCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start simulated nodes for the configured hosts",
		Long:  "Serve one simulated gRPC node per configured host address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return serveCluster(cfg, delay)
		},
	}

	cmd.Flags().DurationVar(&delay, "propagation-delay", 0, "delay before a schema change reaches the other nodes")
	return cmd
}

func serveCluster(cfg *config.Config, delay time.Duration) error {
	if len(cfg.Cluster.Hosts) == 0 {
		return config.ErrNoHosts
	}

	addresses := make([]string, 0, len(cfg.Cluster.Hosts))
	for _, h := range cfg.Cluster.Hosts {
		addresses = append(addresses, h.Address.String())
	}
	cluster := transport.NewSimCluster(addresses...)
	cluster.SetPropagationDelay(delay)

	servers := make([]*transport.Server, 0, len(addresses))
	stopAll := func() {
		for _, srv := range servers {
			srv.GracefulStop()
		}
	}

	for _, node := range cluster.Nodes() {
		lis, err := net.Listen("tcp", node.Address().String())
		if err != nil {
			stopAll()
			return fmt.Errorf("failed to listen on %s: %w", node.Address(), err)
		}
		srv := transport.NewServer(node)
		servers = append(servers, srv)
		go func(addr types.Address) {
			if err := srv.Serve(lis); err != nil {
				log.Printf("Node %s stopped: %v\n", addr, err)
			}
		}(node.Address())
		log.Printf("Node listening on %s\n", node.Address())
	}

	log.Printf("Serving %d nodes\n", len(servers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("\nReceived shutdown signal, stopping nodes...")
	stopAll()
	return nil
}

// ============================================================================
// query
// ============================================================================

type queryOptions struct {
	simulate    bool
	host        string
	profile     string
	consistency string
	idempotent  bool
	prepare     bool
	timeout     time.Duration
}

func buildQueryCommand() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <cql>",
		Short: "Execute a statement through a session",
		Long:  "Execute one statement and print its result and the attempted hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runQuery(cmd.OutOrStdout(), cfg, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "run against an in-process simulated cluster")
	cmd.Flags().StringVar(&opts.host, "host", "", "pin the request to this host address")
	cmd.Flags().StringVar(&opts.profile, "profile", "", "execution profile name")
	cmd.Flags().StringVar(&opts.consistency, "consistency", "", "consistency level, e.g. QUORUM")
	cmd.Flags().BoolVar(&opts.idempotent, "idempotent", false, "mark the statement idempotent")
	cmd.Flags().BoolVar(&opts.prepare, "prepare", false, "prepare the statement and execute it")
	cmd.Flags().DurationVar(&opts.timeout, "wait", 30*time.Second, "how long to wait for the result")

	return cmd
}

func runQuery(out io.Writer, cfg *config.Config, cql string, opts queryOptions) error {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	s, closeAll, err := openSession(cfg, opts.simulate, collector)
	if err != nil {
		return err
	}
	defer closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	req, err := buildRequest(ctx, s, cql, opts)
	if err != nil {
		return err
	}

	var fut *future.ResponseFuture
	if opts.host != "" {
		fut, err = s.ExecuteOn(types.Address(opts.host), req)
	} else {
		fut, err = s.Execute(req)
	}
	if err != nil {
		return fmt.Errorf("failed to execute: %w", err)
	}

	resp, err := fut.Response(ctx)
	printAttempts(out, fut)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	addr, _ := fut.Address(ctx)
	printResult(out, addr, resp)
	return nil
}

func buildRequest(ctx context.Context, s *session.Session, cql string, opts queryOptions) (*types.Request, error) {
	var req *types.Request
	if opts.prepare {
		entry, err := s.Prepare(ctx, cql)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare: %w", err)
		}
		req = types.NewExecute(entry.PreparedID, entry.Query)
	} else {
		req = types.NewQuery(cql)
	}

	req.Idempotent = opts.idempotent
	req.Profile = opts.profile
	if opts.consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(opts.consistency))
		if err != nil {
			return nil, fmt.Errorf("invalid consistency: %w", err)
		}
		req.Consistency = c
	}
	return req, nil
}

// openSession connects a session to the configured hosts, or to an
// in-process copy of them
func openSession(cfg *config.Config, simulate bool, collector *metrics.Collector) (*session.Session, func(), error) {
	var (
		dialer  pool.Dialer
		network *transport.InMemoryNetwork
	)
	if simulate {
		addresses := make([]string, 0, len(cfg.Cluster.Hosts))
		for _, h := range cfg.Cluster.Hosts {
			addresses = append(addresses, h.Address.String())
		}
		network = transport.NewInMemoryNetwork()
		if err := network.ServeCluster(transport.NewSimCluster(addresses...)); err != nil {
			network.Close()
			return nil, nil, err
		}
		dialer = network.Dialer()
	} else {
		dialer = &transport.Dialer{WaitReady: true}
	}

	manager := pool.NewManager(cfg.Pool, dialer)
	s, err := session.New(cfg, manager, nil, session.WithMetrics(collector))
	if err != nil {
		_ = manager.Close()
		if network != nil {
			network.Close()
		}
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	return s, func() {
		if err := s.Close(); err != nil {
			log.Printf("Failed to close session: %v\n", err)
		}
		_ = manager.Close()
		if network != nil {
			network.Close()
		}
	}, nil
}

func printAttempts(out io.Writer, fut *future.ResponseFuture) {
	attempted := fut.AttemptedAddresses()
	hosts := make([]string, 0, len(attempted))
	for _, a := range attempted {
		hosts = append(hosts, a.String())
	}
	fmt.Fprintf(out, "Attempted hosts: [%s]\n", strings.Join(hosts, ", "))
}

func printResult(out io.Writer, addr types.Address, resp *types.Response) {
	if resp.Result == nil {
		fmt.Fprintf(out, "Result: VOID from %s\n", addr)
		return
	}
	r := resp.Result
	fmt.Fprintf(out, "Result: %s from %s\n", r.Kind, addr)

	switch r.Kind {
	case types.ResultRows:
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(r.Columns, "\t"))
		for _, row := range r.Rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		tw.Flush()
		fmt.Fprintf(out, "(%d rows)\n", len(r.Rows))
	case types.ResultSetKeyspace:
		fmt.Fprintf(out, "Keyspace: %s\n", r.Keyspace)
	case types.ResultSchemaChange:
		fmt.Fprintf(out, "Schema change: %s\n", r.SchemaChange)
	case types.ResultPrepared:
		fmt.Fprintf(out, "Prepared id: %s\n", r.PreparedID)
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		Long: `Display the cluster, execution profiles and session settings.
With --live a session is opened against a simulated cluster and its
runtime state is printed as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := showStatus(out, cfg); err != nil {
				return err
			}
			if live {
				return showLiveSession(out, cfg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "Open a simulated session and show its runtime state")
	return cmd
}

func showStatus(out io.Writer, cfg *config.Config) error {
	profiles, err := config.Resolve(cfg)
	if err != nil && !errors.Is(err, config.ErrNoHosts) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           reqexec Status                                  ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Cluster:")
	fmt.Fprintf(out, "  ├─ Config File:  %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Keyspace:     %s\n", cfg.Cluster.Keyspace)
	fmt.Fprintf(out, "  └─ Hosts:        %d\n", len(cfg.Cluster.Hosts))
	for _, h := range cfg.Cluster.Hosts {
		fmt.Fprintf(out, "     └─ %s\n", h.Address)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "⚙️  Default profile:")
	fmt.Fprintf(out, "  ├─ Consistency:     %s / %s\n", cfg.Defaults.Consistency, cfg.Defaults.SerialConsistency)
	fmt.Fprintf(out, "  ├─ Request Timeout: %s\n", cfg.Defaults.RequestTimeout)
	fmt.Fprintf(out, "  ├─ Load Balancing:  %s\n", cfg.Defaults.LoadBalancing)
	fmt.Fprintf(out, "  ├─ Retry:           %s\n", cfg.Defaults.Retry)
	if cfg.Defaults.Speculative.MaxExecutions > 0 {
		fmt.Fprintf(out, "  └─ Speculative:     %d after %s\n", cfg.Defaults.Speculative.MaxExecutions, cfg.Defaults.Speculative.Delay)
	} else {
		fmt.Fprintln(out, "  └─ Speculative:     disabled")
	}
	if profiles != nil && len(profiles.Names()) > 0 {
		fmt.Fprintf(out, "  Profiles: %s\n", strings.Join(profiles.Names(), ", "))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Session:")
	fmt.Fprintf(out, "  ├─ Prepared Cache:    %d\n", cfg.Session.PreparedCacheSize)
	fmt.Fprintf(out, "  ├─ Prepare All Hosts: %t\n", cfg.Session.PrepareOnAllHosts)
	fmt.Fprintf(out, "  ├─ Schema Agreement:  %s\n", cfg.Session.SchemaAgreementTimeout)
	fmt.Fprintf(out, "  └─ Workers:           %d\n", cfg.Session.WorkerCount)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// showLiveSession opens a session over a simulated cluster and prints its state
func showLiveSession(out io.Writer, cfg *config.Config) error {
	s, closeAll, err := openSession(cfg, true, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	printSessionStats(out, s.Stats())
	return nil
}

func printSessionStats(out io.Writer, st session.Stats) {
	fmt.Fprintln(out, "🔌 Live session:")
	fmt.Fprintf(out, "  ├─ Keyspace:        %s\n", st.Keyspace)
	fmt.Fprintf(out, "  ├─ Prepared:        %d\n", st.Prepared)
	fmt.Fprintf(out, "  ├─ Workers Started: %t\n", st.WorkersStarted)
	fmt.Fprintf(out, "  └─ Workers Busy:    %d/%d\n", st.WorkersBusy, st.Workers)
	fmt.Fprintln(out)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
