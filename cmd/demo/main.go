package main

// Walks through the request execution core against an in-process cluster:
//
//   speculative  one slow node, speculative executions answer from another
//   reprepare    a node forgets its prepared statements mid-session
//   schema       a schema change is held back until every node agrees
//   failover     a node goes down, requests move on to the others

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/reqexec/internal/config"
	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/internal/session"
	"github.com/ChuLiYu/reqexec/internal/transport"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

var nodes = []string{"10.0.0.1:9042", "10.0.0.2:9042", "10.0.0.3:9042"}

type demo struct {
	cluster *transport.SimCluster
	network *transport.InMemoryNetwork
	manager *pool.Manager
	session *session.Session
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <speculative|reprepare|schema|failover|all>")
		os.Exit(1)
	}

	steps := map[string]func(*demo) error{
		"speculative": speculative,
		"reprepare":   reprepare,
		"schema":      schema,
		"failover":    failover,
	}
	order := []string{"speculative", "reprepare", "schema", "failover"}

	mode := os.Args[1]
	if mode != "all" {
		if _, ok := steps[mode]; !ok {
			log.Fatalf("Unknown demo %q", mode)
		}
		order = []string{mode}
	}

	for _, name := range order {
		d, err := newDemo()
		if err != nil {
			log.Fatalf("Failed to start cluster: %v", err)
		}
		fmt.Printf("\n═══ %s ═══\n", name)
		err = steps[name](d)
		d.close()
		if err != nil {
			log.Fatalf("Demo %s failed: %v", name, err)
		}
	}
}

func newDemo() (*demo, error) {
	cluster := transport.NewSimCluster(nodes...)
	network := transport.NewInMemoryNetwork()
	if err := network.ServeCluster(cluster); err != nil {
		return nil, err
	}

	cfg := config.Default()
	for _, h := range cluster.Hosts() {
		cfg.Cluster.Hosts = append(cfg.Cluster.Hosts, *h)
	}
	cfg.Cluster.Keyspace = "demo"
	cfg.Defaults.LoadBalancing = "round_robin"
	cfg.Defaults.RequestTimeout = 2 * time.Second
	cfg.Defaults.Speculative.Delay = 50 * time.Millisecond
	cfg.Defaults.Speculative.MaxExecutions = 2
	cfg.Session.PrepareOnAllHosts = true
	cfg.Pool.BreakerFailures = 1

	manager := pool.NewManager(cfg.Pool, network.Dialer())
	s, err := session.New(cfg, manager, nil)
	if err != nil {
		network.Close()
		return nil, err
	}
	return &demo{cluster: cluster, network: network, manager: manager, session: s}, nil
}

func (d *demo) close() {
	_ = d.session.Close()
	_ = d.manager.Close()
	d.network.Close()
}

func (d *demo) run(req *types.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	fut, err := d.session.Execute(req)
	if err != nil {
		return err
	}
	resp, err := fut.Response(ctx)
	addr, _ := fut.Address(ctx)
	if err != nil {
		fmt.Printf("  ✗ %-40q error %v, attempted %v\n", req.Query, err, fut.AttemptedAddresses())
		return nil
	}
	kind := "VOID"
	if resp.Result != nil {
		kind = resp.Result.Kind.String()
	}
	fmt.Printf("  ✓ %-40q %-13s from %s in %v, attempted %v\n",
		req.Query, kind, addr, time.Since(start).Round(time.Millisecond), fut.AttemptedAddresses())
	return nil
}

func speculative(d *demo) error {
	slow := d.cluster.Node(nodes[0])
	slow.SetLatency(500 * time.Millisecond)
	fmt.Printf("Node %s answers after 500ms, speculative delay is 50ms\n", slow.Address())

	for i := 0; i < 3; i++ {
		req := types.NewQuery("SELECT v FROM kv WHERE k = 1")
		req.Idempotent = true
		if err := d.run(req); err != nil {
			return err
		}
	}

	fmt.Println("Non-idempotent requests wait for the slow node:")
	for i := 0; i < 3; i++ {
		if err := d.run(types.NewQuery("UPDATE kv SET v = 2 WHERE k = 1")); err != nil {
			return err
		}
	}
	return nil
}

func reprepare(d *demo) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := "SELECT v FROM kv WHERE k = ?"
	entry, err := d.session.Prepare(ctx, query)
	if err != nil {
		return err
	}
	fmt.Printf("Prepared %s on every node\n", entry.PreparedID)

	for _, n := range d.cluster.Nodes() {
		n.Forget()
	}
	fmt.Println("Every node restarted and forgot it; executions re-prepare transparently:")

	for i := 0; i < 3; i++ {
		if err := d.run(types.NewExecute(entry.PreparedID, query)); err != nil {
			return err
		}
	}
	return nil
}

func schema(d *demo) error {
	d.cluster.SetPropagationDelay(400 * time.Millisecond)
	fmt.Println("Schema changes take 400ms to reach the other nodes")

	if err := d.run(types.NewQuery("CREATE TABLE kv (k int PRIMARY KEY, v int)")); err != nil {
		return err
	}
	fmt.Printf("Cluster in agreement: %t\n", d.cluster.InAgreement())
	return nil
}

func failover(d *demo) error {
	d.network.Down(nodes[1])
	fmt.Printf("Node %s is down\n", nodes[1])

	for i := 0; i < 4; i++ {
		req := types.NewQuery("SELECT v FROM kv WHERE k = 1")
		req.Idempotent = true
		if err := d.run(req); err != nil {
			return err
		}
	}
	return nil
}
