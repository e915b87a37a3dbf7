package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

// InMemoryNetwork serves nodes over bufconn listeners keyed by address, so
// a whole cluster runs inside one process.
type InMemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
	servers   map[string]*Server
	wg        sync.WaitGroup
}

// NewInMemoryNetwork creates an empty network
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		listeners: make(map[string]*bufconn.Listener),
		servers:   make(map[string]*Server),
	}
}

// Serve starts serving node at address
func (n *InMemoryNetwork) Serve(address string, node Node) (*Server, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[address]; ok {
		return nil, fmt.Errorf("transport: address %s already in use", address)
	}
	lis := bufconn.Listen(bufSize)
	srv := NewServer(node)
	n.listeners[address] = lis
	n.servers[address] = srv

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = srv.Serve(lis)
	}()
	return srv, nil
}

// ServeCluster serves every node of c
func (n *InMemoryNetwork) ServeCluster(c *SimCluster) error {
	for _, node := range c.Nodes() {
		if _, err := n.Serve(node.Address().String(), node); err != nil {
			return err
		}
	}
	return nil
}

// Down stops the node at address; later dials are refused
func (n *InMemoryNetwork) Down(address string) {
	n.mu.Lock()
	srv := n.servers[address]
	delete(n.servers, address)
	delete(n.listeners, address)
	n.mu.Unlock()

	if srv != nil {
		srv.Stop()
	}
}

// Dialer returns a Dialer connecting through this network
func (n *InMemoryNetwork) Dialer() *Dialer {
	return &Dialer{ContextDialer: n.dial, WaitReady: true}
}

func (n *InMemoryNetwork) dial(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	lis, ok := n.listeners[address]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	return lis.DialContext(ctx)
}

// Close stops every server
func (n *InMemoryNetwork) Close() {
	n.mu.Lock()
	servers := make([]*Server, 0, len(n.servers))
	for _, srv := range n.servers {
		servers = append(servers, srv)
	}
	n.servers = make(map[string]*Server)
	n.listeners = make(map[string]*bufconn.Listener)
	n.mu.Unlock()

	for _, srv := range servers {
		srv.Stop()
	}
	n.wg.Wait()
}
