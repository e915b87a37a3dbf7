// ============================================================================
// Connection pool manager
// ============================================================================
//
// Package: internal/pool
// File: manager.go
//
// The manager keeps up to ConnectionsPerHost connections for every host it
// was asked about. Acquire returns an idle connection when there is one,
// grows the host pool otherwise, and falls back to the least busy
// connection. Dialing goes through a per-host circuit breaker so a dead host
// fails fast instead of paying the dial timeout on every request.
//
// ============================================================================

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

var (
	// ErrManagerClosed is returned by Acquire after Close
	ErrManagerClosed = errors.New("pool: manager is closed")
	// ErrHostDown is returned while a host's circuit breaker is open
	ErrHostDown = errors.New("pool: host is marked down")
)

// Config controls pool sizing and failure detection.
type Config struct {
	ConnectionsPerHost  int           `yaml:"connections_per_host"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	BreakerFailures     uint32        `yaml:"breaker_failures"`
	BreakerOpenDuration time.Duration `yaml:"breaker_open_duration"`
}

// DefaultConfig returns the pool defaults
func DefaultConfig() Config {
	return Config{
		ConnectionsPerHost:  2,
		DialTimeout:         5 * time.Second,
		BreakerFailures:     3,
		BreakerOpenDuration: 10 * time.Second,
	}
}

type hostPool struct {
	host    *types.Host
	mu      sync.Mutex
	conns   []Connection
	breaker *gobreaker.CircuitBreaker[Connection]
}

// Manager hands out connections per host.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu     sync.Mutex
	pools  map[types.Address]*hostPool
	closed bool
}

// NewManager creates a pool manager dialing through dialer
func NewManager(cfg Config, dialer Dialer) *Manager {
	def := DefaultConfig()
	if cfg.ConnectionsPerHost <= 0 {
		cfg.ConnectionsPerHost = def.ConnectionsPerHost
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpenDuration <= 0 {
		cfg.BreakerOpenDuration = def.BreakerOpenDuration
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: slog.With("component", "pool"),
		pools:  make(map[types.Address]*hostPool),
	}
}

func (m *Manager) hostPool(host *types.Host) (*hostPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	hp, ok := m.pools[host.Address]
	if !ok {
		failures := m.cfg.BreakerFailures
		hp = &hostPool{
			host: host,
			breaker: gobreaker.NewCircuitBreaker[Connection](gobreaker.Settings{
				Name:    string(host.Address),
				Timeout: m.cfg.BreakerOpenDuration,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					m.logger.Warn("Host breaker state changed", "host", name, "from", from.String(), "to", to.String())
				},
			}),
		}
		m.pools[host.Address] = hp
	}
	return hp, nil
}

// Acquire returns a usable connection to host.
func (m *Manager) Acquire(ctx context.Context, host *types.Host) (Connection, error) {
	if host == nil {
		return nil, errors.New("pool: nil host")
	}
	hp, err := m.hostPool(host)
	if err != nil {
		return nil, err
	}

	hp.mu.Lock()
	hp.prune()
	if c := hp.idle(); c != nil {
		hp.mu.Unlock()
		return c, nil
	}
	full := len(hp.conns) >= m.cfg.ConnectionsPerHost
	if full {
		c := hp.leastBusy()
		hp.mu.Unlock()
		return c, nil
	}
	hp.mu.Unlock()

	conn, err := hp.breaker.Execute(func() (Connection, error) {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
		return m.dialer.Dial(dctx, host)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s", ErrHostDown, host.Address)
		} else {
			err = fmt.Errorf("pool: dial %s: %w", host.Address, err)
		}
		hp.mu.Lock()
		defer hp.mu.Unlock()
		if c := hp.leastBusy(); c != nil {
			return c, nil
		}
		return nil, err
	}

	hp.mu.Lock()
	hp.conns = append(hp.conns, conn)
	hp.mu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		conn.Close()
		return nil, ErrManagerClosed
	}
	return conn, nil
}

// Connections returns the number of live pooled connections to address
func (m *Manager) Connections(address types.Address) int {
	m.mu.Lock()
	hp, ok := m.pools[address]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.prune()
	return len(hp.conns)
}

// Close closes every pooled connection. Later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.pools = make(map[types.Address]*hostPool)
	m.mu.Unlock()

	var errs []error
	for _, hp := range pools {
		hp.mu.Lock()
		for _, c := range hp.conns {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		hp.conns = nil
		hp.mu.Unlock()
	}
	return errors.Join(errs...)
}

// prune drops closed connections; hp.mu must be held
func (hp *hostPool) prune() {
	live := hp.conns[:0]
	for _, c := range hp.conns {
		if !c.IsClosed() {
			live = append(live, c)
		}
	}
	hp.conns = live
}

// idle returns a connection with nothing in flight; hp.mu must be held
func (hp *hostPool) idle() Connection {
	for _, c := range hp.conns {
		if c.InFlight() == 0 {
			return c
		}
	}
	return nil
}

// leastBusy returns the connection with the fewest requests in flight;
// hp.mu must be held
func (hp *hostPool) leastBusy() Connection {
	var best Connection
	for _, c := range hp.conns {
		if best == nil || c.InFlight() < best.InFlight() {
			best = c
		}
	}
	return best
}
