// ============================================================================
// Load balancing - per-request query plans
// ============================================================================
//
// Package: internal/policy
// File: load_balancing.go
//
// A LoadBalancingPolicy hands every request its own QueryPlan: a lazy,
// finite iterator over candidate hosts. The request handler pulls from the
// plan whenever an execution needs a new host and treats nil as exhaustion.
//
// ============================================================================

package policy

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// QueryPlan yields candidate hosts for one request. Next returns nil once the
// plan is exhausted.
type QueryPlan interface {
	Next() *types.Host
}

// TokenMap resolves the replicas owning a routing key.
type TokenMap interface {
	Replicas(keyspace string, routingKey []byte) []*types.Host
}

// LoadBalancingPolicy builds query plans.
type LoadBalancingPolicy interface {
	NewQueryPlan(keyspace string, req *types.Request, tokenMap TokenMap) QueryPlan
}

// ListPlan walks a fixed slice of hosts once.
type ListPlan struct {
	hosts []*types.Host
	index int
}

// NewListPlan creates a plan yielding hosts in order
func NewListPlan(hosts ...*types.Host) *ListPlan {
	return &ListPlan{hosts: hosts}
}

func (p *ListPlan) Next() *types.Host {
	if p.index >= len(p.hosts) {
		return nil
	}
	h := p.hosts[p.index]
	p.index++
	return h
}

// RoundRobinPolicy rotates the starting host of each plan across the host
// list.
type RoundRobinPolicy struct {
	mu    sync.RWMutex
	hosts []*types.Host
	next  atomic.Uint32
}

// NewRoundRobinPolicy creates a round robin policy over hosts
func NewRoundRobinPolicy(hosts ...*types.Host) *RoundRobinPolicy {
	return &RoundRobinPolicy{hosts: hosts}
}

// SetHosts replaces the host list used for future plans
func (p *RoundRobinPolicy) SetHosts(hosts []*types.Host) {
	p.mu.Lock()
	p.hosts = hosts
	p.mu.Unlock()
}

// Hosts returns the current host list
func (p *RoundRobinPolicy) Hosts() []*types.Host {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hosts
}

func (p *RoundRobinPolicy) NewQueryPlan(_ string, _ *types.Request, _ TokenMap) QueryPlan {
	hosts := p.Hosts()
	if len(hosts) == 0 {
		return NewListPlan()
	}
	start := int(p.next.Inc()-1) % len(hosts)
	ordered := make([]*types.Host, 0, len(hosts))
	for i := 0; i < len(hosts); i++ {
		ordered = append(ordered, hosts[(start+i)%len(hosts)])
	}
	return NewListPlan(ordered...)
}

// TokenAwarePolicy puts the replicas of the request's routing key in front of
// the child policy's plan.
type TokenAwarePolicy struct {
	child LoadBalancingPolicy
}

// NewTokenAwarePolicy wraps child
func NewTokenAwarePolicy(child LoadBalancingPolicy) *TokenAwarePolicy {
	return &TokenAwarePolicy{child: child}
}

func (p *TokenAwarePolicy) NewQueryPlan(keyspace string, req *types.Request, tokenMap TokenMap) QueryPlan {
	childPlan := p.child.NewQueryPlan(keyspace, req, tokenMap)
	if tokenMap == nil || req == nil || len(req.RoutingKey) == 0 {
		return childPlan
	}
	replicas := tokenMap.Replicas(keyspace, req.RoutingKey)
	if len(replicas) == 0 {
		return childPlan
	}
	return &tokenAwarePlan{
		replicas: replicas,
		child:    childPlan,
		seen:     make(map[types.Address]struct{}, len(replicas)),
	}
}

type tokenAwarePlan struct {
	replicas []*types.Host
	index    int
	child    QueryPlan
	seen     map[types.Address]struct{}
}

func (p *tokenAwarePlan) Next() *types.Host {
	for p.index < len(p.replicas) {
		h := p.replicas[p.index]
		p.index++
		if _, dup := p.seen[h.Address]; dup {
			continue
		}
		p.seen[h.Address] = struct{}{}
		return h
	}
	for {
		h := p.child.Next()
		if h == nil {
			return nil
		}
		if _, dup := p.seen[h.Address]; dup {
			continue
		}
		p.seen[h.Address] = struct{}{}
		return h
	}
}
