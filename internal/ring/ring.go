// ============================================================================
// Token ring - routing key to replica resolution
// ============================================================================
//
// Package: internal/ring
// File: ring.go
//
// Every host owns a number of virtual-node tokens on a 64-bit ring
// (xxhash of "address#i"). A routing key hashes to a token; its replicas are
// the first RF distinct hosts found walking the ring clockwise from there.
// The ring is the TokenMap consumed by token-aware query plans.
//
// ============================================================================

package ring

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// Default ring parameters
const (
	DefaultVirtualNodes      = 16
	DefaultReplicationFactor = 3
)

type token struct {
	value uint64
	host  *types.Host
}

// Ring is a consistent hash ring of hosts. It is safe for concurrent use.
type Ring struct {
	mu           sync.RWMutex
	tokens       []token
	hosts        map[types.Address]*types.Host
	replication  map[string]int
	defaultRF    int
	virtualNodes int
}

// New creates an empty ring
func New(virtualNodes, defaultRF int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	if defaultRF <= 0 {
		defaultRF = DefaultReplicationFactor
	}
	return &Ring{
		hosts:        make(map[types.Address]*types.Host),
		replication:  make(map[string]int),
		defaultRF:    defaultRF,
		virtualNodes: virtualNodes,
	}
}

// Token hashes a routing key onto the ring
func Token(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// AddHost places host's virtual nodes on the ring. Adding a known address is
// a no-op.
func (r *Ring) AddHost(host *types.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[host.Address]; ok {
		return
	}
	r.hosts[host.Address] = host
	for i := 0; i < r.virtualNodes; i++ {
		v := xxhash.Sum64String(string(host.Address) + "#" + strconv.Itoa(i))
		r.tokens = append(r.tokens, token{value: v, host: host})
	}
	sort.Slice(r.tokens, func(i, j int) bool { return r.tokens[i].value < r.tokens[j].value })
}

// RemoveHost drops every token owned by address
func (r *Ring) RemoveHost(address types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[address]; !ok {
		return
	}
	delete(r.hosts, address)
	kept := r.tokens[:0]
	for _, t := range r.tokens {
		if t.host.Address != address {
			kept = append(kept, t)
		}
	}
	r.tokens = kept
}

// SetReplicationFactor overrides the replication factor of keyspace
func (r *Ring) SetReplicationFactor(keyspace string, rf int) {
	r.mu.Lock()
	r.replication[keyspace] = rf
	r.mu.Unlock()
}

// Size returns the number of hosts on the ring
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// Replicas returns the hosts owning routingKey in keyspace, primary first.
func (r *Ring) Replicas(keyspace string, routingKey []byte) []*types.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.tokens) == 0 {
		return nil
	}
	rf, ok := r.replication[keyspace]
	if !ok {
		rf = r.defaultRF
	}
	if rf > len(r.hosts) {
		rf = len(r.hosts)
	}

	t := Token(routingKey)
	start := sort.Search(len(r.tokens), func(i int) bool { return r.tokens[i].value >= t })

	replicas := make([]*types.Host, 0, rf)
	seen := make(map[types.Address]struct{}, rf)
	for i := 0; i < len(r.tokens) && len(replicas) < rf; i++ {
		h := r.tokens[(start+i)%len(r.tokens)].host
		if _, dup := seen[h.Address]; dup {
			continue
		}
		seen[h.Address] = struct{}{}
		replicas = append(replicas, h)
	}
	return replicas
}
