package config

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/ChuLiYu/reqexec/internal/policy"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ExecutionProfile is a profile resolved into the policies a request
// handler consumes.
type ExecutionProfile struct {
	Name              string
	Consistency       gocql.Consistency
	SerialConsistency gocql.SerialConsistency
	RequestTimeout    time.Duration // <= 0 disables the request timer
	LoadBalancing     policy.LoadBalancingPolicy
	Retry             policy.RetryPolicy
	Speculative       policy.SpeculativeExecutionPolicy
}

// Profiles holds the default profile and the named ones.
type Profiles struct {
	Default *ExecutionProfile
	named   map[string]*ExecutionProfile

	roundRobins []*policy.RoundRobinPolicy
}

// Resolve builds every execution profile of cfg
func Resolve(cfg *Config) (*Profiles, error) {
	if len(cfg.Cluster.Hosts) == 0 {
		return nil, ErrNoHosts
	}

	ps := &Profiles{named: make(map[string]*ExecutionProfile, len(cfg.Profiles))}
	hosts := cfg.HostList()

	def, err := ps.build("default", cfg.Defaults, hosts)
	if err != nil {
		return nil, err
	}
	ps.Default = def

	for name, p := range cfg.Profiles {
		ep, err := ps.build(name, p.inherit(cfg.Defaults), hosts)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		ps.named[name] = ep
	}
	return ps, nil
}

// Get returns the named profile. Empty or unknown names yield the default
// profile, unknown ones are logged.
func (ps *Profiles) Get(name string) *ExecutionProfile {
	if name == "" {
		return ps.Default
	}
	if ep, ok := ps.named[name]; ok {
		return ep
	}
	slog.Warn("execution profile not found, using default", "component", "config", "profile", name)
	return ps.Default
}

// Names returns the sorted names of the named profiles
func (ps *Profiles) Names() []string {
	names := make([]string, 0, len(ps.named))
	for name := range ps.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetHosts replaces the host list of every round robin policy
func (ps *Profiles) SetHosts(hosts []*types.Host) {
	for _, rr := range ps.roundRobins {
		rr.SetHosts(hosts)
	}
}

func (ps *Profiles) build(name string, p Profile, hosts []*types.Host) (*ExecutionProfile, error) {
	cl, err := gocql.ParseConsistencyWrapper(p.Consistency)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	serial, err := ParseSerialConsistency(p.SerialConsistency)
	if err != nil {
		return nil, err
	}

	ep := &ExecutionProfile{
		Name:              name,
		Consistency:       cl,
		SerialConsistency: serial,
		RequestTimeout:    p.RequestTimeout,
	}

	rr := policy.NewRoundRobinPolicy(hosts...)
	ps.roundRobins = append(ps.roundRobins, rr)
	switch p.LoadBalancing {
	case "round_robin":
		ep.LoadBalancing = rr
	case "token_aware":
		ep.LoadBalancing = policy.NewTokenAwarePolicy(rr)
	default:
		return nil, fmt.Errorf("%w: load balancing %q", ErrUnknownPolicy, p.LoadBalancing)
	}

	switch p.Retry {
	case "default":
		ep.Retry = policy.DefaultRetryPolicy{}
	case "fallthrough":
		ep.Retry = policy.FallthroughRetryPolicy{}
	default:
		return nil, fmt.Errorf("%w: retry %q", ErrUnknownPolicy, p.Retry)
	}

	if p.Speculative.MaxExecutions > 0 && p.Speculative.Delay > 0 {
		ep.Speculative = policy.ConstantSpeculativeExecutionPolicy{
			Delay:         p.Speculative.Delay,
			MaxExecutions: p.Speculative.MaxExecutions,
		}
	} else {
		ep.Speculative = policy.NoSpeculativeExecutionPolicy{}
	}

	return ep, nil
}
