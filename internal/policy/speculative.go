package policy

import (
	"time"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// SpeculativeExecutionPlan decides when the next concurrent execution of a
// request starts. ok is false once no more executions may be launched.
type SpeculativeExecutionPlan interface {
	NextExecution(current *types.Host) (delay time.Duration, ok bool)
}

// SpeculativeExecutionPolicy builds one plan per request.
type SpeculativeExecutionPolicy interface {
	NewPlan(keyspace string, req *types.Request) SpeculativeExecutionPlan
}

// NoSpeculativeExecutionPolicy never launches extra executions.
type NoSpeculativeExecutionPolicy struct{}

func (NoSpeculativeExecutionPolicy) NewPlan(string, *types.Request) SpeculativeExecutionPlan {
	return noSpeculativeExecutionPlan{}
}

type noSpeculativeExecutionPlan struct{}

func (noSpeculativeExecutionPlan) NextExecution(*types.Host) (time.Duration, bool) {
	return 0, false
}

// ConstantSpeculativeExecutionPolicy launches up to MaxExecutions extra
// executions, each Delay after the previous one.
type ConstantSpeculativeExecutionPolicy struct {
	Delay         time.Duration
	MaxExecutions int
}

func (p ConstantSpeculativeExecutionPolicy) NewPlan(string, *types.Request) SpeculativeExecutionPlan {
	return &constantSpeculativeExecutionPlan{
		delay:     p.Delay,
		remaining: p.MaxExecutions,
	}
}

type constantSpeculativeExecutionPlan struct {
	delay     time.Duration
	remaining int
}

func (p *constantSpeculativeExecutionPlan) NextExecution(*types.Host) (time.Duration, bool) {
	if p.remaining <= 0 || p.delay < 0 {
		return 0, false
	}
	p.remaining--
	return p.delay, true
}
