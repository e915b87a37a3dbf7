package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/reqexec/internal/transport"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// ErrNoSchemaVersions is returned when no host answered a schema poll
var ErrNoSchemaVersions = errors.New("session: no host reported a schema version")

// versionPoller asks every host for its schema version until they match.
// Hosts that fail to answer are left out of the round.
type versionPoller struct {
	s        *Session
	interval time.Duration
}

func (p *versionPoller) Wait(ctx context.Context, host *types.Host) error {
	s := p.s
	for round := 1; ; round++ {
		versions, err := p.poll(ctx)
		if err != nil {
			return err
		}
		if len(versions) == 1 {
			s.logger.Debug("schema agreement reached", "host", host, "rounds", round)
			return nil
		}
		s.logger.Debug("schema versions differ", "host", host, "versions", len(versions))

		t := s.clock.NewTimer(p.interval, "session", "schema")
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("waiting for schema agreement: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// poll returns the distinct schema versions reported by reachable hosts
func (p *versionPoller) poll(ctx context.Context) (map[string]struct{}, error) {
	s := p.s
	versions := make(map[string]struct{})
	for _, h := range s.hosts {
		fut, err := s.executeInternal(h.Address, types.NewQuery(transport.SchemaVersionQuery))
		if err != nil {
			return nil, err
		}
		resp, err := fut.Response(ctx)
		if err != nil {
			var reqErr *types.Error
			if errors.As(err, &reqErr) {
				continue
			}
			return nil, err
		}
		if resp.Result == nil || len(resp.Result.Rows) == 0 || len(resp.Result.Rows[0]) == 0 {
			continue
		}
		versions[resp.Result.Rows[0][0]] = struct{}{}
	}
	if len(versions) == 0 {
		return nil, ErrNoSchemaVersions
	}
	return versions, nil
}

// sessionPreparer prepares statements through the session's own handlers,
// pinned to one host
type sessionPreparer struct {
	s *Session
}

func (p *sessionPreparer) Prepare(ctx context.Context, host *types.Host, query, keyspace string) (*types.Result, error) {
	req := types.NewPrepare(query)
	req.Keyspace = keyspace

	fut, err := p.s.executeInternal(host.Address, req)
	if err != nil {
		return nil, err
	}
	resp, err := fut.Response(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare on %s: %w", host, err)
	}
	if resp.Result == nil || resp.Result.Kind != types.ResultPrepared {
		return nil, fmt.Errorf("prepare on %s: unexpected %s result", host, resultKind(resp))
	}
	return resp.Result, nil
}

// fanOut runs fn for every host with at most limit calls in flight and
// returns the first error once all calls finished. A failing host does not
// cancel the others.
func fanOut(ctx context.Context, hosts []*types.Host, limit int, fn func(context.Context, *types.Host) error) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, h := range hosts {
		h := h
		g.Go(func() error { return fn(ctx, h) })
	}
	return g.Wait()
}
