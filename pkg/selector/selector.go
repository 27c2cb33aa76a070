package selector

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/log"
)

// Class is the operation class driving node choice.
type Class string

const (
	// Read operations spread load away from the write master: candidates
	// are probed in reverse declared order.
	Read Class = "read"
	// Write operations always target node index 0 and never fail over,
	// preserving single-writer ordering on eventually consistent replicas.
	Write Class = "write"
	// Health checks target node index 0; monitors fan out over AllNodes.
	Health Class = "health"
)

const (
	// DefaultProbeTimeout bounds the TCP reachability check.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultProbeInterval is how long a known-unreachable verdict may be
	// reused before the node is probed again.
	DefaultProbeInterval = 15 * time.Second
)

// Prober answers whether a node accepts TCP connections. Reachability is
// a best-effort L4 check, not a bind.
type Prober interface {
	Reachable(ctx context.Context, addr string) bool
}

// TCPProber dials the node with a short timeout.
type TCPProber struct {
	Timeout time.Duration
}

func (p *TCPProber) Reachable(ctx context.Context, addr string) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Selector chooses a cluster node for an operation class. It is stateless
// apart from a short-lived negative reachability cache that stops a dead
// node from costing a connect timeout on every request.
type Selector struct {
	prober        Prober
	probeInterval time.Duration

	mu   sync.Mutex
	down map[string]time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithProber replaces the TCP prober, mainly for tests.
func WithProber(p Prober) Option {
	return func(s *Selector) { s.prober = p }
}

// WithProbeInterval sets how long an unreachable verdict is cached.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Selector) { s.probeInterval = d }
}

// New creates a Selector with the default TCP prober.
func New(opts ...Option) *Selector {
	s := &Selector{
		prober:        &TCPProber{Timeout: DefaultProbeTimeout},
		probeInterval: DefaultProbeInterval,
		down:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the node that should receive an operation of the given
// class, or a service_unavailable error when no candidate is reachable.
func (s *Selector) Select(ctx context.Context, cluster config.Cluster, class Class) (config.Node, error) {
	nodes := cluster.AllNodes()
	logger := log.WithCluster(cluster.Name)

	switch class {
	case Write:
		// Never fail over on writes.
		master := nodes[0]
		if !s.reachable(ctx, master) {
			logger.Warn().Str("node", master.Addr()).Msg("Write master unreachable")
			return config.Node{}, errs.Newf(errs.KindUnavailable, "write node %s is unreachable", master.Addr())
		}
		return master, nil

	case Read:
		for i := len(nodes) - 1; i >= 0; i-- {
			if s.reachable(ctx, nodes[i]) {
				logger.Debug().Str("node", nodes[i].Addr()).Msg("Selected read node")
				return nodes[i], nil
			}
			logger.Warn().Str("node", nodes[i].Addr()).Msg("Node unreachable, trying next")
		}
		return config.Node{}, errs.New(errs.KindUnavailable, "no reachable node for read")

	default: // Health
		return nodes[0], nil
	}
}

// AllNodes returns every node of the cluster for health fan-out.
func (s *Selector) AllNodes(cluster config.Cluster) []config.Node {
	return cluster.AllNodes()
}

// reachable consults the negative cache, then probes. A cached verdict is
// honored for at most one probe interval so recovery is never masked for
// longer than that.
func (s *Selector) reachable(ctx context.Context, node config.Node) bool {
	addr := node.Addr()

	s.mu.Lock()
	if at, ok := s.down[addr]; ok {
		if time.Since(at) < s.probeInterval {
			s.mu.Unlock()
			return false
		}
		delete(s.down, addr)
	}
	s.mu.Unlock()

	if s.prober.Reachable(ctx, addr) {
		return true
	}

	s.mu.Lock()
	s.down[addr] = time.Now()
	s.mu.Unlock()
	return false
}
