package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// DefaultIdleTTL is how long an idle session stays reusable.
const DefaultIdleTTL = 5 * time.Minute

// Conn is the slice of an LDAP connection the pool needs. The gateway
// hands sessions back richer connections; tests hand in fakes.
type Conn interface {
	Bind(bindDN, password string) error
	Close() error
}

// Factory opens an unauthenticated connection to one node.
type Factory func(ctx context.Context, host string, port int) (Conn, error)

// PasswordFunc supplies the bind password, typically backed by the vault.
// It is only invoked when a new connection must be opened.
type PasswordFunc func() (string, error)

// Session is one authenticated LDAP connection checked out of the pool.
// Sessions are exclusive: exactly one user until released.
type Session struct {
	Cluster string
	Host    string
	Port    int
	BindDN  string
	Conn    Conn

	CreatedAt time.Time
	lastUsed  time.Time
	key       string
}

// keyPool is the idle stack for one (cluster, host, port, bindDN) key.
// Most-recently-used on top, so fresh sessions are preferred and stale
// ones sink to the bottom for the reaper.
type keyPool struct {
	mu   sync.Mutex
	idle []*Session
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Keys   int   `json:"keys"`
	Idle   int   `json:"idle"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Pool keeps authenticated LDAP sessions for reuse, keyed by
// (cluster, host, port, bind DN). Safe for concurrent use; per-key
// locking keeps connection bursts on one key from serializing the rest.
type Pool struct {
	factory Factory
	idleTTL time.Duration

	mu       sync.RWMutex
	keys     map[string]*keyPool
	draining bool

	statMu sync.Mutex
	hits   int64
	misses int64

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a pool and starts its background reaper. The reaper runs at
// half the idle TTL so no expired session outlives a full TTL unnoticed.
func New(factory Factory, idleTTL time.Duration) *Pool {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	p := &Pool{
		factory: factory,
		idleTTL: idleTTL,
		keys:    make(map[string]*keyPool),
		stop:    make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

func poolKey(cluster, host string, port int, bindDN string) string {
	return fmt.Sprintf("%s/%s:%d/%s", cluster, host, port, bindDN)
}

// Acquire returns an authenticated session for the key, reusing the
// freshest idle one when possible. On a miss it asks password for the
// bind credential and opens a new connection; a failed bind surfaces
// auth_failed and nothing is cached.
func (p *Pool) Acquire(ctx context.Context, cluster, host string, port int, bindDN string, password PasswordFunc) (*Session, error) {
	key := poolKey(cluster, host, port, bindDN)
	kp := p.keyPool(key)

	now := time.Now()
	kp.mu.Lock()
	for len(kp.idle) > 0 {
		sess := kp.idle[len(kp.idle)-1]
		kp.idle = kp.idle[:len(kp.idle)-1]
		if now.Sub(sess.lastUsed) < p.idleTTL {
			kp.mu.Unlock()
			p.countHit()
			return sess, nil
		}
		// Expired while idle: destroy before checkout.
		_ = sess.Conn.Close()
	}
	kp.mu.Unlock()

	p.countMiss()

	pw, err := password()
	if err != nil {
		return nil, err
	}

	conn, err := p.factory(ctx, host, port)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, fmt.Sprintf("cannot connect to %s:%d", host, port), err)
	}
	if err := conn.Bind(bindDN, pw); err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(errs.KindAuthFailed, "LDAP bind rejected", err)
	}

	log.WithComponent("pool").Debug().
		Str("cluster", cluster).
		Str("node", fmt.Sprintf("%s:%d", host, port)).
		Msg("Opened new pooled session")

	return &Session{
		Cluster:   cluster,
		Host:      host,
		Port:      port,
		BindDN:    bindDN,
		Conn:      conn,
		CreatedAt: now,
		lastUsed:  now,
		key:       key,
	}, nil
}

// Release returns a session to the pool. Unhealthy sessions are closed
// and dropped; healthy ones go back on top of the idle stack. After
// Drain the pool accepts nothing back: late releases are closed so no
// connection outlives the reaper.
func (p *Pool) Release(sess *Session, healthy bool) {
	if sess == nil {
		return
	}
	if !healthy {
		_ = sess.Conn.Close()
		log.WithComponent("pool").Debug().
			Str("cluster", sess.Cluster).
			Str("node", fmt.Sprintf("%s:%d", sess.Host, sess.Port)).
			Msg("Dropped unhealthy session")
		p.updateGauge()
		return
	}

	sess.lastUsed = time.Now()

	// The park happens under the read lock so it cannot interleave with
	// Drain, which holds the write lock while emptying the pool.
	p.mu.RLock()
	parked := false
	if !p.draining {
		if kp, ok := p.keys[sess.key]; ok {
			kp.mu.Lock()
			kp.idle = append(kp.idle, sess)
			kp.mu.Unlock()
			parked = true
		}
	}
	p.mu.RUnlock()

	if !parked {
		_ = sess.Conn.Close()
		return
	}
	p.updateGauge()
}

// Stats reports pool occupancy and hit counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{Keys: len(p.keys)}
	for _, kp := range p.keys {
		kp.mu.Lock()
		s.Idle += len(kp.idle)
		kp.mu.Unlock()
	}
	p.statMu.Lock()
	s.Hits, s.Misses = p.hits, p.misses
	p.statMu.Unlock()
	return s
}

// Drain closes every idle session and stops the reaper. Checked-out
// sessions are closed by their holders on release.
func (p *Pool) Drain() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.draining = true
	for key, kp := range p.keys {
		kp.mu.Lock()
		for _, sess := range kp.idle {
			_ = sess.Conn.Close()
		}
		kp.idle = nil
		kp.mu.Unlock()
		delete(p.keys, key)
	}
	metrics.PoolIdleSessions.Set(0)
	log.WithComponent("pool").Info().Msg("Connection pool drained")
}

func (p *Pool) keyPool(key string) *keyPool {
	p.mu.RLock()
	kp, ok := p.keys[key]
	p.mu.RUnlock()
	if ok {
		return kp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if kp, ok = p.keys[key]; ok {
		return kp
	}
	kp = &keyPool{}
	p.keys[key] = kp
	return kp
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapOnce()
		case <-p.stop:
			return
		}
	}
}

// reapOnce removes idle sessions whose TTL elapsed.
func (p *Pool) reapOnce() {
	now := time.Now()
	reaped := 0

	p.mu.RLock()
	pools := make([]*keyPool, 0, len(p.keys))
	for _, kp := range p.keys {
		pools = append(pools, kp)
	}
	p.mu.RUnlock()

	for _, kp := range pools {
		kp.mu.Lock()
		kept := kp.idle[:0]
		for _, sess := range kp.idle {
			if now.Sub(sess.lastUsed) >= p.idleTTL {
				_ = sess.Conn.Close()
				reaped++
				continue
			}
			kept = append(kept, sess)
		}
		kp.idle = kept
		kp.mu.Unlock()
	}

	if reaped > 0 {
		log.WithComponent("pool").Info().Int("reaped", reaped).Msg("Reaped expired sessions")
	}
	p.updateGauge()
}

func (p *Pool) countHit() {
	p.statMu.Lock()
	p.hits++
	p.statMu.Unlock()
	metrics.PoolHitsTotal.Inc()
}

func (p *Pool) countMiss() {
	p.statMu.Lock()
	p.misses++
	p.statMu.Unlock()
	metrics.PoolMissesTotal.Inc()
}

func (p *Pool) updateGauge() {
	p.mu.RLock()
	idle := 0
	for _, kp := range p.keys {
		kp.mu.Lock()
		idle += len(kp.idle)
		kp.mu.Unlock()
	}
	p.mu.RUnlock()
	metrics.PoolIdleSessions.Set(float64(idle))
}
