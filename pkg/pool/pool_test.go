package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeConn struct {
	mu       sync.Mutex
	bindErr  error
	bound    string
	closed   bool
	closeCnt int
}

func (c *fakeConn) Bind(bindDN, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindErr != nil {
		return c.bindErr
	}
	c.bound = bindDN
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCnt++
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	dialErr error
	bindErr error
	conns   []*fakeConn
}

func (f *fakeFactory) dial(_ context.Context, host string, port int) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c := &fakeConn{bindErr: f.bindErr}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) dialed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func password(pw string) PasswordFunc {
	return func() (string, error) { return pw, nil }
}

func TestAcquireReusesSession(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	defer p.Drain()
	ctx := context.Background()

	s1, err := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s1, true)

	s2, err := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s1 != s2 {
		t.Error("released session was not reused")
	}
	if f.dialed() != 1 {
		t.Errorf("dialed %d connections, want 1", f.dialed())
	}

	stats := p.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestAcquireDistinctKeys(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	defer p.Drain()
	ctx := context.Background()

	s1, _ := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	p.Release(s1, true)

	// Same node, different bind identity: must not share sessions.
	_, err := p.Acquire(ctx, "corp", "ldap1", 389, "cn=other", password("pw"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if f.dialed() != 2 {
		t.Errorf("dialed %d connections, want 2", f.dialed())
	}
}

func TestAcquireMRU(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	defer p.Drain()
	ctx := context.Background()

	s1, _ := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	s2, _ := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	p.Release(s1, true)
	p.Release(s2, true)

	// Most recently released comes back first.
	got, _ := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	if got != s2 {
		t.Error("expected most recently used session first")
	}
}

func TestAcquireBindFailure(t *testing.T) {
	f := &fakeFactory{bindErr: errors.New("invalid credentials")}
	p := New(f.dial, time.Minute)
	defer p.Drain()

	_, err := p.Acquire(context.Background(), "corp", "ldap1", 389, "cn=admin", password("wrong"))
	if !errs.IsKind(err, errs.KindAuthFailed) {
		t.Fatalf("Acquire() error = %v, want auth_failed", err)
	}
	// The failed connection must be closed and nothing cached.
	if !f.conns[0].closed {
		t.Error("connection not closed after bind failure")
	}
	if p.Stats().Idle != 0 {
		t.Error("failed bind left a session in the pool")
	}
}

func TestAcquireDialFailure(t *testing.T) {
	f := &fakeFactory{dialErr: errors.New("connection refused")}
	p := New(f.dial, time.Minute)
	defer p.Drain()

	_, err := p.Acquire(context.Background(), "corp", "ldap1", 389, "cn=admin", password("pw"))
	if !errs.IsKind(err, errs.KindUnavailable) {
		t.Fatalf("Acquire() error = %v, want service_unavailable", err)
	}
}

func TestAcquirePasswordFailureSkipsDial(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	defer p.Drain()

	wantErr := errs.New(errs.KindAuthFailed, "password not configured")
	_, err := p.Acquire(context.Background(), "corp", "ldap1", 389, "cn=admin",
		func() (string, error) { return "", wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("Acquire() error = %v, want %v", err, wantErr)
	}
	if f.dialed() != 0 {
		t.Error("dialed despite missing password")
	}
}

func TestReleaseUnhealthy(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	defer p.Drain()

	s, _ := p.Acquire(context.Background(), "corp", "ldap1", 389, "cn=admin", password("pw"))
	p.Release(s, false)

	if !f.conns[0].closed {
		t.Error("unhealthy session not closed")
	}
	if p.Stats().Idle != 0 {
		t.Error("unhealthy session left in pool")
	}
}

func TestStaleSessionDiscardedOnAcquire(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, 50*time.Millisecond)
	defer p.Drain()
	ctx := context.Background()

	s, _ := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	p.Release(s, true)
	time.Sleep(60 * time.Millisecond)

	s2, err := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s2 == s {
		t.Error("expired session was handed out")
	}
	if !f.conns[0].closed {
		t.Error("expired session not closed")
	}
}

func TestReapOnce(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, 50*time.Millisecond)
	defer p.Drain()
	ctx := context.Background()

	s, _ := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	p.Release(s, true)
	time.Sleep(60 * time.Millisecond)

	p.reapOnce()
	if p.Stats().Idle != 0 {
		t.Error("reaper left an expired session")
	}
	if !f.conns[0].closed {
		t.Error("reaped session not closed")
	}
}

func TestDrain(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, _ := p.Acquire(ctx, "corp", fmt.Sprintf("ldap%d", i), 389, "cn=admin", password("pw"))
		p.Release(s, true)
	}
	p.Drain()

	for i, c := range f.conns {
		if !c.closed {
			t.Errorf("conn %d not closed on drain", i)
		}
	}
	if got := p.Stats().Idle; got != 0 {
		t.Errorf("idle = %d after drain, want 0", got)
	}
}

func TestReleaseAfterDrainCloses(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	ctx := context.Background()

	s, err := p.Acquire(ctx, "corp", "ldap1", 389, "cn=admin", password("pw"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Drain()

	// A holder returning its session after shutdown must not park it:
	// the reaper is gone, so a parked session would leak its connection.
	p.Release(s, true)

	if !f.conns[0].closed {
		t.Error("session released after drain was not closed")
	}
	stats := p.Stats()
	if stats.Idle != 0 || stats.Keys != 0 {
		t.Errorf("stats = %+v after drain, want empty pool", stats)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, time.Minute)
	defer p.Drain()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s, err := p.Acquire(context.Background(), "corp", fmt.Sprintf("ldap%d", i%3), 389, "cn=admin", password("pw"))
				if err != nil {
					t.Errorf("Acquire() error = %v", err)
					return
				}
				p.Release(s, j%10 != 0)
			}
		}(i)
	}
	wg.Wait()
}
