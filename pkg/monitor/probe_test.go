package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/selector"
	"github.com/cuemby/burrow/pkg/vault"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const monitorConfig = `
clusters:
  - name: corp
    nodes:
      - host: ldap1
        port: 389
      - host: ldap2
        port: 389
      - host: ldap3
        port: 389
    bind_dn: cn=admin,dc=test
    base_dn: dc=test
  - name: solo
    host: ldap.solo
    bind_dn: cn=admin,dc=solo
    base_dn: dc=solo
`

// fakeDirectory emulates a replicated cluster: each host holds its own
// entry set, and writes to the master copy into the configured mirrors.
type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]map[string]bool // host -> dn -> present
	csn     map[string][]string        // host -> contextCSN values
	count   map[string]int             // host -> entries under the base DN
	mirrors []string                   // hosts receiving writes besides the dialed one
	dialErr map[string]error
	delErr  error
	dels    int
}

func newFakeDirectory(hosts ...string) *fakeDirectory {
	d := &fakeDirectory{
		entries: make(map[string]map[string]bool),
		csn:     make(map[string][]string),
		count:   make(map[string]int),
		dialErr: make(map[string]error),
	}
	for _, h := range hosts {
		d.entries[h] = make(map[string]bool)
	}
	return d
}

func (d *fakeDirectory) dial(_ context.Context, host string, _ int) (gateway.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErr[host]; err != nil {
		return nil, err
	}
	return &fakeNodeConn{dir: d, host: host}, nil
}

func (d *fakeDirectory) holds(host, dn string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries[host][dn]
}

type fakeNodeConn struct {
	dir  *fakeDirectory
	host string
}

func (c *fakeNodeConn) Bind(_, _ string) error { return nil }

func (c *fakeNodeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	if req.Scope == ldap.ScopeBaseObject {
		if c.dir.entries[c.host][req.BaseDN] {
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry(req.BaseDN, map[string][]string{"objectClass": {"organizationalRole"}}),
			}}, nil
		}
		if strings.HasPrefix(req.BaseDN, "dc=") {
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry(req.BaseDN, map[string][]string{"contextCSN": c.dir.csn[c.host]}),
			}}, nil
		}
		return &ldap.SearchResult{}, nil
	}

	res := &ldap.SearchResult{}
	for i := 0; i < c.dir.count[c.host]; i++ {
		res.Entries = append(res.Entries, ldap.NewEntry(fmt.Sprintf("uid=u%d,%s", i, req.BaseDN), nil))
	}
	return res, nil
}

func (c *fakeNodeConn) Add(req *ldap.AddRequest) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	c.dir.entries[c.host][req.DN] = true
	for _, m := range c.dir.mirrors {
		c.dir.entries[m][req.DN] = true
	}
	return nil
}

func (c *fakeNodeConn) Modify(*ldap.ModifyRequest) error { return nil }

func (c *fakeNodeConn) Del(req *ldap.DelRequest) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	c.dir.dels++
	if c.dir.delErr != nil {
		return c.dir.delErr
	}
	for _, set := range c.dir.entries {
		delete(set, req.DN)
	}
	return nil
}

func (c *fakeNodeConn) SetTimeout(time.Duration) {}
func (c *fakeNodeConn) Close() error             { return nil }

type upProber struct{}

func (upProber) Reachable(context.Context, string) bool { return true }

func newTestService(t *testing.T, d *fakeDirectory) *Service {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clusters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(monitorConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	v, err := vault.Open(filepath.Join(dir, "secrets"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, v.Store("corp", "pw"))
	require.NoError(t, v.Store("solo", "pw"))

	sel := selector.New(selector.WithProber(upProber{}))
	gw := gateway.New(cfg, sel, v, gateway.Options{Dial: d.dial})
	t.Cleanup(gw.Pool().Drain)
	return New(cfg, gw)
}

func TestProbeReplicationSucceeds(t *testing.T) {
	d := newFakeDirectory("ldap1", "ldap2", "ldap3")
	d.mirrors = []string{"ldap2", "ldap3"}
	svc := newTestService(t, d)

	res, err := svc.Probe(context.Background(), "corp", 10*time.Millisecond)
	require.NoError(t, err)

	if !res.Success {
		t.Errorf("Success = false, message: %s", res.Message)
	}
	if !strings.HasPrefix(res.ProbeDN, "cn=repl-probe-") || !strings.HasSuffix(res.ProbeDN, ",dc=test") {
		t.Errorf("unexpected probe DN %q", res.ProbeDN)
	}
	for _, node := range []string{"ldap1:389", "ldap2:389", "ldap3:389"} {
		if !res.Replicated[node] {
			t.Errorf("node %s did not see the entry", node)
		}
	}
	if !res.Cleaned || res.LeakedDN != "" {
		t.Errorf("cleanup: cleaned=%v leaked=%q", res.Cleaned, res.LeakedDN)
	}
	// The disposable entry must be gone everywhere.
	for host := range d.entries {
		if d.holds(host, res.ProbeDN) {
			t.Errorf("entry still present on %s after cleanup", host)
		}
	}
}

func TestProbeMissingReplica(t *testing.T) {
	d := newFakeDirectory("ldap1", "ldap2", "ldap3")
	d.mirrors = []string{"ldap2"} // ldap3 never receives the write
	svc := newTestService(t, d)

	res, err := svc.Probe(context.Background(), "corp", 10*time.Millisecond)
	require.NoError(t, err)

	if res.Success {
		t.Error("Success = true with a replica missing the entry")
	}
	if !strings.Contains(res.Message, "ldap3:389") {
		t.Errorf("message %q does not name the lagging node", res.Message)
	}
	if !res.Replicated["ldap1:389"] || !res.Replicated["ldap2:389"] || res.Replicated["ldap3:389"] {
		t.Errorf("replicated = %v", res.Replicated)
	}
	if !res.Cleaned {
		t.Error("entry not cleaned up after a failed verdict")
	}
}

func TestProbeSingleNodeCluster(t *testing.T) {
	d := newFakeDirectory("ldap.solo")
	svc := newTestService(t, d)

	res, err := svc.Probe(context.Background(), "solo", 10*time.Millisecond)
	require.NoError(t, err)

	if res.Success {
		t.Error("Success = true for a cluster with no replicas")
	}
	if res.Message == "" {
		t.Error("missing explanation for the single-node verdict")
	}
	if res.ProbeDN != "" {
		t.Errorf("probe DN %q written despite having no replicas", res.ProbeDN)
	}
	if len(d.entries["ldap.solo"]) != 0 {
		t.Error("entry written to a single-node cluster")
	}
}

func TestProbeCleanupFailureLeaksDN(t *testing.T) {
	d := newFakeDirectory("ldap1", "ldap2", "ldap3")
	d.mirrors = []string{"ldap2", "ldap3"}
	d.delErr = errors.New("server unwilling to perform")
	svc := newTestService(t, d)

	res, err := svc.Probe(context.Background(), "corp", 10*time.Millisecond)
	require.NoError(t, err)

	if !res.Success {
		t.Error("replication verdict must not depend on cleanup")
	}
	if res.Cleaned {
		t.Error("Cleaned = true despite delete failures")
	}
	if res.LeakedDN != res.ProbeDN {
		t.Errorf("leaked DN %q, want %q", res.LeakedDN, res.ProbeDN)
	}
	// Delete is retried once before giving up.
	if d.dels != 2 {
		t.Errorf("delete attempts = %d, want 2", d.dels)
	}
}

func TestProbeUnknownCluster(t *testing.T) {
	svc := newTestService(t, newFakeDirectory("ldap1", "ldap2", "ldap3"))
	_, err := svc.Probe(context.Background(), "nope", 0)
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("Probe() error = %v, want not_found", err)
	}
}

func TestSnapshotInSync(t *testing.T) {
	d := newFakeDirectory("ldap1", "ldap2", "ldap3")
	d.csn["ldap1"] = []string{"20260824120000.000000Z#000000#001#000000"}
	d.csn["ldap2"] = []string{"20260824120000.500000Z#000000#002#000000"}
	d.csn["ldap3"] = []string{"20260824120000.900000Z#000000#003#000000"}
	d.count["ldap1"] = 12
	d.count["ldap2"] = 12
	d.count["ldap3"] = 12
	svc := newTestService(t, d)

	snap, err := svc.Snapshot(context.Background(), "corp")
	require.NoError(t, err)

	if !snap.InSync {
		t.Error("InSync = false for agreeing nodes")
	}
	require.Len(t, snap.Nodes, 3)
	for _, st := range snap.Nodes {
		if !st.Reachable {
			t.Errorf("node %s unreachable", st.Name)
		}
		if st.Entries != 12 {
			t.Errorf("node %s entries = %d, want 12", st.Name, st.Entries)
		}
		if st.ContextCSN == "" || st.SyncAgeSeconds == nil {
			t.Errorf("node %s missing CSN detail", st.Name)
		}
	}
}

func TestSnapshotLaggingReplica(t *testing.T) {
	d := newFakeDirectory("ldap1", "ldap2", "ldap3")
	d.csn["ldap1"] = []string{"20260824120000.000000Z#000000#001#000000"}
	d.csn["ldap2"] = []string{"20260824120000.000000Z#000000#002#000000"}
	d.csn["ldap3"] = []string{"20260824115930.000000Z#000000#003#000000"}
	svc := newTestService(t, d)

	snap, err := svc.Snapshot(context.Background(), "corp")
	require.NoError(t, err)
	if snap.InSync {
		t.Error("InSync = true with a replica 30s behind")
	}
}

func TestSnapshotUnreachableNode(t *testing.T) {
	d := newFakeDirectory("ldap1", "ldap2", "ldap3")
	d.csn["ldap1"] = []string{"20260824120000.000000Z#000000#001#000000"}
	d.csn["ldap2"] = []string{"20260824120000.000000Z#000000#002#000000"}
	d.dialErr["ldap3"] = errors.New("connection refused")
	svc := newTestService(t, d)

	snap, err := svc.Snapshot(context.Background(), "corp")
	require.NoError(t, err)

	var down *NodeStatus
	for i := range snap.Nodes {
		if snap.Nodes[i].Host == "ldap3" {
			down = &snap.Nodes[i]
		}
	}
	require.NotNil(t, down)
	if down.Reachable || down.Error == "" {
		t.Errorf("down node status = %+v", *down)
	}
	// The dead node has no vote; the survivors agree.
	if !snap.InSync {
		t.Error("InSync = false because of an unreachable node")
	}
}
