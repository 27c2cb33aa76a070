// Package monitor watches cluster replication health: per-node status
// snapshots, contextCSN comparison, active replication probes and
// cn=config topology discovery.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// csnTimeLayout is the timestamp prefix of an OpenLDAP CSN:
// YYYYMMDDHHMMSS before the fractional part.
const csnTimeLayout = "20060102150405"

// csnAgreement is how far apart two nodes' newest CSN timestamps may be
// and still count as in sync.
const csnAgreement = time.Second

// Service answers replication health questions about clusters.
type Service struct {
	cfg *config.Store
	gw  *gateway.Gateway
}

// New builds a monitor on the shared gateway.
func New(cfg *config.Store, gw *gateway.Gateway) *Service {
	return &Service{cfg: cfg, gw: gw}
}

// NodeStatus is the health of one node as seen right now.
type NodeStatus struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Entries   int    `json:"entries"`

	ContextCSN     string `json:"context_csn,omitempty"`
	SyncAgeSeconds *int64 `json:"sync_age_seconds,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ClusterSnapshot is a point-in-time replication view of a cluster.
type ClusterSnapshot struct {
	Cluster string       `json:"cluster"`
	Nodes   []NodeStatus `json:"nodes"`
	InSync  bool         `json:"in_sync"`
}

// Snapshot connects to every node of the cluster in parallel and
// compares their newest contextCSN values. A cluster counts as in sync
// when every reachable node reporting a CSN agrees within one second;
// with at most one reporter there is nothing to disagree with.
func (s *Service) Snapshot(ctx context.Context, clusterName string) (ClusterSnapshot, error) {
	cluster, ok := s.cfg.Cluster(clusterName)
	if !ok {
		return ClusterSnapshot{}, errs.Newf(errs.KindNotFound, "cluster %q not found", clusterName)
	}

	nodes := cluster.AllNodes()
	statuses := make([]NodeStatus, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node config.Node) {
			defer wg.Done()
			statuses[i] = s.probeNode(ctx, cluster, node)
		}(i, node)
	}
	wg.Wait()

	snap := ClusterSnapshot{
		Cluster: clusterName,
		Nodes:   statuses,
		InSync:  inSync(statuses),
	}

	v := 0.0
	if snap.InSync {
		v = 1.0
	}
	metrics.ReplicationInSync.WithLabelValues(clusterName).Set(v)
	return snap, nil
}

func (s *Service) probeNode(ctx context.Context, cluster config.Cluster, node config.Node) NodeStatus {
	st := NodeStatus{Name: node.Label(), Host: node.Host, Port: node.Port}

	start := time.Now()
	conn, err := s.gw.ConnectNode(ctx, cluster, node, "", "")
	st.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		st.Error = errs.MessageOf(err)
		log.WithCluster(cluster.Name).Warn().
			Str("node", node.Addr()).
			Err(err).
			Msg("Node unreachable during snapshot")
		return st
	}
	defer conn.Close()
	st.Reachable = true

	base, err := s.gw.ReadEntryOn(conn, cluster.BaseDN, []string{"contextCSN"})
	if err == nil {
		st.ContextCSN = newestCSN(base.Attributes["contextCSN"])
		if ts, ok := parseCSNTime(st.ContextCSN); ok {
			age := int64(time.Since(ts).Seconds())
			if age < 0 {
				age = 0
			}
			st.SyncAgeSeconds = &age
		}
	}

	entries, err := s.gw.SearchOn(conn, cluster.BaseDN, "(objectClass=*)", []string{"dn"})
	if err == nil {
		st.Entries = len(entries)
	}
	return st
}

// newestCSN picks the latest of a node's contextCSN values; multi-master
// servers report one per server ID.
func newestCSN(csns []string) string {
	newest := ""
	var newestTime time.Time
	for _, csn := range csns {
		ts, ok := parseCSNTime(csn)
		if !ok {
			continue
		}
		if newest == "" || ts.After(newestTime) {
			newest, newestTime = csn, ts
		}
	}
	if newest == "" && len(csns) > 0 {
		return csns[0]
	}
	return newest
}

// parseCSNTime extracts the timestamp prefix of a CSN value.
func parseCSNTime(csn string) (time.Time, bool) {
	if csn == "" {
		return time.Time{}, false
	}
	head := csn
	if i := strings.IndexAny(head, ".#"); i >= 0 {
		head = head[:i]
	}
	if len(head) < len(csnTimeLayout) {
		return time.Time{}, false
	}
	ts, err := time.Parse(csnTimeLayout, head[:len(csnTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// inSync compares the CSN timestamps of reachable reporting nodes.
func inSync(statuses []NodeStatus) bool {
	var times []time.Time
	for _, st := range statuses {
		if !st.Reachable || st.ContextCSN == "" {
			continue
		}
		if ts, ok := parseCSNTime(st.ContextCSN); ok {
			times = append(times, ts)
		}
	}
	if len(times) <= 1 {
		return true
	}
	min, max := times[0], times[0]
	for _, t := range times[1:] {
		if t.Before(min) {
			min = t
		}
		if t.After(max) {
			max = t
		}
	}
	return max.Sub(min) <= csnAgreement
}
