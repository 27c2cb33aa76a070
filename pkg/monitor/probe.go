package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/log"
)

// DefaultProbeWait is how long a replication probe waits for the test
// entry to propagate before reading the replicas.
const DefaultProbeWait = 5 * time.Second

// ProbeResult reports an end-to-end replication test. Success means
// every replica (the write master excluded) served the probe entry.
type ProbeResult struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	ProbeDN    string          `json:"probe_dn,omitempty"`
	WaitMS     int64           `json:"wait_ms"`
	Replicated map[string]bool `json:"replicated,omitempty"` // node label -> seen
	Cleaned    bool            `json:"cleaned"`
	LeakedDN   string          `json:"leaked_dn,omitempty"`
}

// Probe writes a disposable entry to the cluster's write master, waits
// for propagation, then checks each node for it and deletes it. A failed
// cleanup leaves the probe DN in the result so an operator can remove it
// by hand.
func (s *Service) Probe(ctx context.Context, clusterName string, wait time.Duration) (ProbeResult, error) {
	cluster, ok := s.cfg.Cluster(clusterName)
	if !ok {
		return ProbeResult{}, errs.Newf(errs.KindNotFound, "cluster %q not found", clusterName)
	}
	if cluster.ReadOnly {
		return ProbeResult{}, errs.Newf(errs.KindForbidden, "cluster %q is read-only", clusterName)
	}
	if wait <= 0 {
		wait = DefaultProbeWait
	}

	nodes := cluster.AllNodes()
	if len(nodes) < 2 {
		return ProbeResult{
			Message: "cluster has a single node; there are no replicas to verify",
		}, nil
	}

	probeDN := fmt.Sprintf("cn=repl-probe-%s,%s", uuid.NewString(), cluster.BaseDN)
	res := ProbeResult{
		ProbeDN:    probeDN,
		WaitMS:     wait.Milliseconds(),
		Replicated: make(map[string]bool),
	}

	err := s.gw.Add(ctx, cluster, probeDN, map[string][]string{
		"objectClass": {"organizationalRole"},
		"description": {"replication probe, safe to delete"},
	})
	if err != nil {
		return ProbeResult{}, err
	}
	log.WithCluster(clusterName).Info().Str("dn", probeDN).Msg("Replication probe written")

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		s.cleanupProbe(ctx, clusterName, probeDN, &res)
		return res, errs.Wrap(errs.KindTimeout, "replication probe interrupted", ctx.Err())
	}

	var missing []string
	for i, node := range nodes {
		seen := false
		conn, err := s.gw.ConnectNode(ctx, cluster, node, "", "")
		if err == nil {
			_, rerr := s.gw.ReadEntryOn(conn, probeDN, []string{"cn"})
			seen = rerr == nil
			conn.Close()
		}
		res.Replicated[node.Label()] = seen
		// The master served the write; only replicas count toward
		// the verdict.
		if i > 0 && !seen {
			missing = append(missing, node.Label())
		}
	}

	if len(missing) == 0 {
		res.Success = true
		res.Message = fmt.Sprintf("entry replicated to all %d replicas within %s", len(nodes)-1, wait)
	} else {
		res.Message = "entry not seen on: " + strings.Join(missing, ", ")
	}

	s.cleanupProbe(ctx, clusterName, probeDN, &res)
	return res, nil
}

// cleanupProbe deletes the probe entry, retrying once. On failure the DN
// is reported as leaked rather than failing the probe.
func (s *Service) cleanupProbe(ctx context.Context, clusterName, probeDN string, res *ProbeResult) {
	cluster, ok := s.cfg.Cluster(clusterName)
	if !ok {
		return
	}
	err := s.gw.Delete(ctx, cluster, probeDN)
	if err != nil {
		err = s.gw.Delete(ctx, cluster, probeDN)
	}
	if err != nil {
		res.LeakedDN = probeDN
		log.WithCluster(clusterName).Warn().
			Str("dn", probeDN).
			Err(err).
			Msg("Replication probe entry could not be cleaned up")
		return
	}
	res.Cleaned = true
}
