package monitor

import (
	"context"
	"strings"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/log"
)

// SyncRepl is one replication consumer declared on a node.
type SyncRepl struct {
	RID      string `json:"rid"`
	Provider string `json:"provider"`
}

// TopologyNode is one node's replication configuration as read from
// cn=config.
type TopologyNode struct {
	Name     string     `json:"name"`
	Host     string     `json:"host"`
	Port     int        `json:"port"`
	ServerID string     `json:"server_id,omitempty"`
	SyncRepl []SyncRepl `json:"syncrepl,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Topology reads each node's cn=config to map the declared replication
// mesh: server IDs and syncrepl consumer definitions. Nodes that refuse
// the config read are reported with their error, not dropped.
func (s *Service) Topology(ctx context.Context, clusterName string) ([]TopologyNode, error) {
	cluster, ok := s.cfg.Cluster(clusterName)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "cluster %q not found", clusterName)
	}

	nodes := cluster.AllNodes()
	out := make([]TopologyNode, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, s.nodeTopology(ctx, cluster, node))
	}
	return out, nil
}

func (s *Service) nodeTopology(ctx context.Context, cluster config.Cluster, node config.Node) TopologyNode {
	tn := TopologyNode{Name: node.Label(), Host: node.Host, Port: node.Port}

	conn, err := s.gw.ConnectNode(ctx, cluster, node, "", "")
	if err != nil {
		tn.Error = errs.MessageOf(err)
		return tn
	}
	defer conn.Close()

	entries, err := s.gw.SearchOn(conn, "cn=config", "(objectClass=*)",
		[]string{"olcServerID", "olcSyncrepl"})
	if err != nil {
		tn.Error = errs.MessageOf(err)
		log.WithCluster(cluster.Name).Debug().
			Str("node", node.Addr()).
			Err(err).
			Msg("cn=config not readable")
		return tn
	}

	for _, e := range entries {
		if v := firstValue(e.Attributes["olcServerID"]); v != "" && tn.ServerID == "" {
			// olcServerID may be "1" or "1 ldap://host"; keep the ID.
			tn.ServerID, _, _ = strings.Cut(v, " ")
		}
		for _, raw := range e.Attributes["olcSyncrepl"] {
			if sr, ok := parseSyncRepl(raw); ok {
				tn.SyncRepl = append(tn.SyncRepl, sr)
			}
		}
	}
	return tn
}

// parseSyncRepl pulls rid= and provider= out of an olcSyncrepl value.
// The value is a loosely quoted key=value soup; only those two keys
// matter here.
func parseSyncRepl(raw string) (SyncRepl, bool) {
	var sr SyncRepl
	for _, tok := range strings.Fields(raw) {
		switch {
		case strings.HasPrefix(tok, "rid="):
			sr.RID = strings.TrimPrefix(tok, "rid=")
		case strings.HasPrefix(tok, "provider="):
			sr.Provider = strings.Trim(strings.TrimPrefix(tok, "provider="), `"`)
		}
	}
	return sr, sr.RID != "" || sr.Provider != ""
}

func firstValue(vals []string) string {
	if len(vals) > 0 {
		return vals[0]
	}
	return ""
}
