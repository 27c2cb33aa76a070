package api

import (
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
)

// clusterInfo is the public shape of a cluster: bind identity included,
// credentials never.
type clusterInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Nodes       []config.Node `json:"nodes"`
	BaseDN      string        `json:"base_dn"`
	BindDN      string        `json:"bind_dn"`
	ReadOnly    bool          `json:"readonly"`
	Connected   bool          `json:"connected"`
}

func (s *Server) clusterOr404(w http.ResponseWriter, r *http.Request) (config.Cluster, bool) {
	name := r.PathValue("name")
	cluster, ok := s.cfg.Cluster(name)
	if !ok {
		writeError(w, r, errs.Newf(errs.KindNotFound, "cluster %q not found", name))
		return config.Cluster{}, false
	}
	return cluster, true
}

func (s *Server) handleClusterList(w http.ResponseWriter, r *http.Request) {
	clusters := s.cfg.Clusters()
	out := make([]clusterInfo, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, clusterInfo{
			Name:        c.Name,
			Description: c.Description,
			Nodes:       c.AllNodes(),
			BaseDN:      c.BaseDN,
			BindDN:      c.BindDN,
			ReadOnly:    c.ReadOnly,
			Connected:   s.vault.Present(c.Name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": out})
}

// handleClusterHealth is a cheap TCP-level reachability view, as opposed
// to the authenticated snapshot under /monitoring/nodes.
func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	cluster, ok := s.clusterOr404(w, r)
	if !ok {
		return
	}

	type nodeHealth struct {
		Name      string `json:"name"`
		Addr      string `json:"addr"`
		Reachable bool   `json:"reachable"`
	}
	nodes := cluster.AllNodes()
	out := make([]nodeHealth, 0, len(nodes))
	healthy := 0
	for _, n := range nodes {
		up := s.prober.Reachable(r.Context(), n.Addr())
		if up {
			healthy++
		}
		out = append(out, nodeHealth{Name: n.Label(), Addr: n.Addr(), Reachable: up})
	}

	status := "down"
	switch {
	case healthy == len(nodes):
		status = "healthy"
	case healthy > 0:
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster": cluster.Name,
		"status":  status,
		"nodes":   out,
	})
}

func (s *Server) handleClusterForm(w http.ResponseWriter, r *http.Request) {
	cluster, ok := s.clusterOr404(w, r)
	if !ok {
		return
	}
	form := cluster.UserCreationForm
	if form == nil {
		form = &config.Form{Fields: []config.FormField{}}
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleClusterColumns(w http.ResponseWriter, r *http.Request) {
	cluster, ok := s.clusterOr404(w, r)
	if !ok {
		return
	}
	cols := cluster.TableColumns
	if cols == nil {
		cols = map[string][]config.TableColumn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"table_columns": cols})
}

func (s *Server) handleClusterPasswordPolicy(w http.ResponseWriter, r *http.Request) {
	cluster, ok := s.clusterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cluster.Policy())
}

// handleConnect validates the bind password against the cluster and
// caches it encrypted. The password exists only in the request body and
// the vault ciphertext.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cluster      string `json:"cluster"`
		BindPassword string `json:"bind_password"`
		TTLSeconds   int64  `json:"ttl_seconds,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Cluster == "" || req.BindPassword == "" {
		writeError(w, r, errs.New(errs.KindBadRequest, "cluster and bind_password are required"))
		return
	}

	cluster, ok := s.cfg.Cluster(req.Cluster)
	if !ok {
		writeError(w, r, errs.Newf(errs.KindNotFound, "cluster %q not found", req.Cluster))
		return
	}

	if err := s.gw.BindTest(r.Context(), cluster.Name, cluster.BindDN, req.BindPassword); err != nil {
		writeError(w, r, err)
		return
	}

	var err error
	if req.TTLSeconds > 0 {
		err = s.vault.StoreTTL(cluster.Name, req.BindPassword, time.Duration(req.TTLSeconds)*time.Second)
	} else {
		err = s.vault.Store(cluster.Name, req.BindPassword)
	}
	if err != nil {
		writeError(w, r, errs.Wrap(errs.KindInternal, "failed to cache credential", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "connected", "cluster": cluster.Name})
}

func (s *Server) handlePasswordCheck(w http.ResponseWriter, r *http.Request) {
	cluster, ok := s.clusterOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster": cluster.Name,
		"cached":  s.vault.Present(cluster.Name),
	})
}

func (s *Server) handlePasswordClear(w http.ResponseWriter, r *http.Request) {
	cluster, ok := s.clusterOr404(w, r)
	if !ok {
		return
	}
	if err := s.vault.Clear(cluster.Name); err != nil {
		writeError(w, r, errs.Wrap(errs.KindInternal, "failed to clear credential", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "cluster": cluster.Name})
}
