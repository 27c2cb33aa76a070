package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/errs"
)

func (s *Server) handleMonitorNodes(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.mon.Snapshot(r.Context(), cluster)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMonitorTopology(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	nodes, err := s.mon.Topology(r.Context(), cluster)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster": cluster, "nodes": nodes})
}

func (s *Server) handleMonitorProbe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cluster     string `json:"cluster"`
		WaitSeconds int    `json:"wait_seconds,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Cluster == "" {
		writeError(w, r, errs.New(errs.KindBadRequest, "cluster is required"))
		return
	}

	res, err := s.mon.Probe(r.Context(), req.Cluster, time.Duration(req.WaitSeconds)*time.Second)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeError(w, r, errs.New(errs.KindUnavailable, "audit trail is disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.trail.Recent(limit)
	if err != nil {
		writeError(w, r, errs.Wrap(errs.KindInternal, "failed to read audit trail", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
