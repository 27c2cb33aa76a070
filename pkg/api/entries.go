package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cuemby/burrow/pkg/directory"
	"github.com/cuemby/burrow/pkg/errs"
)

// attrMap accepts attribute values as either a string or a list of
// strings, the two shapes JSON clients actually send.
type attrMap map[string][]string

func (m *attrMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(map[string][]string, len(raw))
	for k, v := range raw {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[k] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err == nil {
			out[k] = many
			continue
		}
		return fmt.Errorf("attribute %q must be a string or a list of strings", k)
	}
	*m = out
	return nil
}

func queryCluster(r *http.Request) (string, error) {
	name := r.URL.Query().Get("cluster")
	if name == "" {
		return "", errs.New(errs.KindBadRequest, "cluster query parameter is required")
	}
	return name, nil
}

func (s *Server) handleEntryStats(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.dir.ClusterStats(r.Context(), cluster)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEntrySearch(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	res, err := s.dir.List(r.Context(), directory.ListParams{
		Cluster:        cluster,
		View:           q.Get("filter_type"),
		Query:          q.Get("search"),
		Page:           page,
		PageSize:       pageSize,
		ConsistentRead: q.Get("consistent") == "true",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEntryGet(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dn := r.URL.Query().Get("dn")
	if dn == "" {
		writeError(w, r, errs.New(errs.KindBadRequest, "dn query parameter is required"))
		return
	}
	entry, err := s.dir.Entry(r.Context(), cluster, dn, r.URL.Query().Get("consistent") == "true")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEntryCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cluster    string  `json:"cluster"`
		DN         string  `json:"dn,omitempty"`
		Attributes attrMap `json:"attributes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	dn, err := s.dir.Create(r.Context(), directory.CreateRequest{
		Cluster:    req.Cluster,
		DN:         req.DN,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "dn": dn})
}

func (s *Server) handleEntryUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cluster    string  `json:"cluster"`
		DN         string  `json:"dn"`
		Attributes attrMap `json:"attributes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DN == "" {
		writeError(w, r, errs.New(errs.KindBadRequest, "dn is required"))
		return
	}

	if err := s.dir.Update(r.Context(), req.Cluster, req.DN, req.Attributes); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "dn": req.DN})
}

// handleEntryDelete identifies the target through query parameters, not
// a body: DELETE /entries/delete?cluster=...&dn=...
func (s *Server) handleEntryDelete(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dn := r.URL.Query().Get("dn")
	if dn == "" {
		writeError(w, r, errs.New(errs.KindBadRequest, "dn query parameter is required"))
		return
	}

	if err := s.dir.Delete(r.Context(), cluster, dn); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "dn": dn})
}

func (s *Server) handleGroupsAll(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	groups, err := s.dir.ListGroups(r.Context(), cluster)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleUserGroupsGet(w http.ResponseWriter, r *http.Request) {
	cluster, err := queryCluster(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dn := r.URL.Query().Get("dn")
	if dn == "" {
		writeError(w, r, errs.New(errs.KindBadRequest, "dn query parameter is required"))
		return
	}
	groups, err := s.dir.UserGroups(r.Context(), cluster, dn, r.URL.Query().Get("consistent") == "true")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// handleUserGroupsSet applies a membership diff. Per-group failures do
// not fail the request: a partial outcome is a 200 with status
// "partial" and the failures listed.
func (s *Server) handleUserGroupsSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cluster string   `json:"cluster"`
		UserDN  string   `json:"user_dn"`
		Add     []string `json:"add,omitempty"`
		Remove  []string `json:"remove,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserDN == "" {
		writeError(w, r, errs.New(errs.KindBadRequest, "user_dn is required"))
		return
	}

	res, err := s.dir.SetUserGroups(r.Context(), req.Cluster, req.UserDN, req.Add, req.Remove)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
