// Package api exposes the management surface over HTTP/JSON: cluster
// metadata, credential handling, entry CRUD, group membership and
// replication monitoring.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/audit"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/directory"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/monitor"
	"github.com/cuemby/burrow/pkg/selector"
	"github.com/cuemby/burrow/pkg/vault"
)

// Server is the HTTP API front end.
type Server struct {
	cfg    *config.Store
	vault  *vault.Vault
	gw     *gateway.Gateway
	dir    *directory.Service
	mon    *monitor.Service
	trail  *audit.Log
	prober selector.Prober

	allowedOrigins map[string]bool
	httpServer     *http.Server
}

// Options wires the server's collaborators.
type Options struct {
	Config         *config.Store
	Vault          *vault.Vault
	Gateway        *gateway.Gateway
	Directory      *directory.Service
	Monitor        *monitor.Service
	Audit          *audit.Log
	AllowedOrigins []string
}

// New assembles the server and its routes.
func New(opts Options) *Server {
	origins := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = true
	}
	return &Server{
		cfg:            opts.Config,
		vault:          opts.Vault,
		gw:             opts.Gateway,
		dir:            opts.Directory,
		mon:            opts.Monitor,
		trail:          opts.Audit,
		prober:         &selector.TCPProber{},
		allowedOrigins: origins,
	}
}

// Routes builds the request multiplexer with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /clusters/list", s.handleClusterList)
	mux.HandleFunc("GET /clusters/health/{name}", s.handleClusterHealth)
	mux.HandleFunc("GET /clusters/form/{name}", s.handleClusterForm)
	mux.HandleFunc("GET /clusters/columns/{name}", s.handleClusterColumns)
	mux.HandleFunc("GET /clusters/password-policy/{name}", s.handleClusterPasswordPolicy)

	mux.HandleFunc("POST /connection/connect", s.handleConnect)
	mux.HandleFunc("GET /password/check/{name}", s.handlePasswordCheck)
	mux.HandleFunc("DELETE /password/cache/{name}", s.handlePasswordClear)

	mux.HandleFunc("GET /entries/stats", s.handleEntryStats)
	mux.HandleFunc("GET /entries/search", s.handleEntrySearch)
	mux.HandleFunc("GET /entries/get", s.handleEntryGet)
	mux.HandleFunc("POST /entries/create", s.handleEntryCreate)
	mux.HandleFunc("PUT /entries/update", s.handleEntryUpdate)
	mux.HandleFunc("DELETE /entries/delete", s.handleEntryDelete)
	mux.HandleFunc("GET /entries/groups/all", s.handleGroupsAll)
	mux.HandleFunc("GET /entries/user/groups", s.handleUserGroupsGet)
	mux.HandleFunc("PUT /entries/user/groups", s.handleUserGroupsSet)

	mux.HandleFunc("GET /monitoring/nodes", s.handleMonitorNodes)
	mux.HandleFunc("GET /monitoring/topology", s.handleMonitorTopology)
	mux.HandleFunc("POST /monitoring/test-replication", s.handleMonitorProbe)

	mux.HandleFunc("GET /logs", s.handleLogs)

	return s.withRequestID(s.withCORS(s.withObservability(mux)))
}

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.gw.Pool().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"clusters": len(s.cfg.Clusters()),
		"pool":     stats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError renders a typed error as its HTTP status with a stable
// JSON shape. Internal detail stays in the log, not the response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	msg := errs.MessageOf(err)
	if kind == errs.KindInternal {
		log.WithComponent("api").Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("request_id", log.RequestIDFromContext(r.Context())).
			Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{
		"status": "error",
		"error":  string(kind),
		"detail": msg,
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindBadRequest, fmt.Sprintf("invalid request body: %v", err), err)
	}
	return nil
}
