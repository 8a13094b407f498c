// Package remotecontrol is the device's HTTP control surface: an HTTP
// mirror of LocalControlServer's command set, reachable over the
// network and gated by the bearer-token scheme internal/auth provides.
// A listener + http.Server pair started in a background goroutine and
// torn down with http.Server.Shutdown(ctx); gorilla/mux carries the
// {name} path parameters, and /metrics is served straight off a
// metrics.Collector.
package remotecontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/mclarkelauer/mastercontrol/internal/auth"
	"github.com/mclarkelauer/mastercontrol/internal/daemonerrors"
	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/fleeterrors"
	"github.com/mclarkelauer/mastercontrol/internal/orchestrator"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/supervisor"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// ConfigLoader re-reads the configured workload directory from disk for
// the reload endpoint to diff against.
type ConfigLoader func() ([]types.WorkloadSpec, error)

// Reloader is the subset of orchestrator.Orchestrator the server drives.
type Reloader interface {
	Reload(ctx context.Context, newSpecs []types.WorkloadSpec) (orchestrator.ReloadReport, error)
}

// MetricsHandler is the subset of metrics.Collector the server exposes
// at /metrics. Declared here to avoid an import cycle.
type MetricsHandler interface {
	Handler() http.Handler
}

// Server is the RemoteControlServer.
type Server struct {
	addr      string
	version   string
	registry  *registry.Registry
	reloader  Reloader
	loadSpecs ConfigLoader
	graceS    float64
	logger    *events.EventLogger
	auth      *auth.Middleware
	metrics   MetricsHandler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	running  bool
}

// New returns a Server that will listen on addr once Start is called.
// authConfig may be nil (or have an empty Token) to disable
// authentication entirely. metrics may be nil to omit the /metrics
// endpoint.
func New(addr, version string, reg *registry.Registry, reloader Reloader, loadSpecs ConfigLoader, graceS float64, authConfig *auth.Config, metrics MetricsHandler, logger *events.EventLogger) *Server {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Server{
		addr:      addr,
		version:   version,
		registry:  reg,
		reloader:  reloader,
		loadSpecs: loadSpecs,
		graceS:    graceS,
		logger:    logger,
		auth:      auth.NewMiddleware(authConfig),
		metrics:   metrics,
	}
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/status/{name}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/start/{name}", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/stop/{name}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/restart/{name}", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/api/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/api/logs/{name}", s.handleLogs).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return s.auth.Handler(r)
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("remotecontrol: already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("remotecontrol: listening on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	srv := s.server
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.IpcRequestFailed("serve", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound listener's address; useful in tests that bind
// to ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown gracefully stops the HTTP server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "version": s.version})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	snaps := s.registry.List()
	out := make([]types.WorkloadInfo, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.WorkloadInfo())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	entry, err := s.registry.Get(name)
	if err != nil {
		writeHTTPError(w, fleeterrors.NewNotFound("workload "+name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spec":  entry.Supervisor.Spec(),
		"state": entry.Supervisor.Status(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sup, httpErr := s.lookupSupervisor(mux.Vars(r)["name"])
	if httpErr != nil {
		writeHTTPError(w, httpErr)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sup, httpErr := s.lookupSupervisor(mux.Vars(r)["name"])
	if httpErr != nil {
		writeHTTPError(w, httpErr)
		return
	}
	grace := time.Duration(s.graceS * float64(time.Second))
	if err := sup.Stop(grace); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	sup, httpErr := s.lookupSupervisor(mux.Vars(r)["name"])
	if httpErr != nil {
		writeHTTPError(w, httpErr)
		return
	}
	grace := time.Duration(s.graceS * float64(time.Second))
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := sup.Restart(ctx, grace); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "restarted"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	specs, err := s.loadSpecs()
	if err != nil {
		writeHTTPError(w, fleeterrors.NewBadRequest(err.Error()))
		return
	}
	report, err := s.reloader.Reload(r.Context(), specs)
	if err != nil {
		writeHTTPError(w, fleeterrors.NewInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"changes": map[string]interface{}{
			"added":     report.Added,
			"removed":   report.Removed,
			"restarted": report.Restarted,
			"unchanged": report.Unchanged,
		},
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	sup, httpErr := s.lookupSupervisor(name)
	if httpErr != nil {
		writeHTTPError(w, httpErr)
		return
	}
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			writeHTTPError(w, fleeterrors.NewBadRequest("lines must be an integer in [1,10000]"))
			return
		}
		lines = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "lines": sup.Logs(lines)})
}

func (s *Server) lookupSupervisor(name string) (*supervisor.Supervisor, *fleeterrors.HttpError) {
	if name == "" {
		return nil, fleeterrors.NewBadRequest("missing workload name")
	}
	entry, err := s.registry.Get(name)
	if err != nil {
		return nil, fleeterrors.NewNotFound("workload " + name)
	}
	sup, ok := entry.Supervisor.(*supervisor.Supervisor)
	if !ok {
		return nil, fleeterrors.NewInternal(&daemonerrors.IpcError{Message: "workload has no controllable supervisor"})
	}
	return sup, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTTPError(w http.ResponseWriter, e *fleeterrors.HttpError) {
	writeJSON(w, e.StatusCode, map[string]string{"detail": e.Detail})
}
