// Package controllerapi implements the central controller's HTTP API:
// heartbeat ingest, fleet client and workload listing, proxied device
// commands, and deployment lifecycle endpoints. Structured the same way
// as internal/remotecontrol: a listener + http.Server pair, gorilla/mux
// routing, and the same writeJSON/writeError response shaping, so the
// two HTTP surfaces in this system read as one family.
package controllerapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/mclarkelauer/mastercontrol/internal/auth"
	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/fleeterrors"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// Store is the subset of fleetstore.Store the API reads and writes.
type Store interface {
	UpsertFromHeartbeat(payload types.HeartbeatPayload, host string, apiPort int) error
	GetClient(name string) (types.ClientOverview, error)
	ListClients() ([]types.ClientOverview, error)
	ListClientWorkloads(clientName string) ([]types.WorkloadInfo, error)
	GetClientWorkload(clientName, workloadName string) (types.WorkloadInfo, error)
	GetDeployment(id string) (*types.DeploymentRecord, error)
	ListDeployments(limit int) ([]*types.DeploymentRecord, error)
}

// FleetClientFactory resolves a device proxy client for a ClientOverview.
type FleetClientFactory func(types.ClientOverview) ProxyClient

// ProxyClient is the subset of fleetclient.Client the proxy routes use.
type ProxyClient interface {
	Start(ctx context.Context, clientName, workload string) (map[string]interface{}, error)
	Stop(ctx context.Context, clientName, workload string) (map[string]interface{}, error)
	Restart(ctx context.Context, clientName, workload string) (map[string]interface{}, error)
	Logs(ctx context.Context, clientName, workload string, lines int) (map[string]interface{}, error)
	Reload(ctx context.Context, clientName string) (map[string]interface{}, error)
}

// Deployer is the subset of deployer.Deployer the API drives.
type Deployer interface {
	Start(req types.DeployRequest) (*types.DeploymentRecord, error)
	Cancel(id string) bool
}

// MetricsHandler is the subset of metrics.Collector exposed at /metrics.
type MetricsHandler interface {
	Handler() http.Handler
}

// Server is the controller's central HTTP API.
type Server struct {
	addr          string
	store         Store
	resolveClient FleetClientFactory
	deployer      Deployer
	logger        *events.EventLogger
	auth          *auth.Middleware
	metrics       MetricsHandler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	running  bool
}

// New returns a Server that will listen on addr once Start is called.
func New(addr string, store Store, resolveClient FleetClientFactory, dep Deployer, authConfig *auth.Config, metrics MetricsHandler, logger *events.EventLogger) *Server {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Server{
		addr:          addr,
		store:         store,
		resolveClient: resolveClient,
		deployer:      dep,
		logger:        logger,
		auth:          auth.NewMiddleware(authConfig),
		metrics:       metrics,
	}
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/fleet/clients", s.handleListClients).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/clients/{client}", s.handleGetClient).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/clients/{client}/workloads", s.handleListClientWorkloads).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/clients/{client}/workloads/{workload}", s.handleGetClientWorkload).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/clients/{client}/workloads/{workload}/start", s.proxyControl("start")).Methods(http.MethodPost)
	r.HandleFunc("/api/fleet/clients/{client}/workloads/{workload}/stop", s.proxyControl("stop")).Methods(http.MethodPost)
	r.HandleFunc("/api/fleet/clients/{client}/workloads/{workload}/restart", s.proxyControl("restart")).Methods(http.MethodPost)
	r.HandleFunc("/api/fleet/clients/{client}/workloads/{workload}/logs", s.handleProxyLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/clients/{client}/reload", s.handleProxyReload).Methods(http.MethodPost)
	r.HandleFunc("/api/fleet/deployments", s.handleCreateDeployment).Methods(http.MethodPost)
	r.HandleFunc("/api/fleet/deployments", s.handleListDeployments).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/deployments/{id}", s.handleGetDeployment).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/deployments/{id}/cancel", s.handleCancelDeployment).Methods(http.MethodPost)
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
		return fmt.Errorf("controllerapi: already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("controllerapi: listening on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      70 * time.Second,
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

// Addr returns the bound listener's address.
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
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var payload types.HeartbeatPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeHTTPError(w, fleeterrors.NewBadRequest(err.Error()))
		return
	}
	if payload.ClientName == "" {
		writeHTTPError(w, fleeterrors.NewBadRequest("client_name is required"))
		return
	}

	host, port := "", 0
	if existing, err := s.store.GetClient(payload.ClientName); err == nil {
		host, port = existing.Host, existing.APIPort
	}
	if err := s.store.UpsertFromHeartbeat(payload, host, port); err != nil {
		writeHTTPError(w, fleeterrors.NewInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients()
	if err != nil {
		writeHTTPError(w, fleeterrors.NewInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["client"]
	client, err := s.store.GetClient(name)
	if err != nil {
		writeHTTPError(w, fleeterrors.NewNotFound("client "+name))
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) handleListClientWorkloads(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["client"]
	workloads, err := s.store.ListClientWorkloads(name)
	if err != nil {
		writeHTTPError(w, fleeterrors.NewInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, workloads)
}

func (s *Server) handleGetClientWorkload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	w2, err := s.store.GetClientWorkload(vars["client"], vars["workload"])
	if err != nil {
		writeHTTPError(w, fleeterrors.NewNotFound(fmt.Sprintf("workload %s on %s", vars["workload"], vars["client"])))
		return
	}
	writeJSON(w, http.StatusOK, w2)
}

func (s *Server) proxyControl(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		client, httpErr := s.resolveDevice(vars["client"])
		if httpErr != nil {
			writeHTTPError(w, httpErr)
			return
		}
		pc := s.resolveClient(client)

		var (
			out map[string]interface{}
			err error
		)
		switch verb {
		case "start":
			out, err = pc.Start(r.Context(), client.Name, vars["workload"])
		case "stop":
			out, err = pc.Stop(r.Context(), client.Name, vars["workload"])
		case "restart":
			out, err = pc.Restart(r.Context(), client.Name, vars["workload"])
		}
		if err != nil {
			writeHTTPError(w, asHTTPError(err))
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleProxyLogs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	client, httpErr := s.resolveDevice(vars["client"])
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
	pc := s.resolveClient(client)
	out, err := pc.Logs(r.Context(), client.Name, vars["workload"], lines)
	if err != nil {
		writeHTTPError(w, asHTTPError(err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProxyReload(w http.ResponseWriter, r *http.Request) {
	client, httpErr := s.resolveDevice(mux.Vars(r)["client"])
	if httpErr != nil {
		writeHTTPError(w, httpErr)
		return
	}
	pc := s.resolveClient(client)
	out, err := pc.Reload(r.Context(), client.Name)
	if err != nil {
		writeHTTPError(w, asHTTPError(err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeHTTPError(w, fleeterrors.NewBadRequest(err.Error()))
		return
	}
	record, err := s.deployer.Start(req)
	if err != nil {
		writeHTTPError(w, asHTTPError(err))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.store.ListDeployments(limit)
	if err != nil {
		writeHTTPError(w, fleeterrors.NewInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := s.store.GetDeployment(id)
	if err != nil {
		writeHTTPError(w, fleeterrors.NewNotFound("deployment "+id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deployer.Cancel(id) {
		writeHTTPError(w, fleeterrors.NewNotFound("active deployment "+id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) resolveDevice(name string) (types.ClientOverview, *fleeterrors.HttpError) {
	client, err := s.store.GetClient(name)
	if err != nil {
		return types.ClientOverview{}, fleeterrors.NewNotFound("client " + name)
	}
	return client, nil
}

// asHTTPError passes an already-typed HttpError through (fleetclient
// returns these) and wraps anything else as 500.
func asHTTPError(err error) *fleeterrors.HttpError {
	if httpErr, ok := err.(*fleeterrors.HttpError); ok {
		return httpErr
	}
	return fleeterrors.NewInternal(err)
}
