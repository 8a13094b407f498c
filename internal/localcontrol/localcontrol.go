// Package localcontrol is the daemon's local control endpoint: a Unix
// stream socket, reachable only to callers who can open the rendezvous
// path, accepting one-shot JSON requests of the shape
// {"command": <str>, ...args} and replying {"status": "ok"|"error", ...}
// before closing the connection. A github.com/gofrs/flock advisory lock
// taken alongside the socket guards against a second daemon binding the
// same rendezvous path out from under a running one.
package localcontrol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mclarkelauer/mastercontrol/internal/daemonerrors"
	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/orchestrator"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/supervisor"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// ConfigLoader re-reads the configured workload directory (and/or
// daemon.yaml) from disk, returning the spec set reload-configs should
// diff against the live registry.
type ConfigLoader func() ([]types.WorkloadSpec, error)

// Reloader is the subset of orchestrator.Orchestrator the server drives
// for reload-configs.
type Reloader interface {
	Reload(ctx context.Context, newSpecs []types.WorkloadSpec) (orchestrator.ReloadReport, error)
}

// request is the wire shape of a LocalControlServer request.
type request struct {
	Command string `json:"command"`
	Name    string `json:"name,omitempty"`
	Lines   int    `json:"lines,omitempty"`
}

// Server is the LocalControlServer: a Unix domain socket endpoint
// serving one request per connection.
type Server struct {
	socketPath string
	lockPath   string
	registry   *registry.Registry
	reloader   Reloader
	loadSpecs  ConfigLoader
	shutdown   func()
	graceS     float64
	logger     *events.EventLogger

	mu       sync.Mutex
	listener net.Listener
	lock     *flock.Flock
	stopCh   chan struct{}
	stopped  chan struct{}
	running  bool
}

// New returns a Server bound to socketPath once Start is called. shutdown
// is invoked (not blocked on) when a "shutdown" command is received; the
// caller is expected to tear down the rest of the daemon and exit.
func New(socketPath string, reg *registry.Registry, reloader Reloader, loadSpecs ConfigLoader, shutdown func(), graceS float64, logger *events.EventLogger) *Server {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Server{
		socketPath: socketPath,
		lockPath:   socketPath + ".lock",
		registry:   reg,
		reloader:   reloader,
		loadSpecs:  loadSpecs,
		shutdown:   shutdown,
		graceS:     graceS,
		logger:     logger,
	}
}

// Start acquires the single-instance lock, binds the socket, and begins
// accepting connections in the background. Returns an error if another
// instance already holds the lock.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	lock := flock.New(s.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("localcontrol: acquiring lock %s: %w", s.lockPath, err)
	}
	if !locked {
		return fmt.Errorf("localcontrol: another daemon already holds %s", s.lockPath)
	}

	_ = os.Remove(s.socketPath)
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		_ = lock.Unlock()
		return fmt.Errorf("localcontrol: listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		_ = lock.Unlock()
		return fmt.Errorf("localcontrol: setting permissions on %s: %w", s.socketPath, err)
	}

	s.lock = lock
	s.listener = listener
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true
	go s.acceptLoop(listener, s.stopCh, s.stopped)
	return nil
}

// Stop closes the listener, releases the lock, and removes the socket
// file. Safe to call even if Start was never called or already failed.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	listener := s.listener
	lock := s.lock
	stopCh := s.stopCh
	stopped := s.stopped
	s.mu.Unlock()

	close(stopCh)
	if listener != nil {
		_ = listener.Close()
	}
	<-stopped
	if lock != nil {
		_ = lock.Unlock()
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(listener net.Listener, stopCh, stopped chan struct{}) {
	defer close(stopped)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(conn)
	var req request
	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		ipcErr := &daemonerrors.IpcError{Message: fmt.Sprintf("malformed request: %v", err)}
		s.logger.IpcRequestFailed("", ipcErr.Error())
		writeResponse(conn, errorResponse(ipcErr))
		return
	}

	resp, err := s.dispatch(&req)
	if err != nil {
		s.logger.IpcRequestFailed(req.Command, err.Error())
		writeResponse(conn, errorResponse(err))
		return
	}
	writeResponse(conn, resp)
}

func (s *Server) dispatch(req *request) (map[string]interface{}, error) {
	switch req.Command {
	case "list":
		return s.cmdList()
	case "status":
		return s.cmdStatus(req.Name)
	case "start":
		return s.cmdStart(req.Name)
	case "stop":
		return s.cmdStop(req.Name)
	case "restart":
		return s.cmdRestart(req.Name)
	case "logs":
		return s.cmdLogs(req.Name, req.Lines)
	case "reload-configs":
		return s.cmdReloadConfigs()
	case "shutdown":
		return s.cmdShutdown()
	default:
		return nil, &daemonerrors.IpcError{Message: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (s *Server) cmdList() (map[string]interface{}, error) {
	snaps := s.registry.List()
	out := make([]types.WorkloadInfo, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.WorkloadInfo())
	}
	return map[string]interface{}{"workloads": out}, nil
}

func (s *Server) cmdStatus(name string) (map[string]interface{}, error) {
	if name == "" {
		return nil, &daemonerrors.IpcError{Message: "status requires a name"}
	}
	entry, err := s.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("workload %q not found", name)
	}
	return map[string]interface{}{
		"spec":  entry.Supervisor.Spec(),
		"state": entry.Supervisor.Status(),
	}, nil
}

func (s *Server) cmdStart(name string) (map[string]interface{}, error) {
	sup, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		return map[string]interface{}{"success": false, "message": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "message": "started"}, nil
}

func (s *Server) cmdStop(name string) (map[string]interface{}, error) {
	sup, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	grace := time.Duration(s.graceS * float64(time.Second))
	if err := sup.Stop(grace); err != nil {
		return map[string]interface{}{"success": false, "message": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "message": "stopped"}, nil
}

func (s *Server) cmdRestart(name string) (map[string]interface{}, error) {
	sup, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	grace := time.Duration(s.graceS * float64(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Restart(ctx, grace); err != nil {
		return map[string]interface{}{"success": false, "message": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "message": "restarted"}, nil
}

func (s *Server) cmdLogs(name string, lines int) (map[string]interface{}, error) {
	sup, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = 100
	}
	if lines > 10000 {
		lines = 10000
	}
	return map[string]interface{}{"name": name, "lines": sup.Logs(lines)}, nil
}

func (s *Server) cmdReloadConfigs() (map[string]interface{}, error) {
	specs, err := s.loadSpecs()
	if err != nil {
		return map[string]interface{}{"success": false, "message": err.Error()}, nil
	}
	report, err := s.reloader.Reload(context.Background(), specs)
	if err != nil {
		return map[string]interface{}{"success": false, "message": err.Error()}, nil
	}
	return map[string]interface{}{
		"success": true,
		"changes": map[string]interface{}{
			"added":     report.Added,
			"removed":   report.Removed,
			"restarted": report.Restarted,
			"unchanged": report.Unchanged,
		},
	}, nil
}

func (s *Server) cmdShutdown() (map[string]interface{}, error) {
	if s.shutdown != nil {
		go s.shutdown()
	}
	return map[string]interface{}{"success": true, "message": "shutdown initiated"}, nil
}

func (s *Server) lookup(name string) (*supervisor.Supervisor, error) {
	if name == "" {
		return nil, &daemonerrors.IpcError{Message: "command requires a name"}
	}
	entry, err := s.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("workload %q not found", name)
	}
	sup, ok := entry.Supervisor.(*supervisor.Supervisor)
	if !ok {
		return nil, &daemonerrors.IpcError{Message: fmt.Sprintf("workload %q has no controllable supervisor", name)}
	}
	return sup, nil
}

func errorResponse(err error) map[string]interface{} {
	return map[string]interface{}{"status": "error", "error": err.Error()}
}

func writeResponse(conn net.Conn, body map[string]interface{}) {
	if _, ok := body["status"]; !ok {
		body["status"] = "ok"
	}
	_ = json.NewEncoder(conn).Encode(body)
}
