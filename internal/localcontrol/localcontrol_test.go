package localcontrol

import (
	"context"
	"encoding/json"
	"net"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/orchestrator"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/supervisor"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

type shellExecutor struct{ script string }

func (e *shellExecutor) Build(spec types.WorkloadSpec) (*exec.Cmd, error) {
	return exec.Command("/bin/sh", "-c", e.script), nil
}

type noopStore struct{}

func (noopStore) SaveState(types.WorkloadState) error   { return nil }
func (noopStore) AppendRunRecord(types.RunRecord) error { return nil }

type stubReloader struct {
	report orchestrator.ReloadReport
	err    error
}

func (r *stubReloader) Reload(ctx context.Context, specs []types.WorkloadSpec) (orchestrator.ReloadReport, error) {
	return r.report, r.err
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "mctl.sock")

	reg := registry.New()
	spec := types.WorkloadSpec{
		Name:          "tick",
		Type:          types.WorkloadTypeScript,
		RunMode:       types.RunModeForever,
		RestartDelayS: 0.05,
	}
	sup := supervisor.NewSupervisor(spec, &shellExecutor{script: "sleep 5"}, noopStore{}, events.NoopEventLogger())
	require.NoError(t, reg.Insert(spec.Name, sup))

	reloader := &stubReloader{report: orchestrator.ReloadReport{Added: []string{"new-one"}}}
	loadSpecs := func() ([]types.WorkloadSpec, error) { return nil, nil }

	srv := New(sockPath, reg, reloader, loadSpecs, func() {}, 1.0, events.NoopEventLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, reg, sockPath
}

func roundTrip(t *testing.T, sockPath string, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(req))
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestServer_List(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	resp := roundTrip(t, sockPath, map[string]interface{}{"command": "list"})
	assert.Equal(t, "ok", resp["status"])
	workloads, ok := resp["workloads"].([]interface{})
	require.True(t, ok)
	require.Len(t, workloads, 1)
}

func TestServer_StatusUnknownWorkload(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	resp := roundTrip(t, sockPath, map[string]interface{}{"command": "status", "name": "nope"})
	assert.Equal(t, "error", resp["status"])
	assert.Contains(t, resp["error"], "not found")
}

func TestServer_StartStopRestart(t *testing.T) {
	_, reg, sockPath := newTestServer(t)

	resp := roundTrip(t, sockPath, map[string]interface{}{"command": "start", "name": "tick"})
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["success"])

	require.Eventually(t, func() bool {
		entry, err := reg.Get("tick")
		return err == nil && entry.Supervisor.Status().Status == types.StatusRunning
	}, time.Second, 10*time.Millisecond)

	resp = roundTrip(t, sockPath, map[string]interface{}{"command": "restart", "name": "tick"})
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["success"])

	resp = roundTrip(t, sockPath, map[string]interface{}{"command": "stop", "name": "tick"})
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["success"])
}

func TestServer_Logs(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	resp := roundTrip(t, sockPath, map[string]interface{}{"command": "logs", "name": "tick", "lines": 10})
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "tick", resp["name"])
}

func TestServer_ReloadConfigs(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	resp := roundTrip(t, sockPath, map[string]interface{}{"command": "reload-configs"})
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["success"])
	changes, ok := resp["changes"].(map[string]interface{})
	require.True(t, ok)
	added, ok := changes["added"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"new-one"}, added)
}

func TestServer_Shutdown(t *testing.T) {
	called := make(chan struct{}, 1)
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "mctl.sock")
	reg := registry.New()
	reloader := &stubReloader{}
	srv := New(sockPath, reg, reloader, func() ([]types.WorkloadSpec, error) { return nil, nil },
		func() { called <- struct{}{} }, 1.0, events.NoopEventLogger())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	resp := roundTrip(t, sockPath, map[string]interface{}{"command": "shutdown"})
	assert.Equal(t, "ok", resp["status"])

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was never invoked")
	}
}

func TestServer_MalformedRequest(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json"))
	require.NoError(t, err)
	conn.(*net.UnixConn).CloseWrite()

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.Equal(t, "error", resp["status"])
}

func TestServer_UnknownCommand(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	resp := roundTrip(t, sockPath, map[string]interface{}{"command": "bogus"})
	assert.Equal(t, "error", resp["status"])
	assert.Contains(t, resp["error"], "unknown command")
}

func TestServer_SecondInstanceRefusesToStart(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "mctl.sock")
	reg := registry.New()
	reloader := &stubReloader{}
	loadSpecs := func() ([]types.WorkloadSpec, error) { return nil, nil }

	first := New(sockPath, reg, reloader, loadSpecs, func() {}, 1.0, events.NoopEventLogger())
	require.NoError(t, first.Start())
	defer first.Stop()

	second := New(sockPath, reg, reloader, loadSpecs, func() {}, 1.0, events.NoopEventLogger())
	err := second.Start()
	require.Error(t, err)
}
