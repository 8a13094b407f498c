package controllerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/fleeterrors"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

type fakeStore struct {
	clients     map[string]types.ClientOverview
	workloads   map[string][]types.WorkloadInfo
	deployments map[string]*types.DeploymentRecord
	heartbeats  []types.HeartbeatPayload
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients:     map[string]types.ClientOverview{},
		workloads:   map[string][]types.WorkloadInfo{},
		deployments: map[string]*types.DeploymentRecord{},
	}
}

func (s *fakeStore) UpsertFromHeartbeat(payload types.HeartbeatPayload, host string, apiPort int) error {
	s.heartbeats = append(s.heartbeats, payload)
	s.clients[payload.ClientName] = types.ClientOverview{Name: payload.ClientName, Host: host, APIPort: apiPort, Status: types.ClientStatusOnline}
	return nil
}

func (s *fakeStore) GetClient(name string) (types.ClientOverview, error) {
	c, ok := s.clients[name]
	if !ok {
		return types.ClientOverview{}, fmt.Errorf("not found")
	}
	return c, nil
}

func (s *fakeStore) ListClients() ([]types.ClientOverview, error) {
	var out []types.ClientOverview
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) ListClientWorkloads(clientName string) ([]types.WorkloadInfo, error) {
	return s.workloads[clientName], nil
}

func (s *fakeStore) GetClientWorkload(clientName, workloadName string) (types.WorkloadInfo, error) {
	for _, w := range s.workloads[clientName] {
		if w.Name == workloadName {
			return w, nil
		}
	}
	return types.WorkloadInfo{}, fmt.Errorf("not found")
}

func (s *fakeStore) GetDeployment(id string) (*types.DeploymentRecord, error) {
	d, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return d, nil
}

func (s *fakeStore) ListDeployments(limit int) ([]*types.DeploymentRecord, error) {
	var out []*types.DeploymentRecord
	for _, d := range s.deployments {
		out = append(out, d)
	}
	return out, nil
}

type fakeProxyClient struct {
	startErr error
}

func (f *fakeProxyClient) Start(ctx context.Context, clientName, workload string) (map[string]interface{}, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return map[string]interface{}{"success": true}, nil
}
func (f *fakeProxyClient) Stop(ctx context.Context, clientName, workload string) (map[string]interface{}, error) {
	return map[string]interface{}{"success": true}, nil
}
func (f *fakeProxyClient) Restart(ctx context.Context, clientName, workload string) (map[string]interface{}, error) {
	return map[string]interface{}{"success": true}, nil
}
func (f *fakeProxyClient) Logs(ctx context.Context, clientName, workload string, lines int) (map[string]interface{}, error) {
	return map[string]interface{}{"name": workload, "lines": []string{"a", "b"}}, nil
}
func (f *fakeProxyClient) Reload(ctx context.Context, clientName string) (map[string]interface{}, error) {
	return map[string]interface{}{"success": true}, nil
}

type fakeDeployer struct {
	record    *types.DeploymentRecord
	err       error
	cancelled []string
}

func (f *fakeDeployer) Start(req types.DeployRequest) (*types.DeploymentRecord, error) {
	return f.record, f.err
}
func (f *fakeDeployer) Cancel(id string) bool {
	f.cancelled = append(f.cancelled, id)
	return id == "known"
}

func newTestServer(t *testing.T, proxyErr error) (*Server, *fakeStore, *fakeDeployer) {
	t.Helper()
	store := newFakeStore()
	dep := &fakeDeployer{record: &types.DeploymentRecord{ID: "dep-1", Status: types.DeploymentPending}}
	srv := New("127.0.0.1:0", store, func(types.ClientOverview) ProxyClient {
		return &fakeProxyClient{startErr: proxyErr}
	}, dep, nil, nil, events.NoopEventLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, store, dep
}

func TestServer_Heartbeat(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	payload := types.HeartbeatPayload{ClientName: "device-1", Timestamp: time.Now()}
	body, _ := json.Marshal(payload)

	resp, err := http.Post(fmt.Sprintf("http://%s/api/heartbeat", srv.Addr()), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, store.heartbeats, 1)
}

func TestServer_HeartbeatRejectsMissingClientName(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	body, _ := json.Marshal(types.HeartbeatPayload{Timestamp: time.Now()})
	resp, err := http.Post(fmt.Sprintf("http://%s/api/heartbeat", srv.Addr()), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_GetUnknownClientReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	resp, err := http.Get(fmt.Sprintf("http://%s/api/fleet/clients/nope", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ProxyStartSuccess(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	store.clients["device-1"] = types.ClientOverview{Name: "device-1", Host: "10.0.0.1", APIPort: 8180}

	resp, err := http.Post(fmt.Sprintf("http://%s/api/fleet/clients/device-1/workloads/tick/start", srv.Addr()), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ProxyStartUnreachableReturns502(t *testing.T) {
	srv, store, _ := newTestServer(t, fleeterrors.NewBadGateway("device-1", fmt.Errorf("connection refused")))
	store.clients["device-1"] = types.ClientOverview{Name: "device-1"}

	resp, err := http.Post(fmt.Sprintf("http://%s/api/fleet/clients/device-1/workloads/tick/start", srv.Addr()), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_CreateDeployment(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	body, _ := json.Marshal(types.DeployRequest{Version: "v2.0.0", BatchSize: 1})
	resp, err := http.Post(fmt.Sprintf("http://%s/api/fleet/deployments", srv.Addr()), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.DeploymentRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "dep-1", out.ID)
}

func TestServer_CancelDeployment(t *testing.T) {
	srv, _, dep := newTestServer(t, nil)
	resp, err := http.Post(fmt.Sprintf("http://%s/api/fleet/deployments/known/cancel", srv.Addr()), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, dep.cancelled, "known")

	resp2, err := http.Post(fmt.Sprintf("http://%s/api/fleet/deployments/unknown/cancel", srv.Addr()), "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
