package deployer

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/fleetstore"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// fakeClient implements FleetClient with scripted per-client behavior.
type fakeClient struct {
	name            string
	failHealthUntil time.Time
	failReload      bool
}

func (f *fakeClient) Reload(ctx context.Context, clientName string) (map[string]interface{}, error) {
	if f.failReload {
		return nil, fmt.Errorf("reload refused")
	}
	return map[string]interface{}{"success": true}, nil
}

func (f *fakeClient) Health(ctx context.Context, clientName string) (map[string]interface{}, error) {
	if time.Now().Before(f.failHealthUntil) {
		return nil, fmt.Errorf("not healthy yet")
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func newTestStore(t *testing.T) *fleetstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.db")
	s, err := fleetstore.Open(fleetstore.Config{Path: path}, events.NoopEventLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedClients(t *testing.T, s *fleetstore.Store, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, s.UpsertFromHeartbeat(types.HeartbeatPayload{
			ClientName: n, Timestamp: time.Now(), DeployedVersion: "v1.0.0",
		}, "10.0.0.1", 8180))
	}
}

func echoScriptPath(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sync script is a unix shell script")
	}
	return "/bin/true"
}

type fakeClientRegistry struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func (r *fakeClientRegistry) resolve(c types.ClientOverview) FleetClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	fc, ok := r.clients[c.Name]
	if !ok {
		fc = &fakeClient{name: c.Name}
		r.clients[c.Name] = fc
	}
	return fc
}

func TestDeployer_SuccessfulRollout(t *testing.T) {
	store := newTestStore(t)
	seedClients(t, store, "device-1", "device-2")

	registry := &fakeClientRegistry{clients: map[string]*fakeClient{}}
	d := New(store, registry.resolve, echoScriptPath(t), events.NoopEventLogger())

	record, err := d.Start(types.DeployRequest{
		Version:       "v2.0.0",
		TargetClients: []string{"device-1", "device-2"},
		BatchSize:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentPending, record.Status)

	require.Eventually(t, func() bool {
		got, err := store.GetDeployment(record.ID)
		return err == nil && got.Status == types.DeploymentCompleted
	}, 5*time.Second, 20*time.Millisecond)

	final, err := store.GetDeployment(record.ID)
	require.NoError(t, err)
	for _, c := range final.Clients {
		assert.Equal(t, types.ClientDeployHealthy, c.Status)
	}
}

func TestDeployer_FailureTriggersRollback(t *testing.T) {
	store := newTestStore(t)
	seedClients(t, store, "device-1", "device-2")

	registry := &fakeClientRegistry{clients: map[string]*fakeClient{
		"device-2": {failReload: true},
	}}
	d := New(store, registry.resolve, echoScriptPath(t), events.NoopEventLogger())

	record, err := d.Start(types.DeployRequest{
		Version:       "v2.0.0",
		TargetClients: []string{"device-1", "device-2"},
		BatchSize:     2,
		AutoRollback:  true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetDeployment(record.ID)
		return err == nil && got.Status == types.DeploymentRolledBack
	}, 5*time.Second, 20*time.Millisecond)

	final, err := store.GetDeployment(record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClientDeployRolledBack, final.ClientRecord("device-1").Status)
	assert.Equal(t, types.ClientDeployFailed, final.ClientRecord("device-2").Status)
}

func TestDeployer_DefaultsToOnlineClientsWhenTargetsOmitted(t *testing.T) {
	store := newTestStore(t)
	seedClients(t, store, "device-1")

	registry := &fakeClientRegistry{clients: map[string]*fakeClient{}}
	d := New(store, registry.resolve, echoScriptPath(t), events.NoopEventLogger())

	record, err := d.Start(types.DeployRequest{Version: "v2.0.0", BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"device-1"}, record.TargetClients)
}

func TestDeployer_RejectsEmptyVersion(t *testing.T) {
	store := newTestStore(t)
	d := New(store, nil, "", events.NoopEventLogger())
	_, err := d.Start(types.DeployRequest{BatchSize: 1})
	require.Error(t, err)
}
