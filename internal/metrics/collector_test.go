package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/types"
)

func TestCollector_RecordRun_ExposedInHandler(t *testing.T) {
	c := NewCollector()
	c.RecordRun("tick", true, 1.5)
	c.RecordRun("tick", false, 0.2)

	body := scrape(t, c)
	require.Contains(t, body, `mastercontrol_workload_runs_total{result="clean",workload="tick"} 1`)
	require.Contains(t, body, `mastercontrol_workload_runs_total{result="failed",workload="tick"} 1`)
}

func TestCollector_SetWorkloadState_OnlyCurrentStatusIsOne(t *testing.T) {
	c := NewCollector()
	c.SetWorkloadState("tick", types.StatusRunning)

	body := scrape(t, c)
	require.Contains(t, body, `mastercontrol_workload_state{status="running",workload="tick"} 1`)
	require.Contains(t, body, `mastercontrol_workload_state{status="stopped",workload="tick"} 0`)
}

func TestCollector_SetFleetClientCounts(t *testing.T) {
	c := NewCollector()
	c.SetFleetClientCounts(map[types.ClientStatus]int{
		types.ClientStatusOnline: 3,
		types.ClientStatusStale:  1,
	})

	body := scrape(t, c)
	require.Contains(t, body, `mastercontrol_fleet_clients{status="online"} 3`)
	require.Contains(t, body, `mastercontrol_fleet_clients{status="stale"} 1`)
	require.Contains(t, body, `mastercontrol_fleet_clients{status="offline"} 0`)
}

func TestCollector_RecordHeartbeatFailure(t *testing.T) {
	c := NewCollector()
	c.RecordHeartbeatFailure("device-1")
	c.RecordHeartbeatFailure("device-1")

	body := scrape(t, c)
	require.Contains(t, body, `mastercontrol_heartbeat_failures_total{client="device-1"} 2`)
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return strings.ReplaceAll(rec.Body.String(), "\r\n", "\n")
}
