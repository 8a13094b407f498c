package heartbeat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

type fakeHealth struct{}

func (fakeHealth) Snapshot() types.SystemMetrics {
	return types.SystemMetrics{CPUPercent: 12.5}
}

type countingRecorder struct {
	failures atomic.Int64
}

func (c *countingRecorder) RecordHeartbeatFailure(client string) {
	c.failures.Add(1)
}

func TestReporter_SendsPayloadAndAuthHeader(t *testing.T) {
	var gotAuth string
	var payload types.HeartbeatPayload
	received := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		received <- struct{}{}
	}))
	defer srv.Close()

	reg := registry.New()
	r := New("device-1", "v1.2.3", srv.URL, "secret-token", reg, fakeHealth{}, 20*time.Millisecond, events.NoopEventLogger())
	r.Start()
	defer r.Stop()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("heartbeat was never received")
	}

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "device-1", payload.ClientName)
	assert.Equal(t, "v1.2.3", payload.DeployedVersion)
	assert.InDelta(t, 12.5, payload.System.CPUPercent, 0.001)
}

func TestReporter_BacksOffOnFailureAndRecordsMetric(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New()
	rec := &countingRecorder{}
	r := New("device-1", "", srv.URL, "", reg, fakeHealth{}, 10*time.Millisecond, events.NoopEventLogger())
	r.SetMetrics(rec)
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		return rec.failures.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}
