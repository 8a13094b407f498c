// Package heartbeat implements the device-side HeartbeatReporter: a
// periodic, stateless POST of a HeartbeatPayload to the central
// controller. Heartbeats are never queued; a failed one is just
// dropped, since the next tick's snapshot supersedes it and there is
// nothing worth retrying.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// MaxBackoff caps the exponential backoff applied after consecutive
// failures.
const MaxBackoff = 5 * time.Minute

// HealthSnapshotter is the subset of health.Monitor the Reporter reads
// system metrics from.
type HealthSnapshotter interface {
	Snapshot() types.SystemMetrics
}

// Recorder is the subset of metrics.Collector the Reporter reports to.
type Recorder interface {
	RecordHeartbeatFailure(client string)
}

// Reporter periodically POSTs a HeartbeatPayload to the central
// controller's /api/heartbeat endpoint.
type Reporter struct {
	clientName      string
	deployedVersion string
	url             string
	token           string
	httpClient      *http.Client
	registry        *registry.Registry
	health          HealthSnapshotter
	baseInterval    time.Duration
	logger          *events.EventLogger

	mu      sync.RWMutex
	metrics Recorder

	startMu sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

// New returns a Reporter that POSTs to centralAPIURL+"/api/heartbeat"
// every interval while healthy, backing off exponentially on failure.
// token may be empty if the controller has no auth configured.
func New(clientName, deployedVersion, centralAPIURL, token string, reg *registry.Registry, health HealthSnapshotter, interval time.Duration, logger *events.EventLogger) *Reporter {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		clientName:      clientName,
		deployedVersion: deployedVersion,
		url:             centralAPIURL + "/api/heartbeat",
		token:           token,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		registry:        reg,
		health:          health,
		baseInterval:    interval,
		logger:          logger,
	}
}

// SetMetrics attaches a Recorder. Safe to call before or after Start.
func (r *Reporter) SetMetrics(m Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Start begins the reporting loop. A no-op if already running.
func (r *Reporter) Start() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stopped = make(chan struct{})
	go r.run(r.stopCh, r.stopped)
}

// Stop halts the reporting loop and waits for it to exit.
func (r *Reporter) Stop() {
	r.startMu.Lock()
	if !r.running {
		r.startMu.Unlock()
		return
	}
	r.running = false
	stopCh := r.stopCh
	stopped := r.stopped
	r.startMu.Unlock()

	close(stopCh)
	<-stopped
}

func (r *Reporter) run(stopCh, stopped chan struct{}) {
	defer close(stopped)
	interval := r.baseInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			if err := r.send(); err != nil {
				interval *= 2
				if interval > MaxBackoff {
					interval = MaxBackoff
				}
				r.logger.HeartbeatFailed(r.clientName, interval.Seconds(), err)
				r.mu.RLock()
				m := r.metrics
				r.mu.RUnlock()
				if m != nil {
					m.RecordHeartbeatFailure(r.clientName)
				}
			} else {
				interval = r.baseInterval
			}
			timer.Reset(interval)
		}
	}
}

func (r *Reporter) send() error {
	payload := r.buildPayload()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("heartbeat: encoding payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("heartbeat: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: posting to %s: %w", r.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: %s replied with status %d", r.url, resp.StatusCode)
	}
	return nil
}

func (r *Reporter) buildPayload() types.HeartbeatPayload {
	snaps := r.registry.List()
	workloads := make([]types.WorkloadInfo, 0, len(snaps))
	for _, snap := range snaps {
		workloads = append(workloads, snap.WorkloadInfo())
	}
	var system types.SystemMetrics
	if r.health != nil {
		system = r.health.Snapshot()
	}
	return types.HeartbeatPayload{
		ClientName:      r.clientName,
		Timestamp:       time.Now(),
		DeployedVersion: r.deployedVersion,
		Workloads:       workloads,
		System:          system,
	}
}
