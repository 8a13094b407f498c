// Package metrics exposes Master Control's Prometheus metrics: workload
// lifecycle counters and gauges on the device side, fleet and deployment
// gauges on the controller side. A Collector is a single struct wrapping
// its own prometheus.Registry with one method per recorded event, served
// by the /metrics handler each HTTP surface mounts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// Collector owns one Prometheus registry and every metric Master Control
// exports. A single Collector is shared by a daemon or a controller
// process; device-only and controller-only metrics simply go unused on
// the other side.
type Collector struct {
	registry *prometheus.Registry

	workloadRunsTotal    *prometheus.CounterVec
	workloadState        *prometheus.GaugeVec
	runDurationSeconds   *prometheus.HistogramVec
	restartBackoffSeconds *prometheus.HistogramVec
	scheduleDropsTotal   *prometheus.CounterVec
	memoryWarningsTotal  *prometheus.CounterVec
	storeWriteDropsTotal prometheus.Counter

	heartbeatFailuresTotal *prometheus.CounterVec
	fleetClientsByStatus   *prometheus.GaugeVec
	deploymentClientStatus *prometheus.GaugeVec
	deploymentBatchesTotal *prometheus.CounterVec
}

// NewCollector builds a Collector with a fresh registry and registers
// every metric against it.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		workloadRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastercontrol_workload_runs_total",
			Help: "Total number of workload runs, partitioned by clean/unclean exit.",
		}, []string{"workload", "result"}),
		workloadState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mastercontrol_workload_state",
			Help: "1 if the workload currently holds this status, 0 otherwise.",
		}, []string{"workload", "status"}),
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mastercontrol_run_duration_seconds",
			Help:    "Wall-clock duration of a workload's completed run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"workload"}),
		restartBackoffSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mastercontrol_restart_backoff_seconds",
			Help:    "Computed restart backoff delay applied before a restart attempt.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"workload"}),
		scheduleDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastercontrol_schedule_fire_drops_total",
			Help: "Cron firings dropped because the workload was still active.",
		}, []string{"workload"}),
		memoryWarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastercontrol_memory_approach_warnings_total",
			Help: "RSS-approaching-limit warnings emitted by the health monitor.",
		}, []string{"workload"}),
		storeWriteDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mastercontrol_store_write_drops_total",
			Help: "StateStore writes dropped due to a full async write queue.",
		}),
		heartbeatFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastercontrol_heartbeat_failures_total",
			Help: "Heartbeat POSTs that failed, by client.",
		}, []string{"client"}),
		fleetClientsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mastercontrol_fleet_clients",
			Help: "Number of fleet clients currently in each status.",
		}, []string{"status"}),
		deploymentClientStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mastercontrol_deployment_client_status",
			Help: "1 if a deployment's client record currently holds this status.",
		}, []string{"deployment_id", "client", "status"}),
		deploymentBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastercontrol_deployment_batches_total",
			Help: "Deployment batches advanced, by terminal batch outcome.",
		}, []string{"deployment_id", "outcome"}),
	}

	reg.MustRegister(
		c.workloadRunsTotal, c.workloadState, c.runDurationSeconds, c.restartBackoffSeconds,
		c.scheduleDropsTotal, c.memoryWarningsTotal, c.storeWriteDropsTotal,
		c.heartbeatFailuresTotal, c.fleetClientsByStatus, c.deploymentClientStatus, c.deploymentBatchesTotal,
	)
	return c
}

// Handler returns the http.Handler to mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRun records one finished workload run: its duration and whether
// it exited clean.
func (c *Collector) RecordRun(workload string, clean bool, durationSeconds float64) {
	result := "failed"
	if clean {
		result = "clean"
	}
	c.workloadRunsTotal.WithLabelValues(workload, result).Inc()
	c.runDurationSeconds.WithLabelValues(workload).Observe(durationSeconds)
}

// allWorkloadStatuses lists every types.Status value, for clearing stale
// gauge series when a workload's status changes.
var allWorkloadStatuses = []types.Status{
	types.StatusRegistered, types.StatusStarting, types.StatusRunning,
	types.StatusStopping, types.StatusStopped, types.StatusFailed, types.StatusCompleted,
}

// SetWorkloadState sets the workload_state gauge to 1 for the current
// status and 0 for every other status, so a PromQL `== 1` selects
// exactly the workloads presently in that state.
func (c *Collector) SetWorkloadState(workload string, status types.Status) {
	for _, s := range allWorkloadStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		c.workloadState.WithLabelValues(workload, string(s)).Set(v)
	}
}

// RecordRestartBackoff records the delay computed before a restart attempt.
func (c *Collector) RecordRestartBackoff(workload string, delaySeconds float64) {
	c.restartBackoffSeconds.WithLabelValues(workload).Observe(delaySeconds)
}

// RecordScheduleDrop records a dropped cron firing.
func (c *Collector) RecordScheduleDrop(workload string) {
	c.scheduleDropsTotal.WithLabelValues(workload).Inc()
}

// RecordMemoryWarning records an RSS-approaching-limit warning.
func (c *Collector) RecordMemoryWarning(workload string) {
	c.memoryWarningsTotal.WithLabelValues(workload).Inc()
}

// RecordStoreWriteDrop records a StateStore write-queue overflow.
func (c *Collector) RecordStoreWriteDrop() {
	c.storeWriteDropsTotal.Inc()
}

// RecordHeartbeatFailure records a failed heartbeat POST.
func (c *Collector) RecordHeartbeatFailure(client string) {
	c.heartbeatFailuresTotal.WithLabelValues(client).Inc()
}

// allClientStatuses lists every types.ClientStatus value.
var allClientStatuses = []types.ClientStatus{
	types.ClientStatusOnline, types.ClientStatusStale, types.ClientStatusOffline,
}

// SetFleetClientCounts sets the fleet_clients gauge from a count per status.
func (c *Collector) SetFleetClientCounts(counts map[types.ClientStatus]int) {
	for _, s := range allClientStatuses {
		c.fleetClientsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// allClientDeployStatuses lists every types.ClientDeployStatus value.
var allClientDeployStatuses = []types.ClientDeployStatus{
	types.ClientDeployPending, types.ClientDeployDeploying, types.ClientDeployDeployed,
	types.ClientDeployHealthy, types.ClientDeployFailed, types.ClientDeployRolledBack,
}

// SetDeploymentClientStatus records a deployment client's current status.
func (c *Collector) SetDeploymentClientStatus(deploymentID, client string, status types.ClientDeployStatus) {
	for _, s := range allClientDeployStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		c.deploymentClientStatus.WithLabelValues(deploymentID, client, string(s)).Set(v)
	}
}

// RecordBatchOutcome records a deployment reaching a terminal outcome
// (the deployer reports "completed", "failed" or "cancelled").
func (c *Collector) RecordBatchOutcome(deploymentID, outcome string) {
	c.deploymentBatchesTotal.WithLabelValues(deploymentID, outcome).Inc()
}
