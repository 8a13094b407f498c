package types

import "time"

// ClientStatus is the controller's view of a device daemon's reachability.
type ClientStatus string

const (
	ClientStatusOnline  ClientStatus = "online"
	ClientStatusStale   ClientStatus = "stale"
	ClientStatusOffline ClientStatus = "offline"
)

// SystemMetrics is the HealthMonitor's cached snapshot of host resource
// usage, reported in every heartbeat.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
}

// WorkloadInfo is the compact per-workload summary shipped in heartbeats
// and returned by the fleet API's workload listing endpoints.
type WorkloadInfo struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	RunMode     string     `json:"run_mode"`
	Status      string     `json:"status"`
	PID         int        `json:"pid,omitempty"`
	RunCount    int        `json:"run_count"`
	LastStarted *time.Time `json:"last_started,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// HeartbeatPayload is POSTed periodically by a device's HeartbeatReporter
// to the controller's /api/heartbeat endpoint.
type HeartbeatPayload struct {
	ClientName      string         `json:"client_name"`
	Timestamp       time.Time      `json:"timestamp"`
	DeployedVersion string         `json:"deployed_version"`
	Workloads       []WorkloadInfo `json:"workloads"`
	System          SystemMetrics  `json:"system"`
}

// ClientOverview is the controller's persisted, queryable view of a single
// fleet client.
type ClientOverview struct {
	Name            string        `json:"name"`
	Host            string        `json:"host"`
	APIPort         int           `json:"api_port"`
	Status          ClientStatus  `json:"status"`
	LastSeen        time.Time     `json:"last_seen"`
	System          SystemMetrics `json:"system"`
	DeployedVersion string        `json:"deployed_version"`
}
