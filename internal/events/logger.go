// Package events provides structured JSON logging for the key lifecycle
// events of a Master Control daemon and controller.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger emits structured events, each tagged with a stable component
// identity so multiple supervisors/clients sharing one process log stream
// remain attributable.
type EventLogger struct {
	logger   *slog.Logger
	identity string
}

// NewEventLogger creates an EventLogger writing JSON to stdout, tagged with
// identity (a workload name, client name, or "controller").
func NewEventLogger(identity string) *EventLogger {
	return NewEventLoggerWithWriter(identity, os.Stdout)
}

// NewEventLoggerWithWriter creates an EventLogger writing JSON to w. Useful
// for tests and for redirecting a daemon's event stream to a file.
func NewEventLoggerWithWriter(identity string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &EventLogger{
		logger:   slog.New(handler).With("identity", identity),
		identity: identity,
	}
}

// WorkloadStarted logs a successful Supervisor.start().
func (el *EventLogger) WorkloadStarted(name string, pid int, runMode string) {
	el.logger.Info("workload_started", "workload", name, "pid", pid, "run_mode", runMode)
}

// WorkloadExited logs a child process exit, clean or not.
func (el *EventLogger) WorkloadExited(name string, exitCode int, clean bool, durationMs int64) {
	el.logger.Info("workload_exited", "workload", name, "exit_code", exitCode, "clean", clean, "duration_ms", durationMs)
}

// WorkloadFailed logs a transition to status=failed, with the error that
// caused it (spawn failure, non-zero exit, timeout, or process-lost).
func (el *EventLogger) WorkloadFailed(name, reason string, consecutiveFailures int) {
	el.logger.Warn("workload_failed", "workload", name, "reason", reason, "consecutive_failures", consecutiveFailures)
}

// WorkloadCompleted logs a transition to status=completed (n_times exhausted).
func (el *EventLogger) WorkloadCompleted(name string, runCount int) {
	el.logger.Info("workload_completed", "workload", name, "run_count", runCount)
}

// RestartBackoff logs the computed delay before the next restart attempt.
func (el *EventLogger) RestartBackoff(name string, delaySeconds float64, consecutiveFailures int) {
	el.logger.Info("restart_backoff", "workload", name, "delay_seconds", delaySeconds, "consecutive_failures", consecutiveFailures)
}

// ScheduleFireDropped logs a dropped cron firing because the workload was
// still running at the next scheduled time.
func (el *EventLogger) ScheduleFireDropped(name string, fireTime string) {
	el.logger.Warn("schedule_fire_dropped", "workload", name, "fire_time", fireTime)
}

// MemoryApproachWarning logs the HealthMonitor's RSS-approaching-limit warning.
func (el *EventLogger) MemoryApproachWarning(name string, rssMB, limitMB float64) {
	el.logger.Warn("memory_approach_warning", "workload", name, "rss_mb", rssMB, "limit_mb", limitMB)
}

// ProcessLost logs a liveness-probe miss.
func (el *EventLogger) ProcessLost(name string, pid int) {
	el.logger.Warn("process_lost", "workload", name, "pid", pid)
}

// ReloadApplied logs the outcome of Orchestrator.reload().
func (el *EventLogger) ReloadApplied(added, removed, restarted, unchanged int) {
	el.logger.Info("reload_applied", "added", added, "removed", removed, "restarted", restarted, "unchanged", unchanged)
}

// StoreWriteDropped logs a StateStore write-queue overflow.
func (el *EventLogger) StoreWriteDropped(queueLen int) {
	el.logger.Warn("store_write_dropped", "queue_len", queueLen)
}

// HeartbeatFailed logs a failed heartbeat POST and the backoff applied.
func (el *EventLogger) HeartbeatFailed(clientName string, backoffSeconds float64, err error) {
	el.logger.Warn("heartbeat_failed", "client_name", clientName, "backoff_seconds", backoffSeconds, "error", err.Error())
}

// ClientStatusChanged logs a fleet client moving between online/stale/offline.
func (el *EventLogger) ClientStatusChanged(clientName, from, to string) {
	el.logger.Info("client_status_changed", "client_name", clientName, "from", from, "to", to)
}

// DeploymentStageChanged logs a deployment moving between overall statuses.
func (el *EventLogger) DeploymentStageChanged(deploymentID, from, to string) {
	el.logger.Info("deployment_stage_changed", "deployment_id", deploymentID, "from", from, "to", to)
}

// DeploymentBatchAdvanced logs a rolling deployment moving to the next batch.
func (el *EventLogger) DeploymentBatchAdvanced(deploymentID string, batchNumber, batchSize int) {
	el.logger.Info("deployment_batch_advanced", "deployment_id", deploymentID, "batch_number", batchNumber, "batch_size", batchSize)
}

// IpcRequestFailed logs a malformed or failed LocalControlServer /
// RemoteControlServer request. The connection replies with an error and
// the server keeps serving subsequent requests.
func (el *EventLogger) IpcRequestFailed(command, reason string) {
	el.logger.Warn("ipc_request_failed", "command", command, "reason", reason)
}

// ProcessLifecycle logs a top-level daemon/controller state transition
// (starting up, shutting down) rather than a per-workload or
// per-client event.
func (el *EventLogger) ProcessLifecycle(stage string) {
	el.logger.Info("process_lifecycle", "stage", stage)
}

// Global logger management.
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	globalNoop   = NoopEventLogger()
)

// SetGlobalEventLogger installs the process-wide default EventLogger.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the process-wide default, or a shared
// no-op logger instance if none has been set.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return globalNoop
}

// NoopEventLogger discards every event; useful in tests.
func NoopEventLogger() *EventLogger {
	return NewEventLoggerWithWriter("", io.Discard)
}
