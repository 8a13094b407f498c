// Package types holds the data model shared across the daemon and the
// central controller: workload specs and their runtime companion state,
// run history, and the fleet/deployment records exchanged over HTTP.
package types

import "time"

// RunMode controls how a Supervisor schedules and restarts a workload's
// child process.
type RunMode string

const (
	RunModeSchedule RunMode = "schedule"
	RunModeForever  RunMode = "forever"
	RunModeNTimes   RunMode = "n_times"
)

// WorkloadType classifies what kind of program a workload runs.
type WorkloadType string

const (
	WorkloadTypeAgent   WorkloadType = "agent"
	WorkloadTypeScript  WorkloadType = "script"
	WorkloadTypeService WorkloadType = "service"
)

// Status is a WorkloadState's lifecycle position.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// WorkloadSpec is the immutable declaration of a workload. Two WorkloadSpec
// values are spec-equal (see Equal) when every declared field matches,
// which the hot-reload differ uses to decide whether a live workload needs
// restarting.
type WorkloadSpec struct {
	Name          string                 `yaml:"name" json:"name"`
	Type          WorkloadType           `yaml:"type" json:"type"`
	RunMode       RunMode                `yaml:"run_mode" json:"run_mode"`
	Module        string                 `yaml:"module" json:"module"`
	EntryPoint    string                 `yaml:"entry_point" json:"entry_point"`
	Params        map[string]interface{} `yaml:"params" json:"params"`
	Version       string                 `yaml:"version" json:"version"`
	Schedule      string                 `yaml:"schedule" json:"schedule"`
	MaxRuns       int                    `yaml:"max_runs" json:"max_runs"`
	RestartDelayS float64                `yaml:"restart_delay_s" json:"restart_delay_s"`
	TimeoutS      float64                `yaml:"timeout_s" json:"timeout_s"`
	MemoryLimitMB int                    `yaml:"memory_limit_mb" json:"memory_limit_mb"`
	CPUNice       *int                   `yaml:"cpu_nice" json:"cpu_nice"`
	Tags          []string               `yaml:"tags" json:"tags"`
}

// DefaultEntryPoint is used when a spec omits entry_point.
const DefaultEntryPoint = "run"

// DefaultRestartDelayS is used when a spec omits restart_delay_s.
const DefaultRestartDelayS = 5.0

// WithDefaults returns a copy of the spec with zero-value optional fields
// filled in.
func (s WorkloadSpec) WithDefaults() WorkloadSpec {
	if s.EntryPoint == "" {
		s.EntryPoint = DefaultEntryPoint
	}
	if s.RestartDelayS == 0 {
		s.RestartDelayS = DefaultRestartDelayS
	}
	return s
}

// Equal reports whether two specs are identical for hot-reload purposes.
// Name is intentionally excluded by callers (they only compare specs that
// already share a name); here we compare every declared field.
func (s WorkloadSpec) Equal(o WorkloadSpec) bool {
	if s.Name != o.Name || s.Type != o.Type || s.RunMode != o.RunMode ||
		s.Module != o.Module || s.EntryPoint != o.EntryPoint ||
		s.Version != o.Version || s.Schedule != o.Schedule ||
		s.MaxRuns != o.MaxRuns || s.RestartDelayS != o.RestartDelayS ||
		s.TimeoutS != o.TimeoutS || s.MemoryLimitMB != o.MemoryLimitMB {
		return false
	}
	if (s.CPUNice == nil) != (o.CPUNice == nil) {
		return false
	}
	if s.CPUNice != nil && *s.CPUNice != *o.CPUNice {
		return false
	}
	if !equalTags(s.Tags, o.Tags) {
		return false
	}
	return paramsEqual(s.Params, o.Params)
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// paramsEqual does a recursive structural comparison sufficient for the
// scalar/nested-value params a workload declares. It is intentionally
// conservative: any type mismatch or nested difference is treated as
// "changed" so the differ errs toward restarting rather than missing an
// update.
func paramsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	am, aIsMap := a.(map[string]interface{})
	bm, bIsMap := b.(map[string]interface{})
	if aIsMap || bIsMap {
		if !aIsMap || !bIsMap {
			return false
		}
		return paramsEqual(am, bm)
	}
	as, aIsSlice := a.([]interface{})
	bs, bIsSlice := b.([]interface{})
	if aIsSlice || bIsSlice {
		if !aIsSlice || !bIsSlice || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valueEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

// WorkloadState is the mutable runtime companion to a WorkloadSpec, one per
// registry entry.
type WorkloadState struct {
	Name                string     `json:"name"`
	Status              Status     `json:"status"`
	PID                 int        `json:"pid,omitempty"`
	RunCount            int        `json:"run_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastStarted         *time.Time `json:"last_started,omitempty"`
	LastStopped         *time.Time `json:"last_stopped,omitempty"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	Version             string     `json:"version,omitempty"`
}

// NewWorkloadState returns the initial state for a freshly-registered spec.
func NewWorkloadState(name, version string) *WorkloadState {
	return &WorkloadState{
		Name:    name,
		Status:  StatusRegistered,
		Version: version,
	}
}

// RunRecord is an append-only history entry for one execution of a
// workload's child process.
type RunRecord struct {
	ID           int64      `json:"id,omitempty"`
	WorkloadName string     `json:"workload_name"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
}
