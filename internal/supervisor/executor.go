package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// envelopeEnvVar must match cmd/workload-runner's constant of the same name.
const envelopeEnvVar = "MC_WORKLOAD_SPEC"

// launcherEnvelope is the JSON payload handed to cmd/workload-runner. It
// mirrors that command's private envelope type; the two are kept in
// sync by hand since workload-runner intentionally avoids importing the
// rest of this module.
type launcherEnvelope struct {
	Name          string                 `json:"name"`
	Type          string                 `json:"type"`
	Module        string                 `json:"module"`
	EntryPoint    string                 `json:"entry_point"`
	Params        map[string]interface{} `json:"params"`
	MemoryLimitMB int                    `json:"memory_limit_mb"`
	CPUNice       *int                   `json:"cpu_nice"`
}

// Executor builds the *exec.Cmd for a workload spec's child process.
// Separated from Supervisor so tests can substitute fakes that bypass
// the launcher binary (see supervisor_test.go).
type Executor interface {
	Build(spec types.WorkloadSpec) (*exec.Cmd, error)
}

// LauncherExecutor always spawns the workload-runner launcher binary:
// the launcher applies resource limits to itself and then either runs a
// compiled-in handler or exec(2)s into the real target, so every
// workload type goes through the same child-creation path regardless of
// WorkloadType.
type LauncherExecutor struct {
	// LauncherPath is the path to the built workload-runner binary.
	LauncherPath string
}

// NewLauncherExecutor returns an Executor that spawns launcherPath for
// every workload.
func NewLauncherExecutor(launcherPath string) *LauncherExecutor {
	return &LauncherExecutor{LauncherPath: launcherPath}
}

// Build constructs the *exec.Cmd, ready for Start(). It does not start
// the process.
func (e *LauncherExecutor) Build(spec types.WorkloadSpec) (*exec.Cmd, error) {
	env := launcherEnvelope{
		Name:          spec.Name,
		Type:          string(spec.Type),
		Module:        spec.Module,
		EntryPoint:    spec.EntryPoint,
		Params:        spec.Params,
		MemoryLimitMB: spec.MemoryLimitMB,
		CPUNice:       spec.CPUNice,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("executor: marshaling envelope for %s: %w", spec.Name, err)
	}

	cmd := exec.Command(e.LauncherPath)
	cmd.Env = append(os.Environ(), envelopeEnvVar+"="+string(payload))
	return cmd, nil
}
