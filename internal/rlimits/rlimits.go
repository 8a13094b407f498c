// Package rlimits applies a workload's resource limits to the calling
// process. It is used exclusively by cmd/workload-runner,
// which runs this before dispatching to the real workload: Go gives a
// parent no portable way to set a child's rlimits or niceness before
// exec, so the limits are applied by the child itself, first thing in
// its own main(), before any workload code can run.
package rlimits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Request is the subset of a WorkloadSpec that Apply needs. Kept
// separate from types.WorkloadSpec so this package has no dependency on
// the rest of the module.
type Request struct {
	MemoryLimitMB int
	CPUNice       *int
}

// Apply sets the process's address-space rlimit and scheduling priority.
// Both are validated before either is applied, so a caller observing an
// error knows neither took effect.
func Apply(r Request) error {
	if r.MemoryLimitMB < 0 {
		return fmt.Errorf("rlimits: memory_limit_mb must be >=0, got %d", r.MemoryLimitMB)
	}
	if r.CPUNice != nil && (*r.CPUNice < -20 || *r.CPUNice > 19) {
		return fmt.Errorf("rlimits: cpu_nice must be in [-20,19], got %d", *r.CPUNice)
	}

	if r.MemoryLimitMB > 0 {
		limitBytes := uint64(r.MemoryLimitMB) * 1024 * 1024
		rl := unix.Rlimit{Cur: limitBytes, Max: limitBytes}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &rl); err != nil {
			return fmt.Errorf("rlimits: setrlimit RLIMIT_AS: %w", err)
		}
	}
	if r.CPUNice != nil {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, *r.CPUNice); err != nil {
			return fmt.Errorf("rlimits: setpriority: %w", err)
		}
	}
	return nil
}
