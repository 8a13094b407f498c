// Command workload-runner is the launcher every Supervisor-spawned child
// process actually is. It exists because Go gives a parent process no
// portable hook to set a child's rlimits or scheduling priority before
// that child execs into the real workload: instead, the Supervisor
// always starts workload-runner, which applies those limits to itself
// first, then either runs a compiled-in handler in place ("agent"
// workloads) or exec(2)s into the target binary ("script" and "service"
// workloads), inheriting the already-applied limits across the exec.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/mclarkelauer/mastercontrol/internal/handlers"
	"github.com/mclarkelauer/mastercontrol/internal/rlimits"
)

// envelopeEnvVar carries the JSON-encoded envelope the Supervisor builds
// for each spawn. See internal/supervisor/executor.go.
const envelopeEnvVar = "MC_WORKLOAD_SPEC"

// paramsEnvVar carries the workload's params as JSON to an exec'd
// script/service target, which reads and parses it itself.
const paramsEnvVar = "MC_PARAMS"

const (
	exitOK             = 0
	exitHandlerFailed  = 1
	exitBadEnvelope    = 77
	exitLimitsFailed   = 78
	exitUnknownHandler = 79
)

// envelope is the subset of types.WorkloadSpec the launcher needs. It is
// a standalone struct (not types.WorkloadSpec) so this binary does not
// need to import the rest of the module's type graph.
type envelope struct {
	Name          string                 `json:"name"`
	Type          string                 `json:"type"`
	Module        string                 `json:"module"`
	EntryPoint    string                 `json:"entry_point"`
	Params        map[string]interface{} `json:"params"`
	MemoryLimitMB int                    `json:"memory_limit_mb"`
	CPUNice       *int                   `json:"cpu_nice"`
}

func main() {
	os.Exit(run())
}

func run() int {
	raw := os.Getenv(envelopeEnvVar)
	if raw == "" {
		fmt.Fprintf(os.Stderr, "workload-runner: %s not set\n", envelopeEnvVar)
		return exitBadEnvelope
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		fmt.Fprintf(os.Stderr, "workload-runner: decoding %s: %v\n", envelopeEnvVar, err)
		return exitBadEnvelope
	}

	if err := rlimits.Apply(rlimits.Request{MemoryLimitMB: env.MemoryLimitMB, CPUNice: env.CPUNice}); err != nil {
		fmt.Fprintf(os.Stderr, "workload-runner: %v\n", err)
		return exitLimitsFailed
	}

	switch env.Type {
	case "agent":
		return runAgent(env)
	case "script", "service":
		return execTarget(env)
	default:
		fmt.Fprintf(os.Stderr, "workload-runner: unknown type %q\n", env.Type)
		return exitBadEnvelope
	}
}

func runAgent(env envelope) int {
	h, ok := handlers.Lookup(env.Module, env.EntryPoint)
	if !ok {
		fmt.Fprintf(os.Stderr, "workload-runner: no handler registered for %s\n", handlers.Key(env.Module, env.EntryPoint))
		return exitUnknownHandler
	}
	if err := h(context.Background(), env.Params); err != nil {
		fmt.Fprintf(os.Stderr, "workload-runner: %s failed: %v\n", env.Name, err)
		return exitHandlerFailed
	}
	return exitOK
}

// execTarget replaces this process with env.Module, handing it its
// params as JSON on MC_PARAMS. The limits applied above carry across
// exec(2) since they are process (not per-executable) state.
func execTarget(env envelope) int {
	paramsJSON, err := json.Marshal(env.Params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workload-runner: marshaling params: %v\n", err)
		return exitBadEnvelope
	}
	envv := append(os.Environ(), paramsEnvVar+"="+string(paramsJSON))

	argv := []string{env.Module}
	if keys := sortedKeys(env.Params); len(keys) > 0 {
		for _, k := range keys {
			argv = append(argv, fmt.Sprintf("--%s=%v", k, env.Params[k]))
		}
	}

	if err := unix.Exec(env.Module, argv, envv); err != nil {
		fmt.Fprintf(os.Stderr, "workload-runner: exec %s: %v\n", env.Module, err)
		return exitBadEnvelope
	}
	panic("unreachable: exec replaced the process image")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
