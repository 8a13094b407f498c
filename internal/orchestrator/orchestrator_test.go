package orchestrator

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/scheduler"
	"github.com/mclarkelauer/mastercontrol/internal/supervisor"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

type noopExecutor struct{}

func (noopExecutor) Build(spec types.WorkloadSpec) (*exec.Cmd, error) {
	return exec.Command("/bin/sh", "-c", "sleep 5"), nil
}

type noopHealthMonitor struct{}

func (noopHealthMonitor) Start() {}
func (noopHealthMonitor) Stop()  {}

func newTestOrchestrator() *Orchestrator {
	reg := registry.New()
	sched := scheduler.New(events.NoopEventLogger())
	factory := func(spec types.WorkloadSpec) *supervisor.Supervisor {
		return supervisor.NewSupervisor(spec, noopExecutor{}, nil, events.NoopEventLogger())
	}
	return New(reg, sched, noopHealthMonitor{}, events.NoopEventLogger(), factory)
}

func foreverSpec(name string) types.WorkloadSpec {
	return types.WorkloadSpec{Name: name, Type: types.WorkloadTypeService, RunMode: types.RunModeForever, RestartDelayS: 1}
}

func TestOrchestrator_ReloadAddsAndAutoStartsForever(t *testing.T) {
	o := newTestOrchestrator()
	report, err := o.Start(context.Background(), []types.WorkloadSpec{foreverSpec("a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Added)

	time.Sleep(100 * time.Millisecond)
	entry, err := o.registry.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, entry.Supervisor.Status().Status)

	o.Shutdown(2 * time.Second)
}

func TestOrchestrator_ReloadRemovesDroppedSpecs(t *testing.T) {
	o := newTestOrchestrator()
	_, err := o.Start(context.Background(), []types.WorkloadSpec{foreverSpec("a"), foreverSpec("b")})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	report, err := o.Reload(context.Background(), []types.WorkloadSpec{foreverSpec("a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.Removed)

	_, err = o.registry.Get("b")
	assert.Error(t, err)

	o.Shutdown(2 * time.Second)
}

func TestOrchestrator_ReloadUnchangedSpecIsNoop(t *testing.T) {
	o := newTestOrchestrator()
	spec := foreverSpec("a")
	_, err := o.Start(context.Background(), []types.WorkloadSpec{spec})
	require.NoError(t, err)

	report, err := o.Reload(context.Background(), []types.WorkloadSpec{spec})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Unchanged)

	o.Shutdown(2 * time.Second)
}

func TestOrchestrator_ReloadRestartsChangedRunningSpec(t *testing.T) {
	o := newTestOrchestrator()
	spec := foreverSpec("a")
	_, err := o.Start(context.Background(), []types.WorkloadSpec{spec})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	changed := spec
	changed.RestartDelayS = 9
	report, err := o.Reload(context.Background(), []types.WorkloadSpec{changed})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Restarted)

	o.Shutdown(2 * time.Second)
}

func TestOrchestrator_NTimesDoesNotAutoStart(t *testing.T) {
	o := newTestOrchestrator()
	spec := foreverSpec("batch")
	spec.RunMode = types.RunModeNTimes
	spec.MaxRuns = 1
	_, err := o.Start(context.Background(), []types.WorkloadSpec{spec})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	entry, err := o.registry.Get("batch")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRegistered, entry.Supervisor.Status().Status)

	o.Shutdown(2 * time.Second)
}
