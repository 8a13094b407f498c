package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// shellExecutor builds a plain /bin/sh -c <script> command, bypassing
// the workload-runner launcher contract entirely, so these tests
// exercise the supervision loop in isolation from rlimits/exec-into.
type shellExecutor struct {
	script string
}

func (e *shellExecutor) Build(spec types.WorkloadSpec) (*exec.Cmd, error) {
	return exec.Command("/bin/sh", "-c", e.script), nil
}

type failingExecutor struct{}

func (failingExecutor) Build(spec types.WorkloadSpec) (*exec.Cmd, error) {
	return nil, errors.New("boom")
}

// memStore is an in-memory StateStore fake for assertions.
type memStore struct {
	mu      sync.Mutex
	states  []types.WorkloadState
	records []types.RunRecord
}

func (m *memStore) SaveState(s types.WorkloadState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, s)
	return nil
}

func (m *memStore) AppendRunRecord(r types.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memStore) latest() types.WorkloadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[len(m.states)-1]
}

func waitForStatus(t *testing.T, sup *Supervisor, want types.Status, timeout time.Duration) types.WorkloadState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last types.WorkloadState
	for time.Now().Before(deadline) {
		last = sup.Status()
		if last.Status == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %s, last was %s", want, last.Status)
	return last
}

func baseSpec(name string) types.WorkloadSpec {
	return types.WorkloadSpec{
		Name:          name,
		Type:          types.WorkloadTypeScript,
		RunMode:       types.RunModeForever,
		RestartDelayS: 0.05,
	}
}

func TestSupervisor_ForeverRestartsAfterCleanExit(t *testing.T) {
	spec := baseSpec("echoer")
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "exit 0"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Start(context.Background()))
	waitForStatus(t, sup, types.StatusRunning, time.Second)

	// Let it cycle through a couple of restarts.
	time.Sleep(300 * time.Millisecond)
	st := sup.Status()
	assert.GreaterOrEqual(t, st.RunCount, 1)

	require.NoError(t, sup.Stop(time.Second))
	waitForStatus(t, sup, types.StatusStopped, time.Second)
}

func TestSupervisor_NTimesCompletesAfterMaxRuns(t *testing.T) {
	spec := baseSpec("three-times")
	spec.RunMode = types.RunModeNTimes
	spec.MaxRuns = 3
	spec.RestartDelayS = 0
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "exit 0"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Start(context.Background()))
	final := waitForStatus(t, sup, types.StatusCompleted, 2*time.Second)
	assert.Equal(t, 3, final.RunCount)
}

func TestSupervisor_ScheduleRunsOnceThenSettles(t *testing.T) {
	spec := baseSpec("cron-job")
	spec.RunMode = types.RunModeSchedule
	spec.Schedule = "* * * * *"
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "exit 0"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Start(context.Background()))
	final := waitForStatus(t, sup, types.StatusStopped, time.Second)
	assert.Equal(t, 1, final.RunCount)

	// It should not auto-restart; status stays stopped.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, types.StatusStopped, sup.Status().Status)
}

func TestSupervisor_FailedExitIncrementsConsecutiveFailures(t *testing.T) {
	spec := baseSpec("failer")
	spec.RunMode = types.RunModeSchedule
	spec.Schedule = "* * * * *"
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "exit 1"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Start(context.Background()))
	final := waitForStatus(t, sup, types.StatusFailed, time.Second)
	assert.Equal(t, 1, final.ConsecutiveFailures)
	assert.NotEmpty(t, final.LastError)
}

func TestSupervisor_StartFailsWhenAlreadyActive(t *testing.T) {
	spec := baseSpec("slow")
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "sleep 1"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Start(context.Background()))
	waitForStatus(t, sup, types.StatusRunning, time.Second)

	err := sup.Start(context.Background())
	require.Error(t, err)
	var already *ErrAlreadyActive
	assert.ErrorAs(t, err, &already)

	require.NoError(t, sup.Stop(time.Second))
}

func TestSupervisor_SpawnErrorMarksFailed(t *testing.T) {
	spec := baseSpec("unbuildable")
	store := &memStore{}
	sup := NewSupervisor(spec, failingExecutor{}, store, events.NoopEventLogger())

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, sup.Status().Status)
	assert.Equal(t, types.StatusFailed, store.latest().Status)
}

func TestSupervisor_StopOnNonActiveWorkloadIsNoop(t *testing.T) {
	spec := baseSpec("idle")
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "exit 0"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Stop(time.Second))
	assert.Equal(t, types.StatusStopped, sup.Status().Status)
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	wantSeconds := []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 300, 300}
	for i, want := range wantSeconds {
		got := backoffDelay(1, i+1, false)
		assert.Equal(t, time.Duration(want*float64(time.Second)), got, "failure #%d", i+1)
	}
}

func TestBackoffDelay_CleanExitUsesFlatDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffDelay(5, 0, true))
	assert.Equal(t, time.Duration(0), backoffDelay(0, 0, true))
}

func TestSupervisor_LongRunResetsFailureStreak(t *testing.T) {
	spec := baseSpec("flaky-but-stable")
	spec.RunMode = types.RunModeSchedule
	spec.Schedule = "* * * * *"
	spec.RestartDelayS = 0.05
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "sleep 0.2; exit 1"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Start(context.Background()))
	final := waitForStatus(t, sup, types.StatusFailed, 2*time.Second)

	// The run outlasted restart_delay_s, so even the non-zero exit
	// breaks the failure streak.
	assert.Equal(t, 0, final.ConsecutiveFailures)
	assert.NotEmpty(t, final.LastError)
}

func TestSupervisor_MarkProcessLost(t *testing.T) {
	spec := baseSpec("ghost")
	spec.RunMode = types.RunModeSchedule
	spec.Schedule = "* * * * *"
	store := &memStore{}
	sup := NewSupervisor(spec, &shellExecutor{script: "sleep 1"}, store, events.NoopEventLogger())

	require.NoError(t, sup.Start(context.Background()))
	running := waitForStatus(t, sup, types.StatusRunning, time.Second)
	require.NotZero(t, running.PID)

	assert.True(t, sup.MarkProcessLost(running.PID))
	final := waitForStatus(t, sup, types.StatusFailed, time.Second)
	assert.Zero(t, final.PID)
	assert.Contains(t, final.LastError, "process disappeared")

	store.mu.Lock()
	require.NotEmpty(t, store.records)
	assert.Equal(t, "process disappeared", store.records[0].ErrorMessage)
	recorded := len(store.records)
	store.mu.Unlock()

	// A stale report for a pid no longer tracked is ignored.
	assert.False(t, sup.MarkProcessLost(running.PID))

	// The superseded wait goroutine must not record the run a second
	// time once the real child exits.
	time.Sleep(1200 * time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, recorded, len(store.records))
	store.mu.Unlock()
}
