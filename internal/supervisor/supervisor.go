// Package supervisor owns one workload's child-process lifecycle:
// spawning it through the launcher contract (executor.go), the
// termination protocol, restart-on-exit policy for forever/n_times
// workloads, and exponential backoff after failures.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mclarkelauer/mastercontrol/internal/config"
	"github.com/mclarkelauer/mastercontrol/internal/daemonerrors"
	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// StateStore is the persistence dependency a Supervisor needs: durable
// storage for its WorkloadState and an append-only RunRecord history.
// Implemented by internal/statestore.Store; declared here (rather than
// imported) to avoid a supervisor<->statestore import cycle.
type StateStore interface {
	SaveState(types.WorkloadState) error
	AppendRunRecord(types.RunRecord) error
}

// ErrAlreadyActive is returned by Start when the workload is already
// starting, running, or stopping.
type ErrAlreadyActive struct {
	Name string
}

func (e *ErrAlreadyActive) Error() string {
	return fmt.Sprintf("workload %q is already active", e.Name)
}

// Supervisor drives one workload's process lifecycle. Exported methods
// (Start, Stop, Restart) are serialized against each other by opMu, so
// two concurrent calls are processed one at a time in arrival order
// rather than interleaved. The background supervision goroutine started
// by a successful spawn reads and writes state under mu only.
type Supervisor struct {
	opMu sync.Mutex

	mu            sync.RWMutex
	spec          types.WorkloadSpec
	state         types.WorkloadState
	cmd           *exec.Cmd
	stderrBuf     *ringBuffer
	generation    uint64
	stopRequested bool
	stopSignal    chan struct{}
	loopDone      chan struct{}

	executor Executor
	store    StateStore
	logger   *events.EventLogger
	metrics  Recorder
}

// Recorder is the subset of metrics.Collector a Supervisor reports to.
// Declared here (rather than imported) to avoid a supervisor<->metrics
// import cycle and to let tests supply a no-op.
type Recorder interface {
	RecordRun(workload string, clean bool, durationSeconds float64)
	SetWorkloadState(workload string, status types.Status)
	RecordRestartBackoff(workload string, delaySeconds float64)
}

// SetMetrics attaches a Recorder. A nil Supervisor.metrics is valid and
// simply skips recording; callers that don't care about metrics can
// leave this unset.
func (s *Supervisor) SetMetrics(m Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *Supervisor) recordState(status types.Status) {
	s.mu.RLock()
	m, name := s.metrics, s.spec.Name
	s.mu.RUnlock()
	if m != nil {
		m.SetWorkloadState(name, status)
	}
}

// NewSupervisor returns a Supervisor for spec, initially in status
// "registered". It does not start the workload.
func NewSupervisor(spec types.WorkloadSpec, executor Executor, store StateStore, logger *events.EventLogger) *Supervisor {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Supervisor{
		spec:     spec,
		state:    *types.NewWorkloadState(spec.Name, spec.Version),
		executor: executor,
		store:    store,
		logger:   logger,
	}
}

// Logs returns up to the last n lines captured from the current or most
// recent child's standard error, oldest first. Used by the local and
// remote control servers' "logs" command; the buffer
// retains only the last 4 KiB written, so very verbose output may yield
// fewer lines than requested even when more were once written.
func (s *Supervisor) Logs(n int) []string {
	s.mu.RLock()
	buf := s.stderrBuf
	s.mu.RUnlock()
	if buf == nil || n <= 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Spec returns the currently declared spec.
func (s *Supervisor) Spec() types.WorkloadSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// Status returns a snapshot of the runtime state.
func (s *Supervisor) Status() types.WorkloadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetSpec replaces the declared spec in place, for the hot-reload
// differ's "restarted" case. It does not itself
// restart anything; callers that need the new spec applied call Restart.
func (s *Supervisor) SetSpec(spec types.WorkloadSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spec = spec
}

// SeedState applies a StateStore snapshot recovered at daemon startup:
// run_count, consecutive_failures, last_error, and
// version carry over, but status is deliberately left at the freshly
// constructed "registered" value. The Supervisor re-derives a live
// status by starting or idling per the run-mode policy rather than
// ever trusting a persisted "running" as still true.
func (s *Supervisor) SeedState(seed types.WorkloadState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RunCount = seed.RunCount
	s.state.ConsecutiveFailures = seed.ConsecutiveFailures
	s.state.LastError = seed.LastError
	s.state.LastStarted = seed.LastStarted
	s.state.LastStopped = seed.LastStopped
	if seed.Version != "" {
		s.state.Version = seed.Version
	}
}

func isActiveStatus(st types.Status) bool {
	return st == types.StatusStarting || st == types.StatusRunning || st == types.StatusStopping
}

// Start spawns the workload's child process. It fails if the workload
// is already starting, running, or stopping.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if isActiveStatus(s.state.Status) {
		name := s.spec.Name
		s.mu.Unlock()
		return &ErrAlreadyActive{Name: name}
	}
	s.stopRequested = false
	spec := s.spec
	s.mu.Unlock()

	return s.spawnChild(spec)
}

// Restart performs a Stop followed by a Start as a single atomic
// operation with respect to other Start/Stop/Restart callers: no other
// call can interleave between the stop and the start.
func (s *Supervisor) Restart(ctx context.Context, grace time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopLocked(grace)

	s.mu.Lock()
	s.stopRequested = false
	spec := s.spec
	s.mu.Unlock()

	return s.spawnChild(spec)
}

// Stop runs the termination protocol (SIGTERM, poll up to grace,
// SIGKILL) against a running child, or marks a non-active workload
// stopped and suppresses its next auto-restart. It blocks until the
// workload has settled into a terminal status.
func (s *Supervisor) Stop(grace time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopLocked(grace)
	return nil
}

func (s *Supervisor) stopLocked(grace time.Duration) {
	s.mu.Lock()
	s.stopRequested = true
	if s.stopSignal != nil {
		select {
		case <-s.stopSignal:
		default:
			close(s.stopSignal)
		}
	}
	status := s.state.Status
	cmd := s.cmd
	doneCh := s.loopDone
	s.mu.Unlock()

	if !isActiveStatus(status) {
		s.mu.Lock()
		if !isActiveStatus(s.state.Status) {
			s.state.Status = types.StatusStopped
		}
		s.mu.Unlock()
		s.persistState()
		return
	}

	s.mu.Lock()
	s.state.Status = types.StatusStopping
	s.mu.Unlock()
	s.persistState()

	if cmd != nil && cmd.Process != nil {
		terminateProcess(cmd, grace)
	}
	if doneCh != nil {
		<-doneCh
	}
}

// terminateProcess implements the termination protocol: SIGTERM, then
// poll every 100ms for up to grace, then SIGKILL.
func terminateProcess(cmd *exec.Cmd, grace time.Duration) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(cmd.Process.Pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !processAlive(cmd.Process.Pid) {
		return
	}
	_ = cmd.Process.Kill()
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// spawnChild builds and starts the child process, updates state, and
// launches the background goroutine that waits on it.
func (s *Supervisor) spawnChild(spec types.WorkloadSpec) error {
	s.mu.Lock()
	s.state.Status = types.StatusStarting
	s.mu.Unlock()
	s.persistState()

	cmd, err := s.executor.Build(spec)
	if err != nil {
		spawnErr := &daemonerrors.SpawnError{Workload: spec.Name, Message: "building command", Cause: err}
		s.markFailed(spawnErr)
		return spawnErr
	}
	stderrBuf := newRingBuffer(4096)
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		spawnErr := &daemonerrors.SpawnError{Workload: spec.Name, Message: "starting process", Cause: err}
		s.markFailed(spawnErr)
		return spawnErr
	}

	startedAt := time.Now()
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	doneCh := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.stderrBuf = stderrBuf
	s.state.Status = types.StatusRunning
	s.state.PID = cmd.Process.Pid
	s.state.LastStarted = &startedAt
	s.generation++
	gen := s.generation
	s.stopSignal = make(chan struct{})
	s.loopDone = doneCh
	stopSignal := s.stopSignal
	s.mu.Unlock()

	s.persistState()
	s.logger.WorkloadStarted(spec.Name, cmd.Process.Pid, string(spec.RunMode))

	go s.superviseLoop(gen, spec, cmd, stderrBuf, waitCh, stopSignal, startedAt, doneCh)
	return nil
}

// markFailed records a spawn-time failure: no process ever ran, so
// there is no RunRecord, but the workload still moves to failed and
// waits for an external Start()/Restart() trigger; no auto-retry
// follows a spawn failure.
func (s *Supervisor) markFailed(err error) {
	s.mu.Lock()
	s.state.Status = types.StatusFailed
	s.state.ConsecutiveFailures++
	s.state.LastError = err.Error()
	consecutiveFailures := s.state.ConsecutiveFailures
	name := s.spec.Name
	s.mu.Unlock()
	s.persistState()
	s.logger.WorkloadFailed(name, err.Error(), consecutiveFailures)
}

// MarkProcessLost handles a liveness-probe miss reported by the health
// monitor: the child recorded under pid is gone. The run is recorded as
// a RuntimeExit with error "process disappeared", status moves to
// failed, and the run-mode policy reacts exactly as it would to any
// other non-clean exit. Returns false without touching anything when
// the supervisor is no longer running that pid (the exit was already
// observed, or a new child replaced it).
func (s *Supervisor) MarkProcessLost(pid int) bool {
	s.mu.Lock()
	if s.state.Status != types.StatusRunning || pid == 0 || s.state.PID != pid {
		s.mu.Unlock()
		return false
	}
	spec := s.spec
	exit := daemonerrors.NewProcessLostExit(spec.Name)
	var startedAt time.Time
	if s.state.LastStarted != nil {
		startedAt = *s.state.LastStarted
	}
	finishedAt := time.Now()
	// Bump the generation so the wait goroutine still blocked on this
	// child sees itself superseded and does not record the run twice.
	s.generation++
	gen := s.generation
	stopSignal := s.stopSignal
	stopRequested := s.stopRequested
	s.state.PID = 0
	s.state.LastStopped = &finishedAt
	s.state.Status = types.StatusFailed
	s.state.LastError = exit.Error()
	s.mu.Unlock()

	exitCode := exit.ExitCode
	durationMs := finishedAt.Sub(startedAt).Milliseconds()
	s.appendRunRecord(types.RunRecord{
		WorkloadName: spec.Name,
		StartedAt:    startedAt,
		FinishedAt:   &finishedAt,
		ExitCode:     &exitCode,
		ErrorMessage: exit.ErrorMessage,
		DurationMs:   durationMs,
	})
	s.persistState()
	s.logger.ProcessLost(spec.Name, pid)
	s.logger.WorkloadExited(spec.Name, exit.ExitCode, false, durationMs)
	s.mu.RLock()
	m := s.metrics
	s.mu.RUnlock()
	if m != nil {
		m.RecordRun(spec.Name, false, float64(durationMs)/1000.0)
	}

	if stopRequested {
		s.mu.Lock()
		s.state.Status = types.StatusStopped
		s.mu.Unlock()
		s.persistState()
		return true
	}
	// The policy may sleep out a backoff before respawning; run it off
	// the caller's goroutine so a health sweep is never blocked on it.
	go s.applyRunModePolicy(spec, exit, time.Duration(durationMs)*time.Millisecond, gen, stopSignal)
	return true
}

// superviseLoop waits for the child to exit (or timeout_s to elapse),
// records the run, and then applies the workload's run-mode policy:
// restart immediately, restart after a backoff delay, mark completed,
// or settle into a terminal status.
func (s *Supervisor) superviseLoop(gen uint64, spec types.WorkloadSpec, cmd *exec.Cmd, stderrBuf *ringBuffer, waitCh chan error, stopSignal chan struct{}, startedAt time.Time, doneCh chan struct{}) {
	defer close(doneCh)

	var timeoutCh <-chan time.Time
	if spec.TimeoutS > 0 {
		timer := time.NewTimer(time.Duration(spec.TimeoutS * float64(time.Second)))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var exitErr error
	timedOut := false
	select {
	case exitErr = <-waitCh:
	case <-timeoutCh:
		timedOut = true
		terminateProcess(cmd, time.Duration(config.TimeoutGraceS*float64(time.Second)))
		exitErr = <-waitCh
	}

	finishedAt := time.Now()
	durationMs := finishedAt.Sub(startedAt).Milliseconds()

	var runtimeExit *daemonerrors.RuntimeExit
	switch {
	case timedOut:
		runtimeExit = daemonerrors.NewTimeoutExit(spec.Name)
	case exitErr != nil:
		exitCode := -1
		if ee, ok := exitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		runtimeExit = &daemonerrors.RuntimeExit{Workload: spec.Name, ExitCode: exitCode, ErrorMessage: tailOrEmpty(stderrBuf, exitCode)}
	default:
		runtimeExit = &daemonerrors.RuntimeExit{Workload: spec.Name, ExitCode: 0}
	}

	s.mu.Lock()
	superseded := s.generation != gen
	if !superseded {
		s.state.PID = 0
		s.state.LastStopped = &finishedAt
	}
	stopRequested := s.stopRequested
	s.mu.Unlock()

	// A superseded run has already been recorded and reacted to by
	// whoever bumped the generation (MarkProcessLost).
	if superseded {
		return
	}

	exitCodePtr := runtimeExit.ExitCode
	s.appendRunRecord(types.RunRecord{
		WorkloadName: spec.Name,
		StartedAt:    startedAt,
		FinishedAt:   &finishedAt,
		ExitCode:     &exitCodePtr,
		ErrorMessage: runtimeExit.ErrorMessage,
		DurationMs:   durationMs,
	})
	s.logger.WorkloadExited(spec.Name, runtimeExit.ExitCode, runtimeExit.Clean(), durationMs)
	s.mu.RLock()
	m := s.metrics
	s.mu.RUnlock()
	if m != nil {
		m.RecordRun(spec.Name, runtimeExit.Clean(), float64(durationMs)/1000.0)
	}

	if stopRequested {
		s.mu.Lock()
		s.state.Status = types.StatusStopped
		s.mu.Unlock()
		s.persistState()
		return
	}

	s.applyRunModePolicy(spec, runtimeExit, finishedAt.Sub(startedAt), gen, stopSignal)
}

func tailOrEmpty(buf *ringBuffer, exitCode int) string {
	if exitCode == 0 {
		return ""
	}
	return buf.String()
}

// applyRunModePolicy decides, once a run has finished, whether the
// workload completes, settles waiting for an external trigger, or
// restarts (immediately or after a backoff delay). A run that stayed up
// for at least restart_delay_s counts as having recovered even if it
// then exited non-zero, so consecutive_failures resets and the next
// delay is the flat restart_delay_s rather than the escalated backoff.
func (s *Supervisor) applyRunModePolicy(spec types.WorkloadSpec, exit *daemonerrors.RuntimeExit, runDuration time.Duration, gen uint64, stopSignal chan struct{}) {
	clean := exit.Clean()
	ranPastDelay := spec.RestartDelayS > 0 && runDuration >= time.Duration(spec.RestartDelayS*float64(time.Second))

	s.mu.Lock()
	s.state.RunCount++
	if clean || ranPastDelay {
		s.state.ConsecutiveFailures = 0
	} else {
		s.state.ConsecutiveFailures++
	}
	if !clean {
		s.state.LastError = exit.Error()
	}
	runCount := s.state.RunCount
	consecutiveFailures := s.state.ConsecutiveFailures
	s.mu.Unlock()

	if !clean {
		s.logger.WorkloadFailed(spec.Name, exit.Error(), consecutiveFailures)
	}

	switch spec.RunMode {
	case types.RunModeNTimes:
		if runCount >= spec.MaxRuns {
			s.mu.Lock()
			s.state.Status = types.StatusCompleted
			s.mu.Unlock()
			s.persistState()
			s.logger.WorkloadCompleted(spec.Name, runCount)
			return
		}
	case types.RunModeSchedule:
		status := types.StatusStopped
		if !clean {
			status = types.StatusFailed
		}
		s.mu.Lock()
		s.state.Status = status
		s.mu.Unlock()
		s.persistState()
		return
	case types.RunModeForever:
	}

	s.mu.Lock()
	s.state.Status = types.StatusStopped
	s.mu.Unlock()
	s.persistState()

	delay := backoffDelay(spec.RestartDelayS, consecutiveFailures, consecutiveFailures == 0)
	if delay > 0 {
		s.logger.RestartBackoff(spec.Name, delay.Seconds(), consecutiveFailures)
		s.mu.RLock()
		m := s.metrics
		s.mu.RUnlock()
		if m != nil {
			m.RecordRestartBackoff(spec.Name, delay.Seconds())
		}
		select {
		case <-time.After(delay):
		case <-stopSignal:
		}
	}

	s.mu.RLock()
	stillCurrent := s.generation == gen
	stopRequested := s.stopRequested
	s.mu.RUnlock()
	if !stillCurrent || stopRequested {
		return
	}

	if err := s.spawnChild(spec); err != nil {
		return
	}
}

// backoffDelay computes the wait before the next restart attempt: the
// flat restart_delay_s when the failure streak is broken (clean exit,
// or a run that outlasted restart_delay_s), or restart_delay_s doubled
// per consecutive failure and capped at MaxRestartBackoffS.
func backoffDelay(baseS float64, consecutiveFailures int, flat bool) time.Duration {
	if flat {
		if baseS <= 0 {
			return 0
		}
		return time.Duration(baseS * float64(time.Second))
	}
	mult := math.Pow(2, float64(consecutiveFailures-1))
	d := baseS * mult
	if d > config.MaxRestartBackoffS {
		d = config.MaxRestartBackoffS
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d * float64(time.Second))
}

func (s *Supervisor) persistState() {
	snap := s.Status()
	s.recordState(snap.Status)
	if s.store == nil {
		return
	}
	_ = s.store.SaveState(snap)
}

func (s *Supervisor) appendRunRecord(r types.RunRecord) {
	if s.store == nil {
		return
	}
	_ = s.store.AppendRunRecord(r)
}

// ringBuffer retains only the last capacity bytes written to it,
// capturing a bounded stderr tail for failure diagnostics.
type ringBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
