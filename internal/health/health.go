// Package health runs the periodic liveness and memory-limit probe
// over supervised workloads, and caches a system-wide metrics snapshot
// for heartbeat reporting. Process and system sampling go through
// github.com/shirou/gopsutil/v3's process, mem, cpu, and disk packages.
package health

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// Monitor periodically probes every running workload's process for
// liveness and memory pressure, and keeps a cached SystemMetrics
// snapshot for the heartbeat reporter.
type Monitor struct {
	registry *registry.Registry
	logger   *events.EventLogger
	interval time.Duration

	mu            sync.RWMutex
	snapshot      types.SystemMetrics
	lastWarningAt map[string]time.Time
	warnCooldown  time.Duration

	stopCh  chan struct{}
	stopped chan struct{}
	startMu sync.Mutex
	running bool
	metrics Recorder
}

// Recorder is the subset of metrics.Collector the Monitor reports to.
type Recorder interface {
	RecordMemoryWarning(workload string)
}

// SetMetrics attaches a Recorder. Safe to call before or after Start.
func (m *Monitor) SetMetrics(rec Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = rec
}

// New returns a Monitor sampling reg every interval, throttling repeat
// memory-approach warnings per workload to warnCooldown.
func New(reg *registry.Registry, logger *events.EventLogger, interval, warnCooldown time.Duration) *Monitor {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Monitor{
		registry:      reg,
		logger:        logger,
		interval:      interval,
		lastWarningAt: make(map[string]time.Time),
		warnCooldown:  warnCooldown,
	}
}

// Snapshot returns the most recently sampled system metrics.
func (m *Monitor) Snapshot() types.SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Start begins the sampling loop. A no-op if already running.
func (m *Monitor) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.run(m.stopCh, m.stopped)
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.startMu.Lock()
	if !m.running {
		m.startMu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	stopped := m.stopped
	m.startMu.Unlock()

	close(stopCh)
	<-stopped
}

func (m *Monitor) run(stopCh, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.sampleOnce()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	m.mu.Lock()
	m.snapshot = sampleSystem()
	m.mu.Unlock()

	for _, snap := range m.registry.List() {
		if snap.State.Status != types.StatusRunning || snap.State.PID == 0 {
			continue
		}
		m.probeWorkload(snap)
	}
}

// probeWorkload checks liveness and memory pressure for one running
// workload. A liveness miss is handed back to the owning supervisor via
// MarkProcessLost, which records the run as "process disappeared",
// moves the workload to failed, and lets the run-mode policy react.
// The supervisor ignores the report if it has already observed the
// exit itself, so the probe never double-counts a run.
func (m *Monitor) probeWorkload(snap registry.Snapshot) {
	proc, err := process.NewProcess(int32(snap.State.PID))
	if err != nil {
		m.reportProcessLost(snap)
		return
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		m.reportProcessLost(snap)
		return
	}
	if snap.Spec.MemoryLimitMB <= 0 {
		return
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil || memInfo == nil {
		return
	}
	rssMB := float64(memInfo.RSS) / (1024 * 1024)
	limitMB := float64(snap.Spec.MemoryLimitMB)
	if rssMB < 0.9*limitMB {
		return
	}

	m.mu.Lock()
	last, warned := m.lastWarningAt[snap.Spec.Name]
	due := !warned || time.Since(last) >= m.warnCooldown
	if due {
		m.lastWarningAt[snap.Spec.Name] = time.Now()
	}
	m.mu.Unlock()

	if due {
		m.logger.MemoryApproachWarning(snap.Spec.Name, rssMB, limitMB)
		m.mu.RLock()
		rec := m.metrics
		m.mu.RUnlock()
		if rec != nil {
			rec.RecordMemoryWarning(snap.Spec.Name)
		}
	}
}

// reportProcessLost routes a liveness miss to the workload's
// supervisor. The entry may already be gone (a concurrent reload
// removed it), in which case there is nothing left to fail.
func (m *Monitor) reportProcessLost(snap registry.Snapshot) {
	entry, err := m.registry.Get(snap.Spec.Name)
	if err != nil {
		return
	}
	// No-op if the supervisor already observed the exit itself.
	entry.Supervisor.MarkProcessLost(snap.State.PID)
}

func sampleSystem() types.SystemMetrics {
	var out types.SystemMetrics
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		out.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
		out.MemoryTotalMB = float64(vm.Total) / (1024 * 1024)
	}
	if du, err := disk.Usage("/"); err == nil && du != nil {
		out.DiskUsedGB = float64(du.Used) / (1024 * 1024 * 1024)
		out.DiskTotalGB = float64(du.Total) / (1024 * 1024 * 1024)
	}
	return out
}
