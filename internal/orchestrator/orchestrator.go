// Package orchestrator wires the daemon's components together and
// implements the hot-reload differ: given a new configuration set,
// compute the minimal set of registry mutations against the live set
// and apply them.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mclarkelauer/mastercontrol/internal/config"
	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/scheduler"
	"github.com/mclarkelauer/mastercontrol/internal/supervisor"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// SupervisorFactory builds a Supervisor for a freshly-registered spec.
type SupervisorFactory func(spec types.WorkloadSpec) *supervisor.Supervisor

// HealthMonitor is the subset of health.Monitor the Orchestrator drives.
type HealthMonitor interface {
	Start()
	Stop()
}

// ReloadReport is reload()'s diff result: the workload names in each
// outcome bucket.
type ReloadReport struct {
	Added     []string
	Removed   []string
	Restarted []string
	Unchanged []string
}

// Orchestrator owns startup/shutdown ordering and the reload() diff
// algorithm.
type Orchestrator struct {
	registry      *registry.Registry
	scheduler     *scheduler.Scheduler
	health        HealthMonitor
	logger        *events.EventLogger
	newSupervisor SupervisorFactory
	graceS        float64
}

// New returns an Orchestrator over the given components. newSupervisor
// builds a fresh Supervisor for each spec the differ inserts.
func New(reg *registry.Registry, sched *scheduler.Scheduler, monitor HealthMonitor, logger *events.EventLogger, newSupervisor SupervisorFactory) *Orchestrator {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Orchestrator{
		registry:      reg,
		scheduler:     sched,
		health:        monitor,
		logger:        logger,
		newSupervisor: newSupervisor,
		graceS:        config.DefaultGraceS,
	}
}

// Start brings every component up and applies the start-on-boot policy
// to an initial spec set: run_mode=forever and run_mode=schedule
// workloads start (or get scheduled) automatically; run_mode=n_times
// and type=script workloads wait for an explicit request.
func (o *Orchestrator) Start(ctx context.Context, specs []types.WorkloadSpec) (ReloadReport, error) {
	go o.scheduler.Run(ctx)
	o.health.Start()
	return o.Reload(ctx, specs)
}

// Shutdown stops the scheduler, then the health monitor, then issues a
// parallel stop() to every supervisor and waits for all of them.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.scheduler.Stop()
	o.health.Stop()

	names := o.registry.Names()
	done := make(chan struct{}, len(names))
	for _, name := range names {
		name := name
		go func() {
			defer func() { done <- struct{}{} }()
			entry, err := o.registry.Get(name)
			if err != nil {
				return
			}
			if sup, ok := entry.Supervisor.(*supervisor.Supervisor); ok {
				_ = sup.Stop(grace)
			}
		}()
	}
	for range names {
		<-done
	}
}

// Reload diffs newSpecs against the live registry and applies the
// minimal set of mutations: insert additions, remove deletions, swap
// and restart changed specs, leave unchanged specs alone.
func (o *Orchestrator) Reload(ctx context.Context, newSpecs []types.WorkloadSpec) (ReloadReport, error) {
	newByName := make(map[string]types.WorkloadSpec, len(newSpecs))
	for _, s := range newSpecs {
		newByName[s.Name] = s
	}
	liveNames := make(map[string]bool)
	for _, n := range o.registry.Names() {
		liveNames[n] = true
	}

	var report ReloadReport
	grace := time.Duration(o.graceS * float64(time.Second))

	for name := range liveNames {
		if _, stillDeclared := newByName[name]; stillDeclared {
			continue
		}
		entry, err := o.registry.Remove(name)
		if err != nil {
			continue
		}
		o.scheduler.Remove(name)
		if sup, ok := entry.Supervisor.(*supervisor.Supervisor); ok {
			_ = sup.Stop(grace)
		}
		report.Removed = append(report.Removed, name)
	}

	for _, spec := range newSpecs {
		if !liveNames[spec.Name] {
			sup := o.newSupervisor(spec)
			if err := o.registry.Insert(spec.Name, sup); err != nil {
				return report, fmt.Errorf("orchestrator: inserting %s: %w", spec.Name, err)
			}
			o.applyStartOnBoot(ctx, spec, sup)
			report.Added = append(report.Added, spec.Name)
			continue
		}

		entry, err := o.registry.Get(spec.Name)
		if err != nil {
			continue
		}
		current := entry.Supervisor.Spec()
		if current.Equal(spec) {
			report.Unchanged = append(report.Unchanged, spec.Name)
			continue
		}

		wasRunning := entry.Supervisor.Status().Status == types.StatusRunning
		entry.Supervisor.SetSpec(spec)
		o.scheduler.Remove(spec.Name)
		if spec.RunMode == types.RunModeSchedule {
			_ = o.scheduler.Add(spec.Name, spec.Schedule, entry.Supervisor.(*supervisor.Supervisor))
		}
		if wasRunning {
			if sup, ok := entry.Supervisor.(*supervisor.Supervisor); ok {
				_ = sup.Restart(ctx, grace)
			}
		}
		report.Restarted = append(report.Restarted, spec.Name)
	}

	o.logger.ReloadApplied(len(report.Added), len(report.Removed), len(report.Restarted), len(report.Unchanged))
	return report, nil
}

func (o *Orchestrator) applyStartOnBoot(ctx context.Context, spec types.WorkloadSpec, sup *supervisor.Supervisor) {
	autoStart := (spec.RunMode == types.RunModeForever || spec.RunMode == types.RunModeSchedule) &&
		spec.Type != types.WorkloadTypeScript

	switch {
	case !autoStart:
		return
	case spec.RunMode == types.RunModeSchedule:
		_ = o.scheduler.Add(spec.Name, spec.Schedule, sup)
	default:
		_ = sup.Start(ctx)
	}
}
