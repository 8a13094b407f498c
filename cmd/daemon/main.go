// Command daemon is the device-side Master Control process: it loads a
// directory of workload specs, brings up the Registry/Scheduler/
// HealthMonitor/Orchestrator stack, and serves the LocalControlServer,
// RemoteControlServer, and HeartbeatReporter. Flags select config
// paths and ports; richer operator tooling lives in cmd/mctl.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mclarkelauer/mastercontrol/internal/auth"
	"github.com/mclarkelauer/mastercontrol/internal/config"
	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/health"
	"github.com/mclarkelauer/mastercontrol/internal/heartbeat"
	"github.com/mclarkelauer/mastercontrol/internal/localcontrol"
	"github.com/mclarkelauer/mastercontrol/internal/metrics"
	"github.com/mclarkelauer/mastercontrol/internal/orchestrator"
	"github.com/mclarkelauer/mastercontrol/internal/registry"
	"github.com/mclarkelauer/mastercontrol/internal/remotecontrol"
	"github.com/mclarkelauer/mastercontrol/internal/scheduler"
	"github.com/mclarkelauer/mastercontrol/internal/statestore"
	"github.com/mclarkelauer/mastercontrol/internal/supervisor"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// Version is the build-time version string reported at /api/health.
// Left as a plain var so release builds can ldflags-inject it.
var Version = "dev"

func main() {
	configDir := flag.String("config-dir", "/etc/mastercontrol/workloads.d", "Directory of workload spec YAML files")
	daemonConfig := flag.String("daemon-config", "/etc/mastercontrol/daemon.yaml", "Path to daemon.yaml (fleet/central sections)")
	socketPath := flag.String("socket", "/var/run/mastercontrol/daemon.sock", "LocalControlServer rendezvous path")
	launcherPath := flag.String("launcher-path", "mastercontrol-workload-runner", "Path to the built workload-runner binary")
	stateDBPath := flag.String("state-db", "/var/lib/mastercontrol/state.db", "StateStore SQLite file")
	remoteAddr := flag.String("remote-addr", "", "RemoteControlServer listen address (empty disables it)")
	watchConfig := flag.Bool("watch-config", true, "Reload automatically when config-dir changes")
	flag.Parse()

	logger := events.NewEventLogger("daemon")
	metricsCollector := metrics.NewCollector()

	if err := os.MkdirAll(filepath.Dir(*socketPath), 0o755); err != nil {
		fatal("creating socket dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(*stateDBPath), 0o755); err != nil {
		fatal("creating state dir: %v", err)
	}

	store, err := statestore.Open(statestore.Config{
		Path:               *stateDBPath,
		QueueSize:          config.DefaultStateStoreQueueSize,
		RunRecordRetention: config.DefaultRunRecordRetention,
	}, logger)
	if err != nil {
		fatal("opening state store: %v", err)
	}
	store.SetMetrics(metricsCollector)
	store.StartRetention(1 * time.Hour)
	defer store.Close()

	daemonCfg := config.DaemonConfig{}.WithDefaults()
	if _, statErr := os.Stat(*daemonConfig); statErr == nil {
		daemonCfg, err = config.LoadDaemonConfig(*daemonConfig)
		if err != nil {
			fatal("loading daemon config: %v", err)
		}
	}

	loadSpecs := func() ([]types.WorkloadSpec, error) {
		return config.LoadWorkloadDir(*configDir)
	}
	specs, err := loadSpecs()
	if err != nil {
		fatal("loading workload specs: %v", err)
	}

	seedStates, err := store.LoadState()
	if err != nil {
		fatal("loading persisted workload state: %v", err)
	}

	reg := registry.New()
	sched := scheduler.New(logger)
	sched.SetMetrics(metricsCollector)
	monitor := health.New(reg, logger, time.Duration(config.DefaultHealthMonitorIntervalS*float64(time.Second)), time.Duration(config.DefaultMemoryWarningCooldownS*float64(time.Second)))
	monitor.SetMetrics(metricsCollector)

	executor := supervisor.NewLauncherExecutor(*launcherPath)
	newSupervisor := func(spec types.WorkloadSpec) *supervisor.Supervisor {
		sup := supervisor.NewSupervisor(spec, executor, store, logger)
		sup.SetMetrics(metricsCollector)
		if seed, ok := seedStates[spec.Name]; ok {
			sup.SeedState(seed)
		}
		return sup
	}

	orch := orchestrator.New(reg, sched, monitor, logger, newSupervisor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := orch.Start(ctx, specs); err != nil {
		fatal("starting orchestrator: %v", err)
	}

	var remoteSrv *remotecontrol.Server
	if *remoteAddr != "" {
		var authCfg *auth.Config
		if daemonCfg.Fleet.APIToken != "" {
			authCfg = &auth.Config{Token: daemonCfg.Fleet.APIToken, SkipPaths: []string{"/api/health", "/metrics"}}
		}
		remoteSrv = remotecontrol.New(*remoteAddr, Version, reg, orch, loadSpecs, config.DefaultGraceS, authCfg, metricsCollector, logger)
		if err := remoteSrv.Start(); err != nil {
			fatal("starting remote control server: %v", err)
		}
	}

	shutdownOnce := make(chan struct{})
	requestShutdown := func() {
		select {
		case <-shutdownOnce:
		default:
			close(shutdownOnce)
		}
	}

	localSrv := localcontrol.New(*socketPath, reg, orch, loadSpecs, requestShutdown, config.DefaultGraceS, logger)
	if err := localSrv.Start(); err != nil {
		fatal("starting local control server: %v", err)
	}

	var reporter *heartbeat.Reporter
	if daemonCfg.Fleet.Enabled {
		interval := time.Duration(daemonCfg.Fleet.HeartbeatIntervalS * float64(time.Second))
		reporter = heartbeat.New(daemonCfg.Fleet.ClientName, deployedVersion(specs), daemonCfg.Fleet.CentralAPIURL, daemonCfg.Fleet.APIToken, reg, monitor, interval, logger)
		reporter.SetMetrics(metricsCollector)
		reporter.Start()
	}

	var watcher *fsnotify.Watcher
	if *watchConfig {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			logger.IpcRequestFailed("fsnotify", err.Error())
		} else {
			if err := watcher.Add(*configDir); err != nil {
				logger.IpcRequestFailed("fsnotify", err.Error())
			} else {
				go watchConfigDir(ctx, watcher, loadSpecs, orch, logger)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-shutdownOnce:
	}

	logger.ProcessLifecycle("shutting_down")
	if watcher != nil {
		_ = watcher.Close()
	}
	if reporter != nil {
		reporter.Stop()
	}
	cancel()
	orch.Shutdown(time.Duration(config.DefaultGraceS*float64(time.Second)) + 2*time.Second)
	if remoteSrv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = remoteSrv.Shutdown(shCtx)
		shCancel()
	}
	localSrv.Stop()
}

// deployedVersion reports the version of the last loaded spec (in load
// order) that declares a non-empty version, used as the heartbeat's
// deployed_version until a real
// fleet-wide version concept is layered on top by the operator's
// deploy tooling.
func deployedVersion(specs []types.WorkloadSpec) string {
	var v string
	for _, s := range specs {
		if s.Version != "" {
			v = s.Version
		}
	}
	return v
}

func watchConfigDir(ctx context.Context, watcher *fsnotify.Watcher, loadSpecs func() ([]types.WorkloadSpec, error), reloader interface {
	Reload(ctx context.Context, newSpecs []types.WorkloadSpec) (orchestrator.ReloadReport, error)
}, logger *events.EventLogger) {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !pending {
				pending = true
				debounce.Reset(500 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.IpcRequestFailed("fsnotify", err.Error())
		case <-debounce.C:
			pending = false
			specs, err := loadSpecs()
			if err != nil {
				logger.IpcRequestFailed("reload", err.Error())
				continue
			}
			if _, err := reloader.Reload(ctx, specs); err != nil {
				logger.IpcRequestFailed("reload", err.Error())
			}
		}
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mastercontrol-daemon: "+format+"\n", args...)
	os.Exit(1)
}
