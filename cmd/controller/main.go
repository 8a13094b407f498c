// Command controller is the central Master Control process: it serves
// the fleet HTTP API (heartbeat ingest, client/workload listing,
// proxied device commands, and deployment lifecycle), backed by the
// embedded FleetStore, and drives rolling deployments through the
// Deployer. Flags select the database path, inventory, and listen
// address.
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

	"github.com/mclarkelauer/mastercontrol/internal/auth"
	"github.com/mclarkelauer/mastercontrol/internal/config"
	"github.com/mclarkelauer/mastercontrol/internal/controllerapi"
	"github.com/mclarkelauer/mastercontrol/internal/deployer"
	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/fleetclient"
	"github.com/mclarkelauer/mastercontrol/internal/fleetstore"
	"github.com/mclarkelauer/mastercontrol/internal/metrics"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

func main() {
	daemonConfigPath := flag.String("daemon-config", "/etc/mastercontrol/daemon.yaml", "Path to daemon.yaml (fleet/central sections)")
	addr := flag.String("addr", ":8080", "Fleet HTTP API listen address")
	dbPath := flag.String("db", "/var/lib/mastercontrol/fleet.db", "FleetStore SQLite file")
	inventoryPath := flag.String("inventory", "", "Optional static client inventory YAML")
	staleThresholdS := flag.Float64("stale-threshold-s", config.DefaultStaleThresholdS, "Seconds without a heartbeat before a client is marked stale")
	deployScriptPath := flag.String("deploy-script", "", "External sync procedure invoked by the Deployer")
	apiToken := flag.String("api-token", "", "Bearer token required of fleet API and device-proxy callers")
	flag.Parse()

	logger := events.NewEventLogger("controller")
	metricsCollector := metrics.NewCollector()

	cfg := config.CentralConfig{StaleThresholdS: *staleThresholdS}
	if _, statErr := os.Stat(*daemonConfigPath); statErr == nil {
		daemonCfg, err := config.LoadDaemonConfig(*daemonConfigPath)
		if err != nil {
			fatal("loading daemon config: %v", err)
		}
		cfg = daemonCfg.Central
		if cfg.StaleThresholdS <= 0 {
			cfg.StaleThresholdS = *staleThresholdS
		}
		if *deployScriptPath == "" {
			*deployScriptPath = cfg.DeployScriptPath
		}
		if *apiToken == "" {
			*apiToken = cfg.APIToken
		}
		if *dbPath == "/var/lib/mastercontrol/fleet.db" && cfg.DBPath != "" {
			*dbPath = cfg.DBPath
		}
		if *inventoryPath == "" {
			*inventoryPath = cfg.InventoryPath
		}
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		fatal("creating db dir: %v", err)
	}

	store, err := fleetstore.Open(fleetstore.Config{Path: *dbPath, StaleThresholdS: cfg.StaleThresholdS}, logger)
	if err != nil {
		fatal("opening fleet store: %v", err)
	}
	store.SetMetrics(metricsCollector)
	store.StartStaleSweep(time.Duration(config.DefaultStaleCheckIntervalS * float64(time.Second)))
	defer store.Close()

	inventory, err := config.LoadInventory(*inventoryPath)
	if err != nil {
		fatal("loading inventory: %v", err)
	}
	for _, entry := range inventory {
		if err := store.RegisterClient(entry.Name, entry.Host, entry.APIPort); err != nil {
			logger.IpcRequestFailed("register_client", err.Error())
		}
	}

	resolveClient := func(c types.ClientOverview) *fleetclient.Client {
		return fleetclient.New(c.Host, c.APIPort, *apiToken)
	}

	dep := deployer.New(store, func(c types.ClientOverview) deployer.FleetClient {
		return resolveClient(c)
	}, *deployScriptPath, logger)
	dep.SetMetrics(metricsCollector)

	var authCfg *auth.Config
	if *apiToken != "" {
		authCfg = &auth.Config{Token: *apiToken, SkipPaths: []string{"/api/health", "/metrics"}}
	}

	api := controllerapi.New(*addr, store, func(c types.ClientOverview) controllerapi.ProxyClient {
		return resolveClient(c)
	}, dep, authCfg, metricsCollector, logger)

	if err := api.Start(); err != nil {
		fatal("starting fleet API: %v", err)
	}
	logger.ProcessLifecycle("started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.ProcessLifecycle("shutting_down")
	store.StopStaleSweep()
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = api.Shutdown(shCtx)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mastercontrol-controller: "+format+"\n", args...)
	os.Exit(1)
}
