// Package fleetstore persists the controller's view of the device
// fleet (client overviews, their latest workload snapshots, and
// rolling-deployment records) to an embedded SQLite database
// (modernc.org/sqlite, matching internal/statestore's pure-Go choice so
// the controller binary cross-compiles as cleanly as the daemon).
// Same schema/migrate/Open shape as internal/statestore.Store;
// unlike the device-side StateStore, writes here are synchronous and
// wrapped in transactions around deployment updates, since
// the controller has no Supervisor-style caller that must never block.
package fleetstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS clients (
	name             TEXT PRIMARY KEY,
	host             TEXT NOT NULL,
	api_port         INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'offline',
	last_seen        TEXT,
	cpu_percent      REAL,
	memory_used_mb   REAL,
	memory_total_mb  REAL,
	disk_used_gb     REAL,
	disk_total_gb    REAL,
	deployed_version TEXT
);

CREATE TABLE IF NOT EXISTS workloads_by_client (
	client_name   TEXT NOT NULL,
	workload_name TEXT NOT NULL,
	type          TEXT,
	run_mode      TEXT,
	status        TEXT,
	pid           INTEGER,
	run_count     INTEGER,
	last_started  TEXT,
	last_error    TEXT,
	PRIMARY KEY (client_name, workload_name)
);

CREATE TABLE IF NOT EXISTS deployments (
	id             TEXT PRIMARY KEY,
	version        TEXT NOT NULL,
	status         TEXT NOT NULL,
	batch_size     INTEGER NOT NULL,
	target_clients TEXT NOT NULL,
	auto_rollback  INTEGER NOT NULL,
	created_at     TEXT NOT NULL,
	started_at     TEXT,
	completed_at   TEXT,
	error          TEXT
);

CREATE TABLE IF NOT EXISTS deployment_clients (
	deployment_id    TEXT NOT NULL,
	client_name      TEXT NOT NULL,
	batch_number     INTEGER NOT NULL,
	status           TEXT NOT NULL,
	previous_version TEXT,
	started_at       TEXT,
	finished_at      TEXT,
	error            TEXT,
	PRIMARY KEY (deployment_id, client_name),
	FOREIGN KEY (deployment_id) REFERENCES deployments(id)
);
CREATE INDEX IF NOT EXISTS idx_deployment_clients_deployment ON deployment_clients(deployment_id);
`

// Recorder is the subset of metrics.Collector the Store reports to.
type Recorder interface {
	SetFleetClientCounts(counts map[types.ClientStatus]int)
}

// Store is the embedded-SQLite-backed controller persistence layer.
type Store struct {
	db     *sql.DB
	logger *events.EventLogger

	staleMu      sync.Mutex
	staleRunning bool
	staleStop    chan struct{}
	staleDone    chan struct{}

	staleThreshold time.Duration

	metrics Recorder
	metaMu  sync.RWMutex
}

// Config configures Open.
type Config struct {
	Path            string
	StaleThresholdS float64
}

// Open creates (if needed) the database at cfg.Path and applies the schema.
func Open(cfg Config, logger *events.EventLogger) (*Store, error) {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	if cfg.StaleThresholdS <= 0 {
		cfg.StaleThresholdS = 90.0
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("fleetstore: opening %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:             db,
		logger:         logger,
		staleThreshold: time.Duration(cfg.StaleThresholdS * float64(time.Second)),
	}, nil
}

// SetMetrics attaches a Recorder.
func (s *Store) SetMetrics(m Recorder) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.metrics = m
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("fleetstore: applying schema: %w", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("fleetstore: reading schema_version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("fleetstore: seeding schema_version: %w", err)
		}
	}
	return nil
}

// Close closes the database. Callers should StopStaleSweep first if it
// was started.
func (s *Store) Close() error {
	return s.db.Close()
}
