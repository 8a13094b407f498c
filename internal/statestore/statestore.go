// Package statestore persists each workload's WorkloadState and
// RunRecord history to an embedded SQLite database
// (modernc.org/sqlite: pure Go, no cgo, so the daemon cross-compiles
// cleanly to edge-device targets). Writes go through a bounded async
// queue; under backpressure the oldest queued write is dropped and a
// counter incremented rather than ever blocking the Supervisor
// goroutine that issued it. A background retention sweep caps
// run_records per workload.
package statestore

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

CREATE TABLE IF NOT EXISTS workload_state (
	name                 TEXT PRIMARY KEY,
	status               TEXT NOT NULL,
	pid                  INTEGER,
	run_count            INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_started         TEXT,
	last_stopped         TEXT,
	last_heartbeat       TEXT,
	last_error           TEXT,
	version              TEXT
);

CREATE TABLE IF NOT EXISTS run_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	workload_name TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	exit_code     INTEGER,
	error_message TEXT,
	duration_ms   INTEGER,
	FOREIGN KEY (workload_name) REFERENCES workload_state(name)
);
CREATE INDEX IF NOT EXISTS idx_run_records_workload ON run_records(workload_name, id);
`

type writeOp struct {
	state  *types.WorkloadState
	record *types.RunRecord
}

// Store is the embedded-SQLite-backed StateStore implementation
// consumed by internal/supervisor.Supervisor.
type Store struct {
	db     *sql.DB
	logger *events.EventLogger

	queue   chan writeOp
	wg      sync.WaitGroup
	closeCh chan struct{}

	retentionMu      sync.Mutex
	retentionRunning bool
	retentionStop    chan struct{}
	retentionDone    chan struct{}
	retentionPerWkld int

	metrics Recorder
}

// Recorder is the subset of metrics.Collector the Store reports to.
type Recorder interface {
	RecordStoreWriteDrop()
}

// SetMetrics attaches a Recorder.
func (s *Store) SetMetrics(m Recorder) {
	s.metrics = m
}

// Config configures Open.
type Config struct {
	Path               string
	QueueSize          int
	RunRecordRetention int
}

// Open creates (if needed) the database at cfg.Path, applies the
// schema, and starts the async write-queue drainer.
func Open(cfg Config, logger *events.EventLogger) (*Store, error) {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RunRecordRetention <= 0 {
		cfg.RunRecordRetention = 500
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("statestore: opening %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid lock contention

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:               db,
		logger:           logger,
		queue:            make(chan writeOp, cfg.QueueSize),
		closeCh:          make(chan struct{}),
		retentionPerWkld: cfg.RunRecordRetention,
	}
	s.wg.Add(1)
	go s.drain()
	return s, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("statestore: applying schema: %w", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("statestore: reading schema_version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("statestore: seeding schema_version: %w", err)
		}
	}
	return nil
}

// SaveState enqueues an upsert of a workload's current state. Never
// blocks: if the queue is full, the oldest queued write is dropped to
// make room and the drop is counted.
func (s *Store) SaveState(state types.WorkloadState) error {
	st := state
	s.enqueue(writeOp{state: &st})
	return nil
}

// AppendRunRecord enqueues an insert of a finished run. Same
// drop-oldest-under-backpressure behavior as SaveState.
func (s *Store) AppendRunRecord(r types.RunRecord) error {
	rec := r
	s.enqueue(writeOp{record: &rec})
	return nil
}

// enqueue adds op to the write queue. On overflow it evicts the oldest
// queued op, so the queue always keeps the most recent writes; evicting
// a stale state snapshot is harmless (a newer one supersedes it) and
// losing the oldest run record under sustained overload is the bounded
// cost of never blocking a state transition.
func (s *Store) enqueue(op writeOp) {
	for {
		select {
		case s.queue <- op:
			return
		default:
		}
		select {
		case <-s.queue:
			s.logger.StoreWriteDropped(len(s.queue))
			if s.metrics != nil {
				s.metrics.RecordStoreWriteDrop()
			}
		default:
		}
	}
}

func (s *Store) drain() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.queue:
			s.apply(op)
		case <-s.closeCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case op := <-s.queue:
					s.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) apply(op writeOp) {
	if op.state != nil {
		if err := s.upsertState(*op.state); err != nil {
			fmt.Printf("statestore: upsert state failed: %v\n", err)
		}
	}
	if op.record != nil {
		if err := s.insertRunRecord(*op.record); err != nil {
			fmt.Printf("statestore: insert run record failed: %v\n", err)
		}
	}
}

func (s *Store) upsertState(st types.WorkloadState) error {
	_, err := s.db.Exec(`
		INSERT INTO workload_state (name, status, pid, run_count, consecutive_failures, last_started, last_stopped, last_heartbeat, last_error, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status=excluded.status, pid=excluded.pid, run_count=excluded.run_count,
			consecutive_failures=excluded.consecutive_failures, last_started=excluded.last_started,
			last_stopped=excluded.last_stopped, last_heartbeat=excluded.last_heartbeat,
			last_error=excluded.last_error, version=excluded.version`,
		st.Name, string(st.Status), st.PID, st.RunCount, st.ConsecutiveFailures,
		timePtrToString(st.LastStarted), timePtrToString(st.LastStopped), timePtrToString(st.LastHeartbeat),
		st.LastError, st.Version,
	)
	return err
}

func (s *Store) insertRunRecord(r types.RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO run_records (workload_name, started_at, finished_at, exit_code, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.WorkloadName, r.StartedAt.Format(time.RFC3339Nano), timePtrToString(r.FinishedAt),
		intPtrToNull(r.ExitCode), r.ErrorMessage, r.DurationMs,
	)
	return err
}

// LoadState returns the persisted state for every workload, keyed by
// name, for the daemon to seed its Registry on startup after a crash
// or restart.
func (s *Store) LoadState() (map[string]types.WorkloadState, error) {
	rows, err := s.db.Query(`SELECT name, status, pid, run_count, consecutive_failures, last_started, last_stopped, last_heartbeat, last_error, version FROM workload_state`)
	if err != nil {
		return nil, fmt.Errorf("statestore: loading state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.WorkloadState)
	for rows.Next() {
		var (
			st                                                     types.WorkloadState
			status                                                 string
			pid, runCount, consecutiveFailures                     sql.NullInt64
			lastStarted, lastStopped, lastHeartbeat, lastErr, vers sql.NullString
		)
		if err := rows.Scan(&st.Name, &status, &pid, &runCount, &consecutiveFailures, &lastStarted, &lastStopped, &lastHeartbeat, &lastErr, &vers); err != nil {
			return nil, fmt.Errorf("statestore: scanning state row: %w", err)
		}
		st.Status = types.Status(status)
		st.PID = int(pid.Int64)
		st.RunCount = int(runCount.Int64)
		st.ConsecutiveFailures = int(consecutiveFailures.Int64)
		st.LastStarted = stringToTimePtr(lastStarted)
		st.LastStopped = stringToTimePtr(lastStopped)
		st.LastHeartbeat = stringToTimePtr(lastHeartbeat)
		st.LastError = lastErr.String
		st.Version = vers.String
		out[st.Name] = st
	}
	return out, rows.Err()
}

// StartRetention begins the background sweep that caps run_records per
// workload, deleting the oldest rows first once the count exceeds
// retentionPerWkld. Distinct from queue-overflow drops: this prunes
// history that was already durably written.
func (s *Store) StartRetention(interval time.Duration) {
	s.retentionMu.Lock()
	defer s.retentionMu.Unlock()
	if s.retentionRunning {
		return
	}
	s.retentionRunning = true
	s.retentionStop = make(chan struct{})
	s.retentionDone = make(chan struct{})
	go s.retentionLoop(interval, s.retentionStop, s.retentionDone)
}

// StopRetention halts the sweep and waits for it to exit.
func (s *Store) StopRetention() {
	s.retentionMu.Lock()
	if !s.retentionRunning {
		s.retentionMu.Unlock()
		return
	}
	s.retentionRunning = false
	stopCh := s.retentionStop
	done := s.retentionDone
	s.retentionMu.Unlock()

	close(stopCh)
	<-done
}

func (s *Store) retentionLoop(interval time.Duration, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.pruneRunRecords()
		}
	}
}

func (s *Store) pruneRunRecords() {
	names, err := s.db.Query(`SELECT DISTINCT workload_name FROM run_records`)
	if err != nil {
		return
	}
	var workloads []string
	for names.Next() {
		var n string
		if names.Scan(&n) == nil {
			workloads = append(workloads, n)
		}
	}
	names.Close()

	for _, name := range workloads {
		_, _ = s.db.Exec(`
			DELETE FROM run_records
			WHERE workload_name = ? AND id NOT IN (
				SELECT id FROM run_records WHERE workload_name = ? ORDER BY id DESC LIMIT ?
			)`, name, name, s.retentionPerWkld)
	}
}

// Close stops the write drainer (flushing whatever is already queued)
// and the retention sweep, then closes the database.
func (s *Store) Close() error {
	s.StopRetention()
	close(s.closeCh)
	s.wg.Wait()
	return s.db.Close()
}

func timePtrToString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func stringToTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func intPtrToNull(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
