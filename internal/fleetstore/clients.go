package fleetstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// UpsertFromHeartbeat records a device's HeartbeatPayload: the client's
// row moves to status=online with a fresh last_seen, and its workload
// snapshot table is replaced wholesale with the payload's contents.
// host and apiPort come from the daemon's own inventory registration
// (or the central config's static inventory), not the payload itself.
func (s *Store) UpsertFromHeartbeat(payload types.HeartbeatPayload, host string, apiPort int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("fleetstore: beginning heartbeat tx: %w", err)
	}
	defer tx.Rollback()

	now := payload.Timestamp.Format(time.RFC3339Nano)
	_, err = tx.Exec(`
		INSERT INTO clients (name, host, api_port, status, last_seen, cpu_percent, memory_used_mb, memory_total_mb, disk_used_gb, disk_total_gb, deployed_version)
		VALUES (?, ?, ?, 'online', ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host=excluded.host, api_port=excluded.api_port, status='online', last_seen=excluded.last_seen,
			cpu_percent=excluded.cpu_percent, memory_used_mb=excluded.memory_used_mb, memory_total_mb=excluded.memory_total_mb,
			disk_used_gb=excluded.disk_used_gb, disk_total_gb=excluded.disk_total_gb, deployed_version=excluded.deployed_version`,
		payload.ClientName, host, apiPort, now,
		payload.System.CPUPercent, payload.System.MemoryUsedMB, payload.System.MemoryTotalMB,
		payload.System.DiskUsedGB, payload.System.DiskTotalGB, payload.DeployedVersion,
	)
	if err != nil {
		return fmt.Errorf("fleetstore: upserting client %s: %w", payload.ClientName, err)
	}

	if _, err := tx.Exec(`DELETE FROM workloads_by_client WHERE client_name = ?`, payload.ClientName); err != nil {
		return fmt.Errorf("fleetstore: clearing workloads for %s: %w", payload.ClientName, err)
	}
	for _, w := range payload.Workloads {
		_, err := tx.Exec(`
			INSERT INTO workloads_by_client (client_name, workload_name, type, run_mode, status, pid, run_count, last_started, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			payload.ClientName, w.Name, w.Type, w.RunMode, w.Status, nullIntIfZero(w.PID), w.RunCount,
			timePtrToString(w.LastStarted), w.LastError,
		)
		if err != nil {
			return fmt.Errorf("fleetstore: inserting workload %s/%s: %w", payload.ClientName, w.Name, err)
		}
	}

	return tx.Commit()
}

// RegisterClient seeds a client row from static inventory
// so proxy routes and the Deployer can resolve its host/port before
// its first heartbeat ever arrives. A client already known (from a
// prior heartbeat or a previous registration) keeps its current
// status and cached metrics; only host/api_port are refreshed.
func (s *Store) RegisterClient(name, host string, apiPort int) error {
	_, err := s.db.Exec(`
		INSERT INTO clients (name, host, api_port, status)
		VALUES (?, ?, ?, 'offline')
		ON CONFLICT(name) DO UPDATE SET host=excluded.host, api_port=excluded.api_port`,
		name, host, apiPort,
	)
	if err != nil {
		return fmt.Errorf("fleetstore: registering client %s: %w", name, err)
	}
	return nil
}

// GetClient returns the persisted overview for name.
func (s *Store) GetClient(name string) (types.ClientOverview, error) {
	row := s.db.QueryRow(`SELECT name, host, api_port, status, last_seen, cpu_percent, memory_used_mb, memory_total_mb, disk_used_gb, disk_total_gb, deployed_version FROM clients WHERE name = ?`, name)
	return scanClientOverview(row)
}

// ListClients returns every persisted client overview, ordered by name.
func (s *Store) ListClients() ([]types.ClientOverview, error) {
	rows, err := s.db.Query(`SELECT name, host, api_port, status, last_seen, cpu_percent, memory_used_mb, memory_total_mb, disk_used_gb, disk_total_gb, deployed_version FROM clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("fleetstore: listing clients: %w", err)
	}
	defer rows.Close()

	var out []types.ClientOverview
	for rows.Next() {
		overview, err := scanClientOverview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, overview)
	}
	return out, rows.Err()
}

// ListClientWorkloads returns the cached workload snapshot for one client.
func (s *Store) ListClientWorkloads(clientName string) ([]types.WorkloadInfo, error) {
	rows, err := s.db.Query(`SELECT workload_name, type, run_mode, status, pid, run_count, last_started, last_error FROM workloads_by_client WHERE client_name = ? ORDER BY workload_name`, clientName)
	if err != nil {
		return nil, fmt.Errorf("fleetstore: listing workloads for %s: %w", clientName, err)
	}
	defer rows.Close()

	var out []types.WorkloadInfo
	for rows.Next() {
		w, err := scanWorkloadInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetClientWorkload returns one cached workload snapshot, or
// sql.ErrNoRows if the client or workload isn't known.
func (s *Store) GetClientWorkload(clientName, workloadName string) (types.WorkloadInfo, error) {
	row := s.db.QueryRow(`SELECT workload_name, type, run_mode, status, pid, run_count, last_started, last_error FROM workloads_by_client WHERE client_name = ? AND workload_name = ?`, clientName, workloadName)
	return scanWorkloadInfo(row)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanClientOverview(row scannable) (types.ClientOverview, error) {
	var (
		c                    types.ClientOverview
		status               string
		lastSeen             sql.NullString
		cpu, memUsed, memTot sql.NullFloat64
		diskUsed, diskTot    sql.NullFloat64
		deployedVersion      sql.NullString
	)
	if err := row.Scan(&c.Name, &c.Host, &c.APIPort, &status, &lastSeen, &cpu, &memUsed, &memTot, &diskUsed, &diskTot, &deployedVersion); err != nil {
		return types.ClientOverview{}, err
	}
	c.Status = types.ClientStatus(status)
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
			c.LastSeen = t
		}
	}
	c.System = types.SystemMetrics{
		CPUPercent:    cpu.Float64,
		MemoryUsedMB:  memUsed.Float64,
		MemoryTotalMB: memTot.Float64,
		DiskUsedGB:    diskUsed.Float64,
		DiskTotalGB:   diskTot.Float64,
	}
	c.DeployedVersion = deployedVersion.String
	return c, nil
}

func scanWorkloadInfo(row scannable) (types.WorkloadInfo, error) {
	var (
		w                      types.WorkloadInfo
		pid, runCount          sql.NullInt64
		lastStarted, lastError sql.NullString
	)
	if err := row.Scan(&w.Name, &w.Type, &w.RunMode, &w.Status, &pid, &runCount, &lastStarted, &lastError); err != nil {
		return types.WorkloadInfo{}, err
	}
	w.PID = int(pid.Int64)
	w.RunCount = int(runCount.Int64)
	w.LastError = lastError.String
	if lastStarted.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastStarted.String); err == nil {
			w.LastStarted = &t
		}
	}
	return w, nil
}

func nullIntIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func timePtrToString(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// StartStaleSweep begins the background task that marks
// clients stale after staleThreshold without a heartbeat, and offline
// after 3x that threshold.
func (s *Store) StartStaleSweep(interval time.Duration) {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	if s.staleRunning {
		return
	}
	s.staleRunning = true
	s.staleStop = make(chan struct{})
	s.staleDone = make(chan struct{})
	go s.staleSweepLoop(interval, s.staleStop, s.staleDone)
}

// StopStaleSweep halts the sweep and waits for it to exit.
func (s *Store) StopStaleSweep() {
	s.staleMu.Lock()
	if !s.staleRunning {
		s.staleMu.Unlock()
		return
	}
	s.staleRunning = false
	stopCh := s.staleStop
	done := s.staleDone
	s.staleMu.Unlock()

	close(stopCh)
	<-done
}

func (s *Store) staleSweepLoop(interval time.Duration, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.sweepStaleClients()
		}
	}
}

func (s *Store) sweepStaleClients() {
	clients, err := s.ListClients()
	if err != nil {
		return
	}
	now := time.Now()
	counts := map[types.ClientStatus]int{
		types.ClientStatusOnline:  0,
		types.ClientStatusStale:   0,
		types.ClientStatusOffline: 0,
	}
	for _, c := range clients {
		want := c.Status
		age := now.Sub(c.LastSeen)
		switch {
		case age > 3*s.staleThreshold:
			want = types.ClientStatusOffline
		case age > s.staleThreshold:
			want = types.ClientStatusStale
		default:
			want = types.ClientStatusOnline
		}
		if want != c.Status {
			if _, err := s.db.Exec(`UPDATE clients SET status = ? WHERE name = ?`, string(want), c.Name); err == nil {
				s.logger.ClientStatusChanged(c.Name, string(c.Status), string(want))
			}
			c.Status = want
		}
		counts[c.Status]++
	}

	s.metaMu.RLock()
	m := s.metrics
	s.metaMu.RUnlock()
	if m != nil {
		m.SetFleetClientCounts(counts)
	}
}
