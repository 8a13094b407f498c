package fleetstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// ErrDeploymentNotFound is returned by GetDeployment when no such
// deployment exists.
var ErrDeploymentNotFound = errors.New("fleetstore: deployment not found")

// CreateDeployment persists a new DeploymentRecord (and its per-client
// rows) in a single transaction, so a reader never observes a
// deployment row without its clients.
func (s *Store) CreateDeployment(d *types.DeploymentRecord) error {
	targets, err := json.Marshal(d.TargetClients)
	if err != nil {
		return fmt.Errorf("fleetstore: encoding target_clients: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("fleetstore: beginning create-deployment tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO deployments (id, version, status, batch_size, target_clients, auto_rollback, created_at, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Version, string(d.Status), d.BatchSize, string(targets), boolToInt(d.AutoRollback),
		d.CreatedAt.Format(time.RFC3339Nano), timePtrToString(d.StartedAt), timePtrToString(d.CompletedAt), d.Error,
	)
	if err != nil {
		return fmt.Errorf("fleetstore: inserting deployment %s: %w", d.ID, err)
	}

	for _, c := range d.Clients {
		if err := insertDeploymentClient(tx, d.ID, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateDeploymentStatus updates a deployment's overall status and
// timestamps/error.
func (s *Store) UpdateDeploymentStatus(id string, status types.DeploymentStatus, startedAt, completedAt *time.Time, deployErr string) error {
	_, err := s.db.Exec(`
		UPDATE deployments SET status = ?, started_at = COALESCE(?, started_at), completed_at = COALESCE(?, completed_at), error = ?
		WHERE id = ?`,
		string(status), timePtrToString(startedAt), timePtrToString(completedAt), deployErr, id,
	)
	if err != nil {
		return fmt.Errorf("fleetstore: updating deployment %s status: %w", id, err)
	}
	return nil
}

// UpdateDeploymentClientStatus updates one client's progress within a
// deployment in its own transaction. Only that client's
// deployment_clients row is written; the parent deployment row is not
// touched.
func (s *Store) UpdateDeploymentClientStatus(deploymentID string, c *types.DeploymentClientRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("fleetstore: beginning client-status tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE deployment_clients
		SET status = ?, started_at = ?, finished_at = ?, error = ?, previous_version = ?
		WHERE deployment_id = ? AND client_name = ?`,
		string(c.Status), timePtrToString(c.StartedAt), timePtrToString(c.FinishedAt), c.Error, c.PreviousVersion,
		deploymentID, c.ClientName,
	)
	if err != nil {
		return fmt.Errorf("fleetstore: updating deployment client %s/%s: %w", deploymentID, c.ClientName, err)
	}
	return tx.Commit()
}

// GetDeployment returns the full DeploymentRecord, including its
// per-client rows ordered by batch number then client name.
func (s *Store) GetDeployment(id string) (*types.DeploymentRecord, error) {
	row := s.db.QueryRow(`SELECT id, version, status, batch_size, target_clients, auto_rollback, created_at, started_at, completed_at, error FROM deployments WHERE id = ?`, id)
	d, err := scanDeploymentRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT client_name, batch_number, status, previous_version, started_at, finished_at, error
		FROM deployment_clients WHERE deployment_id = ? ORDER BY batch_number, client_name`, id)
	if err != nil {
		return nil, fmt.Errorf("fleetstore: listing deployment clients for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanDeploymentClient(rows)
		if err != nil {
			return nil, err
		}
		d.Clients = append(d.Clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDeployments returns the most recent deployments (without their
// per-client rows), newest first, capped at limit.
func (s *Store) ListDeployments(limit int) ([]*types.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, version, status, batch_size, target_clients, auto_rollback, created_at, started_at, completed_at, error FROM deployments ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fleetstore: listing deployments: %w", err)
	}
	defer rows.Close()

	var out []*types.DeploymentRecord
	for rows.Next() {
		d, err := scanDeploymentRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func insertDeploymentClient(tx *sql.Tx, deploymentID string, c *types.DeploymentClientRecord) error {
	_, err := tx.Exec(`
		INSERT INTO deployment_clients (deployment_id, client_name, batch_number, status, previous_version, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		deploymentID, c.ClientName, c.BatchNumber, string(c.Status), c.PreviousVersion,
		timePtrToString(c.StartedAt), timePtrToString(c.FinishedAt), c.Error,
	)
	if err != nil {
		return fmt.Errorf("fleetstore: inserting deployment client %s/%s: %w", deploymentID, c.ClientName, err)
	}
	return nil
}

func scanDeploymentRecord(row scannable) (*types.DeploymentRecord, error) {
	var (
		d                          types.DeploymentRecord
		status                     string
		targets                    string
		autoRollback               int
		createdAt                  string
		startedAt, completedAt     sql.NullString
		deployErr                  sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Version, &status, &d.BatchSize, &targets, &autoRollback, &createdAt, &startedAt, &completedAt, &deployErr); err != nil {
		return nil, err
	}
	d.Status = types.DeploymentStatus(status)
	d.AutoRollback = autoRollback != 0
	d.Error = deployErr.String
	if err := json.Unmarshal([]byte(targets), &d.TargetClients); err != nil {
		return nil, fmt.Errorf("fleetstore: decoding target_clients for %s: %w", d.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		d.CreatedAt = t
	}
	d.StartedAt = parseNullTime(startedAt)
	d.CompletedAt = parseNullTime(completedAt)
	return &d, nil
}

func scanDeploymentClient(row scannable) (*types.DeploymentClientRecord, error) {
	var (
		c                          types.DeploymentClientRecord
		status                     string
		previousVersion            sql.NullString
		startedAt, finishedAt      sql.NullString
		clientErr                  sql.NullString
	)
	if err := row.Scan(&c.ClientName, &c.BatchNumber, &status, &previousVersion, &startedAt, &finishedAt, &clientErr); err != nil {
		return nil, err
	}
	c.Status = types.ClientDeployStatus(status)
	c.PreviousVersion = previousVersion.String
	c.Error = clientErr.String
	c.StartedAt = parseNullTime(startedAt)
	c.FinishedAt = parseNullTime(finishedAt)
	return &c, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
