package types

import "time"

// DeploymentStatus is the overall state of a rolling deployment.
type DeploymentStatus string

const (
	DeploymentPending     DeploymentStatus = "pending"
	DeploymentInProgress  DeploymentStatus = "in_progress"
	DeploymentCompleted   DeploymentStatus = "completed"
	DeploymentFailed      DeploymentStatus = "failed"
	DeploymentRollingBack DeploymentStatus = "rolling_back"
	DeploymentRolledBack  DeploymentStatus = "rolled_back"
)

// ClientDeployStatus is the per-client state within a DeploymentRecord.
type ClientDeployStatus string

const (
	ClientDeployPending    ClientDeployStatus = "pending"
	ClientDeployDeploying  ClientDeployStatus = "deploying"
	ClientDeployDeployed   ClientDeployStatus = "deployed"
	ClientDeployHealthy    ClientDeployStatus = "healthy"
	ClientDeployFailed     ClientDeployStatus = "failed"
	ClientDeployRolledBack ClientDeployStatus = "rolled_back"
)

// DeploymentClientRecord tracks one target client's progress through a
// rolling deployment.
type DeploymentClientRecord struct {
	ClientName      string             `json:"client_name"`
	BatchNumber     int                `json:"batch_number"`
	Status          ClientDeployStatus `json:"status"`
	PreviousVersion string             `json:"previous_version,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// DeploymentRecord is the central controller's record of one rolling
// deployment across a set of target clients.
type DeploymentRecord struct {
	ID            string                    `json:"id"`
	Version       string                    `json:"version"`
	Status        DeploymentStatus          `json:"status"`
	BatchSize     int                       `json:"batch_size"`
	TargetClients []string                  `json:"target_clients"`
	Clients       []*DeploymentClientRecord `json:"clients"`
	AutoRollback  bool                      `json:"auto_rollback"`
	CreatedAt     time.Time                 `json:"created_at"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

// ClientRecord returns the DeploymentClientRecord for the named client, or
// nil if it is not a target of this deployment.
func (d *DeploymentRecord) ClientRecord(name string) *DeploymentClientRecord {
	for _, c := range d.Clients {
		if c.ClientName == name {
			return c
		}
	}
	return nil
}

// DeployRequest is the body of POST /api/fleet/deployments.
type DeployRequest struct {
	Version             string   `json:"version"`
	TargetClients       []string `json:"target_clients,omitempty"`
	BatchSize           int      `json:"batch_size"`
	HealthCheckTimeoutS float64  `json:"health_check_timeout_s"`
	AutoRollback        bool     `json:"auto_rollback"`
}
