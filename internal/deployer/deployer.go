// Package deployer implements rolling, batched version rollouts: sync
// each batch's clients in parallel via an external sync procedure,
// reload and health-gate them, and either advance to the next batch or
// roll the whole deployment back. The state machine advances on
// success and fails closed on error, per client and per batch.
package deployer

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/fleeterrors"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// healthPollInterval is how often a deploying client's health endpoint
// is polled during the health gate.
const healthPollInterval = 2 * time.Second

// FleetClient is the subset of fleetclient.Client the Deployer drives.
type FleetClient interface {
	Reload(ctx context.Context, clientName string) (map[string]interface{}, error)
	Health(ctx context.Context, clientName string) (map[string]interface{}, error)
}

// Store is the subset of fleetstore.Store the Deployer persists through.
type Store interface {
	GetClient(name string) (types.ClientOverview, error)
	ListClients() ([]types.ClientOverview, error)
	CreateDeployment(d *types.DeploymentRecord) error
	GetDeployment(id string) (*types.DeploymentRecord, error)
	UpdateDeploymentStatus(id string, status types.DeploymentStatus, startedAt, completedAt *time.Time, deployErr string) error
	UpdateDeploymentClientStatus(deploymentID string, c *types.DeploymentClientRecord) error
}

// Recorder is the subset of metrics.Collector the Deployer reports to.
type Recorder interface {
	SetDeploymentClientStatus(deploymentID, client string, status types.ClientDeployStatus)
	RecordBatchOutcome(deploymentID, outcome string)
}

// clientResolver resolves a FleetClient for a named device, looking up
// its host/port from the Store. Kept as a func field (not part of the
// FleetClient interface) so the Deployer doesn't need one long-lived
// HTTP client per device up front.
type clientResolver func(client types.ClientOverview) FleetClient

// Deployer drives rolling deployments.
type Deployer struct {
	store          Store
	resolveClient  clientResolver
	syncScriptPath string
	logger         *events.EventLogger

	mu     sync.RWMutex
	active map[string]*inflight

	metricsMu sync.RWMutex
	metrics   Recorder
}

type inflight struct {
	cancel context.CancelFunc
}

// New returns a Deployer. resolveClient builds a FleetClient for a
// ClientOverview (typically fleetclient.New(c.Host, c.APIPort, token)).
// syncScriptPath is the external sync executable invoked per client.
func New(store Store, resolveClient func(types.ClientOverview) FleetClient, syncScriptPath string, logger *events.EventLogger) *Deployer {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Deployer{
		store:          store,
		resolveClient:  resolveClient,
		syncScriptPath: syncScriptPath,
		logger:         logger,
		active:         make(map[string]*inflight),
	}
}

// SetMetrics attaches a Recorder.
func (d *Deployer) SetMetrics(m Recorder) {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	d.metrics = m
}

func (d *Deployer) recorder() Recorder {
	d.metricsMu.RLock()
	defer d.metricsMu.RUnlock()
	return d.metrics
}

// Start validates req, persists a pending DeploymentRecord, and kicks
// off the batch loop in a background goroutine. It returns the
// DeploymentRecord as initially persisted (status=pending).
func (d *Deployer) Start(req types.DeployRequest) (*types.DeploymentRecord, error) {
	if req.Version == "" {
		return nil, fleeterrors.NewBadRequest("version is required")
	}
	if req.BatchSize < 1 {
		return nil, fleeterrors.NewBadRequest("batch_size must be >= 1")
	}

	targets := req.TargetClients
	if len(targets) == 0 {
		clients, err := d.store.ListClients()
		if err != nil {
			return nil, fleeterrors.NewInternal(err)
		}
		for _, c := range clients {
			if c.Status == types.ClientStatusOnline {
				targets = append(targets, c.Name)
			}
		}
	}
	if len(targets) == 0 {
		return nil, fleeterrors.NewBadRequest("no target clients available")
	}

	record := &types.DeploymentRecord{
		ID:            uuid.NewString(),
		Version:       req.Version,
		Status:        types.DeploymentPending,
		BatchSize:     req.BatchSize,
		TargetClients: targets,
		AutoRollback:  req.AutoRollback,
		CreatedAt:     time.Now(),
	}
	for i, name := range targets {
		previous := ""
		if overview, err := d.store.GetClient(name); err == nil {
			previous = overview.DeployedVersion
		}
		record.Clients = append(record.Clients, &types.DeploymentClientRecord{
			ClientName:      name,
			BatchNumber:     i / req.BatchSize,
			Status:          types.ClientDeployPending,
			PreviousVersion: previous,
		})
	}

	if err := d.store.CreateDeployment(record); err != nil {
		return nil, fleeterrors.NewInternal(err)
	}

	healthTimeout := time.Duration(req.HealthCheckTimeoutS * float64(time.Second))
	if healthTimeout <= 0 {
		healthTimeout = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.active[record.ID] = &inflight{cancel: cancel}
	d.mu.Unlock()

	go d.run(ctx, record.ID, req.Version, healthTimeout, req.AutoRollback)

	return record, nil
}

// Cancel requests cancellation of an in-progress deployment. It is a
// no-op (returning false) if the deployment isn't active.
func (d *Deployer) Cancel(id string) bool {
	d.mu.RLock()
	fl, ok := d.active[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	fl.cancel()
	return true
}

func (d *Deployer) run(ctx context.Context, id, version string, healthTimeout time.Duration, autoRollback bool) {
	defer func() {
		d.mu.Lock()
		delete(d.active, id)
		d.mu.Unlock()
	}()

	now := time.Now()
	d.setStatus(id, types.DeploymentInProgress, &now, nil, "")

	record, err := d.store.GetDeployment(id)
	if err != nil {
		d.setStatus(id, types.DeploymentFailed, nil, timeNow(), err.Error())
		return
	}

	batches := groupByBatch(record.Clients)
	cancelled := false
	failedBatch := false

	for _, batch := range batches {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		d.logger.DeploymentBatchAdvanced(id, batch[0].BatchNumber, len(batch))
		// Once a batch starts, it runs to completion even if ctx is
		// cancelled mid-flight: cancel lets the in-flight batch's
		// in-progress work finish and only prevents the next batch
		// from starting.
		d.runBatch(context.Background(), id, version, healthTimeout, batch)

		allHealthy := true
		for _, c := range batch {
			if c.Status != types.ClientDeployHealthy {
				allHealthy = false
			}
		}
		if !allHealthy {
			failedBatch = true
			break
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
	}

	rec := d.recorder()

	switch {
	case cancelled:
		d.finishWithRollback(ctx, id, record, autoRollback, "cancelled")
		if rec != nil {
			rec.RecordBatchOutcome(id, "cancelled")
		}
	case failedBatch:
		d.finishWithRollback(ctx, id, record, autoRollback, "batch failed health gate")
		if rec != nil {
			rec.RecordBatchOutcome(id, "failed")
		}
	default:
		completed := time.Now()
		d.setStatus(id, types.DeploymentCompleted, nil, &completed, "")
		if rec != nil {
			rec.RecordBatchOutcome(id, "completed")
		}
	}
}

func (d *Deployer) runBatch(ctx context.Context, deploymentID, version string, healthTimeout time.Duration, batch []*types.DeploymentClientRecord) {
	var wg sync.WaitGroup
	for _, c := range batch {
		wg.Add(1)
		go func(c *types.DeploymentClientRecord) {
			defer wg.Done()
			d.deployOne(ctx, deploymentID, version, healthTimeout, c)
		}(c)
	}
	wg.Wait()
}

func (d *Deployer) deployOne(ctx context.Context, deploymentID, version string, healthTimeout time.Duration, c *types.DeploymentClientRecord) {
	started := time.Now()
	c.StartedAt = &started
	d.setClientStatus(deploymentID, c, types.ClientDeployDeploying, "")

	overview, err := d.store.GetClient(c.ClientName)
	if err != nil {
		d.failClient(deploymentID, c, fmt.Errorf("looking up client: %w", err))
		return
	}

	if err := runSync(ctx, d.syncScriptPath, c.ClientName, version); err != nil {
		d.failClient(deploymentID, c, fmt.Errorf("sync: %w", err))
		return
	}

	fc := d.resolveClient(overview)
	if _, err := fc.Reload(ctx, c.ClientName); err != nil {
		d.failClient(deploymentID, c, fmt.Errorf("reload: %w", err))
		return
	}
	d.setClientStatus(deploymentID, c, types.ClientDeployDeployed, "")

	if !d.waitHealthy(ctx, fc, c.ClientName, healthTimeout) {
		d.failClient(deploymentID, c, fmt.Errorf("health check timed out after %s", healthTimeout))
		return
	}

	finished := time.Now()
	c.FinishedAt = &finished
	d.setClientStatus(deploymentID, c, types.ClientDeployHealthy, "")
}

func (d *Deployer) waitHealthy(ctx context.Context, fc FleetClient, clientName string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := fc.Health(ctx, clientName); err == nil {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(healthPollInterval):
		}
	}
}

func (d *Deployer) failClient(deploymentID string, c *types.DeploymentClientRecord, err error) {
	finished := time.Now()
	c.FinishedAt = &finished
	c.Error = err.Error()
	d.setClientStatus(deploymentID, c, types.ClientDeployFailed, err.Error())
}

func (d *Deployer) finishWithRollback(ctx context.Context, id string, record *types.DeploymentRecord, autoRollback bool, reason string) {
	if !autoRollback {
		completed := time.Now()
		d.setStatus(id, types.DeploymentFailed, nil, &completed, reason)
		return
	}

	d.setStatus(id, types.DeploymentRollingBack, nil, nil, reason)

	var wg sync.WaitGroup
	for _, c := range record.Clients {
		if !rollbackEligible(c.Status) || c.PreviousVersion == "" {
			continue
		}
		wg.Add(1)
		go func(c *types.DeploymentClientRecord) {
			defer wg.Done()
			d.rollbackOne(context.Background(), id, c)
		}(c)
	}
	wg.Wait()

	completed := time.Now()
	d.setStatus(id, types.DeploymentRolledBack, nil, &completed, reason)
}

func (d *Deployer) rollbackOne(ctx context.Context, deploymentID string, c *types.DeploymentClientRecord) {
	overview, err := d.store.GetClient(c.ClientName)
	if err != nil {
		d.setClientStatus(deploymentID, c, types.ClientDeployFailed, err.Error())
		return
	}
	if err := runSync(ctx, d.syncScriptPath, c.ClientName, c.PreviousVersion); err != nil {
		d.setClientStatus(deploymentID, c, types.ClientDeployFailed, err.Error())
		return
	}
	fc := d.resolveClient(overview)
	if _, err := fc.Reload(ctx, c.ClientName); err != nil {
		d.setClientStatus(deploymentID, c, types.ClientDeployFailed, err.Error())
		return
	}
	d.setClientStatus(deploymentID, c, types.ClientDeployRolledBack, "")
}

func rollbackEligible(status types.ClientDeployStatus) bool {
	switch status {
	case types.ClientDeployDeployed, types.ClientDeployHealthy, types.ClientDeployFailed:
		return true
	default:
		return false
	}
}

func (d *Deployer) setStatus(id string, status types.DeploymentStatus, startedAt, completedAt *time.Time, errMsg string) {
	if err := d.store.UpdateDeploymentStatus(id, status, startedAt, completedAt, errMsg); err != nil {
		d.logger.DeploymentStageChanged(id, "?", string(status)+" (persist failed: "+err.Error()+")")
		return
	}
	d.logger.DeploymentStageChanged(id, "", string(status))
}

func (d *Deployer) setClientStatus(deploymentID string, c *types.DeploymentClientRecord, status types.ClientDeployStatus, errMsg string) {
	c.Status = status
	if errMsg != "" {
		c.Error = errMsg
	}
	_ = d.store.UpdateDeploymentClientStatus(deploymentID, c)
	if rec := d.recorder(); rec != nil {
		rec.SetDeploymentClientStatus(deploymentID, c.ClientName, status)
	}
}

func groupByBatch(clients []*types.DeploymentClientRecord) [][]*types.DeploymentClientRecord {
	byBatch := make(map[int][]*types.DeploymentClientRecord)
	maxBatch := 0
	for _, c := range clients {
		byBatch[c.BatchNumber] = append(byBatch[c.BatchNumber], c)
		if c.BatchNumber > maxBatch {
			maxBatch = c.BatchNumber
		}
	}
	out := make([][]*types.DeploymentClientRecord, 0, maxBatch+1)
	for i := 0; i <= maxBatch; i++ {
		if batch, ok := byBatch[i]; ok {
			out = append(out, batch)
		}
	}
	return out
}

func runSync(ctx context.Context, scriptPath, clientName, version string) error {
	cmd := exec.CommandContext(ctx, scriptPath, "--client", clientName, "--sync-only", "--version", version)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sync procedure failed: %w (output: %s)", err, out)
	}
	return nil
}

func timeNow() *time.Time {
	t := time.Now()
	return &t
}
