package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "state.db")}, events.NoopEventLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestStore_SaveStateAndLoad(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	st := types.WorkloadState{Name: "demo", Status: types.StatusRunning, PID: 123, RunCount: 2, LastStarted: &now}
	require.NoError(t, s.SaveState(st))

	waitUntil(t, time.Second, func() bool {
		loaded, err := s.LoadState()
		return err == nil && loaded["demo"].Status == types.StatusRunning
	})

	loaded, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, 123, loaded["demo"].PID)
	assert.Equal(t, 2, loaded["demo"].RunCount)
}

func TestStore_AppendRunRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveState(types.WorkloadState{Name: "demo", Status: types.StatusStopped}))

	exitCode := 0
	rec := types.RunRecord{WorkloadName: "demo", StartedAt: time.Now(), ExitCode: &exitCode, DurationMs: 42}
	require.NoError(t, s.AppendRunRecord(rec))

	var count int
	waitUntil(t, time.Second, func() bool {
		_ = s.db.QueryRow(`SELECT COUNT(*) FROM run_records WHERE workload_name = 'demo'`).Scan(&count)
		return count == 1
	})
	assert.Equal(t, 1, count)
}

func TestStore_RetentionPrunesOldestFirst(t *testing.T) {
	s := openTestStore(t)
	s.retentionPerWkld = 2
	require.NoError(t, s.SaveState(types.WorkloadState{Name: "demo", Status: types.StatusStopped}))

	for i := 0; i < 5; i++ {
		exitCode := 0
		require.NoError(t, s.AppendRunRecord(types.RunRecord{WorkloadName: "demo", StartedAt: time.Now(), ExitCode: &exitCode}))
	}
	waitUntil(t, time.Second, func() bool {
		var count int
		_ = s.db.QueryRow(`SELECT COUNT(*) FROM run_records WHERE workload_name = 'demo'`).Scan(&count)
		return count == 5
	})

	s.pruneRunRecords()

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM run_records WHERE workload_name = 'demo'`).Scan(&count))
	assert.Equal(t, 2, count)
}
