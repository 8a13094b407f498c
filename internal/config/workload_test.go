package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/daemonerrors"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

func TestParseWorkloadSpecs_SingleShape(t *testing.T) {
	specs, err := ParseWorkloadSpecs([]byte(`
name: sensor
type: agent
run_mode: forever
module: builtin
params:
  interval_s: 5
`))
	require.NoError(t, err)
	require.Len(t, specs, 1)

	s := specs[0]
	assert.Equal(t, "sensor", s.Name)
	assert.Equal(t, types.WorkloadTypeAgent, s.Type)
	assert.Equal(t, types.RunModeForever, s.RunMode)
	assert.Equal(t, types.DefaultEntryPoint, s.EntryPoint)
	assert.Equal(t, types.DefaultRestartDelayS, s.RestartDelayS)
	assert.Equal(t, 5, s.Params["interval_s"])
}

func TestParseWorkloadSpecs_MultiShape(t *testing.T) {
	specs, err := ParseWorkloadSpecs([]byte(`
workloads:
  - name: tick
    type: script
    run_mode: schedule
    module: /usr/local/bin/tick
    schedule: "* * * * *"
  - name: once
    type: script
    run_mode: n_times
    module: /usr/local/bin/once
    max_runs: 1
`))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "tick", specs[0].Name)
	assert.Equal(t, "once", specs[1].Name)
	assert.Equal(t, 1, specs[1].MaxRuns)
}

func TestParseWorkloadSpecs_UnknownFieldRejected(t *testing.T) {
	_, err := ParseWorkloadSpecs([]byte(`
name: bad
type: agent
run_mode: forever
module: builtin
no_such_field: true
`))
	var cfgErr *daemonerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParseWorkloadSpecs_DuplicateNameInFile(t *testing.T) {
	_, err := ParseWorkloadSpecs([]byte(`
workloads:
  - {name: dup, type: agent, run_mode: forever, module: builtin}
  - {name: dup, type: agent, run_mode: forever, module: builtin}
`))
	var cfgErr *daemonerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "name", cfgErr.Field)
}

func TestValidateSpec_CrossFieldRules(t *testing.T) {
	base := types.WorkloadSpec{
		Name:    "w",
		Type:    types.WorkloadTypeAgent,
		RunMode: types.RunModeForever,
		Module:  "builtin",
	}.WithDefaults()

	tests := []struct {
		name   string
		mutate func(*types.WorkloadSpec)
		field  string
	}{
		{"missing name", func(s *types.WorkloadSpec) { s.Name = "" }, "name"},
		{"bad type", func(s *types.WorkloadSpec) { s.Type = "cron" }, "type"},
		{"bad run_mode", func(s *types.WorkloadSpec) { s.RunMode = "sometimes" }, "run_mode"},
		{"schedule missing", func(s *types.WorkloadSpec) { s.RunMode = types.RunModeSchedule }, "schedule"},
		{"max_runs missing", func(s *types.WorkloadSpec) { s.RunMode = types.RunModeNTimes }, "max_runs"},
		{"negative restart delay", func(s *types.WorkloadSpec) { s.RestartDelayS = -1 }, "restart_delay_s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := ValidateSpec(s)
			var cfgErr *daemonerrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidateSpec_CPUNiceBounds(t *testing.T) {
	base := types.WorkloadSpec{
		Name:    "w",
		Type:    types.WorkloadTypeAgent,
		RunMode: types.RunModeForever,
		Module:  "builtin",
	}.WithDefaults()

	for _, nice := range []int{-20, 0, 19} {
		n := nice
		s := base
		s.CPUNice = &n
		assert.NoError(t, ValidateSpec(s), "nice %d should be accepted", nice)
	}
	for _, nice := range []int{-21, 20} {
		n := nice
		s := base
		s.CPUNice = &n
		assert.Error(t, ValidateSpec(s), "nice %d should be rejected", nice)
	}
}

func TestLoadWorkloadDir_CombinesFilesAndEnforcesUniqueness(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("a.yaml", "name: alpha\ntype: agent\nrun_mode: forever\nmodule: builtin\n")
	write("b.yml", "workloads:\n  - {name: bravo, type: script, run_mode: n_times, module: /bin/true, max_runs: 2}\n")
	write("notes.txt", "ignored\n")

	specs, err := LoadWorkloadDir(dir)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "bravo", specs[1].Name)

	write("c.yaml", "name: alpha\ntype: agent\nrun_mode: forever\nmodule: builtin\n")
	_, err = LoadWorkloadDir(dir)
	var cfgErr *daemonerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadDaemonConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fleet:
  enabled: true
  client_name: pi-01
  central_api_url: http://controller:8800
central:
  enabled: false
`), 0o644))

	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Fleet.Enabled)
	assert.Equal(t, "pi-01", cfg.Fleet.ClientName)
	assert.Equal(t, DefaultHeartbeatIntervalS, cfg.Fleet.HeartbeatIntervalS)
	assert.Equal(t, DefaultStaleThresholdS, cfg.Central.StaleThresholdS)
}

func TestLoadDaemonConfig_UnknownSectionRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("turbo:\n  enabled: true\n"), 0o644))

	_, err := LoadDaemonConfig(path)
	var cfgErr *daemonerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
