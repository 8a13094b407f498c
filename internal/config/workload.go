// Package config decodes and validates the YAML configuration shapes
// Master Control consumes: per-workload spec files and the optional
// daemon.yaml. Decoding is strict: unknown fields are rejected so a
// typo in a spec file fails the load instead of silently dropping a
// setting.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mclarkelauer/mastercontrol/internal/daemonerrors"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// LoadWorkloadDir reads every *.yaml/*.yml file in dir (non-recursive),
// in sorted filename order, and returns the combined, validated
// WorkloadSpec set. Name uniqueness is enforced across the whole
// directory, not just within one file.
func LoadWorkloadDir(dir string) ([]types.WorkloadSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading config dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []types.WorkloadSpec
	for _, name := range names {
		specs, err := LoadWorkloadSpecs(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, specs...)
	}
	return all, validateAll(all)
}

// multiSpecFile is the multi-spec file shape: {workloads: [spec, ...]}.
type multiSpecFile struct {
	Workloads []types.WorkloadSpec `yaml:"workloads"`
}

// LoadWorkloadSpecs reads one YAML file and returns the WorkloadSpecs it
// declares, accepting both the single-spec and multi-spec shapes. Every
// returned spec has WithDefaults applied and has passed ValidateSpec.
func LoadWorkloadSpecs(path string) ([]types.WorkloadSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseWorkloadSpecs(data)
}

// ParseWorkloadSpecs decodes raw YAML bytes into WorkloadSpecs, accepting
// either a single spec object or {workloads: [...]}, and rejecting
// unknown top-level fields.
func ParseWorkloadSpecs(data []byte) ([]types.WorkloadSpec, error) {
	if looksLikeMulti(data) {
		var multi multiSpecFile
		if err := strictDecode(data, &multi); err != nil {
			return nil, &daemonerrors.ConfigError{Field: "workloads", Message: err.Error()}
		}
		specs := make([]types.WorkloadSpec, len(multi.Workloads))
		for i, s := range multi.Workloads {
			specs[i] = s.WithDefaults()
		}
		return specs, validateAll(specs)
	}

	var single types.WorkloadSpec
	if err := strictDecode(data, &single); err != nil {
		return nil, &daemonerrors.ConfigError{Field: "spec", Message: err.Error()}
	}
	single = single.WithDefaults()
	if err := ValidateSpec(single); err != nil {
		return nil, err
	}
	return []types.WorkloadSpec{single}, nil
}

// looksLikeMulti sniffs for a top-level "workloads:" key without fully
// decoding twice into the wrong shape.
func looksLikeMulti(data []byte) bool {
	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, ok := probe["workloads"]
	return ok
}

func strictDecode(data []byte, v interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func validateAll(specs []types.WorkloadSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.Name] {
			return &daemonerrors.ConfigError{Field: "name", Message: fmt.Sprintf("duplicate workload name %q", s.Name)}
		}
		seen[s.Name] = true
		if err := ValidateSpec(s); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSpec enforces the cross-field validation rules for a single
// WorkloadSpec.
func ValidateSpec(s types.WorkloadSpec) error {
	if s.Name == "" {
		return &daemonerrors.ConfigError{Field: "name", Message: "name is required"}
	}
	switch s.Type {
	case types.WorkloadTypeAgent, types.WorkloadTypeScript, types.WorkloadTypeService:
	default:
		return &daemonerrors.ConfigError{Field: "type", Message: fmt.Sprintf("invalid type %q", s.Type)}
	}

	switch s.RunMode {
	case types.RunModeSchedule:
		if s.Schedule == "" {
			return &daemonerrors.ConfigError{Field: "schedule", Message: "schedule is required when run_mode=schedule"}
		}
	case types.RunModeNTimes:
		if s.MaxRuns <= 0 {
			return &daemonerrors.ConfigError{Field: "max_runs", Message: "max_runs>0 is required when run_mode=n_times"}
		}
	case types.RunModeForever:
	default:
		return &daemonerrors.ConfigError{Field: "run_mode", Message: fmt.Sprintf("invalid run_mode %q", s.RunMode)}
	}

	if s.MemoryLimitMB != 0 && s.MemoryLimitMB <= 0 {
		return &daemonerrors.ConfigError{Field: "memory_limit_mb", Message: "must be >0 if present"}
	}
	if s.CPUNice != nil && (*s.CPUNice < -20 || *s.CPUNice > 19) {
		return &daemonerrors.ConfigError{Field: "cpu_nice", Message: "must be in [-20,19]"}
	}
	if s.RestartDelayS < 0 {
		return &daemonerrors.ConfigError{Field: "restart_delay_s", Message: "must be >=0"}
	}
	if s.TimeoutS != 0 && s.TimeoutS <= 0 {
		return &daemonerrors.ConfigError{Field: "timeout_s", Message: "must be >0 if present"}
	}
	return nil
}
