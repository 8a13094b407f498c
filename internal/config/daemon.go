package config

import (
	"fmt"
	"os"

	"github.com/mclarkelauer/mastercontrol/internal/daemonerrors"
)

// FleetConfig is the daemon.yaml `fleet:` section: how this
// device's daemon talks to the central controller.
type FleetConfig struct {
	Enabled            bool    `yaml:"enabled"`
	ClientName         string  `yaml:"client_name"`
	APIHost            string  `yaml:"api_host"`
	APIPort            int     `yaml:"api_port"`
	CentralAPIURL      string  `yaml:"central_api_url"`
	HeartbeatIntervalS float64 `yaml:"heartbeat_interval_s"`
	APIToken           string  `yaml:"api_token"`
}

// CentralConfig is the daemon.yaml `central:` section, consumed by the
// controller binary when it shares the same config file shape.
type CentralConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Host             string  `yaml:"host"`
	Port             int     `yaml:"port"`
	DBPath           string  `yaml:"db_path"`
	InventoryPath    string  `yaml:"inventory_path"`
	APIToken         string  `yaml:"api_token"`
	StaleThresholdS  float64 `yaml:"stale_threshold_s"`
	DeployScriptPath string  `yaml:"deploy_script_path"`
}

// DaemonConfig is the full daemon.yaml shape.
type DaemonConfig struct {
	Fleet   FleetConfig   `yaml:"fleet"`
	Central CentralConfig `yaml:"central"`
}

// DefaultHeartbeatIntervalS is used when fleet.heartbeat_interval_s is
// omitted.
const DefaultHeartbeatIntervalS = 30.0

// DefaultStaleThresholdS is used when central.stale_threshold_s is
// omitted.
const DefaultStaleThresholdS = 90.0

// WithDefaults fills in the zero-valued optional fields.
func (c DaemonConfig) WithDefaults() DaemonConfig {
	if c.Fleet.HeartbeatIntervalS == 0 {
		c.Fleet.HeartbeatIntervalS = DefaultHeartbeatIntervalS
	}
	if c.Central.StaleThresholdS == 0 {
		c.Central.StaleThresholdS = DefaultStaleThresholdS
	}
	return c
}

// LoadDaemonConfig reads and strictly decodes a daemon.yaml file.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg DaemonConfig
	if err := strictDecode(data, &cfg); err != nil {
		return DaemonConfig{}, &daemonerrors.ConfigError{Field: "daemon.yaml", Message: err.Error()}
	}
	return cfg.WithDefaults(), nil
}
