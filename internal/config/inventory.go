package config

import (
	"fmt"
	"os"

	"github.com/mclarkelauer/mastercontrol/internal/daemonerrors"
)

// InventoryEntry is one statically-known fleet member: the controller
// needs a client's host/api_port before its first heartbeat ever
// arrives, so the proxy routes and Deployer have somewhere to dial.
type InventoryEntry struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	APIPort int    `yaml:"api_port"`
}

type inventoryFile struct {
	Clients []InventoryEntry `yaml:"clients"`
}

// LoadInventory reads central.inventory_path. An empty path is not an
// error: the fleet is then populated purely by heartbeats as devices
// check in.
func LoadInventory(path string) ([]InventoryEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var f inventoryFile
	if err := strictDecode(data, &f); err != nil {
		return nil, &daemonerrors.ConfigError{Field: "inventory", Message: err.Error()}
	}
	return f.Clients, nil
}
