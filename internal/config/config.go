// Package config loads the device policy knobs that are not runtime
// state (update server URL, channel, scatter factor, cellular default,
// postinstall mount flags) from a YAML file, the way cuemby-warren's CLI
// loads its resource manifests with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/affggh/ab_update_engine/internal/connmgr"
)

// DevicePolicy is the on-disk device policy document (§4.5's "device
// policy" gate and §4.9's rollback-milestone gate).
//
// AllowedConnectionTypesForUpdate is a pointer so Load can tell "key
// absent" (policy silent, fall through to the user pref) from "key
// present but empty" (policy explicitly forbids every connection type).
type DevicePolicy struct {
	UpdateServerURL           string    `yaml:"updateServerURL"`
	TargetChannel             string    `yaml:"targetChannel"`
	UpdatesDisabled           bool      `yaml:"updatesDisabled"`
	TargetVersionPrefix       string    `yaml:"targetVersionPrefix"`
	RollbackAllowedMilestones int       `yaml:"rollbackAllowedMilestones"`
	RollbackAllowed           bool      `yaml:"rollbackAllowed"`
	ScatterFactorDays         int       `yaml:"scatterFactorDays"`
	AllowedConnectionTypes    *[]string `yaml:"allowedConnectionTypesForUpdate"`
	PostinstallMountReadOnly  bool      `yaml:"postinstallMountReadOnly"`
	PostinstallMountNoExec    bool      `yaml:"postinstallMountNoExec"`
	PostinstallMountNoSuid    bool      `yaml:"postinstallMountNoSuid"`
}

// Load reads and parses a device policy YAML document from path.
func Load(path string) (*DevicePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var p DevicePolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &p, nil
}

// AllowedConnectionTypesForUpdate implements connmgr.DevicePolicy.
func (p *DevicePolicy) AllowedConnectionTypesForUpdate() ([]connmgr.ConnectionType, bool) {
	if p.AllowedConnectionTypes == nil {
		return nil, false
	}
	out := make([]connmgr.ConnectionType, 0, len(*p.AllowedConnectionTypes))
	for _, s := range *p.AllowedConnectionTypes {
		out = append(out, parseConnectionType(s))
	}
	return out, true
}

func parseConnectionType(s string) connmgr.ConnectionType {
	switch s {
	case "ethernet":
		return connmgr.Ethernet
	case "wifi":
		return connmgr.Wifi
	case "wimax":
		return connmgr.Wimax
	case "bluetooth":
		return connmgr.Bluetooth
	case "cellular":
		return connmgr.Cellular
	default:
		return connmgr.Unknown
	}
}
