// Package connmgr carries the predicate table from
// original_source/connection_manager.cc without the shill/D-Bus plumbing
// around it (that plumbing lives outside the core per spec §1's "connection
// type discovery" external collaborator). Callers obtain a ConnectionType
// and Tethering state from their own platform layer and ask IsUpdateAllowedOver.
package connmgr

import "github.com/affggh/ab_update_engine/internal/prefs"

// ConnectionType mirrors shill's reported network technology.
type ConnectionType int

const (
	Unknown ConnectionType = iota
	Ethernet
	Wifi
	Wimax
	Bluetooth
	Cellular
)

func (t ConnectionType) String() string {
	switch t {
	case Ethernet:
		return "ethernet"
	case Wifi:
		return "wifi"
	case Wimax:
		return "wimax"
	case Bluetooth:
		return "bluetooth"
	case Cellular:
		return "cellular"
	default:
		return "unknown"
	}
}

// Tethering mirrors shill's tethering-detection tri-state plus "unknown".
type Tethering int

const (
	TetheringUnknown Tethering = iota
	TetheringNotDetected
	TetheringSuspected
	TetheringConfirmed
)

// PrefUpdateOverCellularPermission is the user-consent pref key checked
// when no device policy governs cellular updates.
const PrefUpdateOverCellularPermission = "update-over-cellular-permission"

// DevicePolicy exposes only the cellular-allowlist knob that
// IsUpdateAllowedOver consults; the rest of device policy (§4.5's other
// gates) lives in internal/config.
type DevicePolicy interface {
	// AllowedConnectionTypesForUpdate returns the admin-configured
	// allowlist and whether one is set at all.
	AllowedConnectionTypesForUpdate() (types []ConnectionType, ok bool)
}

// Manager evaluates the update-over-this-connection policy gate from
// spec §4.5 ("network connection type combined with tethering suspicion").
type Manager struct {
	Prefs  prefs.Store
	Policy DevicePolicy
}

// New constructs a Manager. Policy may be nil, matching the original's
// "device_policy not yet loaded" fallback.
func New(store prefs.Store, policy DevicePolicy) *Manager {
	return &Manager{Prefs: store, Policy: policy}
}

// IsUpdateAllowedOver is connection_manager.cc's IsUpdateAllowedOver,
// ported field-for-field: Bluetooth is always refused, tethered
// connections are treated as Cellular, and Cellular itself defers to
// device policy first and the user pref second.
func (m *Manager) IsUpdateAllowedOver(t ConnectionType, tethering Tethering) bool {
	switch t {
	case Bluetooth:
		return false
	case Cellular:
		return m.isUpdateAllowedOverCellular()
	default:
		if tethering == TetheringConfirmed {
			return m.isUpdateAllowedOverCellular()
		}
		return true
	}
}

func (m *Manager) isUpdateAllowedOverCellular() bool {
	if m.Policy != nil {
		if allowed, ok := m.Policy.AllowedConnectionTypesForUpdate(); ok {
			for _, c := range allowed {
				if c == Cellular {
					return true
				}
			}
			return false
		}
	}

	if m.Prefs == nil {
		return false
	}
	if !m.Prefs.Exists(PrefUpdateOverCellularPermission) {
		return false
	}
	v, err := m.Prefs.GetBool(PrefUpdateOverCellularPermission)
	if err != nil {
		return false
	}
	return v
}
