package connmgr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/connmgr"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

type fakePolicy struct {
	allowed []connmgr.ConnectionType
	set     bool
}

func (p fakePolicy) AllowedConnectionTypesForUpdate() ([]connmgr.ConnectionType, bool) {
	return p.allowed, p.set
}

func TestBluetoothAlwaysRefused(t *testing.T) {
	m := connmgr.New(prefs.NewMemoryStore(), nil)
	require.False(t, m.IsUpdateAllowedOver(connmgr.Bluetooth, connmgr.TetheringUnknown))
}

func TestWifiAllowedByDefault(t *testing.T) {
	m := connmgr.New(prefs.NewMemoryStore(), nil)
	require.True(t, m.IsUpdateAllowedOver(connmgr.Wifi, connmgr.TetheringNotDetected))
}

func TestConfirmedTetheringTreatedAsCellular(t *testing.T) {
	m := connmgr.New(prefs.NewMemoryStore(), nil)
	require.False(t, m.IsUpdateAllowedOver(connmgr.Wifi, connmgr.TetheringConfirmed))
}

func TestCellularWithNoPolicyNoPrefIsDenied(t *testing.T) {
	m := connmgr.New(prefs.NewMemoryStore(), nil)
	require.False(t, m.IsUpdateAllowedOver(connmgr.Cellular, connmgr.TetheringUnknown))
}

func TestCellularAllowedByDevicePolicy(t *testing.T) {
	m := connmgr.New(prefs.NewMemoryStore(), fakePolicy{allowed: []connmgr.ConnectionType{connmgr.Cellular}, set: true})
	require.True(t, m.IsUpdateAllowedOver(connmgr.Cellular, connmgr.TetheringUnknown))
}

func TestCellularDeniedByDevicePolicyAllowlist(t *testing.T) {
	m := connmgr.New(prefs.NewMemoryStore(), fakePolicy{allowed: []connmgr.ConnectionType{connmgr.Wifi}, set: true})
	require.False(t, m.IsUpdateAllowedOver(connmgr.Cellular, connmgr.TetheringUnknown))
}

func TestCellularAllowedByUserPrefWhenNoDevicePolicy(t *testing.T) {
	store := prefs.NewMemoryStore()
	require.NoError(t, store.SetBool(connmgr.PrefUpdateOverCellularPermission, true))
	m := connmgr.New(store, nil)
	require.True(t, m.IsUpdateAllowedOver(connmgr.Cellular, connmgr.TetheringUnknown))
}
