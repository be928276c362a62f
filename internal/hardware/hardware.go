// Package hardware declares the platform hardware-abstraction
// collaborator consumed by the core (spec §6, "Hardware (consumed)").
// It is explicitly out of scope for implementation; this package only
// carries the interface plus an in-memory fake for tests.
package hardware

import "time"

// Interface is the hardware abstraction the core consumes. A real
// build supplies a platform-specific implementation (reading the
// bootloader control block, firmware key versions, hardware IDs); this
// package never implements one.
type Interface interface {
	IsOfficialBuild() bool
	IsNormalBootMode() bool
	IsOOBEEnabled() bool
	IsOOBEComplete() (complete bool, at time.Time)
	HardwareClass() string
	MinKernelKeyVersion() int32 // -1 = unavailable
	MinFirmwareKeyVersion() int32
	MaxKernelKeyRollforward() int32
	SetMaxKernelKeyRollforward(v int32) bool
	PowerwashCount() int32 // -1 = unknown
	BuildTimestamp() int64
	VersionForLogging(partition string) string
	IsPartitionUpdateValid(partition, newVersion string) error
}

// RollforwardInfinity disables downgrade protection entirely, per the
// GLOSSARY entry for "Roll-forward / rollforward-infinity". The value
// is the 0xfffffffe bit pattern read as an int32.
const RollforwardInfinity int32 = -2
