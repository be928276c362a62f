package hardware

import "time"

// Fake is a fully in-memory Interface implementation for tests and for
// the sideload/dev-build code path. The zero value reports false for
// every flag; NewFake returns one populated as a normal, official,
// OOBE-complete device.
type Fake struct {
	OfficialBuild     bool
	NormalBootMode    bool
	OOBEEnabled       bool
	OOBEComplete      bool
	OOBECompleteAt    time.Time
	Class             string
	MinKernelKeyVer   int32
	MinFirmwareKeyVer int32
	MaxRollforward    int32
	PowerwashCnt      int32
	Timestamp         int64
	PartitionVersions map[string]string
	InvalidPartitions map[string]bool
}

// NewFake returns a Fake pre-populated to look like a normal,
// official, post-OOBE device whose max kernel key rollforward is
// RollforwardInfinity (no limit).
func NewFake() *Fake {
	return &Fake{
		OfficialBuild:     true,
		NormalBootMode:    true,
		OOBEEnabled:       true,
		OOBEComplete:      true,
		OOBECompleteAt:    time.Unix(1_600_000_000, 0),
		Class:             "fake-hwid",
		MinKernelKeyVer:   -1,
		MinFirmwareKeyVer: -1,
		MaxRollforward:    RollforwardInfinity,
		PowerwashCnt:      -1,
		PartitionVersions: map[string]string{},
		InvalidPartitions: map[string]bool{},
	}
}

func (f *Fake) IsOfficialBuild() bool  { return f.OfficialBuild }
func (f *Fake) IsNormalBootMode() bool { return f.NormalBootMode }
func (f *Fake) IsOOBEEnabled() bool    { return f.OOBEEnabled }
func (f *Fake) IsOOBEComplete() (bool, time.Time) {
	return f.OOBEComplete, f.OOBECompleteAt
}
func (f *Fake) HardwareClass() string            { return f.Class }
func (f *Fake) MinKernelKeyVersion() int32       { return f.MinKernelKeyVer }
func (f *Fake) MinFirmwareKeyVersion() int32     { return f.MinFirmwareKeyVer }
func (f *Fake) MaxKernelKeyRollforward() int32   { return f.MaxRollforward }
func (f *Fake) SetMaxKernelKeyRollforward(v int32) bool {
	f.MaxRollforward = v
	return true
}
func (f *Fake) PowerwashCount() int32 { return f.PowerwashCnt }
func (f *Fake) BuildTimestamp() int64 { return f.Timestamp }
func (f *Fake) VersionForLogging(partition string) string {
	return f.PartitionVersions[partition]
}
func (f *Fake) IsPartitionUpdateValid(partition, newVersion string) error {
	if f.InvalidPartitions[partition] {
		return errInvalidPartition(partition)
	}
	return nil
}

type errInvalidPartition string

func (e errInvalidPartition) Error() string { return "partition update invalid: " + string(e) }
