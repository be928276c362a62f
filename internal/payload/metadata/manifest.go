// Package metadata defines the structured record carried inside a
// payload container's manifest (DeltaArchiveManifest-equivalent) and
// its wire encoding.
//
// The original update_engine manifest is a protocol buffer generated
// from update_metadata.proto. We don't have a protoc toolchain here,
// so the protobuf wire encoding is produced by hand against
// google.golang.org/protobuf/encoding/protowire, the low-level package
// the generated code itself bottoms out on. Field numbers are this
// package's own (see wire.go), stable across versions of this package,
// and not those of update_metadata.proto, so the bytes are not
// interchangeable with the original manifest.
package metadata

import "math/bits"

// OpType is the install-operation opcode (§3, install operations).
type OpType int32

const (
	OpReplace      OpType = 0
	OpReplaceBZ    OpType = 1
	OpMove         OpType = 2
	OpBsdiff       OpType = 3
	OpReplaceXZ    OpType = 8
	OpZero         OpType = 9
	OpDiscard      OpType = 10
	OpPuffdiff     OpType = 11
	OpBrotliBsdiff OpType = 12
)

func (t OpType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBZ:
		return "REPLACE_BZ"
	case OpReplaceXZ:
		return "REPLACE_XZ"
	case OpMove:
		return "MOVE"
	case OpBsdiff:
		return "BSDIFF"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	case OpPuffdiff:
		return "PUFFDIFF"
	case OpBrotliBsdiff:
		return "BROTLI_BSDIFF"
	default:
		return "UNKNOWN"
	}
}

// SparseHole is the sentinel start_block value denoting a hole in a
// source extent list; reads of a sparse extent produce zero bytes.
const SparseHole uint64 = 1<<64 - 1

// Extent is a (start_block, num_blocks) range into a partition's block
// device.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// IsSparseHole reports whether e denotes a hole rather than real data.
func (e Extent) IsSparseHole() bool { return e.StartBlock == SparseHole }

// ByteRange converts e to a (offset, length) byte range given a block
// size, failing fast (per §4.7's numeric-semantics rule) if the
// multiplication would not fit in 63 bits.
func (e Extent) ByteRange(blockSize uint32) (offset, length int64, ok bool) {
	off, okOff := mulFits63(e.StartBlock, uint64(blockSize))
	ln, okLen := mulFits63(e.NumBlocks, uint64(blockSize))
	if !okOff || !okLen {
		return 0, 0, false
	}
	return int64(off), int64(ln), true
}

func mulFits63(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 || lo>>63 != 0 {
		return 0, false
	}
	return lo, true
}

// PartitionInfo carries a partition image's declared size and SHA-256,
// used for both the pre-image (old) and post-image (new) hash checks.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

// InstallOperation is one entry in a partition's operation list.
type InstallOperation struct {
	Type           OpType
	DataOffset     uint64
	DataLength     uint64
	DataSha256Hash []byte
	SrcExtents     []Extent
	DstExtents     []Extent
	SrcLength      uint64 // uncompressed length of source data, diff ops only
	DstLength      uint64 // uncompressed length of destination data, diff ops only
}

// PartitionUpdate describes one partition's worth of install operations
// plus pre/post image verification data and postinstall policy.
type PartitionUpdate struct {
	PartitionName    string
	RunPostinstall   bool
	PostinstallPath  string
	OldPartitionInfo *PartitionInfo
	NewPartitionInfo *PartitionInfo
	Operations       []InstallOperation
}

// Manifest is the decoded structured record carried by a payload
// container (§3 "Payload container").
type Manifest struct {
	BlockSize        uint32
	MinorVersion     uint32
	Partitions       []PartitionUpdate
	SignaturesOffset uint64
	SignaturesSize   uint64
	MaxTimestamp     int64
}

// PartitionByName returns the partition entry with the given name, or
// nil if the manifest does not name it.
func (m *Manifest) PartitionByName(name string) *PartitionUpdate {
	for i := range m.Partitions {
		if m.Partitions[i].PartitionName == name {
			return &m.Partitions[i]
		}
	}
	return nil
}

// SupportedMinorVersions is the set of delta minor versions this
// implementation knows how to apply. Per Open Question 4 ("a rewrite MAY
// start with a subset... provided the manifest minor-version negotiation
// rejects payloads that use unsupported opcodes before streaming
// begins") this build stops at classic bsdiff: minor version 0 (full,
// no deltas) and 1 (REPLACE/REPLACE_BZ/REPLACE_XZ/MOVE/ZERO/DISCARD plus
// BSDIFF). Minor versions 2 (PUFFDIFF) and 5 (BROTLI_BSDIFF) require
// codecs (puffin, brotli) absent from this repository's dependency
// surface and are rejected rather than half-implemented.
var SupportedMinorVersions = map[uint32]bool{
	0: true,
	1: true,
}

// SupportedOps reports whether op is one this build knows how to
// execute, independent of minor-version gating (used to give a precise
// error when a manifest's minor version is supported but still lists an
// opcode this build doesn't implement).
func SupportedOps() map[OpType]bool {
	return map[OpType]bool{
		OpReplace:   true,
		OpReplaceBZ: true,
		OpReplaceXZ: true,
		OpMove:      true,
		OpZero:      true,
		OpDiscard:   true,
		OpBsdiff:    true,
	}
}
