package delta_test

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/delta"
	"github.com/affggh/ab_update_engine/internal/payload"
	"github.com/affggh/ab_update_engine/internal/payload/metadata"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

// memDevice is an in-memory stand-in for a block device, sized up front
// like a partition image.
type memDevice struct{ buf []byte }

func newMemDevice(size int) *memDevice { return &memDevice{buf: make([]byte, size)} }

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(d.buf) {
		grown := make([]byte, int(off)+len(p))
		copy(grown, d.buf)
		d.buf = grown
	}
	copy(d.buf[off:], p)
	return len(p), nil
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.buf[off:])
	return n, nil
}

func buildContainer(t *testing.T, blockSize uint32, partitionName string, ops []metadata.InstallOperation, blobs [][]byte, newHash []byte, newSize uint64) []byte {
	t.Helper()
	manifest := &metadata.Manifest{
		BlockSize:    blockSize,
		MinorVersion: 0,
		Partitions: []metadata.PartitionUpdate{
			{
				PartitionName:    partitionName,
				Operations:       ops,
				NewPartitionInfo: &metadata.PartitionInfo{Size: newSize, Hash: newHash},
			},
		},
	}
	manifestBytes := metadata.MarshalManifest(manifest)

	var out bytes.Buffer
	out.WriteString(payload.Magic)
	writeBE64(&out, 1)
	writeBE64(&out, uint64(len(manifestBytes)))
	out.Write(manifestBytes)
	for _, b := range blobs {
		out.Write(b)
	}
	return out.Bytes()
}

func writeBE64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	buf.Write(b[:])
}

func TestApplyReplaceFullUpdateHappyPath(t *testing.T) {
	const blockSize = 4096
	data := bytes.Repeat([]byte{0xAB}, blockSize)
	dataHash := sha256.Sum256(data)

	target := newMemDevice(blockSize)
	newImageHash := sha256.Sum256(data)

	ops := []metadata.InstallOperation{
		{
			Type:           metadata.OpReplace,
			DataLength:     uint64(len(data)),
			DataSha256Hash: dataHash[:],
			DstExtents:     []metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
		},
	}
	raw := buildContainer(t, blockSize, "system", ops, [][]byte{data}, newImageHash[:], uint64(len(data)))

	perf := &delta.Performer{
		Partitions: map[string]delta.Partition{
			"system": {Target: target},
		},
	}

	err := perf.Apply(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, data, target.buf)
}

// TestApplyClearsCheckpointOnSuccess verifies the end of the §4.7
// resumability contract's bookkeeping: a completed two-operation run
// leaves no stale checkpoint behind to confuse the next attempt.
func TestApplyClearsCheckpointOnSuccess(t *testing.T) {
	const blockSize = 4096
	block0 := bytes.Repeat([]byte{0x11}, blockSize)
	block1 := bytes.Repeat([]byte{0x22}, blockSize)
	hash0 := sha256.Sum256(block0)
	hash1 := sha256.Sum256(block1)

	full := append(append([]byte{}, block0...), block1...)
	newImageHash := sha256.Sum256(full)

	ops := []metadata.InstallOperation{
		{Type: metadata.OpReplace, DataLength: uint64(len(block0)), DataSha256Hash: hash0[:], DstExtents: []metadata.Extent{{StartBlock: 0, NumBlocks: 1}}},
		{Type: metadata.OpReplace, DataLength: uint64(len(block1)), DataSha256Hash: hash1[:], DstExtents: []metadata.Extent{{StartBlock: 1, NumBlocks: 1}}},
	}
	raw := buildContainer(t, blockSize, "system", ops, [][]byte{block0, block1}, newImageHash[:], uint64(len(full)))

	store := prefs.NewMemoryStore()
	target := newMemDevice(len(full))

	perf := &delta.Performer{
		Partitions: map[string]delta.Partition{"system": {Target: target}},
		Prefs:      store,
	}

	err := perf.Apply(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, full, target.buf)

	require.False(t, store.Exists("update-state-checkpoint-partition"), "a completed run must clear its checkpoint")
}

// TestApplyResumesSkipsAlreadyAppliedOperations exercises resumeFrom's
// read side directly: a checkpoint left pointing past operation 0 makes
// Apply skip straight to replaying operation 1's bytes from the stream,
// which the caller is expected to have already rewound to match.
func TestApplyResumesSkipsAlreadyAppliedOperations(t *testing.T) {
	const blockSize = 4096
	block0 := bytes.Repeat([]byte{0x11}, blockSize)
	block1 := bytes.Repeat([]byte{0x22}, blockSize)
	hash0 := sha256.Sum256(block0)
	hash1 := sha256.Sum256(block1)

	full := append(append([]byte{}, block0...), block1...)
	newImageHash := sha256.Sum256(full)

	ops := []metadata.InstallOperation{
		{Type: metadata.OpReplace, DataLength: uint64(len(block0)), DataSha256Hash: hash0[:], DstExtents: []metadata.Extent{{StartBlock: 0, NumBlocks: 1}}},
		{Type: metadata.OpReplace, DataLength: uint64(len(block1)), DataSha256Hash: hash1[:], DstExtents: []metadata.Extent{{StartBlock: 1, NumBlocks: 1}}},
	}
	raw := buildContainer(t, blockSize, "system", ops, [][]byte{block0, block1}, newImageHash[:], uint64(len(full)))

	store := prefs.NewMemoryStore()
	require.NoError(t, store.SetInt64("update-state-checkpoint-partition", 0))
	require.NoError(t, store.SetInt64("update-state-checkpoint-operation", 1))

	target := newMemDevice(len(full))
	copy(target.buf[:blockSize], block0) // operation 0 already applied before the crash

	perf := &delta.Performer{
		Partitions: map[string]delta.Partition{"system": {Target: target}},
		Prefs:      store,
	}

	// A resumed download re-delivers the container framing plus only the
	// bytes for operations from the checkpoint onward; strip operation
	// 0's already-applied blob to model that.
	headerLen := len(raw) - len(block0) - len(block1)
	resumed := append(append([]byte{}, raw[:headerLen]...), block1...)

	err := perf.Apply(bytes.NewReader(resumed))
	require.NoError(t, err)
	require.Equal(t, full, target.buf)
}

func TestApplyRejectsOperationDataHashMismatch(t *testing.T) {
	const blockSize = 4096
	data := bytes.Repeat([]byte{0xCC}, blockSize)

	ops := []metadata.InstallOperation{
		{
			Type:           metadata.OpReplace,
			DataLength:     uint64(len(data)),
			DataSha256Hash: bytes.Repeat([]byte{0x00}, 32),
			DstExtents:     []metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
		},
	}
	raw := buildContainer(t, blockSize, "system", ops, [][]byte{data}, nil, 0)

	perf := &delta.Performer{
		Partitions: map[string]delta.Partition{"system": {Target: newMemDevice(blockSize)}},
	}

	err := perf.Apply(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestApplyBsdiffRoundTrip(t *testing.T) {
	const blockSize = 8
	src := []byte("AAAAAAAA")
	dst := []byte("AAAABBBB")

	// A minimal bsdiff patch: one control tuple copying all 8 diff bytes
	// (dst-src per byte) with no extra bytes and no seek.
	diff := make([]byte, len(dst))
	for i := range diff {
		diff[i] = dst[i] - src[i]
	}
	patch := bsdiffPatch(int64(len(diff)), 0, 0, diff, nil)
	patchHash := sha256.Sum256(patch)

	newImageHash := sha256.Sum256(dst)

	ops := []metadata.InstallOperation{
		{
			Type:           metadata.OpBsdiff,
			DataLength:     uint64(len(patch)),
			DataSha256Hash: patchHash[:],
			SrcExtents:     []metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
			DstExtents:     []metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
			DstLength:      uint64(len(dst)),
		},
	}
	raw := buildContainer(t, blockSize, "system", ops, [][]byte{patch}, newImageHash[:], uint64(len(dst)))

	sourceDev := newMemDevice(blockSize)
	copy(sourceDev.buf, src)
	target := newMemDevice(blockSize)

	perf := &delta.Performer{
		Partitions: map[string]delta.Partition{
			"system": {Target: target, Source: sourceDev},
		},
	}

	err := perf.Apply(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, dst, target.buf)
}

func bsdiffPatch(diffLen, extraLen, seekLen int64, diff, extra []byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeBsdiffInt(diffLen))
	buf.Write(encodeBsdiffInt(extraLen))
	buf.Write(encodeBsdiffInt(seekLen))
	buf.Write(diff)
	buf.Write(extra)
	return buf.Bytes()
}

func encodeBsdiffInt(v int64) []byte {
	neg := v < 0
	if neg {
		v = -v
	}
	var b [8]byte
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u)
		u >>= 8
	}
	if neg {
		b[7] |= 0x80
	}
	return b[:]
}
