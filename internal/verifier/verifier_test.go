package verifier_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/verifier"
)

type memReaderAt struct{ data []byte }

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func TestVerifyPartitionHashSucceeds(t *testing.T) {
	data := []byte("partition image bytes")
	sum := sha256.Sum256(data)

	err := verifier.VerifyPartitionHash(memReaderAt{data}, uint64(len(data)), sum[:], "system")
	require.NoError(t, err)
}

func TestVerifyPartitionHashMismatchReturnsCodedError(t *testing.T) {
	data := []byte("partition image bytes")
	wrong := make([]byte, 32)

	err := verifier.VerifyPartitionHash(memReaderAt{data}, uint64(len(data)), wrong, "kernel")
	require.Error(t, err)

	var coded *verifier.CodedError
	require.ErrorAs(t, err, &coded)
}

func TestRunPostinstallRejectsAbsolutePath(t *testing.T) {
	_, err := verifier.RunPostinstall(context.Background(), verifier.PostinstallSpec{
		PartitionName: "system",
		BlockDevice:   "/dev/null",
		ScriptPath:    "/bin/sh",
	}, verifier.MountPolicy{})
	require.ErrorIs(t, err, verifier.ErrUnsafePostinstallPath)
}

func TestRunPostinstallRejectsDotDotEscape(t *testing.T) {
	_, err := verifier.RunPostinstall(context.Background(), verifier.PostinstallSpec{
		PartitionName: "system",
		BlockDevice:   "/dev/null",
		ScriptPath:    "../../etc/passwd",
	}, verifier.MountPolicy{})
	require.ErrorIs(t, err, verifier.ErrUnsafePostinstallPath)
}
