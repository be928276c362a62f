// Package verifier implements C8: post-image partition hash
// verification and the postinstall mount/exec/unmount sequence. The
// hash pass reuses the same streaming-SHA256-over-a-ReaderAt shape as
// internal/delta's partition verification; the postinstall sequence is
// grounded on original_source/postinstall_runner.cc's mount flags and
// exit-code table.
package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/affggh/ab_update_engine/internal/errcode"
)

// ErrUnsafePostinstallPath is returned when a manifest names an
// absolute or ".."-escaping postinstall path.
var ErrUnsafePostinstallPath = errors.New("verifier: postinstall path is absolute or escapes the mount root")

// CodedError lets a caller recover the precise errcode.Code a failure
// should be reported under, mirroring internal/engine.CodedError.
type CodedError struct {
	Code errcode.Code
	Err  error
}

func (e *CodedError) Error() string { return fmt.Sprintf("%v: %v", e.Code, e.Err) }
func (e *CodedError) Unwrap() error { return e.Err }

// VerifyPartitionHash streams dev and compares its SHA-256 against
// want, returning codeForPartition(name)'s error on mismatch.
func VerifyPartitionHash(dev io.ReaderAt, size uint64, want []byte, partitionName string) error {
	hasher := sha256.New()
	buf := make([]byte, 1<<20)
	var off int64
	remaining := int64(size)
	for remaining > 0 {
		n := len(buf)
		if int64(n) > remaining {
			n = int(remaining)
		}
		read, err := dev.ReadAt(buf[:n], off)
		if read > 0 {
			hasher.Write(buf[:read])
			off += int64(read)
			remaining -= int64(read)
		}
		if err != nil {
			if err == io.EOF && remaining-int64(read) <= 0 {
				break
			}
			return &CodedError{Code: codeForPartition(partitionName), Err: fmt.Errorf("verifier: reading partition %q: %w", partitionName, err)}
		}
	}
	if sum := hasher.Sum(nil); !bytes.Equal(sum, want) {
		return &CodedError{Code: codeForPartition(partitionName), Err: fmt.Errorf("verifier: partition %q post-image hash mismatch", partitionName)}
	}
	return nil
}

func codeForPartition(name string) errcode.Code {
	switch name {
	case "kernel", "boot":
		return errcode.NewKernelVerificationError
	default:
		return errcode.NewRootfsVerificationError
	}
}

// MountPolicy controls the mount flags applied to a partition before
// running its postinstall script, matching §4.8's "MS_RDONLY + no-exec/
// no-suid as configured".
type MountPolicy struct {
	ReadOnly bool
	NoExec   bool
	NoSuid   bool
}

// PostinstallSpec names one partition's postinstall work: the block
// device to mount, the filesystem type to mount it as, and the
// manifest-declared path (relative to the mount root) of the script to
// run.
type PostinstallSpec struct {
	PartitionName  string
	BlockDevice    string
	FilesystemType string
	ScriptPath     string
}

// RunPostinstall mounts spec.BlockDevice read-only under a fresh
// temporary directory, executes spec.ScriptPath (validated to be a
// safe relative path) with the block device path as argv[1], and
// unmounts unconditionally afterward — an unmount failure is returned
// separately as unmountErr, never promoted to runErr (§4.8's "unmount
// failure is logged, not fatal").
func RunPostinstall(ctx context.Context, spec PostinstallSpec, policy MountPolicy) (unmountErr error, runErr error) {
	if err := validatePostinstallPath(spec.ScriptPath); err != nil {
		return nil, &CodedError{Code: errcode.PostinstallRunnerError, Err: err}
	}

	mountDir, err := os.MkdirTemp("", "update-postinstall-*")
	if err != nil {
		return nil, &CodedError{Code: errcode.PostinstallRunnerError, Err: fmt.Errorf("verifier: create mount dir: %w", err)}
	}
	defer os.RemoveAll(mountDir)

	// The mount is always read-only; policy adds no-exec/no-suid.
	flags := uintptr(unix.MS_RDONLY)
	if policy.ReadOnly {
		flags |= unix.MS_RDONLY
	}
	if policy.NoExec {
		flags |= unix.MS_NOEXEC
	}
	if policy.NoSuid {
		flags |= unix.MS_NOSUID
	}

	if err := unix.Mount(spec.BlockDevice, mountDir, spec.FilesystemType, flags, ""); err != nil {
		return nil, &CodedError{Code: errcode.PostinstallRunnerError, Err: fmt.Errorf("verifier: mount %q: %w", spec.BlockDevice, err)}
	}
	defer func() {
		if err := unix.Unmount(mountDir, 0); err != nil {
			unmountErr = fmt.Errorf("verifier: unmount %q: %w", mountDir, err)
		}
	}()

	bin := filepath.Join(mountDir, spec.ScriptPath)
	cmd := exec.CommandContext(ctx, bin, spec.BlockDevice)
	cmd.Dir = mountDir
	err = cmd.Run()
	if err == nil {
		return unmountErr, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 3:
			return unmountErr, &CodedError{Code: errcode.PostinstallBootedFromFirmwareB, Err: fmt.Errorf("verifier: postinstall for %q: %w", spec.PartitionName, err)}
		case 4:
			return unmountErr, &CodedError{Code: errcode.PostinstallFirmwareRONotUpdatable, Err: fmt.Errorf("verifier: postinstall for %q: %w", spec.PartitionName, err)}
		default:
			return unmountErr, &CodedError{Code: errcode.PostinstallRunnerError, Err: fmt.Errorf("verifier: postinstall for %q: %w", spec.PartitionName, err)}
		}
	}
	return unmountErr, &CodedError{Code: errcode.PostinstallRunnerError, Err: fmt.Errorf("verifier: launch postinstall for %q: %w", spec.PartitionName, err)}
}

// validatePostinstallPath rejects an absolute path or one that escapes
// the mount root via ".." components, per §4.8.
func validatePostinstallPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePostinstallPath)
	}
	if path.IsAbs(p) {
		return fmt.Errorf("%w: %q is absolute", ErrUnsafePostinstallPath, p)
	}
	for _, seg := range splitPath(path.Clean(p)) {
		if seg == ".." {
			return fmt.Errorf("%w: %q escapes the mount root", ErrUnsafePostinstallPath, p)
		}
	}
	return nil
}

func splitPath(p string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}
