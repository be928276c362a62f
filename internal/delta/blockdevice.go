package delta

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MappedDevice is a BlockDevice backed by an mmap-go mapping of a block
// device or partition image file, following the mmap.Map/Unmap pattern
// used for image I/O elsewhere in this codebase's lineage (boot image
// patching): map once, read and write through the mapping, unmap on
// Close.
type MappedDevice struct {
	file *os.File
	data mmap.MMap
}

// OpenMappedDevice maps path read-write (or read-only when readonly is
// true) for the full extent of its current size.
func OpenMappedDevice(path string, readonly bool) (*MappedDevice, error) {
	flag := os.O_RDWR
	prot := mmap.RDWR
	if readonly {
		flag = os.O_RDONLY
		prot = mmap.RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("delta: open block device %s: %w", path, err)
	}
	m, err := mmap.Map(f, prot, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("delta: mmap block device %s: %w", path, err)
	}
	return &MappedDevice{file: f, data: m}, nil
}

func (d *MappedDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(d.data) {
		return 0, fmt.Errorf("delta: read offset %d out of range", off)
	}
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *MappedDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(d.data) {
		return 0, fmt.Errorf("delta: write range [%d,%d) out of bounds for device of size %d", off, int(off)+len(p), len(d.data))
	}
	n := copy(d.data[off:], p)
	return n, nil
}

// Close flushes the mapping and releases the underlying file handle.
func (d *MappedDevice) Close() error {
	if err := d.data.Flush(); err != nil {
		d.file.Close()
		return fmt.Errorf("delta: flush mapped device: %w", err)
	}
	if err := d.data.Unmap(); err != nil {
		d.file.Close()
		return fmt.Errorf("delta: unmap block device: %w", err)
	}
	return d.file.Close()
}
