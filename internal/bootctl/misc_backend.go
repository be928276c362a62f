//go:build linux

package bootctl

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// miscMagic tags the control-block region so a fresh/foreign misc
// partition is never misread as valid slot metadata.
const miscMagic = uint32(0x42435430) // "BCT0"

// controlBlockSize is deliberately much smaller than a real misc
// partition; the rest of the partition is left untouched.
const controlBlockSize = 64

// MiscBackend implements Backend against a fixed region of the misc
// partition (§3 "A bootloader control block holds slot metadata").
// Writes are synced with Fdatasync before returning, satisfying §4.9's
// "write must be synced before returning success" and §8 invariant 1.
type MiscBackend struct {
	path             string
	offset           int64
	partitionDevices map[string][2]string
}

// NewMiscBackend opens path (typically /dev/block/by-name/misc) and
// reads the control block at offset, validating its magic. If the
// region is unwritten (all zero) it is initialized with slot 0 active.
func NewMiscBackend(path string, offset int64, partitionDevices map[string][2]string) (*MiscBackend, error) {
	b := &MiscBackend{path: path, offset: offset, partitionDevices: partitionDevices}
	block, err := b.read()
	if err != nil {
		return nil, err
	}
	if block.magic != miscMagic {
		block = controlBlock{magic: miscMagic, active: 0, tries: [2]uint8{TriesRemaining, 0}}
		if err := b.write(block); err != nil {
			return nil, err
		}
	}
	return b, nil
}

type controlBlock struct {
	magic      uint32
	active     uint8
	bootable   [2]uint8
	successful [2]uint8
	tries      [2]uint8
}

func (c controlBlock) encode() []byte {
	b := make([]byte, controlBlockSize)
	binary.BigEndian.PutUint32(b[0:4], c.magic)
	b[4] = c.active
	b[5], b[6] = c.bootable[0], c.bootable[1]
	b[7], b[8] = c.successful[0], c.successful[1]
	b[9], b[10] = c.tries[0], c.tries[1]
	return b
}

func decodeControlBlock(b []byte) controlBlock {
	var c controlBlock
	if len(b) < controlBlockSize {
		return c
	}
	c.magic = binary.BigEndian.Uint32(b[0:4])
	c.active = b[4]
	c.bootable[0], c.bootable[1] = b[5], b[6]
	c.successful[0], c.successful[1] = b[7], b[8]
	c.tries[0], c.tries[1] = b[9], b[10]
	return c
}

func (b *MiscBackend) read() (controlBlock, error) {
	f, err := os.OpenFile(b.path, os.O_RDONLY, 0)
	if err != nil {
		return controlBlock{}, fmt.Errorf("bootctl: open misc: %w", err)
	}
	defer f.Close()

	buf := make([]byte, controlBlockSize)
	if _, err := f.ReadAt(buf, b.offset); err != nil {
		return controlBlock{}, nil // unwritten region, treated as uninitialized
	}
	return decodeControlBlock(buf), nil
}

// write durably persists block: the file is opened for read-write,
// the bytes are written at offset, and Fdatasync is called before the
// file descriptor is closed so the write survives a crash immediately
// after this call returns (§4.9, §8 invariant 1).
func (b *MiscBackend) write(block controlBlock) error {
	f, err := os.OpenFile(b.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("bootctl: open misc for write: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(block.encode(), b.offset); err != nil {
		return fmt.Errorf("bootctl: write control block: %w", err)
	}
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("bootctl: fdatasync control block: %w", err)
	}
	return nil
}

func (b *MiscBackend) CurrentSlot() (uint8, error) {
	block, err := b.read()
	if err != nil {
		return 0, err
	}
	return block.active, nil
}

func (b *MiscBackend) PartitionDevice(name string, slot uint8) (string, error) {
	devs, ok := b.partitionDevices[name]
	if !ok {
		return "", fmt.Errorf("bootctl: unknown partition %q", name)
	}
	return devs[slot], nil
}

func (b *MiscBackend) SetActiveBootSlot(slot uint8) error {
	block, err := b.read()
	if err != nil {
		return err
	}
	block.active = slot
	block.bootable[slot] = 1
	return b.write(block)
}

func (b *MiscBackend) MarkSlotUnbootable(slot uint8) error {
	block, err := b.read()
	if err != nil {
		return err
	}
	block.bootable[slot] = 0
	return b.write(block)
}

func (b *MiscBackend) SetTriesRemaining(slot uint8, tries int) error {
	block, err := b.read()
	if err != nil {
		return err
	}
	block.tries[slot] = uint8(tries)
	return b.write(block)
}

func (b *MiscBackend) SetSuccessfulBoot(slot uint8, successful bool) error {
	block, err := b.read()
	if err != nil {
		return err
	}
	if successful {
		block.successful[slot] = 1
	} else {
		block.successful[slot] = 0
	}
	return b.write(block)
}
