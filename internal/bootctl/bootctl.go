// Package bootctl implements C9: the bootloader slot controller. It
// reads and writes the bootloader control block through the Backend
// collaborator (spec §6 "Boot control (consumed)"), and owns the
// powerwash marker file lifecycle (§4.9).
package bootctl

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TriesRemaining is the bounded retry budget given to a freshly
// switched-to slot (§3 invariants).
const TriesRemaining = 6

// PowerwashMarkerFile and PowerwashCommand are taken verbatim from
// constants.cc; the recovery/bootloader reads this file at next boot.
const (
	PowerwashMarkerFile       = "/mnt/stateful_partition/factory_install_reset"
	PowerwashRollbackDataFile = "/mnt/stateful_partition/factory_install_reset_rollback"
	PowerwashCommand          = "safe fast keepimg reason=update_engine\n"
	PowerwashRollbackCommand  = "safe fast keepimg rollback reason=update_engine\n"
)

// Backend is the platform-specific boot-control implementation (§6);
// this package never implements one, only consumes it.
type Backend interface {
	CurrentSlot() (uint8, error)
	PartitionDevice(name string, slot uint8) (string, error)
	SetActiveBootSlot(slot uint8) error
	MarkSlotUnbootable(slot uint8) error
	SetTriesRemaining(slot uint8, tries int) error
	SetSuccessfulBoot(slot uint8, successful bool) error
}

// Controller is C9, bound to a Backend and a filesystem root (for the
// powerwash marker files, overridable in tests).
type Controller struct {
	backend Backend
	rootDir string

	mu sync.Mutex
}

// New constructs a Controller. rootDir is prepended to the powerwash
// marker paths; pass "" in production to use the absolute paths above.
func New(backend Backend, rootDir string) *Controller {
	return &Controller{backend: backend, rootDir: rootDir}
}

func (c *Controller) markerPath(p string) string {
	if c.rootDir == "" {
		return p
	}
	return filepath.Join(c.rootDir, p)
}

// CurrentSlot returns the running slot.
func (c *Controller) CurrentSlot() (uint8, error) {
	return c.backend.CurrentSlot()
}

// SetActiveBootSlot is the atomic slot switch of §8 invariant 1: either
// the backend durably reflects the new slot on return, or the prior
// slot is fully preserved. We rely on the Backend's own contract (it is
// expected to fsync before returning); on success we additionally set
// the bounded tries-remaining budget and clear successful-boot, exactly
// as required by the post-pipeline invariant in §3.
func (c *Controller) SetActiveBootSlot(target uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.backend.CurrentSlot()
	if err != nil {
		return fmt.Errorf("bootctl: read current slot: %w", err)
	}
	if target == current {
		return fmt.Errorf("bootctl: refusing to switch to the currently running slot %d", target)
	}

	if err := c.backend.SetActiveBootSlot(target); err != nil {
		return fmt.Errorf("bootctl: set active slot: %w", err)
	}
	if err := c.backend.SetTriesRemaining(target, TriesRemaining); err != nil {
		return fmt.Errorf("bootctl: set tries remaining: %w", err)
	}
	if err := c.backend.SetSuccessfulBoot(target, false); err != nil {
		return fmt.Errorf("bootctl: clear successful boot: %w", err)
	}
	return nil
}

// MarkBootSuccessful is called by the external collaborator (not this
// package) on first successful user-space start; we expose it here so
// the daemon can wire the same Backend through one controller.
func (c *Controller) MarkBootSuccessful() error {
	slot, err := c.backend.CurrentSlot()
	if err != nil {
		return err
	}
	return c.backend.SetSuccessfulBoot(slot, true)
}

// SchedulePowerwash writes the powerwash marker(s). Per §3's invariant,
// callers must only invoke this after a successful slot switch.
func (c *Controller) SchedulePowerwash(saveRollbackData bool) error {
	marker := c.markerPath(PowerwashMarkerFile)
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return fmt.Errorf("bootctl: create powerwash marker directory: %w", err)
	}
	if err := os.WriteFile(marker, []byte(PowerwashCommand), 0o644); err != nil {
		return fmt.Errorf("bootctl: write powerwash marker: %w", err)
	}
	if saveRollbackData {
		if err := os.WriteFile(c.markerPath(PowerwashRollbackDataFile), []byte(PowerwashRollbackCommand), 0o644); err != nil {
			return fmt.Errorf("bootctl: write rollback-data marker: %w", err)
		}
	}
	return nil
}

// CancelPowerwash removes any marker files written by SchedulePowerwash.
// A missing file is not an error.
func (c *Controller) CancelPowerwash() error {
	if err := removeIfExists(c.markerPath(PowerwashMarkerFile)); err != nil {
		return err
	}
	return removeIfExists(c.markerPath(PowerwashRollbackDataFile))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
