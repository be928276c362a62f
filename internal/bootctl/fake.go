package bootctl

import "fmt"

// FakeBackend is an in-memory Backend for tests: two slots, each with
// a bootable flag, successful-boot flag, and tries-remaining counter,
// matching §3's "Slot layout" data model exactly.
type FakeBackend struct {
	Active            uint8
	Bootable          [2]bool
	SuccessfulBoot    [2]bool
	TriesRemaining    [2]int
	PartitionDevices  map[string][2]string
	FailSetActiveSlot bool
}

// NewFakeBackend returns a backend with slot 0 active and bootable.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Active:           0,
		Bootable:         [2]bool{true, false},
		PartitionDevices: map[string][2]string{},
	}
}

func (f *FakeBackend) CurrentSlot() (uint8, error) { return f.Active, nil }

func (f *FakeBackend) PartitionDevice(name string, slot uint8) (string, error) {
	devs, ok := f.PartitionDevices[name]
	if !ok {
		return "", fmt.Errorf("bootctl: unknown partition %q", name)
	}
	return devs[slot], nil
}

func (f *FakeBackend) SetActiveBootSlot(slot uint8) error {
	if f.FailSetActiveSlot {
		return fmt.Errorf("bootctl: simulated failure")
	}
	f.Active = slot
	f.Bootable[slot] = true
	return nil
}

func (f *FakeBackend) MarkSlotUnbootable(slot uint8) error {
	f.Bootable[slot] = false
	return nil
}

func (f *FakeBackend) SetTriesRemaining(slot uint8, tries int) error {
	f.TriesRemaining[slot] = tries
	return nil
}

func (f *FakeBackend) SetSuccessfulBoot(slot uint8, successful bool) error {
	f.SuccessfulBoot[slot] = successful
	return nil
}
