// Package bootdev models candidate boot media and chooses the one
// device the kernel image is read from. Enumeration is done by the
// firmware backend; this package owns the priority ordering and the
// single-use retry iteration.
package bootdev

import (
	"errors"
	"fmt"
	"sort"

	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/platform"
)

var ErrNoBootableDevice = errors.New("no bootable device")

// Kind classifies boot media.
type Kind int

const (
	KindInvalid Kind = iota
	KindHardDisk
	KindSSD
	KindUSB
	KindCDROM
	KindNetwork
	KindSDCard
	KindEMMC
	KindSPI
	KindFirmware
)

func (k Kind) String() string {
	switch k {
	case KindHardDisk:
		return "HardDisk"
	case KindSSD:
		return "SSD"
	case KindUSB:
		return "USB"
	case KindCDROM:
		return "CDROM"
	case KindNetwork:
		return "Network"
	case KindSDCard:
		return "SDCard"
	case KindEMMC:
		return "eMMC"
	case KindSPI:
		return "SPI"
	case KindFirmware:
		return "Firmware"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Device is one candidate boot medium. The locator is opaque to
// everything except the firmware backend that enumerated it.
type Device struct {
	Kind      Kind
	Locator   string
	Priority  int // lower is preferred
	Removable bool
	Bootable  bool
	Modes     []platform.FirmwareMode
}

func (d Device) SupportsMode(mode platform.FirmwareMode) bool {
	for _, m := range d.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

func (d Device) String() string {
	return fmt.Sprintf("%s/%s", d.Kind, d.Locator)
}

// DefaultPriority is the static per-architecture preference used when
// the firmware does not advertise a boot order. Solid-state media come
// first on x86_64; embedded platforms prefer on-board storage.
func DefaultPriority(arch machine.CpuArchitecture, kind Kind) int {
	switch arch {
	case machine.ArchitectureX86_64:
		switch kind {
		case KindSSD:
			return 10
		case KindHardDisk:
			return 20
		case KindUSB:
			return 30
		case KindCDROM:
			return 40
		case KindNetwork:
			return 50
		}
	case machine.ArchitectureARM64, machine.ArchitectureRISCV64:
		switch kind {
		case KindEMMC:
			return 10
		case KindSDCard:
			return 20
		case KindSPI:
			return 30
		case KindUSB:
			return 40
		case KindNetwork:
			return 50
		}
	}
	if kind == KindFirmware {
		return 60
	}
	return 90
}

// Order sorts devices by effective priority: devices named in the
// firmware-advertised boot order come first, in that order, overriding
// the static priorities. The input slice is not modified.
func Order(devices []Device, bootOrder []string) []Device {
	out := make([]Device, len(devices))
	copy(out, devices)

	rank := func(d Device) (int, bool) {
		for i, loc := range bootOrder {
			if d.Locator == loc {
				return i, true
			}
		}
		return 0, false
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, iOrdered := rank(out[i])
		rj, jOrdered := rank(out[j])
		switch {
		case iOrdered && jOrdered:
			return ri < rj
		case iOrdered:
			return true
		case jOrdered:
			return false
		default:
			return out[i].Priority < out[j].Priority
		}
	})
	return out
}

// Selector iterates the bootable devices compatible with a firmware
// mode, in priority order, handing out each device at most once.
type Selector struct {
	queue []Device
}

func NewSelector(devices []Device, bootOrder []string, mode platform.FirmwareMode) *Selector {
	var queue []Device
	for _, d := range Order(devices, bootOrder) {
		if d.Bootable && d.SupportsMode(mode) {
			queue = append(queue, d)
		}
	}
	return &Selector{queue: queue}
}

// Next pops the most-preferred remaining device. Once the list is
// exhausted every further call returns ErrNoBootableDevice.
func (s *Selector) Next() (Device, error) {
	if len(s.queue) == 0 {
		return Device{}, ErrNoBootableDevice
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, nil
}

// Remaining reports how many devices have not been handed out yet.
func (s *Selector) Remaining() int { return len(s.queue) }

// Select returns the single most-preferred bootable device for the
// mode, or ErrNoBootableDevice.
func Select(devices []Device, bootOrder []string, mode platform.FirmwareMode) (Device, error) {
	return NewSelector(devices, bootOrder, mode).Next()
}
