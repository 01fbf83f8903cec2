// Package platform identifies the execution environment before any
// architectural side-effect: CPU architecture, firmware mode, pointer
// width and endianness.
package platform

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multios-dev/bootstage/internal/machine"
)

var (
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrUnknownFirmware         = errors.New("no recognizable firmware handoff")
)

// FirmwareMode is the contract set exposed by pre-OS code.
type FirmwareMode int

const (
	ModeInvalid FirmwareMode = iota
	ModeLegacyBIOS
	ModeUEFI
	ModeDirectLongMode
	ModeDeviceTree
)

func (m FirmwareMode) String() string {
	switch m {
	case ModeLegacyBIOS:
		return "legacy-bios"
	case ModeUEFI:
		return "uefi"
	case ModeDirectLongMode:
		return "direct-long-mode"
	case ModeDeviceTree:
		return "device-tree"
	default:
		return "invalid"
	}
}

const (
	// "IBI SYST", the EFI system table signature.
	efiSystemTableSignature = 0x5453595320494249

	// Multiboot2 handoff magic in the tag register (eax).
	multibootBootMagic = 0x36d76289

	// Flattened device tree magic, big-endian in memory.
	fdtMagic = 0xd00dfeed
)

// Descriptor is the immutable result of the probe. It is shared
// read-only by every later pipeline stage.
type Descriptor struct {
	Arch        machine.CpuArchitecture
	Mode        FirmwareMode
	PointerBits int
	BigEndian   bool

	// FirmwareHandle carries the handoff pointer the mode was detected
	// from: the EFI system table, the multiboot info block, or the
	// device tree blob. Zero for legacy BIOS.
	FirmwareHandle uint64
}

func (d Descriptor) SupportsMode(mode FirmwareMode) bool {
	return d.Mode == mode
}

// Probe inspects the machine without allocating or touching any device.
// Firmware mode is decided by a fixed order of checks: UEFI system
// table, multiboot-style tag header, device-tree blob, legacy BIOS.
// First hit wins.
func Probe(m *machine.Machine) (Descriptor, error) {
	switch m.Arch {
	case machine.ArchitectureX86_64, machine.ArchitectureARM64, machine.ArchitectureRISCV64:
	default:
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, m.Arch)
	}

	d := Descriptor{
		Arch:        m.Arch,
		PointerBits: 64,
	}

	if m.FirmwareHandle != 0 {
		if isEFISystemTable(m.Mem, m.FirmwareHandle) {
			d.Mode = ModeUEFI
			d.FirmwareHandle = m.FirmwareHandle
			return d, nil
		}
		if m.TagRegister == multibootBootMagic && isMultibootInfo(m.Mem, m.FirmwareHandle) {
			d.Mode = ModeDirectLongMode
			d.FirmwareHandle = m.FirmwareHandle
			return d, nil
		}
		if isDeviceTree(m.Mem, m.FirmwareHandle) {
			d.Mode = ModeDeviceTree
			d.FirmwareHandle = m.FirmwareHandle
			return d, nil
		}
	}

	// Legacy BIOS leaves no handoff pointer; it only exists on x86_64.
	if m.Arch == machine.ArchitectureX86_64 {
		d.Mode = ModeLegacyBIOS
		return d, nil
	}

	return Descriptor{}, fmt.Errorf("%w on %s", ErrUnknownFirmware, m.Arch)
}

func isEFISystemTable(mem machine.Memory, addr uint64) bool {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return false
	}
	return binary.LittleEndian.Uint64(buf[:]) == efiSystemTableSignature
}

// isMultibootInfo sanity-checks the fixed info header: a plausible
// total size and a zero reserved field.
func isMultibootInfo(mem machine.Memory, addr uint64) bool {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return false
	}
	totalSize := binary.LittleEndian.Uint32(buf[0:4])
	reserved := binary.LittleEndian.Uint32(buf[4:8])
	return totalSize >= 8 && reserved == 0
}

func isDeviceTree(mem machine.Memory, addr uint64) bool {
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return false
	}
	return binary.BigEndian.Uint32(buf[:]) == fdtMagic
}
