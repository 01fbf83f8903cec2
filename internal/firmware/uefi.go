package firmware

import (
	"fmt"
	"io"

	"github.com/multios-dev/bootstage/internal/bootdev"
	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/platform"
)

// DefaultUEFILocator is the well-known kernel path on the EFI system
// partition.
const DefaultUEFILocator = `\EFI\kernel.img`

// EFI memory descriptor types, as GetMemoryMap returns them.
const (
	efiReservedMemoryType uint32 = iota
	efiLoaderCode
	efiLoaderData
	efiBootServicesCode
	efiBootServicesData
	efiRuntimeServicesCode
	efiRuntimeServicesData
	efiConventionalMemory
	efiUnusableMemory
	efiACPIReclaimMemory
	efiACPIMemoryNVS
	efiMemoryMappedIO
	efiMemoryMappedIOPortSpace
	efiPalCode
	efiPersistentMemory
)

const efiPageSize = 4096

// EFIDescriptor is one GetMemoryMap entry.
type EFIDescriptor struct {
	Type          uint32
	PhysicalStart uint64
	NumberOfPages uint64
	Attribute     uint64
}

// Region converts the descriptor to the canonical region model.
// Conventional and boot-services memory is usable once the loader owns
// the machine; loader-owned ranges stay Bootloader; runtime services
// memory is reserved and flagged so it is never touched.
func (d EFIDescriptor) Region() memmap.Region {
	r := memmap.Region{
		Base:   d.PhysicalStart,
		Length: d.NumberOfPages * efiPageSize,
	}
	switch d.Type {
	case efiConventionalMemory, efiBootServicesCode, efiBootServicesData:
		r.Type = memmap.TypeUsable
	case efiLoaderCode, efiLoaderData:
		r.Type = memmap.TypeBootloader
	case efiRuntimeServicesCode, efiRuntimeServicesData:
		r.Type = memmap.TypeReserved
		r.Attrs |= memmap.AttrRuntime
	case efiACPIReclaimMemory:
		r.Type = memmap.TypeAcpiReclaim
	case efiACPIMemoryNVS:
		r.Type = memmap.TypeAcpiNvs
	case efiUnusableMemory:
		r.Type = memmap.TypeBadRam
	default:
		r.Type = memmap.TypeReserved
	}
	return r
}

// UEFIVolume is one block-I/O volume carrying a simple path-to-bytes
// file table.
type UEFIVolume struct {
	Name      string
	Kind      bootdev.Kind
	Files     map[string][]byte
	Removable bool
}

type UEFIConfig struct {
	Arch        machine.CpuArchitecture
	SystemTable uint64
	Descriptors []EFIDescriptor
	Volumes     []UEFIVolume
	BootOrder   []string
	Bootargs    string
	Console     io.Writer
	Framebuffer *bootinfo.Framebuffer
}

type UEFI struct {
	cfg UEFIConfig
}

func NewUEFI(cfg UEFIConfig) *UEFI {
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.Arch == "" {
		cfg.Arch = machine.ArchitectureX86_64
	}
	return &UEFI{cfg: cfg}
}

func (u *UEFI) Mode() platform.FirmwareMode { return platform.ModeUEFI }

func (u *UEFI) MemoryMap() ([]memmap.Region, error) {
	out := make([]memmap.Region, 0, len(u.cfg.Descriptors)+1)
	for _, d := range u.cfg.Descriptors {
		out = append(out, d.Region())
	}
	if fb := u.cfg.Framebuffer; fb != nil {
		out = append(out, memmap.Region{
			Base:   fb.Base,
			Length: uint64(fb.Pitch) * uint64(fb.Height),
			Type:   memmap.TypeFramebuffer,
		})
	}
	return out, nil
}

func (u *UEFI) Devices() []bootdev.Device {
	devices := make([]bootdev.Device, 0, len(u.cfg.Volumes))
	for _, v := range u.cfg.Volumes {
		kind := v.Kind
		if kind == bootdev.KindInvalid {
			kind = bootdev.KindSSD
		}
		devices = append(devices, bootdev.Device{
			Kind:      kind,
			Locator:   v.Name,
			Priority:  bootdev.DefaultPriority(u.cfg.Arch, kind),
			Removable: v.Removable,
			Bootable:  len(v.Files) > 0,
			Modes:     []platform.FirmwareMode{platform.ModeUEFI},
		})
	}
	return devices
}

func (u *UEFI) BootOrder() []string { return u.cfg.BootOrder }

func (u *UEFI) DefaultLocator() string { return DefaultUEFILocator }

func (u *UEFI) Open(dev bootdev.Device, locator string) (Blob, error) {
	for _, v := range u.cfg.Volumes {
		if v.Name != dev.Locator {
			continue
		}
		data, ok := v.Files[locator]
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrReadFailed, locator, v.Name)
		}
		return BytesBlob(data), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchVolume, dev.Locator)
}

func (u *UEFI) Bootargs() string   { return u.cfg.Bootargs }
func (u *UEFI) Console() io.Writer { return u.cfg.Console }

func (u *UEFI) Cookie() (bootinfo.Cookie, bool) {
	return bootinfo.Cookie{Kind: bootinfo.CookieUEFI, Pointer: u.cfg.SystemTable}, true
}

func (u *UEFI) Framebuffer() (bootinfo.Framebuffer, bool) {
	if u.cfg.Framebuffer == nil {
		return bootinfo.Framebuffer{}, false
	}
	return *u.cfg.Framebuffer, true
}

var _ Firmware = &UEFI{}
