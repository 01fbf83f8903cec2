package firmware

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/multios-dev/bootstage/internal/bootdev"
	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/fdt"
	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/platform"
)

// DefaultDTLocator reads the medium from offset 0: embedded boot media
// carry the kernel blob at the start of the boot partition.
const DefaultDTLocator = "0"

// DTMedium is one MMIO-described block medium (eMMC, SD, SPI flash).
// Kernel locators are decimal byte offsets into the medium.
type DTMedium struct {
	Name      string
	Kind      bootdev.Kind
	Data      []byte
	Removable bool
}

type DeviceTreeConfig struct {
	Arch      machine.CpuArchitecture
	Media     []DTMedium
	BootOrder []string
	Console   io.Writer
}

// DeviceTree is the firmware backend for DTB-described platforms: the
// memory map and boot arguments come from the blob the previous-stage
// loader left in RAM.
type DeviceTree struct {
	cfg     DeviceTreeConfig
	dtbAddr uint64
	dtbSize uint64
	tree    *fdt.Tree
}

// NewDeviceTree reads and parses the DTB at dtbAddr in machine memory.
func NewDeviceTree(mem machine.Memory, dtbAddr uint64, cfg DeviceTreeConfig) (*DeviceTree, error) {
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.Arch == "" {
		cfg.Arch = machine.ArchitectureARM64
	}

	var hdr [8]byte
	if _, err := mem.ReadAt(hdr[:], int64(dtbAddr)); err != nil {
		return nil, fmt.Errorf("reading device tree header at %#x: %w", dtbAddr, err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != fdt.Magic {
		return nil, fmt.Errorf("%w: no device tree at %#x", fdt.ErrMalformed, dtbAddr)
	}
	totalSize := binary.BigEndian.Uint32(hdr[4:8])
	blob := make([]byte, totalSize)
	if _, err := mem.ReadAt(blob, int64(dtbAddr)); err != nil {
		return nil, fmt.Errorf("reading device tree blob at %#x: %w", dtbAddr, err)
	}
	tree, err := fdt.Parse(blob)
	if err != nil {
		return nil, err
	}
	return &DeviceTree{cfg: cfg, dtbAddr: dtbAddr, dtbSize: uint64(totalSize), tree: tree}, nil
}

func (d *DeviceTree) Mode() platform.FirmwareMode { return platform.ModeDeviceTree }

// MemoryMap derives the raw map from the /memory node and reserves the
// blob itself so the kernel can still read it after hand-off.
func (d *DeviceTree) MemoryMap() ([]memmap.Region, error) {
	ranges, err := d.tree.MemoryRegions()
	if err != nil {
		return nil, err
	}
	out := make([]memmap.Region, 0, len(ranges)+1)
	for _, r := range ranges {
		out = append(out, memmap.Region{Base: r.Base, Length: r.Size, Type: memmap.TypeUsable})
	}
	out = append(out, memmap.Region{Base: d.dtbAddr, Length: d.dtbSize, Type: memmap.TypeReserved})
	return out, nil
}

func (d *DeviceTree) Devices() []bootdev.Device {
	devices := make([]bootdev.Device, 0, len(d.cfg.Media))
	for _, m := range d.cfg.Media {
		kind := m.Kind
		if kind == bootdev.KindInvalid {
			kind = bootdev.KindEMMC
		}
		devices = append(devices, bootdev.Device{
			Kind:      kind,
			Locator:   m.Name,
			Priority:  bootdev.DefaultPriority(d.cfg.Arch, kind),
			Removable: m.Removable,
			Bootable:  len(m.Data) > 0,
			Modes:     []platform.FirmwareMode{platform.ModeDeviceTree},
		})
	}
	return devices
}

func (d *DeviceTree) BootOrder() []string { return d.cfg.BootOrder }

func (d *DeviceTree) DefaultLocator() string { return DefaultDTLocator }

func (d *DeviceTree) Open(dev bootdev.Device, locator string) (Blob, error) {
	for _, m := range d.cfg.Media {
		if m.Name != dev.Locator {
			continue
		}
		offset, err := strconv.ParseUint(locator, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: locator %q is not a byte offset", ErrReadFailed, locator)
		}
		if offset >= uint64(len(m.Data)) {
			return nil, fmt.Errorf("%w: offset %d beyond %s", ErrReadFailed, offset, m.Name)
		}
		return BytesBlob(m.Data[offset:]), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchVolume, dev.Locator)
}

func (d *DeviceTree) Bootargs() string { return d.tree.Bootargs() }

func (d *DeviceTree) Console() io.Writer { return d.cfg.Console }

func (d *DeviceTree) Cookie() (bootinfo.Cookie, bool) {
	return bootinfo.Cookie{Kind: bootinfo.CookieDeviceTree, Pointer: d.dtbAddr}, true
}

func (d *DeviceTree) Framebuffer() (bootinfo.Framebuffer, bool) {
	return bootinfo.Framebuffer{}, false
}

var _ Firmware = &DeviceTree{}
