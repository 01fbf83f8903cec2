package firmware

import (
	"fmt"
	"io"
	"strconv"

	"github.com/multios-dev/bootstage/internal/bootdev"
	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/platform"
)

// SectorSize is the legacy BIOS disk sector size. Kernel locators on
// BIOS disks are decimal LBAs.
const SectorSize = 512

// DefaultBIOSLocator is LBA 2048: the first sector after the
// conventional 1 MiB partition gap.
const DefaultBIOSLocator = "2048"

// BIOSDisk is one INT 13h-style drive. Drive numbers 0x80+ are fixed
// disks per the BIOS convention.
type BIOSDisk struct {
	Drive     uint8
	Kind      bootdev.Kind
	Data      []byte
	Removable bool
}

// BIOSConfig assembles a legacy BIOS backend. E820 carries the raw
// region list exactly as the INT 15h AX=E820h probe would return it.
type BIOSConfig struct {
	E820      []memmap.Region
	Disks     []BIOSDisk
	BootOrder []string
	Bootargs  string
	Console   io.Writer
}

type BIOS struct {
	cfg BIOSConfig
}

func NewBIOS(cfg BIOSConfig) *BIOS {
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	return &BIOS{cfg: cfg}
}

func (b *BIOS) Mode() platform.FirmwareMode { return platform.ModeLegacyBIOS }

func (b *BIOS) MemoryMap() ([]memmap.Region, error) {
	out := make([]memmap.Region, len(b.cfg.E820))
	copy(out, b.cfg.E820)
	return out, nil
}

func (b *BIOS) Devices() []bootdev.Device {
	devices := make([]bootdev.Device, 0, len(b.cfg.Disks))
	for _, d := range b.cfg.Disks {
		kind := d.Kind
		if kind == bootdev.KindInvalid {
			kind = bootdev.KindHardDisk
		}
		devices = append(devices, bootdev.Device{
			Kind:      kind,
			Locator:   driveLocator(d.Drive),
			Priority:  bootdev.DefaultPriority(machine.ArchitectureX86_64, kind),
			Removable: d.Removable,
			Bootable:  len(d.Data) > 0,
			Modes:     []platform.FirmwareMode{platform.ModeLegacyBIOS},
		})
	}
	return devices
}

func (b *BIOS) BootOrder() []string { return b.cfg.BootOrder }

func (b *BIOS) DefaultLocator() string { return DefaultBIOSLocator }

// Open reads from the drive named by the device locator, starting at
// the sector the kernel locator names, through to the end of the disk.
func (b *BIOS) Open(dev bootdev.Device, locator string) (Blob, error) {
	disk, ok := b.disk(dev.Locator)
	if !ok {
		return nil, fmt.Errorf("%w: drive %s", ErrNoSuchVolume, dev.Locator)
	}
	lba, err := strconv.ParseUint(locator, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: locator %q is not an LBA", ErrReadFailed, locator)
	}
	offset := lba * SectorSize
	if offset >= uint64(len(disk.Data)) {
		return nil, fmt.Errorf("%w: LBA %d beyond drive %s", ErrReadFailed, lba, dev.Locator)
	}
	return BytesBlob(disk.Data[offset:]), nil
}

func (b *BIOS) disk(locator string) (BIOSDisk, bool) {
	for _, d := range b.cfg.Disks {
		if driveLocator(d.Drive) == locator {
			return d, true
		}
	}
	return BIOSDisk{}, false
}

func (b *BIOS) Bootargs() string   { return b.cfg.Bootargs }
func (b *BIOS) Console() io.Writer { return b.cfg.Console }

func (b *BIOS) Cookie() (bootinfo.Cookie, bool) { return bootinfo.Cookie{}, false }

func (b *BIOS) Framebuffer() (bootinfo.Framebuffer, bool) { return bootinfo.Framebuffer{}, false }

func driveLocator(drive uint8) string {
	return fmt.Sprintf("0x%02X", drive)
}

var _ Firmware = &BIOS{}
