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

// DirectConfig assembles the backend for multiboot-style direct
// long-mode entry: the previous-stage loader already parsed its tag
// list into regions and a command line.
type DirectConfig struct {
	Regions   []memmap.Region
	Media     []DTMedium
	BootOrder []string
	Bootargs  string
	Console   io.Writer
}

type Direct struct {
	cfg DirectConfig
}

func NewDirect(cfg DirectConfig) *Direct {
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	return &Direct{cfg: cfg}
}

func (d *Direct) Mode() platform.FirmwareMode { return platform.ModeDirectLongMode }

func (d *Direct) MemoryMap() ([]memmap.Region, error) {
	out := make([]memmap.Region, len(d.cfg.Regions))
	copy(out, d.cfg.Regions)
	return out, nil
}

func (d *Direct) Devices() []bootdev.Device {
	devices := make([]bootdev.Device, 0, len(d.cfg.Media))
	for _, m := range d.cfg.Media {
		kind := m.Kind
		if kind == bootdev.KindInvalid {
			kind = bootdev.KindHardDisk
		}
		devices = append(devices, bootdev.Device{
			Kind:      kind,
			Locator:   m.Name,
			Priority:  bootdev.DefaultPriority(machine.ArchitectureX86_64, kind),
			Removable: m.Removable,
			Bootable:  len(m.Data) > 0,
			Modes:     []platform.FirmwareMode{platform.ModeDirectLongMode},
		})
	}
	return devices
}

func (d *Direct) BootOrder() []string { return d.cfg.BootOrder }

func (d *Direct) DefaultLocator() string { return "0" }

func (d *Direct) Open(dev bootdev.Device, locator string) (Blob, error) {
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

func (d *Direct) Bootargs() string   { return d.cfg.Bootargs }
func (d *Direct) Console() io.Writer { return d.cfg.Console }

func (d *Direct) Cookie() (bootinfo.Cookie, bool) { return bootinfo.Cookie{}, false }

func (d *Direct) Framebuffer() (bootinfo.Framebuffer, bool) { return bootinfo.Framebuffer{}, false }

var _ Firmware = &Direct{}
