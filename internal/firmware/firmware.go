// Package firmware is the closed set of boot service backends the
// pipeline consumes: legacy BIOS, UEFI, device-tree described
// platforms, and direct (multiboot-style) handoff. Each backend
// exposes the same synchronous surface: a raw memory map, the
// enumerated boot media, a block read primitive, the boot arguments,
// and the console.
package firmware

import (
	"errors"
	"io"

	"github.com/multios-dev/bootstage/internal/bootdev"
	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/platform"
)

var (
	ErrNoSuchVolume = errors.New("no such boot volume")
	ErrReadFailed   = errors.New("firmware read primitive failed")
)

// Blob is one contiguous readable range handed back by Open. Offsets
// are relative to the blob start.
type Blob interface {
	io.ReaderAt
	Size() uint64
}

type bytesBlob struct{ data []byte }

// BytesBlob wraps an in-memory byte range as a Blob.
func BytesBlob(data []byte) Blob { return bytesBlob{data: data} }

func (b bytesBlob) Size() uint64 { return uint64(len(b.data)) }

func (b bytesBlob) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b.data)) {
		return 0, ErrReadFailed
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Firmware is the service surface a backend provides until hand-off.
// All calls are synchronous; none may be made after the jump.
type Firmware interface {
	Mode() platform.FirmwareMode

	// MemoryMap returns the raw region descriptors in firmware order,
	// before normalization.
	MemoryMap() ([]memmap.Region, error)

	// Devices enumerates candidate boot media. BootOrder optionally
	// names device locators in firmware-preferred order.
	Devices() []bootdev.Device
	BootOrder() []string

	// Open reads the blob at locator on the device using the backend's
	// read primitive. DefaultLocator is used when the boot arguments
	// name no kernel.
	Open(dev bootdev.Device, locator string) (Blob, error)
	DefaultLocator() string

	Bootargs() string
	Console() io.Writer

	// Cookie is the firmware handoff pointer recorded in boot-info,
	// when the mode defines one.
	Cookie() (bootinfo.Cookie, bool)

	// Framebuffer describes the firmware-initialized display, if any.
	Framebuffer() (bootinfo.Framebuffer, bool)
}
