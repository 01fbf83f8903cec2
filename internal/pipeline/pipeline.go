// Package pipeline drives the whole boot sequence: probe, memory map,
// device selection, image load, expansion, boot-info, hand-off. The
// pipeline is linear and forward-only; the single backwards edge is
// the device retry between image load and device selection.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/multios-dev/bootstage/internal/bootcfg"
	"github.com/multios-dev/bootstage/internal/bootdev"
	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/expand"
	"github.com/multios-dev/bootstage/internal/fdt"
	"github.com/multios-dev/bootstage/internal/firmware"
	"github.com/multios-dev/bootstage/internal/handoff"
	"github.com/multios-dev/bootstage/internal/image"
	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/platform"
)

// State is the pipeline position. Transitions are forward-only except
// DeviceSelected <- ImageLoaded on retry.
type State int

const (
	StateUninitialized State = iota
	StateProbed
	StateMapAcquired
	StateDeviceSelected
	StateImageLoaded
	StateExpanded
	StatePrepared
	StateBootInfoBuilt
	StateJumpedAway
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateProbed:
		return "Probed"
	case StateMapAcquired:
		return "MapAcquired"
	case StateDeviceSelected:
		return "DeviceSelected"
	case StateImageLoaded:
		return "ImageLoaded"
	case StateExpanded:
		return "Expanded"
	case StatePrepared:
		return "Prepared"
	case StateBootInfoBuilt:
		return "BootInfoBuilt"
	case StateJumpedAway:
		return "JumpedAway"
	case StateHalted:
		return "Halted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is what the pipeline leaves behind: the final state plus
// everything a caller (or test) needs to inspect the hand-off.
type Result struct {
	State        State
	Desc         platform.Descriptor
	Map          memmap.Map
	Device       bootdev.Device
	Attempts     int
	Staging      expand.Staging
	ScratchBase  uint64 // compressed payload location, zero when raw
	LoadedSize   uint64
	Entry        uint64
	BootInfoBase uint64
	Info         *bootinfo.Info
	HaltKind     string
}

type driver struct {
	m   *machine.Machine
	fw  firmware.Firmware
	cfg bootcfg.Config
	log *slog.Logger
	res *Result
}

// Run executes the pipeline to hand-off or halt. The returned error is
// non-nil exactly when the result state is Halted.
func Run(m *machine.Machine, fw firmware.Firmware) (*Result, error) {
	d := &driver{
		m:   m,
		fw:  fw,
		res: &Result{State: StateUninitialized},
	}

	cfg, cfgErr := bootcfg.Parse(fw.Bootargs())
	d.cfg = cfg

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	d.log = slog.New(slog.NewTextHandler(fw.Console(), &slog.HandlerOptions{Level: level}))
	if cfgErr != nil {
		// Best effort: the raw command line still reaches the kernel.
		d.log.Warn("ignoring malformed boot arguments", "error", cfgErr)
	}

	return d.run()
}

func (d *driver) run() (*Result, error) {
	desc, err := platform.Probe(d.m)
	if err != nil {
		return d.halt(err)
	}
	d.res.Desc = desc
	d.to(StateProbed, "arch", string(desc.Arch), "mode", desc.Mode.String())

	mm, err := d.acquireMap(desc)
	if err != nil {
		return d.halt(err)
	}
	d.res.Map = mm
	totals := mm.Totals()
	d.to(StateMapAcquired, "regions", mm.Len(), "total", totals.Total, "usable", totals.Usable)

	att, err := d.selectAndLoad(desc, mm)
	if err != nil {
		return d.halt(err)
	}
	mm = att.mm
	d.res.Map = mm
	d.res.Staging = att.staging
	if att.img.Compression != image.CompressionNone {
		d.res.ScratchBase = att.payloadBase
	}
	d.to(StateImageLoaded,
		"device", att.dev.String(),
		"compression", att.img.Compression.String(),
		"declared", att.img.ImageSize)

	mm, loaded, err := d.expand(att, mm)
	if err != nil {
		return d.halt(err)
	}
	d.res.Map = mm
	d.res.LoadedSize = loaded
	d.res.Entry = att.staging.Base + att.img.EntryOffset
	d.to(StateExpanded, "loaded", loaded, "entry", d.res.Entry)

	// Stack and page tables are reserved before boot-info is built so
	// the record describes the final memory map.
	mm, ctx, err := handoff.Prepare(desc, d.m, mm, d.res.Entry)
	if err != nil {
		return d.halt(err)
	}
	d.res.Map = mm
	d.to(StatePrepared, "stack", ctx.StackTop, "paging", ctx.PagingRoot)

	mm, base, info, err := d.buildBootInfo(mm, att)
	if err != nil {
		return d.halt(err)
	}
	d.res.Map = mm
	d.res.BootInfoBase = base
	d.res.Info = info
	d.to(StateBootInfoBuilt, "base", base)

	if err := handoff.Jump(d.m, ctx, base); err != nil {
		return d.halt(err)
	}
	d.res.State = StateJumpedAway
	return d.res, nil
}

// acquireMap normalizes the firmware map and applies the architectural
// reservations firmware cannot override: on x86_64 nothing below 1 MiB
// is ever handed out as usable.
func (d *driver) acquireMap(desc platform.Descriptor) (memmap.Map, error) {
	raw, err := d.fw.MemoryMap()
	if err != nil {
		return memmap.Map{}, err
	}
	mm, err := memmap.Normalize(raw)
	if err != nil {
		return memmap.Map{}, err
	}
	if desc.Arch == machine.ArchitectureX86_64 {
		mm, err = mm.Reserve(0, 1<<20, memmap.TypeReserved)
		if err != nil {
			return memmap.Map{}, err
		}
	}
	if err := mm.Validate(); err != nil {
		return memmap.Map{}, err
	}
	return mm, nil
}

// attempt is the state accumulated by one load try. A failed attempt
// is dropped wholesale; nothing it reserved leaks into the pipeline.
type attempt struct {
	dev         bootdev.Device
	img         *image.Image
	mm          memmap.Map
	staging     expand.Staging
	payloadBase uint64
	modules     []bootinfo.Module
}

// fatalLoadError wraps a load-phase error that must not trigger the
// device retry.
type fatalLoadError struct{ err error }

func (e fatalLoadError) Error() string { return e.err.Error() }
func (e fatalLoadError) Unwrap() error { return e.err }

func (d *driver) selectAndLoad(desc platform.Descriptor, mm memmap.Map) (*attempt, error) {
	sel := bootdev.NewSelector(d.fw.Devices(), d.fw.BootOrder(), desc.Mode)
	locator := d.cfg.Kernel
	if locator == "" {
		locator = d.fw.DefaultLocator()
	}

	var lastErr error
	for {
		dev, err := sel.Next()
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		d.res.Attempts++
		d.res.Device = dev
		d.to(StateDeviceSelected, "device", dev.String(), "attempt", d.res.Attempts)

		att, err := d.tryLoad(desc, dev, locator, mm)
		if err != nil {
			var fatal fatalLoadError
			if errors.As(err, &fatal) {
				return nil, fatal.err
			}
			d.log.Debug("device failed, trying next", "device", dev.String(), "error", err)
			lastErr = err
			continue
		}
		return att, nil
	}
}

// tryLoad runs one full load attempt against a working copy of the
// memory map.
func (d *driver) tryLoad(desc platform.Descriptor, dev bootdev.Device, locator string, mm memmap.Map) (*attempt, error) {
	blob, err := d.fw.Open(dev, locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", image.ErrDeviceReadFailed, err)
	}
	img, err := image.Load(blob, blob.Size())
	if err != nil {
		return nil, err
	}
	if d.cfg.NoDecompress && img.Compression != image.CompressionNone {
		return nil, fmt.Errorf("%w: %s rejected by no_decompress", image.ErrUnsupportedCompression, img.Compression)
	}
	if largest, ok := mm.LargestUsable(); !ok || img.ImageSize > largest.Length {
		return nil, fmt.Errorf("%w: declared size %d exceeds largest usable region", image.ErrInvalidKernelFormat, img.ImageSize)
	}

	att := &attempt{dev: dev, img: img}
	att.mm, att.staging, err = expand.AllocateStaging(mm, img, stagingMinBase(desc.Arch))
	if err != nil {
		return nil, fatalLoadError{err}
	}

	if img.Compression == image.CompressionNone {
		// Zero-copy: the raw payload is read straight into staging.
		att.payloadBase = att.staging.Base
	} else {
		base, _, ok := att.mm.FindUsable(img.PayloadSize, 0x10, 0)
		if !ok {
			return nil, fatalLoadError{fmt.Errorf("%w: no scratch room for %d payload bytes",
				expand.ErrInsufficientStagingMemory, img.PayloadSize)}
		}
		att.mm, err = att.mm.Reserve(base, img.PayloadSize, memmap.TypeBootloader)
		if err != nil {
			return nil, fatalLoadError{fmt.Errorf("%w: %v", expand.ErrInsufficientStagingMemory, err)}
		}
		att.payloadBase = base
	}
	if err := d.readInto(img.Payload(), att.payloadBase); err != nil {
		return nil, err
	}

	for _, ref := range d.cfg.Modules {
		if err := d.loadModule(att, dev, ref); err != nil {
			return nil, err
		}
	}
	return att, nil
}

func (d *driver) loadModule(att *attempt, dev bootdev.Device, ref bootcfg.ModuleRef) error {
	blob, err := d.fw.Open(dev, ref.Locator)
	if err != nil {
		return fmt.Errorf("%w: module %s: %v", image.ErrDeviceReadFailed, ref.Name, err)
	}
	size := blob.Size()
	if size == 0 {
		return fmt.Errorf("%w: module %s is empty", image.ErrDeviceReadFailed, ref.Name)
	}
	base, _, ok := att.mm.FindUsable(size, 0x1000, 0)
	if !ok {
		return fatalLoadError{fmt.Errorf("%w: no room for module %s", expand.ErrInsufficientStagingMemory, ref.Name)}
	}
	att.mm, err = att.mm.Reserve(base, size, memmap.TypeBootloader)
	if err != nil {
		return fatalLoadError{fmt.Errorf("%w: %v", expand.ErrInsufficientStagingMemory, err)}
	}
	if err := d.readInto(io.NewSectionReader(blob, 0, int64(size)), base); err != nil {
		return err
	}
	att.modules = append(att.modules, bootinfo.Module{Name: ref.Name, Base: base, Length: size})
	return nil
}

// readInto copies a device stream into machine memory; a short or
// failed read is a device read failure and triggers the retry.
func (d *driver) readInto(src io.Reader, base uint64) error {
	if _, err := io.Copy(io.NewOffsetWriter(d.m.Mem, int64(base)), src); err != nil {
		return fmt.Errorf("%w: %v", image.ErrDeviceReadFailed, err)
	}
	return nil
}

func (d *driver) expand(att *attempt, mm memmap.Map) (memmap.Map, uint64, error) {
	loaded, err := expand.Expand(d.m.Mem, att.img, att.payloadBase, att.staging)
	if err != nil {
		return memmap.Map{}, 0, err
	}
	if att.img.Compression != image.CompressionNone {
		// The compressed source range goes back to the allocator.
		mm, err = mm.Reserve(att.payloadBase, att.img.PayloadSize, memmap.TypeUsable)
		if err != nil {
			return memmap.Map{}, 0, err
		}
	}
	return mm, loaded, nil
}

// buildBootInfo reserves the record's region and serializes it. The
// record includes its own reservation, so the region is sized with
// margin for the split it introduces, then the final encoding is
// written into it.
func (d *driver) buildBootInfo(mm memmap.Map, att *attempt) (memmap.Map, uint64, *bootinfo.Info, error) {
	info := bootinfo.New(mm.Regions(), d.cfg.CommandLine())
	info.Modules = att.modules
	if fb, ok := d.fw.Framebuffer(); ok {
		info.Framebuffer = &fb
	}
	if cookie, ok := d.fw.Cookie(); ok {
		info.Cookie = &cookie
	}

	probe, err := info.Encode()
	if err != nil {
		return memmap.Map{}, 0, nil, err
	}
	// Reserving the record's own region splits at most one usable
	// region in two: 48 bytes of margin covers the growth.
	need := alignUp(uint64(len(probe))+48, 0x1000)
	if need > bootinfo.MaxSize {
		return memmap.Map{}, 0, nil, fmt.Errorf("%w: %d bytes", bootinfo.ErrBootInfoTooLarge, need)
	}
	base, _, ok := mm.FindUsable(need, 0x1000, 0)
	if !ok {
		return memmap.Map{}, 0, nil, fmt.Errorf("%w: no usable region for %d bytes", bootinfo.ErrBootInfoTooLarge, need)
	}
	mm, err = mm.Reserve(base, need, memmap.TypeBootloader)
	if err != nil {
		return memmap.Map{}, 0, nil, err
	}

	info.Regions = mm.Regions()
	encoded, err := info.Encode()
	if err != nil {
		return memmap.Map{}, 0, nil, err
	}
	if uint64(len(encoded)) > need {
		return memmap.Map{}, 0, nil, fmt.Errorf("%w: record outgrew its reservation", bootinfo.ErrBootInfoTooLarge)
	}
	if _, err := d.m.Mem.WriteAt(encoded, int64(base)); err != nil {
		return memmap.Map{}, 0, nil, fmt.Errorf("writing boot-info at %#x: %w", base, err)
	}
	return mm, base, info, nil
}

func (d *driver) to(s State, args ...any) {
	d.res.State = s
	d.log.Debug("state transition", append([]any{"state", s.String()}, args...)...)
}

// halt signals the failure on the firmware console, stops the boot
// processor, and surfaces the error to the caller.
func (d *driver) halt(err error) (*Result, error) {
	kind := kindName(err)
	fmt.Fprintf(d.fw.Console(), "BOOT_HALT: %s\n", kind)
	d.m.CPU.Halt()
	d.res.State = StateHalted
	d.res.HaltKind = kind
	return d.res, err
}

// stagingMinBase keeps the expanded kernel clear of legacy conflict
// zones: 16 MiB on x86_64, unconstrained elsewhere.
func stagingMinBase(arch machine.CpuArchitecture) uint64 {
	if arch == machine.ArchitectureX86_64 {
		return 0x1000000
	}
	return 0
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}

var kindNames = []struct {
	err  error
	name string
}{
	{platform.ErrUnsupportedArchitecture, "UnsupportedArchitecture"},
	{platform.ErrUnknownFirmware, "UnknownFirmware"},
	{memmap.ErrNoMemoryMap, "NoMemoryMap"},
	{memmap.ErrMemoryMapTooLarge, "MemoryMapTooLarge"},
	{memmap.ErrAddressOverflow, "InvalidMemoryMap"},
	{memmap.ErrInvalidRegion, "InvalidMemoryMap"},
	{fdt.ErrMalformed, "MalformedDeviceTree"},
	{bootdev.ErrNoBootableDevice, "NoBootableDevice"},
	{image.ErrDeviceReadFailed, "DeviceReadFailed"},
	{image.ErrInvalidKernelFormat, "InvalidKernelFormat"},
	{image.ErrUnsupportedCompression, "UnsupportedCompression"},
	{image.ErrHeaderChecksumMismatch, "HeaderChecksumMismatch"},
	{expand.ErrInsufficientStagingMemory, "InsufficientStagingMemory"},
	{expand.ErrDecompressionFailed, "DecompressionFailed"},
	{expand.ErrStagingOverflow, "StagingOverflow"},
	{bootinfo.ErrBootInfoTooLarge, "BootInfoTooLarge"},
	{handoff.ErrPagingSetupFailed, "PagingSetupFailed"},
	{handoff.ErrStackAllocationFailed, "StackAllocationFailed"},
}

func kindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}
