package firmware

import (
	"errors"
	"io"
	"testing"

	"github.com/multios-dev/bootstage/internal/bootdev"
	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/fdt"
	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/platform"
)

func TestBIOSOpenReadsFromLBA(t *testing.T) {
	disk := make([]byte, 4<<20)
	copy(disk[2048*SectorSize:], []byte("kernel bytes"))
	fw := NewBIOS(BIOSConfig{
		Disks: []BIOSDisk{{Drive: 0x80, Data: disk}},
	})

	devices := fw.Devices()
	if len(devices) != 1 || devices[0].Locator != "0x80" || devices[0].Kind != bootdev.KindHardDisk {
		t.Fatalf("devices = %v", devices)
	}
	blob, err := fw.Open(devices[0], fw.DefaultLocator())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 12)
	if _, err := blob.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "kernel bytes" {
		t.Fatalf("read %q", buf)
	}
	if blob.Size() != uint64(len(disk))-2048*SectorSize {
		t.Fatalf("Size = %d", blob.Size())
	}
}

func TestBIOSOpenBeyondDisk(t *testing.T) {
	fw := NewBIOS(BIOSConfig{Disks: []BIOSDisk{{Drive: 0x80, Data: make([]byte, SectorSize)}}})
	if _, err := fw.Open(fw.Devices()[0], "2048"); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("err = %v, want ErrReadFailed", err)
	}
}

func TestBIOSUnknownDrive(t *testing.T) {
	fw := NewBIOS(BIOSConfig{})
	dev := bootdev.Device{Locator: "0x81"}
	if _, err := fw.Open(dev, "0"); !errors.Is(err, ErrNoSuchVolume) {
		t.Fatalf("err = %v, want ErrNoSuchVolume", err)
	}
}

func TestEFIDescriptorConversion(t *testing.T) {
	cases := []struct {
		efiType uint32
		want    memmap.Type
		runtime bool
	}{
		{efiConventionalMemory, memmap.TypeUsable, false},
		{efiBootServicesData, memmap.TypeUsable, false},
		{efiLoaderCode, memmap.TypeBootloader, false},
		{efiRuntimeServicesData, memmap.TypeReserved, true},
		{efiACPIReclaimMemory, memmap.TypeAcpiReclaim, false},
		{efiACPIMemoryNVS, memmap.TypeAcpiNvs, false},
		{efiUnusableMemory, memmap.TypeBadRam, false},
		{efiMemoryMappedIO, memmap.TypeReserved, false},
	}
	for _, tc := range cases {
		d := EFIDescriptor{Type: tc.efiType, PhysicalStart: 0x1000, NumberOfPages: 16}
		r := d.Region()
		if r.Type != tc.want {
			t.Fatalf("EFI type %d: region type %v, want %v", tc.efiType, r.Type, tc.want)
		}
		if r.Length != 16*efiPageSize {
			t.Fatalf("length = %#x", r.Length)
		}
		if (r.Attrs&memmap.AttrRuntime != 0) != tc.runtime {
			t.Fatalf("EFI type %d: runtime attr mismatch", tc.efiType)
		}
	}
}

func TestUEFIOpenAndCookie(t *testing.T) {
	fw := NewUEFI(UEFIConfig{
		SystemTable: 0x7FFE0000,
		Volumes: []UEFIVolume{{
			Name:  "esp0",
			Files: map[string][]byte{DefaultUEFILocator: []byte("img")},
		}},
	})

	blob, err := fw.Open(fw.Devices()[0], fw.DefaultLocator())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if blob.Size() != 3 {
		t.Fatalf("Size = %d", blob.Size())
	}
	if _, err := fw.Open(fw.Devices()[0], `\EFI\other.img`); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("missing file err = %v, want ErrReadFailed", err)
	}

	cookie, ok := fw.Cookie()
	if !ok || cookie.Kind != bootinfo.CookieUEFI || cookie.Pointer != 0x7FFE0000 {
		t.Fatalf("Cookie = %+v, %v", cookie, ok)
	}
}

func TestUEFIMemoryMapIncludesFramebuffer(t *testing.T) {
	fb := &bootinfo.Framebuffer{Base: 0xFD000000, Pitch: 4096, Width: 1024, Height: 768, BPP: 32}
	fw := NewUEFI(UEFIConfig{
		Descriptors: []EFIDescriptor{{Type: efiConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 1024}},
		Framebuffer: fb,
	})
	raw, err := fw.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	var found bool
	for _, r := range raw {
		if r.Type == memmap.TypeFramebuffer && r.Base == fb.Base && r.Length == 4096*768 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no framebuffer region in %v", raw)
	}
}

func newDTMachine(t *testing.T, bootargs string) (machine.Memory, uint64) {
	t.Helper()
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	b.BeginNode("chosen")
	b.PropString("bootargs", bootargs)
	b.EndNode()
	b.BeginNode("memory@40000000")
	b.PropString("device_type", "memory")
	b.PropU64("reg", 0x40000000, 0x80000000)
	b.EndNode()
	b.EndNode()
	blob, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ram, err := machine.NewRAM(0x40000000, 1<<20)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	const dtbAddr = 0x40010000
	if _, err := ram.WriteAt(blob, dtbAddr); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	return ram, dtbAddr
}

func TestDeviceTreeBackend(t *testing.T) {
	mem, dtbAddr := newDTMachine(t, "console=ttyAMA0 debug")
	fw, err := NewDeviceTree(mem, dtbAddr, DeviceTreeConfig{
		Media: []DTMedium{{Name: "emmc0", Kind: bootdev.KindEMMC, Data: []byte("blob")}},
	})
	if err != nil {
		t.Fatalf("NewDeviceTree: %v", err)
	}

	if got := fw.Bootargs(); got != "console=ttyAMA0 debug" {
		t.Fatalf("Bootargs = %q", got)
	}
	raw, err := fw.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	if raw[0].Base != 0x40000000 || raw[0].Length != 0x80000000 || raw[0].Type != memmap.TypeUsable {
		t.Fatalf("raw[0] = %v", raw[0])
	}
	// The blob itself is reserved.
	last := raw[len(raw)-1]
	if last.Type != memmap.TypeReserved || last.Base != dtbAddr {
		t.Fatalf("dtb region = %v", last)
	}

	cookie, ok := fw.Cookie()
	if !ok || cookie.Kind != bootinfo.CookieDeviceTree || cookie.Pointer != dtbAddr {
		t.Fatalf("Cookie = %+v, %v", cookie, ok)
	}
	if fw.Mode() != platform.ModeDeviceTree {
		t.Fatalf("Mode = %v", fw.Mode())
	}

	blob, err := fw.Open(fw.Devices()[0], fw.DefaultLocator())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if blob.Size() != 4 {
		t.Fatalf("Size = %d", blob.Size())
	}
}

func TestDeviceTreeRejectsMissingBlob(t *testing.T) {
	ram, err := machine.NewRAM(0, 1<<20)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	if _, err := NewDeviceTree(ram, 0x1000, DeviceTreeConfig{}); !errors.Is(err, fdt.ErrMalformed) {
		t.Fatalf("err = %v, want fdt.ErrMalformed", err)
	}
}

func TestBytesBlobShortRead(t *testing.T) {
	b := BytesBlob([]byte{1, 2, 3})
	buf := make([]byte, 8)
	n, err := b.ReadAt(buf, 0)
	if n != 3 || err != io.EOF {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
}
