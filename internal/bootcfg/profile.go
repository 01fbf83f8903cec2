package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
)

// Profile is a YAML machine description the CLI turns into a machine
// model plus a firmware backend.
type Profile struct {
	Arch     string `yaml:"arch"`
	Firmware string `yaml:"firmware"` // bios, uefi, devicetree, direct

	Memory struct {
		Base uint64 `yaml:"base"`
		Size uint64 `yaml:"size"`
	} `yaml:"memory"`

	// Regions is the raw firmware memory map for bios/direct profiles.
	Regions []ProfileRegion `yaml:"regions"`

	Bootargs  string   `yaml:"bootargs"`
	BootOrder []string `yaml:"boot_order"`

	// SystemTable is the EFI system table address for uefi profiles.
	SystemTable uint64 `yaml:"system_table"`

	// DTBAddr is where the device tree blob sits for devicetree
	// profiles; the blob is built from Regions and Bootargs.
	DTBAddr uint64 `yaml:"dtb_addr"`

	Disks []ProfileDisk `yaml:"disks"`

	Framebuffer *ProfileFramebuffer `yaml:"framebuffer"`
}

type ProfileRegion struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// ProfileDisk names one boot medium backed by a host file. Drive is
// the BIOS drive number; Name is the volume/medium name elsewhere.
type ProfileDisk struct {
	Kind      string `yaml:"kind"`
	Drive     uint8  `yaml:"drive"`
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Removable bool   `yaml:"removable"`
}

type ProfileFramebuffer struct {
	Base   uint64 `yaml:"base"`
	Pitch  uint32 `yaml:"pitch"`
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	BPP    uint16 `yaml:"bpp"`
	Format uint16 `yaml:"format"`
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if _, err := p.ArchTag(); err != nil {
		return nil, err
	}
	switch p.Firmware {
	case "bios", "uefi", "devicetree", "direct":
	default:
		return nil, fmt.Errorf("unknown firmware mode %q", p.Firmware)
	}
	if p.Memory.Size == 0 {
		return nil, fmt.Errorf("profile declares no memory")
	}
	return &p, nil
}

// ArchTag maps the profile architecture string onto the machine model.
func (p *Profile) ArchTag() (machine.CpuArchitecture, error) {
	switch p.Arch {
	case "x86_64":
		return machine.ArchitectureX86_64, nil
	case "arm64":
		return machine.ArchitectureARM64, nil
	case "riscv64":
		return machine.ArchitectureRISCV64, nil
	default:
		return machine.ArchitectureInvalid, fmt.Errorf("unknown architecture %q", p.Arch)
	}
}

// MemRegions converts the profile's raw region list.
func (p *Profile) MemRegions() ([]memmap.Region, error) {
	out := make([]memmap.Region, 0, len(p.Regions))
	for _, r := range p.Regions {
		t, err := regionType(r.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, memmap.Region{Base: r.Base, Length: r.Length, Type: t})
	}
	return out, nil
}

func regionType(name string) (memmap.Type, error) {
	switch name {
	case "usable", "":
		return memmap.TypeUsable, nil
	case "reserved":
		return memmap.TypeReserved, nil
	case "acpi-reclaim":
		return memmap.TypeAcpiReclaim, nil
	case "acpi-nvs":
		return memmap.TypeAcpiNvs, nil
	case "bad-ram":
		return memmap.TypeBadRam, nil
	case "bootloader":
		return memmap.TypeBootloader, nil
	case "framebuffer":
		return memmap.TypeFramebuffer, nil
	default:
		return 0, fmt.Errorf("unknown region type %q", name)
	}
}
