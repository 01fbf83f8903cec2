package bootcfg

import (
	"errors"
	"testing"

	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
)

func TestParseAllOptions(t *testing.T) {
	cfg, err := Parse(`kernel=4096 append="console=ttyS0 root=/dev/vda" module=8192,initrd debug no_decompress`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Kernel != "4096" {
		t.Fatalf("Kernel = %q", cfg.Kernel)
	}
	if cfg.CommandLine() != "console=ttyS0 root=/dev/vda" {
		t.Fatalf("CommandLine = %q", cfg.CommandLine())
	}
	if len(cfg.Modules) != 1 || cfg.Modules[0] != (ModuleRef{Locator: "8192", Name: "initrd"}) {
		t.Fatalf("Modules = %v", cfg.Modules)
	}
	if !cfg.Debug || !cfg.NoDecompress {
		t.Fatal("flags not set")
	}
}

func TestParseRawPassThrough(t *testing.T) {
	// Without append=, the kernel sees the raw arguments verbatim,
	// unknown tokens included.
	raw := "console=ttyAMA0 debug"
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CommandLine() != raw {
		t.Fatalf("CommandLine = %q, want %q", cfg.CommandLine(), raw)
	}
	if !cfg.Debug {
		t.Fatal("debug flag not set")
	}
}

func TestParseEmptyAppendWins(t *testing.T) {
	cfg, err := Parse(`debug append=""`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CommandLine() != "" {
		t.Fatalf("CommandLine = %q, want empty", cfg.CommandLine())
	}
}

func TestParseModuleWithoutName(t *testing.T) {
	cfg, err := Parse("module=16384")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Modules[0].Name != "16384" {
		t.Fatalf("Name = %q", cfg.Modules[0].Name)
	}
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{
		"kernel=",
		"module=",
		"debug=1",
		"no_decompress=off",
		`append="unterminated`,
	} {
		if _, err := Parse(bad); !errors.Is(err, ErrBadBootargs) {
			t.Fatalf("Parse(%q): err = %v, want ErrBadBootargs", bad, err)
		}
	}
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(`
arch: x86_64
firmware: bios
memory:
  base: 0x0
  size: 0x80000000
bootargs: "kernel=2048 debug"
regions:
  - base: 0x0
    length: 0x9F000
    type: usable
  - base: 0x100000
    length: 0x7EE00000
disks:
  - kind: harddisk
    drive: 0x80
    path: disk.img
`))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	arch, err := p.ArchTag()
	if err != nil {
		t.Fatalf("ArchTag: %v", err)
	}
	if arch != machine.ArchitectureX86_64 {
		t.Fatalf("arch = %v", arch)
	}
	regions, err := p.MemRegions()
	if err != nil {
		t.Fatalf("MemRegions: %v", err)
	}
	if len(regions) != 2 || regions[0].Type != memmap.TypeUsable || regions[1].Base != 0x100000 {
		t.Fatalf("regions = %v", regions)
	}
	if p.Disks[0].Drive != 0x80 {
		t.Fatalf("drive = %#x", p.Disks[0].Drive)
	}
}

func TestParseProfileRejects(t *testing.T) {
	cases := []string{
		"arch: mips\nfirmware: bios\nmemory: {size: 4096}",
		"arch: x86_64\nfirmware: coreboot\nmemory: {size: 4096}",
		"arch: x86_64\nfirmware: bios",
	}
	for _, c := range cases {
		if _, err := ParseProfile([]byte(c)); err == nil {
			t.Fatalf("ParseProfile(%q) accepted", c)
		}
	}
}

func TestRegionTypeUnknown(t *testing.T) {
	p := &Profile{Regions: []ProfileRegion{{Type: "mystery"}}}
	if _, err := p.MemRegions(); err == nil {
		t.Fatal("unknown region type accepted")
	}
}
