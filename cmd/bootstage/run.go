package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/multios-dev/bootstage/internal/bootcfg"
	"github.com/multios-dev/bootstage/internal/bootdev"
	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/fdt"
	"github.com/multios-dev/bootstage/internal/firmware"
	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <profile.yaml>",
	Short: "Run the boot pipeline against a machine profile",
	Long: `Run builds a machine model and firmware backend from a YAML profile,
drives the full boot pipeline, and reports the hand-off state the kernel
would observe.

Example profile:

  arch: x86_64
  firmware: bios
  memory: {base: 0, size: 0x8000000}
  regions:
    - {base: 0x0, length: 0x9fc00, type: usable}
    - {base: 0x100000, length: 0x7ee00000, type: usable}
  disks:
    - {drive: 0x80, path: kernel.img}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProfile(args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runProfile(path string) error {
	profile, err := bootcfg.LoadProfile(path)
	if err != nil {
		return err
	}
	if verbose && profile.Bootargs != "" {
		profile.Bootargs += " debug"
	} else if verbose {
		profile.Bootargs = "debug"
	}

	m, cpu, fw, err := buildMachine(profile)
	if err != nil {
		return err
	}

	result, runErr := pipeline.Run(m, fw)
	printResult(result, cpu)
	if runErr != nil {
		return fmt.Errorf("pipeline halted (%s): %w", result.HaltKind, runErr)
	}
	return nil
}

// buildMachine turns a profile into a machine model plus its firmware
// backend, placing any handoff structures the probe expects into RAM.
func buildMachine(p *bootcfg.Profile) (*machine.Machine, *machine.RecordingCPU, firmware.Firmware, error) {
	arch, err := p.ArchTag()
	if err != nil {
		return nil, nil, nil, err
	}
	ram, err := machine.NewRAM(p.Memory.Base, p.Memory.Size)
	if err != nil {
		return nil, nil, nil, err
	}
	cpu := machine.NewRecordingCPU()
	cpu.FreezeOnJump = ram
	m := &machine.Machine{Arch: arch, Mem: ram, CPU: cpu}

	regions, err := p.MemRegions()
	if err != nil {
		return nil, nil, nil, err
	}

	var fw firmware.Firmware
	switch p.Firmware {
	case "bios":
		disks, err := loadBIOSDisks(p.Disks)
		if err != nil {
			return nil, nil, nil, err
		}
		fw = firmware.NewBIOS(firmware.BIOSConfig{
			E820:      regions,
			Disks:     disks,
			BootOrder: p.BootOrder,
			Bootargs:  p.Bootargs,
			Console:   os.Stdout,
		})

	case "uefi":
		if p.SystemTable == 0 {
			return nil, nil, nil, fmt.Errorf("uefi profile needs a system_table address")
		}
		// Plant the system table signature where the probe will look.
		sig := binary.LittleEndian.AppendUint64(nil, 0x5453595320494249) // "IBI SYST"
		if _, err := ram.WriteAt(sig, int64(p.SystemTable)); err != nil {
			return nil, nil, nil, fmt.Errorf("placing system table at %#x: %w", p.SystemTable, err)
		}
		m.FirmwareHandle = p.SystemTable

		volumes, err := loadUEFIVolumes(p.Disks)
		if err != nil {
			return nil, nil, nil, err
		}
		cfg := firmware.UEFIConfig{
			Arch:        arch,
			SystemTable: p.SystemTable,
			Descriptors: efiDescriptors(regions),
			Volumes:     volumes,
			BootOrder:   p.BootOrder,
			Bootargs:    p.Bootargs,
			Console:     os.Stdout,
		}
		if fb := p.Framebuffer; fb != nil {
			cfg.Framebuffer = &bootinfo.Framebuffer{
				Base: fb.Base, Pitch: fb.Pitch, Width: fb.Width,
				Height: fb.Height, BPP: fb.BPP, Format: fb.Format,
			}
		}
		fw = firmware.NewUEFI(cfg)

	case "devicetree":
		if p.DTBAddr == 0 {
			return nil, nil, nil, fmt.Errorf("devicetree profile needs a dtb_addr")
		}
		dtb, err := buildDTB(regions, p.Bootargs)
		if err != nil {
			return nil, nil, nil, err
		}
		if _, err := ram.WriteAt(dtb, int64(p.DTBAddr)); err != nil {
			return nil, nil, nil, fmt.Errorf("placing device tree at %#x: %w", p.DTBAddr, err)
		}
		m.FirmwareHandle = p.DTBAddr

		media, err := loadMedia(p.Disks)
		if err != nil {
			return nil, nil, nil, err
		}
		fw, err = firmware.NewDeviceTree(ram, p.DTBAddr, firmware.DeviceTreeConfig{
			Arch:      arch,
			Media:     media,
			BootOrder: p.BootOrder,
			Console:   os.Stdout,
		})
		if err != nil {
			return nil, nil, nil, err
		}

	case "direct":
		// A minimal multiboot-style info block at the bottom of RAM.
		info := make([]byte, 8)
		binary.LittleEndian.PutUint32(info[0:4], 8)
		if _, err := ram.WriteAt(info, int64(p.Memory.Base)); err != nil {
			return nil, nil, nil, fmt.Errorf("placing handoff block: %w", err)
		}
		m.FirmwareHandle = p.Memory.Base
		m.TagRegister = 0x36d76289

		media, err := loadMedia(p.Disks)
		if err != nil {
			return nil, nil, nil, err
		}
		fw = firmware.NewDirect(firmware.DirectConfig{
			Regions:   regions,
			Media:     media,
			BootOrder: p.BootOrder,
			Bootargs:  p.Bootargs,
			Console:   os.Stdout,
		})

	default:
		return nil, nil, nil, fmt.Errorf("unknown firmware mode %q", p.Firmware)
	}
	return m, cpu, fw, nil
}

func loadBIOSDisks(disks []bootcfg.ProfileDisk) ([]firmware.BIOSDisk, error) {
	out := make([]firmware.BIOSDisk, 0, len(disks))
	for _, d := range disks {
		data, err := os.ReadFile(d.Path)
		if err != nil {
			return nil, fmt.Errorf("reading disk image: %w", err)
		}
		out = append(out, firmware.BIOSDisk{
			Drive:     d.Drive,
			Kind:      diskKind(d.Kind),
			Data:      data,
			Removable: d.Removable,
		})
	}
	return out, nil
}

func loadUEFIVolumes(disks []bootcfg.ProfileDisk) ([]firmware.UEFIVolume, error) {
	out := make([]firmware.UEFIVolume, 0, len(disks))
	for _, d := range disks {
		data, err := os.ReadFile(d.Path)
		if err != nil {
			return nil, fmt.Errorf("reading volume image: %w", err)
		}
		out = append(out, firmware.UEFIVolume{
			Name:      d.Name,
			Kind:      diskKind(d.Kind),
			Files:     map[string][]byte{firmware.DefaultUEFILocator: data},
			Removable: d.Removable,
		})
	}
	return out, nil
}

func loadMedia(disks []bootcfg.ProfileDisk) ([]firmware.DTMedium, error) {
	out := make([]firmware.DTMedium, 0, len(disks))
	for _, d := range disks {
		data, err := os.ReadFile(d.Path)
		if err != nil {
			return nil, fmt.Errorf("reading medium image: %w", err)
		}
		out = append(out, firmware.DTMedium{
			Name:      d.Name,
			Kind:      diskKind(d.Kind),
			Data:      data,
			Removable: d.Removable,
		})
	}
	return out, nil
}

func diskKind(name string) bootdev.Kind {
	switch name {
	case "hard-disk":
		return bootdev.KindHardDisk
	case "ssd":
		return bootdev.KindSSD
	case "usb":
		return bootdev.KindUSB
	case "cdrom":
		return bootdev.KindCDROM
	case "network":
		return bootdev.KindNetwork
	case "sd":
		return bootdev.KindSDCard
	case "emmc":
		return bootdev.KindEMMC
	case "spi":
		return bootdev.KindSPI
	case "firmware":
		return bootdev.KindFirmware
	default:
		return bootdev.KindInvalid // backend default applies
	}
}

// efiDescriptors converts canonical regions back into GetMemoryMap form
// for the UEFI backend.
func efiDescriptors(regions []memmap.Region) []firmware.EFIDescriptor {
	out := make([]firmware.EFIDescriptor, 0, len(regions))
	for _, r := range regions {
		out = append(out, firmware.EFIDescriptor{
			Type:          efiType(r.Type),
			PhysicalStart: r.Base,
			NumberOfPages: (r.Length + 0xFFF) / 0x1000,
		})
	}
	return out
}

func efiType(t memmap.Type) uint32 {
	switch t {
	case memmap.TypeUsable:
		return 7 // conventional
	case memmap.TypeAcpiReclaim:
		return 9
	case memmap.TypeAcpiNvs:
		return 10
	case memmap.TypeBadRam:
		return 8
	case memmap.TypeBootloader:
		return 2 // loader data
	default:
		return 0 // reserved
	}
}

// buildDTB synthesizes the blob a previous-stage loader would have left
// in RAM: /memory from the profile's usable regions, /chosen/bootargs.
func buildDTB(regions []memmap.Region, bootargs string) ([]byte, error) {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	if bootargs != "" {
		b.BeginNode("chosen")
		b.PropString("bootargs", bootargs)
		b.EndNode()
	}
	for _, r := range regions {
		if r.Type != memmap.TypeUsable {
			continue
		}
		b.BeginNode(fmt.Sprintf("memory@%x", r.Base))
		b.PropString("device_type", "memory")
		b.PropU64("reg", r.Base, r.Length)
		b.EndNode()
	}
	b.EndNode()
	return b.Build()
}

func printResult(r *pipeline.Result, cpu *machine.RecordingCPU) {
	fmt.Printf("state:      %s\n", r.State)
	if r.State != pipeline.StateJumpedAway {
		return
	}
	fmt.Printf("mode:       %s\n", r.Desc.Mode)
	fmt.Printf("device:     %s\n", r.Device)
	fmt.Printf("attempts:   %d\n", r.Attempts)
	fmt.Printf("staging:    %#x (+%#x)\n", r.Staging.Base, r.Staging.Capacity)
	fmt.Printf("entry:      %#x\n", r.Entry)
	fmt.Printf("boot-info:  %#x\n", r.BootInfoBase)
	if r.Info != nil && r.Info.CommandLine != "" {
		fmt.Printf("cmdline:    %q\n", r.Info.CommandLine)
	}
	totals := r.Map.Totals()
	fmt.Printf("memory:     %d regions, %#x total, %#x usable\n", r.Map.Len(), totals.Total, totals.Usable)
	fmt.Printf("registers:  %d programmed, %d fences\n", len(cpu.Regs), cpu.Fences)
}
