package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/multios-dev/bootstage/internal/bootinfo"
	"github.com/multios-dev/bootstage/internal/image"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode a boot-info record or kernel image header",
	Long: `inspect decodes a file as either a boot-info record or a kernel image,
whichever magic matches, and prints its contents.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if info, err := bootinfo.Parse(data); err == nil {
		printBootInfo(info)
		return nil
	}
	if img, err := image.Load(bytes.NewReader(data), uint64(len(data))); err == nil {
		printImage(img)
		return nil
	}
	return fmt.Errorf("%s is neither a boot-info record nor a kernel image", path)
}

func printBootInfo(info *bootinfo.Info) {
	fmt.Printf("boot-info v%d.%d\n", info.VersionMajor, info.VersionMinor)
	if info.CommandLine != "" {
		fmt.Printf("cmdline: %q\n", info.CommandLine)
	}
	fmt.Printf("memory map (%d regions):\n", len(info.Regions))
	for _, r := range info.Regions {
		fmt.Printf("  %s\n", r)
	}
	for _, m := range info.Modules {
		fmt.Printf("module %q at %#x, %d bytes\n", m.Name, m.Base, m.Length)
	}
	if fb := info.Framebuffer; fb != nil {
		fmt.Printf("framebuffer %dx%d@%d at %#x, pitch %d\n", fb.Width, fb.Height, fb.BPP, fb.Base, fb.Pitch)
	}
	if c := info.Cookie; c != nil {
		kind := "unknown"
		switch c.Kind {
		case bootinfo.CookieUEFI:
			kind = "uefi system table"
		case bootinfo.CookieDeviceTree:
			kind = "device tree blob"
		}
		fmt.Printf("firmware handoff: %s at %#x\n", kind, c.Pointer)
	}
}

func printImage(img *image.Image) {
	fmt.Printf("kernel image v%d\n", img.Version)
	fmt.Printf("declared size: %#x\n", img.ImageSize)
	fmt.Printf("payload:       %#x (%s)\n", img.PayloadSize, img.Compression)
	fmt.Printf("entry offset:  %#x\n", img.EntryOffset)
	fmt.Printf("alignment:     %#x\n", img.Alignment)
	if img.Flags&image.FlagRelocatable != 0 {
		fmt.Printf("flags:         relocatable\n")
	}
}
