package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/multios-dev/bootstage/internal/expand"
	"github.com/multios-dev/bootstage/internal/image"
)

var (
	mkimageOutput      string
	mkimageEntry       uint64
	mkimageAlign       uint64
	mkimageCompress    string
	mkimageRelocatable bool
)

var mkimageCmd = &cobra.Command{
	Use:   "mkimage <kernel-binary>",
	Short: "Wrap a kernel binary in the bootable image format",
	Long: `mkimage prepends the fixed image header to a raw kernel binary,
optionally compressing the payload. The declared image size is the
uncompressed kernel size; the loader stages exactly that much memory.

Examples:
  bootstage mkimage -o kernel.img --entry 0x1000 vmkernel.bin
  bootstage mkimage -o kernel.img --compress zstd --align 0x200000 vmkernel.bin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMkimage(args[0])
	},
}

func init() {
	rootCmd.AddCommand(mkimageCmd)
	mkimageCmd.Flags().StringVarP(&mkimageOutput, "output", "o", "kernel.img", "output image path")
	mkimageCmd.Flags().Uint64Var(&mkimageEntry, "entry", 0, "entry point offset within the decompressed image")
	mkimageCmd.Flags().Uint64Var(&mkimageAlign, "align", image.MinAlignment, "load alignment (power of two)")
	mkimageCmd.Flags().StringVar(&mkimageCompress, "compress", "none", "payload compression (none, gzip, xz, zstd, lz4, lzma)")
	mkimageCmd.Flags().BoolVar(&mkimageRelocatable, "relocatable", false, "mark the image relocatable")
}

func runMkimage(input string) error {
	tag, err := parseCompression(mkimageCompress)
	if err != nil {
		return err
	}

	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	var raw bytes.Buffer
	bar := progressbar.DefaultBytes(st.Size(), "reading "+input)
	if _, err := io.Copy(io.MultiWriter(&raw, bar), f); err != nil {
		return fmt.Errorf("reading kernel: %w", err)
	}
	if raw.Len() == 0 {
		return fmt.Errorf("kernel binary is empty")
	}

	payload := raw.Bytes()
	if tag != image.CompressionNone {
		payload, err = expand.Compress(payload, tag)
		if err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
	}

	var flags uint16
	if mkimageRelocatable {
		flags |= image.FlagRelocatable
	}
	blob, err := image.Encode(image.EncodeParams{
		ImageSize:   uint64(raw.Len()),
		EntryOffset: mkimageEntry,
		Alignment:   mkimageAlign,
		Flags:       flags,
	}, payload)
	if err != nil {
		return err
	}

	if err := os.WriteFile(mkimageOutput, blob, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes, %s payload %d bytes, entry +%#x\n",
		mkimageOutput, len(blob), tag, len(payload), mkimageEntry)
	return nil
}

func parseCompression(name string) (image.Compression, error) {
	switch name {
	case "none":
		return image.CompressionNone, nil
	case "gzip":
		return image.CompressionGzip, nil
	case "xz":
		return image.CompressionXz, nil
	case "zstd":
		return image.CompressionZstd, nil
	case "lz4":
		return image.CompressionLz4, nil
	case "lzma":
		return image.CompressionLzma, nil
	default:
		return image.CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}
