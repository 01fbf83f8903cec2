// Command bootstage runs the boot pipeline against a machine profile,
// builds kernel images, and inspects boot-info records.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "bootstage",
	Short: "Boot pipeline toolkit: run machine profiles, build and inspect boot artifacts",
	Long: `bootstage models the early-boot pipeline of a kernel loader: platform
probe, memory map acquisition, boot device selection, kernel image load
and decompression, boot-info construction, and the hand-off jump.

Commands:
  run      Run the pipeline against a YAML machine profile
  mkimage  Wrap a kernel binary in the bootable image format
  inspect  Decode a boot-info record`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bootstage: %v\n", err)
		os.Exit(1)
	}
}
