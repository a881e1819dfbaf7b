package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/pipeline"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile the firmware and convert it to Intel HEX",
	Long: `Compile the firmware crate for the target triple and convert the linked
executable to an Intel HEX image next to it:

  target/<triple>/release/<binary>       linked executable
  target/<triple>/release/<binary>.hex   image for the programmer

A failed compile leaves an existing hex image untouched. A failed conversion
removes it, so a hex image on disk always matches the last executable.

Examples:
  # Build the crate in the current directory
  otflash build

  # Build another crate with objcopy as converter
  otflash build --dir ~/src/usb-sd-bridge --converter objcopy

  # Convert an executable built by another tool
  otflash build --compiler prebuilt --bin usb-sd-bridge`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p, err := pipeline.NewFromConfig(*cfg)
	if err != nil {
		return err
	}

	art, err := p.Build(context.Background())
	if err != nil {
		return err
	}
	printArtifacts(cfg, art)
	return nil
}

func printArtifacts(cfg *pipeline.Config, art *pipeline.Artifacts) {
	fmt.Printf("Built %s for %s\n", cfg.BinaryName, cfg.TargetTriple)
	fmt.Printf("  Executable: %s\n", art.Executable)
	fmt.Printf("  Hex image:  %s\n", art.HexImage)
	fmt.Printf("  Loadable:   %d bytes in %d range(s)\n", art.Bytes, art.Segments)
}
