package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/pipeline"
)

var skipBuild bool

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Build the firmware and program it into the target",
	Long: `Build the firmware (see "otflash build") and program the hex image into the
target through the configured flasher:

  stlink     native ST-Link/V2 or V3 over USB (default)
  st-flash   the st-flash tool of the stlink project
  sim        in-memory STM32F103C8, for testing

The flasher only runs after a successful build. Write failures are not
retried; the target may hold a partial image afterwards.

Examples:
  # Build and flash, verifying the written image
  otflash flash --dir ~/src/usb-sd-bridge

  # Flash the last build without rebuilding
  otflash flash --no-build

  # Pick one of several probes and keep the core halted
  otflash flash --serial 066DFF485550755187034646 --reset=false`,
	Args: cobra.NoArgs,
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)

	flashCmd.Flags().BoolVar(&skipBuild, "no-build", false,
		"flash the existing hex image without building")
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Progress = printProgress
	}
	p, err := pipeline.NewFromConfig(*cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var rep *flash.Report
	if skipBuild {
		rep, err = p.Flash(ctx)
	} else {
		var art *pipeline.Artifacts
		art, rep, err = p.BuildAndFlash(ctx)
		if art != nil {
			printArtifacts(cfg, art)
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("Flashed %s\n", cfg.HexPath())
	fmt.Printf("  Target:        %s\n", rep.Target)
	fmt.Printf("  Bytes written: %d\n", rep.BytesWritten)
	fmt.Printf("  Verified:      %s\n", yesNo(rep.Verified))
	fmt.Printf("  Reset:         %s\n", yesNo(rep.Reset))
	fmt.Printf("  Duration:      %s\n", rep.Duration.Round(time.Millisecond))
	return nil
}

func printProgress(p flash.Progress) {
	if p.Done == p.Total {
		fmt.Printf("  %-9s done (%d/%d)\n", p.Phase, p.Done, p.Total)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
