package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/stlink"
)

var identifyTargets bool

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List attached ST-Link probes",
	Long: `Scan the host for ST-Link debug probes and print a summary of the detected
devices. With --identify each supported probe is opened and the target
behind it identified, which checks wiring and power before flashing.

Examples:
  otflash probes
  otflash probes --identify`,
	Args: cobra.NoArgs,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)

	probesCmd.Flags().BoolVar(&identifyTargets, "identify", false,
		"connect to each probe and identify its target")
}

func runProbes(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := stlink.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover probes: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No ST-Link probes found.")
		return nil
	}

	fmt.Println("Detected ST-Link probes:")
	for _, info := range infos {
		note := ""
		if !info.Supported {
			note = " [unsupported]"
		}
		fmt.Printf("  - %s serial %s (VID:PID %04X:%04X, bus %d addr %d)%s\n",
			info.Label(), info.Serial, info.VendorID, info.ProductID, info.Bus, info.Address, note)

		if identifyTargets && info.Supported {
			fmt.Printf("      target: %s\n", identify(ctx, info.Serial))
		}
	}
	return nil
}

func identify(ctx context.Context, serial string) string {
	probe, err := stlink.NewConnector(serial).Connect(ctx)
	if err != nil {
		return fmt.Sprintf("open failed: %v", err)
	}
	defer probe.Close()

	tgt, err := probe.Identify(ctx)
	if err != nil {
		return fmt.Sprintf("not identified: %v", err)
	}
	return fmt.Sprintf("%s, DP %s", tgt, tgt.DPIDR)
}
