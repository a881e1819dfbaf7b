package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/hexfile"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/pipeline"
)

var convertOutput string

var convertCmd = &cobra.Command{
	Use:   "convert <executable>",
	Short: "Convert a linked executable to Intel HEX",
	Long: `Convert an ELF executable to an Intel HEX image without building. The
executable must match the target triple; with the native converter every
loadable segment must also lie inside the linker memory map when one is found.

Examples:
  # Write firmware.hex next to the executable
  otflash convert firmware.elf

  # Choose the output file and the converter
  otflash convert target/thumbv7m-none-eabi/release/blinky -o blinky.hex --converter objcopy`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "",
		"output file (default: input with .hex extension)")
}

func runConvert(cmd *cobra.Command, args []string) error {
	input := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	conv, err := pipeline.NewConverter(cfg)
	if err != nil {
		return err
	}

	output := convertOutput
	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + ".hex"
	}
	if output == input {
		return fmt.Errorf("output %s would overwrite the input", output)
	}

	if err := conv.Convert(context.Background(), input, hexfile.FormatIHex, output); err != nil {
		return &pipeline.ConversionError{Input: input, Output: output, Err: err}
	}
	img, err := hexfile.DecodeFile(output)
	if err != nil {
		return &pipeline.ConversionError{Input: input, Output: output, Err: err}
	}

	fmt.Printf("Wrote %s: %d bytes in %d range(s)\n", output, img.Size(), len(img.Segments))
	if img.HasStart {
		fmt.Printf("  Entry: 0x%08X\n", img.Start)
	}
	return nil
}
