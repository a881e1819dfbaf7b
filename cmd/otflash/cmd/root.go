package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/pipeline"
)

var (
	// Global flags
	verbose bool

	sourceDir        string
	targetTriple     string
	binaryName       string
	targetDir        string
	profile          string
	memoryFile       string
	compilerKind     string
	converterKind    string
	objcopyTool      string
	flasherKind      string
	stFlashTool      string
	probeSerial      string
	verifyImage      bool
	resetAfter       bool
	handshakeTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "otflash",
	Short: "Build, convert and flash STM32F1 firmware",
	Long: `Build a bare-metal firmware crate, convert the linked executable to Intel HEX
and program it into an STM32F103 through an ST-Link.

Settings are read from otflash.sexp in the source directory when present;
command line flags override them.

Examples:
  otflash build --dir ~/src/usb-sd-bridge              # Compile and convert
  otflash flash --dir ~/src/usb-sd-bridge              # ...and program the board
  otflash convert firmware.elf -o firmware.hex         # Convert an existing executable
  otflash inspect firmware.hex                         # Show the loadable segments
  otflash probes                                       # List attached ST-Link probes`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the code of the error class.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	glog.Flush()
	os.Exit(ExitCode(err))
}

func init() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	flag.Set("logtostderr", "true")

	d := pipeline.DefaultConfig()
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&verbose, "verbose", false, "verbose output")
	pf.StringVarP(&sourceDir, "dir", "C", ".", "firmware source directory (crate root)")
	pf.StringVar(&targetTriple, "target", d.TargetTriple, "target triple")
	pf.StringVar(&binaryName, "bin", "", "binary name (default: source directory name)")
	pf.StringVar(&targetDir, "target-dir", d.OutputDir, "build output directory, relative to --dir")
	pf.StringVar(&profile, "profile", d.Profile, "cargo build profile")
	pf.StringVar(&memoryFile, "memory", "", "linker memory map to check segments against (default: memory.x if present)")
	pf.StringVar(&compilerKind, "compiler", d.Compiler, "compiler (cargo, prebuilt)")
	pf.StringVar(&converterKind, "converter", d.Converter, "ELF to hex converter (native, objcopy)")
	pf.StringVar(&objcopyTool, "objcopy", d.ObjcopyTool, "objcopy executable for --converter objcopy")
	pf.StringVar(&flasherKind, "flasher", d.Flasher, "flasher (stlink, st-flash, sim)")
	pf.StringVar(&stFlashTool, "st-flash", d.STFlashTool, "st-flash executable for --flasher st-flash")
	pf.StringVarP(&probeSerial, "serial", "s", "", "probe serial number (if multiple probes)")
	pf.BoolVar(&verifyImage, "verify", d.Verify, "read back and compare after writing")
	pf.BoolVar(&resetAfter, "reset", d.ResetAfter, "reset the target after flashing")
	pf.DurationVar(&handshakeTimeout, "handshake-timeout", d.HandshakeTimeout, "time allowed for probe and target identification")
}

// loadConfig builds the pipeline configuration: defaults, then the project
// file, then the flags given on the command line.
func loadConfig(cmd *cobra.Command) (*pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	cfg.SourceDir = sourceDir

	project := filepath.Join(sourceDir, pipeline.ProjectFileName)
	found, err := pipeline.LoadProjectFile(project, cfg)
	if err != nil {
		return nil, err
	}
	if found {
		glog.V(1).Infof("loaded %s", project)
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("target", func() { cfg.TargetTriple = targetTriple })
	set("bin", func() { cfg.BinaryName = binaryName })
	set("target-dir", func() { cfg.OutputDir = targetDir })
	set("profile", func() { cfg.Profile = profile })
	set("memory", func() { cfg.MemoryFile = memoryFile })
	set("compiler", func() { cfg.Compiler = compilerKind })
	set("converter", func() { cfg.Converter = converterKind })
	set("objcopy", func() { cfg.ObjcopyTool = objcopyTool })
	set("flasher", func() { cfg.Flasher = flasherKind })
	set("st-flash", func() { cfg.STFlashTool = stFlashTool })
	set("serial", func() { cfg.Serial = probeSerial })
	set("verify", func() { cfg.Verify = verifyImage })
	set("reset", func() { cfg.ResetAfter = resetAfter })
	set("handshake-timeout", func() { cfg.HandshakeTimeout = handshakeTimeout })

	if cfg.BinaryName == "" {
		abs, err := filepath.Abs(sourceDir)
		if err != nil {
			return nil, err
		}
		cfg.BinaryName = filepath.Base(abs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return cfg, nil
}
