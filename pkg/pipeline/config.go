package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/target"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/toolchain"
)

// Stage implementations selectable from the project file or flags.
const (
	CompilerCargo    = "cargo"
	CompilerPrebuilt = "prebuilt"

	ConverterNative  = "native"
	ConverterObjcopy = "objcopy"

	FlasherSTLink  = "stlink"
	FlasherSTFlash = "st-flash"
	FlasherSim     = "sim"
)

// DefaultMemoryFile is the linker memory map picked up from the source tree
// when MemoryFile is not set.
const DefaultMemoryFile = "memory.x"

// Config describes one pipeline run. Every stage receives what it needs
// from here; nothing is taken from the working directory.
type Config struct {
	// Source and outputs
	SourceDir    string // crate root, read only
	TargetTriple string // e.g. thumbv7m-none-eabi
	OutputDir    string // cargo target dir, relative to SourceDir unless absolute
	Profile      string // cargo profile (default: release)
	BinaryName   string
	MemoryFile   string // linker memory map checked by the native converter

	// Stage selection
	Compiler    string // cargo | prebuilt
	CargoTool   string
	Converter   string // native | objcopy
	ObjcopyTool string
	Flasher     string // stlink | st-flash | sim
	STFlashTool string

	// Deployment
	Serial           string // probe serial, first probe when empty
	Verify           bool
	ResetAfter       bool
	HandshakeTimeout time.Duration
	IOTimeout        time.Duration
	ChunkSize        int

	// Progress receives deployer progress. Not read from the project file.
	Progress flash.ProgressFunc
}

// DefaultConfig returns a Config for a blue pill style STM32F103 board.
func DefaultConfig() *Config {
	return &Config{
		SourceDir:        ".",
		TargetTriple:     target.DefaultTriple,
		OutputDir:        "target",
		Profile:          "release",
		Compiler:         CompilerCargo,
		CargoTool:        "cargo",
		Converter:        ConverterNative,
		ObjcopyTool:      "arm-none-eabi-objcopy",
		Flasher:          FlasherSTLink,
		STFlashTool:      "st-flash",
		Verify:           true,
		ResetAfter:       true,
		HandshakeTimeout: 5 * time.Second,
		IOTimeout:        10 * time.Second,
		ChunkSize:        1024,
	}
}

// Validate checks the configuration and fills in empty optional fields.
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		c.SourceDir = "."
	}
	if c.OutputDir == "" {
		c.OutputDir = "target"
	}
	if c.TargetTriple == "" {
		return fmt.Errorf("target triple is empty")
	}
	t, err := target.ParseTriple(c.TargetTriple)
	if err != nil {
		return err
	}
	if _, err := t.ELF(); err != nil {
		return err
	}
	if c.BinaryName == "" {
		return fmt.Errorf("binary name is empty")
	}
	if filepath.Base(c.BinaryName) != c.BinaryName {
		return fmt.Errorf("binary name %q must not contain a path", c.BinaryName)
	}

	switch c.Compiler {
	case CompilerCargo, CompilerPrebuilt:
	default:
		return fmt.Errorf("unknown compiler %q (want %s or %s)", c.Compiler, CompilerCargo, CompilerPrebuilt)
	}
	switch c.Converter {
	case ConverterNative, ConverterObjcopy:
	default:
		return fmt.Errorf("unknown converter %q (want %s or %s)", c.Converter, ConverterNative, ConverterObjcopy)
	}
	switch c.Flasher {
	case FlasherSTLink, FlasherSTFlash, FlasherSim:
	default:
		return fmt.Errorf("unknown flasher %q (want %s, %s or %s)", c.Flasher, FlasherSTLink, FlasherSTFlash, FlasherSim)
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.ChunkSize < 0 || c.ChunkSize%2 != 0 {
		return fmt.Errorf("chunk size %d must be a non-negative even number", c.ChunkSize)
	}
	return nil
}

// TargetDir returns the absolute cargo target directory.
func (c *Config) TargetDir() string {
	dir := c.OutputDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.SourceDir, dir)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// Request returns the compiler request for this configuration.
func (c *Config) Request() toolchain.Request {
	return toolchain.Request{
		SourceDir:  c.SourceDir,
		Triple:     c.TargetTriple,
		TargetDir:  c.TargetDir(),
		Profile:    c.Profile,
		BinaryName: c.BinaryName,
	}
}

// ExecutablePath is target/<triple>/<profile>/<binary>.
func (c *Config) ExecutablePath() string {
	return c.Request().ExecutablePath()
}

// HexPath is the executable path with a .hex suffix.
func (c *Config) HexPath() string {
	return c.ExecutablePath() + ".hex"
}

// MemoryPath returns the memory map location, or "" when none is set.
func (c *Config) MemoryPath() string {
	if c.MemoryFile == "" || filepath.IsAbs(c.MemoryFile) {
		return c.MemoryFile
	}
	return filepath.Join(c.SourceDir, c.MemoryFile)
}
