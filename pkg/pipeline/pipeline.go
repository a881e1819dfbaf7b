// Package pipeline turns a firmware source tree into a flashed device:
// compile, convert the executable to Intel HEX, and program the image.
// Each stage is an injected capability so that the same orchestration runs
// against real tools and against fakes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/chipdb"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/hexfile"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/stlink"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/target"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/toolchain"
)

// Artifacts are the files a successful Build leaves behind.
type Artifacts struct {
	Executable string
	HexImage   string
	Segments   int // contiguous address ranges in the hex image
	Bytes      int // loadable bytes in the hex image
}

// Pipeline runs the stages for one Config. Runs are sequential; a Pipeline
// owns its output directory and probe for the duration of a run.
type Pipeline struct {
	cfg       Config
	compiler  toolchain.Compiler
	converter hexfile.Converter
	flasher   flash.Flasher
}

// New assembles a pipeline from explicit stage implementations. flasher may
// be nil for build-only use.
func New(cfg Config, compiler toolchain.Compiler, converter hexfile.Converter, flasher flash.Flasher) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if compiler == nil || converter == nil {
		return nil, fmt.Errorf("pipeline needs a compiler and a converter")
	}
	return &Pipeline{cfg: cfg, compiler: compiler, converter: converter, flasher: flasher}, nil
}

// NewFromConfig wires the stage implementations cfg selects.
func NewFromConfig(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv, err := NewConverter(&cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, NewCompiler(&cfg), conv, NewFlasher(&cfg))
}

// NewCompiler returns the compiler cfg selects.
func NewCompiler(cfg *Config) toolchain.Compiler {
	if cfg.Compiler == CompilerPrebuilt {
		return toolchain.Prebuilt{}
	}
	return &toolchain.Cargo{Tool: cfg.CargoTool, Runner: toolchain.ExecRunner{}}
}

// NewConverter returns the converter cfg selects. The native converter
// checks segments against the memory map when one is configured or a
// memory.x exists in the source tree.
func NewConverter(cfg *Config) (hexfile.Converter, error) {
	t, err := target.ParseTriple(cfg.TargetTriple)
	if err != nil {
		return nil, err
	}
	et, err := t.ELF()
	if err != nil {
		return nil, err
	}
	if cfg.Converter == ConverterObjcopy {
		return &hexfile.Objcopy{Tool: cfg.ObjcopyTool, Runner: toolchain.ExecRunner{}, Target: &et}, nil
	}

	mem, err := LoadMemory(cfg)
	if err != nil {
		return nil, err
	}
	return hexfile.NewNative(cfg.TargetTriple, mem)
}

// LoadMemory loads the memory map cfg names, or memory.x from the source
// tree when none is named and one exists. It returns nil without a map.
func LoadMemory(cfg *Config) (*target.MemoryLayout, error) {
	path := cfg.MemoryPath()
	if path == "" {
		path = filepath.Join(cfg.SourceDir, DefaultMemoryFile)
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
	}
	mem, err := target.LoadMemoryLayout(path)
	if err != nil {
		return nil, fmt.Errorf("memory map: %w", err)
	}
	glog.V(1).Infof("memory map %s: %s", path, mem)
	return mem, nil
}

// NewFlasher returns the flasher cfg selects.
func NewFlasher(cfg *Config) flash.Flasher {
	switch cfg.Flasher {
	case FlasherSTFlash:
		return &flash.STFlash{
			Tool:   cfg.STFlashTool,
			Runner: toolchain.ExecRunner{},
			Serial: cfg.Serial,
			Reset:  cfg.ResetAfter,
		}
	case FlasherSim:
		return flash.NewDeployer(flash.NewSimConnector(chipdb.STM32F103C8), deployerOptions(cfg)...)
	default:
		return flash.NewDeployer(stlink.NewConnector(cfg.Serial), deployerOptions(cfg)...)
	}
}

func deployerOptions(cfg *Config) []flash.Option {
	opts := []flash.Option{
		flash.WithVerify(cfg.Verify),
		flash.WithReset(cfg.ResetAfter),
		flash.WithHandshakeTimeout(cfg.HandshakeTimeout),
		flash.WithIOTimeout(cfg.IOTimeout),
		flash.WithChunkSize(cfg.ChunkSize),
	}
	if cfg.Progress != nil {
		opts = append(opts, flash.WithProgress(cfg.Progress))
	}
	return opts
}

// Config returns the validated configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Build compiles the executable and converts it to a hex image. A
// compiler failure leaves any existing hex image untouched; a conversion
// failure removes it, so afterwards the hex image either matches the new
// executable or does not exist.
func (p *Pipeline) Build(ctx context.Context) (*Artifacts, error) {
	req := p.cfg.Request()
	exe := req.ExecutablePath()
	hexPath := p.cfg.HexPath()

	if t, err := target.ParseTriple(p.cfg.TargetTriple); err == nil && !t.Freestanding() {
		glog.Warningf("%s is not a bare-metal target, the image may not boot", p.cfg.TargetTriple)
	}
	glog.Infof("compiling %s for %s", p.cfg.BinaryName, p.cfg.TargetTriple)
	if err := p.compiler.Compile(ctx, req); err != nil {
		return nil, &BuildError{Diagnostic: diagnostic(err), Err: err}
	}

	if _, err := os.Stat(exe); err != nil {
		return nil, p.conversionFailed(exe, hexPath, fmt.Errorf("compiled executable missing: %w", err))
	}

	glog.Infof("converting %s to %s", exe, hexPath)
	if err := p.converter.Convert(ctx, exe, hexfile.FormatIHex, hexPath); err != nil {
		return nil, p.conversionFailed(exe, hexPath, err)
	}
	img, err := hexfile.DecodeFile(hexPath)
	if err != nil {
		return nil, p.conversionFailed(exe, hexPath, fmt.Errorf("converter output unreadable: %w", err))
	}

	art := &Artifacts{
		Executable: exe,
		HexImage:   hexPath,
		Segments:   len(img.Segments),
		Bytes:      img.Size(),
	}
	glog.Infof("built %s: %d bytes in %d ranges", hexPath, art.Bytes, art.Segments)
	return art, nil
}

func (p *Pipeline) conversionFailed(exe, hexPath string, err error) error {
	if rerr := os.Remove(hexPath); rerr == nil {
		glog.Warningf("removed stale %s", hexPath)
	} else if !errors.Is(rerr, os.ErrNotExist) {
		glog.Warningf("cannot remove stale %s: %v", hexPath, rerr)
	}
	return &ConversionError{Input: exe, Output: hexPath, Err: err}
}

// BuildAndFlash runs Build and programs the resulting image. Errors of any
// stage are returned unchanged; the flasher only runs after a successful
// build.
func (p *Pipeline) BuildAndFlash(ctx context.Context) (*Artifacts, *flash.Report, error) {
	art, err := p.Build(ctx)
	if err != nil {
		return nil, nil, err
	}
	rep, err := p.flash(ctx, art.HexImage)
	return art, rep, err
}

// Flash programs the hex image of a previous Build without rebuilding.
func (p *Pipeline) Flash(ctx context.Context) (*flash.Report, error) {
	hexPath := p.cfg.HexPath()
	if _, err := os.Stat(hexPath); err != nil {
		return nil, fmt.Errorf("no image to flash, run build first: %w", err)
	}
	return p.flash(ctx, hexPath)
}

func (p *Pipeline) flash(ctx context.Context, hexPath string) (*flash.Report, error) {
	if p.flasher == nil {
		return nil, ErrNoFlasher
	}
	glog.Infof("flashing %s", hexPath)
	rep, err := p.flasher.Flash(ctx, hexPath)
	if err != nil {
		return rep, err
	}
	glog.Infof("flashed %d bytes to %s in %s", rep.BytesWritten, rep.Target, rep.Duration)
	return rep, nil
}
