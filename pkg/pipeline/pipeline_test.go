package pipeline

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/elftest"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/chipdb"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/elfimage"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/hexfile"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/target"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/toolchain"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SourceDir = t.TempDir()
	cfg.BinaryName = "usb-sd-bridge"
	cfg.Flasher = FlasherSim
	return *cfg
}

// writingCompiler links spec to the requested executable path.
func writingCompiler(t *testing.T, spec elftest.Spec, calls *int) toolchain.Compiler {
	return toolchain.CompilerFunc(func(ctx context.Context, req toolchain.Request) error {
		*calls++
		path := req.ExecutablePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		elftest.Write(t, path, spec)
		return nil
	})
}

type countingConverter struct {
	next  hexfile.Converter
	err   error
	calls int
}

func (c *countingConverter) Convert(ctx context.Context, input, format, output string) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	return c.next.Convert(ctx, input, format, output)
}

type countingFlasher struct {
	calls int
	err   error
}

func (f *countingFlasher) Flash(ctx context.Context, imagePath string) (*flash.Report, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &flash.Report{Target: &flash.Target{Probe: "fake"}}, nil
}

func nativeConverter(t *testing.T) *hexfile.Native {
	t.Helper()
	n, err := hexfile.NewNative(target.DefaultTriple, nil)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	return n
}

func TestBuildProducesHexImage(t *testing.T) {
	cfg := testConfig(t)
	var calls int
	p, err := New(cfg, writingCompiler(t, elftest.Firmware(), &calls), nativeConverter(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	art, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wantHex := filepath.Join(cfg.SourceDir, "target", "thumbv7m-none-eabi", "release", "usb-sd-bridge.hex")
	if abs, _ := filepath.Abs(wantHex); art.HexImage != abs {
		t.Errorf("HexImage = %s, want %s", art.HexImage, abs)
	}

	exe, err := elfimage.Load(art.Executable, target.ELFTarget{Machine: elf.EM_ARM, Class: elf.ELFCLASS32, Data: elf.ELFDATA2LSB})
	if err != nil {
		t.Fatalf("load executable: %v", err)
	}
	if art.Bytes != exe.Size() {
		t.Errorf("hex holds %d bytes, executable has %d loadable bytes", art.Bytes, exe.Size())
	}
	if art.Segments != 2 {
		t.Errorf("Segments = %d, want 2 (vectors+text, data)", art.Segments)
	}

	img, err := hexfile.DecodeFile(art.HexImage)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	for _, s := range exe.Segments {
		got, ok := img.Bytes(uint32(s.Addr), len(s.Data))
		if !ok || !bytes.Equal(got, s.Data) {
			t.Errorf("segment at 0x%08X does not round trip", s.Addr)
		}
	}
	if !img.HasStart || img.Start != 0x08000101 {
		t.Errorf("start = 0x%08X (%v)", img.Start, img.HasStart)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	var calls int
	p, err := New(testConfig(t), writingCompiler(t, elftest.Firmware(), &calls), nativeConverter(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var images [][]byte
	for i := 0; i < 2; i++ {
		art, err := p.Build(context.Background())
		if err != nil {
			t.Fatalf("Build %d: %v", i, err)
		}
		b, err := os.ReadFile(art.HexImage)
		if err != nil {
			t.Fatal(err)
		}
		images = append(images, b)
	}
	if !bytes.Equal(images[0], images[1]) {
		t.Error("hex images of two builds differ")
	}
	if calls != 2 {
		t.Errorf("compiler ran %d times", calls)
	}
}

func TestBuildCompilerFailure(t *testing.T) {
	cfg := testConfig(t)
	stderr := "error[E0425]: cannot find value `usb` in this scope\n --> src/main.rs:12:5\n"
	compiler := toolchain.CompilerFunc(func(ctx context.Context, req toolchain.Request) error {
		return &toolchain.ExitError{Command: toolchain.Command{Name: "cargo"}, Code: 101, Stderr: stderr}
	})
	conv := &countingConverter{next: nativeConverter(t)}
	p, err := New(cfg, compiler, conv, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A hex image from an earlier build must survive a failed compile.
	hexPath := p.Config().HexPath()
	if err := os.MkdirAll(filepath.Dir(hexPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hexPath, []byte(":00000001FF\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = p.Build(context.Background())
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BuildError", err)
	}
	if be.Diagnostic != stderr {
		t.Errorf("Diagnostic = %q, want the compiler output verbatim", be.Diagnostic)
	}
	var ee *toolchain.ExitError
	if !errors.As(err, &ee) || ee.Code != 101 {
		t.Errorf("cause = %v", be.Err)
	}
	if conv.calls != 0 {
		t.Error("converter ran after a failed compile")
	}
	if b, err := os.ReadFile(hexPath); err != nil || string(b) != ":00000001FF\n" {
		t.Errorf("hex image touched: %q, %v", b, err)
	}
}

func TestBuildConversionFailureRemovesStaleHex(t *testing.T) {
	cfg := testConfig(t)
	spec := elftest.Firmware()
	spec.Machine = elf.EM_RISCV
	var calls int
	p, err := New(cfg, writingCompiler(t, spec, &calls), nativeConverter(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hexPath := p.Config().HexPath()
	if err := os.MkdirAll(filepath.Dir(hexPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hexPath, []byte(":00000001FF\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = p.Build(context.Background())
	var ce *ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConversionError", err)
	}
	if !errors.Is(err, elfimage.ErrArchMismatch) {
		t.Errorf("cause = %v, want ErrArchMismatch", ce.Err)
	}
	if ce.Output != hexPath {
		t.Errorf("Output = %s", ce.Output)
	}
	if _, err := os.Stat(hexPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale hex image left behind: %v", err)
	}
}

func TestBuildMissingExecutable(t *testing.T) {
	compiler := toolchain.CompilerFunc(func(ctx context.Context, req toolchain.Request) error { return nil })
	conv := &countingConverter{next: nativeConverter(t)}
	p, err := New(testConfig(t), compiler, conv, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Build(context.Background())
	var ce *ConversionError
	if !errors.As(err, &ce) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want *ConversionError for the missing executable", err)
	}
	if conv.calls != 0 {
		t.Error("converter ran without an executable")
	}
}

func TestBuildOutsideMemoryMap(t *testing.T) {
	cfg := testConfig(t)
	memory := "MEMORY\n{\n  FLASH : ORIGIN = 0x08000000, LENGTH = 1K\n  RAM : ORIGIN = 0x20000000, LENGTH = 20K\n}\n"
	if err := os.WriteFile(filepath.Join(cfg.SourceDir, "memory.x"), []byte(memory), 0o644); err != nil {
		t.Fatal(err)
	}
	conv, err := NewConverter(&cfg)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	var calls int
	p, err := New(cfg, writingCompiler(t, elftest.Firmware(), &calls), conv, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Build(context.Background())
	var ce *ConversionError
	var se *hexfile.SegmentError
	if !errors.As(err, &ce) || !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ConversionError with *SegmentError", err)
	}
	if se.Addr != 0x08000100 {
		t.Errorf("SegmentError.Addr = 0x%08X, want the .text segment", se.Addr)
	}
}

func TestBuildAndFlashSkipsFlasherOnConversionFailure(t *testing.T) {
	var calls int
	conv := &countingConverter{err: errors.New("objcopy: invalid bfd target")}
	fl := &countingFlasher{}
	p, err := New(testConfig(t), writingCompiler(t, elftest.Firmware(), &calls), conv, fl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	art, rep, err := p.BuildAndFlash(context.Background())
	var ce *ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConversionError", err)
	}
	if art != nil || rep != nil {
		t.Errorf("results on failure: %+v %+v", art, rep)
	}
	if fl.calls != 0 {
		t.Error("flasher invoked after a failed conversion")
	}
}

func TestBuildAndFlashNoDevice(t *testing.T) {
	sim := flash.NewSimConnector(chipdb.STM32F103C8)
	sim.Absent = true
	var calls int
	p, err := New(testConfig(t), writingCompiler(t, elftest.Firmware(), &calls), nativeConverter(t), flash.NewDeployer(sim))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	art, _, err := p.BuildAndFlash(context.Background())
	var dnf *flash.DeviceNotFoundError
	if !errors.As(err, &dnf) {
		t.Fatalf("err = %v, want *flash.DeviceNotFoundError", err)
	}
	if art == nil {
		t.Error("artifacts of the successful build not returned")
	}
	if sim.OpenHandles() != 0 {
		t.Errorf("OpenHandles = %d after return", sim.OpenHandles())
	}
}

func TestBuildAndFlash(t *testing.T) {
	sim := flash.NewSimConnector(chipdb.STM32F103C8)
	var calls int
	p, err := New(testConfig(t), writingCompiler(t, elftest.Firmware(), &calls), nativeConverter(t), flash.NewDeployer(sim))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	art, rep, err := p.BuildAndFlash(context.Background())
	if err != nil {
		t.Fatalf("BuildAndFlash: %v", err)
	}
	if rep.BytesWritten != art.Bytes || !rep.Verified {
		t.Errorf("report = %+v, artifacts = %+v", rep, art)
	}

	img, err := hexfile.DecodeFile(art.HexImage)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range img.Segments {
		if !bytes.Equal(sim.Memory(s.Addr, len(s.Data)), s.Data) {
			t.Errorf("device flash at 0x%08X differs from image", s.Addr)
		}
	}
}

func TestFlashNeedsImage(t *testing.T) {
	fl := &countingFlasher{}
	var calls int
	p, err := New(testConfig(t), writingCompiler(t, elftest.Firmware(), &calls), nativeConverter(t), fl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Flash(context.Background()); err == nil || !strings.Contains(err.Error(), "run build first") {
		t.Errorf("err = %v", err)
	}
	if fl.calls != 0 {
		t.Error("flasher invoked without an image")
	}

	if _, err := p.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := p.Flash(context.Background()); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if fl.calls != 1 || calls != 1 {
		t.Errorf("flasher calls = %d, compiler calls = %d", fl.calls, calls)
	}
}

func TestBuildAndFlashWithoutFlasher(t *testing.T) {
	var calls int
	p, err := New(testConfig(t), writingCompiler(t, elftest.Firmware(), &calls), nativeConverter(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := p.BuildAndFlash(context.Background()); !errors.Is(err, ErrNoFlasher) {
		t.Errorf("err = %v, want ErrNoFlasher", err)
	}
}

func TestNewFromConfigWiring(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Config)
		check func(*testing.T, *Pipeline)
	}{
		{
			name:  "defaults",
			setup: func(c *Config) { c.Flasher = FlasherSTLink },
			check: func(t *testing.T, p *Pipeline) {
				if _, ok := p.compiler.(*toolchain.Cargo); !ok {
					t.Errorf("compiler = %T", p.compiler)
				}
				if _, ok := p.converter.(*hexfile.Native); !ok {
					t.Errorf("converter = %T", p.converter)
				}
				if _, ok := p.flasher.(*flash.Deployer); !ok {
					t.Errorf("flasher = %T", p.flasher)
				}
			},
		},
		{
			name: "external tools",
			setup: func(c *Config) {
				c.Compiler = CompilerPrebuilt
				c.Converter = ConverterObjcopy
				c.Flasher = FlasherSTFlash
				c.Serial = "066DFF"
			},
			check: func(t *testing.T, p *Pipeline) {
				if _, ok := p.compiler.(toolchain.Prebuilt); !ok {
					t.Errorf("compiler = %T", p.compiler)
				}
				oc, ok := p.converter.(*hexfile.Objcopy)
				if !ok || oc.Tool != "arm-none-eabi-objcopy" || oc.Target == nil {
					t.Errorf("converter = %#v", p.converter)
				}
				sf, ok := p.flasher.(*flash.STFlash)
				if !ok || sf.Serial != "066DFF" || !sf.Reset {
					t.Errorf("flasher = %#v", p.flasher)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.setup(&cfg)
			p, err := NewFromConfig(cfg)
			if err != nil {
				t.Fatalf("NewFromConfig: %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestNewFromConfigMemoryFileMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryFile = "link/memory.x"
	if _, err := NewFromConfig(cfg); err == nil {
		t.Error("missing memory map accepted")
	}
}
