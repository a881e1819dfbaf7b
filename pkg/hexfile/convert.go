// Package hexfile converts linked executables to Intel HEX and reads Intel
// HEX images back.
package hexfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/marcinbor85/gohex"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/elfimage"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/target"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/toolchain"
)

// FormatIHex is the only output format supported.
const FormatIHex = "ihex"

// DefaultRecordLength is the number of data bytes per record, as written by
// objcopy.
const DefaultRecordLength = 16

var (
	ErrUnsupportedFormat = errors.New("hexfile: unsupported output format")
	ErrNoSegments        = errors.New("hexfile: executable has no loadable segments")
)

// SegmentError reports a loadable segment that cannot be placed in the
// output image.
type SegmentError struct {
	Index  int
	Addr   uint64
	Size   int
	Reason string
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d [0x%08X, %d bytes]: %s", e.Index, e.Addr, e.Size, e.Reason)
}

// Converter turns an executable into a device programming image.
type Converter interface {
	Convert(ctx context.Context, input, format, output string) error
}

func checkFormat(format string) error {
	if format != FormatIHex {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// CheckSegments validates segments sorted by address: every one must be
// addressable with 32 bits, none may overlap another and, if memory is
// given, each must lie in one of its regions.
func CheckSegments(segs []elfimage.Segment, memory *target.MemoryLayout) error {
	for i, s := range segs {
		size := len(s.Data)
		// gohex stops at the wrapped end address, so the last byte below
		// 2^32 cannot be encoded either.
		if s.End() >= 1<<32 {
			return &SegmentError{Index: i, Addr: s.Addr, Size: size, Reason: "exceeds the 32-bit address space of Intel HEX"}
		}
		if i > 0 && s.Addr < segs[i-1].End() {
			return &SegmentError{Index: i, Addr: s.Addr, Size: size,
				Reason: fmt.Sprintf("overlaps segment %d ending at 0x%08X", i-1, segs[i-1].End())}
		}
		if memory != nil {
			if _, ok := memory.Find(s.Addr, uint64(size)); !ok {
				return &SegmentError{Index: i, Addr: s.Addr, Size: size,
					Reason: fmt.Sprintf("not inside any memory region (%s)", memory)}
			}
		}
	}
	return nil
}

// Encode writes segs as Intel HEX. Segment bytes are copied unchanged; only
// record framing, extended linear address records and checksums are added.
func Encode(w io.Writer, segs []elfimage.Segment, entry uint64, recordLength byte) error {
	if recordLength == 0 {
		recordLength = DefaultRecordLength
	}
	mem := gohex.NewMemory()
	for i, s := range segs {
		if err := mem.AddBinary(uint32(s.Addr), s.Data); err != nil {
			return &SegmentError{Index: i, Addr: s.Addr, Size: len(s.Data), Reason: err.Error()}
		}
	}
	if entry != 0 && entry < 1<<32 {
		mem.SetStartAddress(uint32(entry))
	}
	return mem.DumpIntelHex(w, recordLength)
}

// Native converts ELF executables in process.
type Native struct {
	Target       target.ELFTarget
	Memory       *target.MemoryLayout // optional
	RecordLength byte
}

// NewNative returns a converter for executables built for triple.
func NewNative(triple string, memory *target.MemoryLayout) (*Native, error) {
	t, err := target.ParseTriple(triple)
	if err != nil {
		return nil, err
	}
	et, err := t.ELF()
	if err != nil {
		return nil, err
	}
	return &Native{Target: et, Memory: memory, RecordLength: DefaultRecordLength}, nil
}

// Convert reads input and writes output atomically.
func (n *Native) Convert(ctx context.Context, input, format, output string) error {
	if err := checkFormat(format); err != nil {
		return err
	}
	img, err := n.Load(input)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	glog.V(1).Infof("%s: %d segments, %d bytes, entry 0x%08X", input, len(img.Segments), img.Size(), img.Entry)
	return WriteAtomic(output, func(w io.Writer) error {
		return Encode(w, img.Segments, img.Entry, n.RecordLength)
	})
}

// Load reads and validates input without writing anything.
func (n *Native) Load(input string) (*elfimage.Image, error) {
	img, err := elfimage.Load(input, n.Target)
	if err != nil {
		return nil, err
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%s: %w", input, ErrNoSegments)
	}
	if err := CheckSegments(img.Segments, n.Memory); err != nil {
		return nil, fmt.Errorf("%s: %w", input, err)
	}
	return img, nil
}

// Objcopy converts by running a GNU or LLVM objcopy.
type Objcopy struct {
	Tool   string // e.g. arm-none-eabi-objcopy
	Runner toolchain.Runner
	// Target, when set, is checked before the tool runs; objcopy itself
	// converts executables of any architecture.
	Target *target.ELFTarget
}

// Convert runs <tool> -O ihex input <tmp> and renames the result to output.
func (o *Objcopy) Convert(ctx context.Context, input, format, output string) error {
	if err := checkFormat(format); err != nil {
		return err
	}
	if o.Target != nil {
		if _, err := elfimage.Load(input, *o.Target); err != nil {
			return err
		}
	}
	runner := o.Runner
	if runner == nil {
		runner = toolchain.ExecRunner{}
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	cmd := toolchain.Command{Name: o.Tool, Args: []string{"-O", FormatIHex, input, tmpName}}
	if _, err := runner.Run(ctx, cmd); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := commit(tmpName, output); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteAtomic writes the file at path through a temporary file in the same
// directory, so path holds either its previous contents or the complete
// new contents, never a prefix.
func WriteAtomic(path string, write func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := write(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return commit(tmp.Name(), path)
}

func commit(tmp, path string) error {
	if err := os.Chmod(tmp, 0o644); err != nil {
		return fmt.Errorf("chmod output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
