// Package elfimage loads the loadable contents of a linked executable: the
// bytes that end up in target memory and the addresses they are stored at.
package elfimage

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/target"
)

var (
	// ErrNotExecutable is returned for files that are not ELF executables.
	ErrNotExecutable = errors.New("elfimage: not an ELF executable")
	// ErrArchMismatch is returned when the executable was built for another
	// machine, word size or byte order than the target triple declares.
	ErrArchMismatch = errors.New("elfimage: architecture mismatch")
)

// Segment is a loadable segment: its contents and the physical (load)
// address they are stored at. For initialised data that is the flash copy,
// not the RAM address the startup code copies it to.
type Segment struct {
	Addr  uint64
	VAddr uint64
	Data  []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 {
	return s.Addr + uint64(len(s.Data))
}

// Image is the loadable view of an executable.
type Image struct {
	Path     string
	Target   target.ELFTarget
	Entry    uint64
	Segments []Segment // ascending by Addr
}

// Size returns the total number of loadable bytes.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Load opens the executable at path and checks it against want.
func Load(path string, want target.ELFTarget) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		var fe *elf.FormatError
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotExecutable, path, err)
		}
		return nil, fmt.Errorf("elfimage: %w", err)
	}
	defer f.Close()

	img, err := fromFile(f, want)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// Read parses an executable held in r.
func Read(r io.ReaderAt, want target.ELFTarget) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	return fromFile(f, want)
}

func fromFile(f *elf.File, want target.ELFTarget) (*Image, error) {
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: file type is %s", ErrNotExecutable, f.Type)
	}
	got := target.ELFTarget{Machine: f.Machine, Class: f.Class, Data: f.Data}
	if got != want {
		return nil, fmt.Errorf("%w: executable is %s, target expects %s", ErrArchMismatch, got, want)
	}

	img := &Image{Target: got, Entry: f.Entry}
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, fmt.Errorf("read segment %d: %w", i, err)
		}
		img.Segments = append(img.Segments, Segment{
			Addr:  prog.Paddr,
			VAddr: prog.Vaddr,
			Data:  data,
		})
	}

	sort.SliceStable(img.Segments, func(i, j int) bool {
		return img.Segments[i].Addr < img.Segments[j].Addr
	})
	return img, nil
}
