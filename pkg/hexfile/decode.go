package hexfile

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

// Segment is a contiguous run of data in an Intel HEX image. Adjacent
// records are merged into one segment.
type Segment struct {
	Addr uint32
	Data []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 {
	return uint64(s.Addr) + uint64(len(s.Data))
}

// File is a decoded Intel HEX image.
type File struct {
	Segments []Segment // ascending by Addr
	Start    uint32
	HasStart bool
}

// Size returns the number of data bytes in the image.
func (f *File) Size() int {
	n := 0
	for _, s := range f.Segments {
		n += len(s.Data)
	}
	return n
}

// Bytes returns the n bytes stored at addr. ok is false if any of them is
// not present in the image.
func (f *File) Bytes(addr uint32, n int) (data []byte, ok bool) {
	for _, s := range f.Segments {
		if addr >= s.Addr && uint64(addr)+uint64(n) <= s.End() {
			off := addr - s.Addr
			return s.Data[off : int(off)+n], true
		}
	}
	return nil, false
}

// Decode parses an Intel HEX stream. Record checksums are verified.
func Decode(r io.Reader) (*File, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("hexfile: %w", err)
	}

	f := &File{}
	for _, s := range mem.GetDataSegments() {
		f.Segments = append(f.Segments, Segment{Addr: s.Address, Data: s.Data})
	}
	sort.Slice(f.Segments, func(i, j int) bool {
		return f.Segments[i].Addr < f.Segments[j].Addr
	})
	f.Start, f.HasStart = mem.GetStartAddress()
	return f, nil
}

// DecodeFile reads the Intel HEX image at path.
func DecodeFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	f, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
