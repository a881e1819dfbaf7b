package target

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// linkerScript is the participle grammar root. A script is a flat token
// stream in which MEMORY blocks are recognised and everything else skipped.
type linkerScript struct {
	Items []*scriptItem `@@*`
}

type scriptItem struct {
	Memory *memoryBlock `  @@`
	Other  string       `| @( Ident | Number | Punct | String )`
}

// memoryBlock is: MEMORY { FLASH : ORIGIN = 0x08000000, LENGTH = 64K ... }
type memoryBlock struct {
	Regions []*memoryRegion `KwMemory "{" @@* "}"`
}

type memoryRegion struct {
	Name   string      `@Ident`
	Attrs  []string    `( "(" @( Ident | "!" )* ")" )?`
	Origin *memoryExpr `":" ( "ORIGIN" | "org" | "o" ) "=" @@ ","?`
	Length *memoryExpr `( "LENGTH" | "len" | "l" ) "=" @@`
}

// memoryExpr covers the sums and differences seen in practice, e.g.
// LENGTH = 64K - 4K.
type memoryExpr struct {
	First string      `@Number`
	Rest  []*memoryOp `@@*`
}

type memoryOp struct {
	Op     string `@( "+" | "-" )`
	Number string `@Number`
}

func (e *memoryExpr) eval() (uint64, error) {
	v, err := parseSize(e.First)
	if err != nil {
		return 0, err
	}
	for _, op := range e.Rest {
		n, err := parseSize(op.Number)
		if err != nil {
			return 0, err
		}
		if op.Op == "+" {
			v += n
		} else {
			if n > v {
				return 0, fmt.Errorf("negative value in expression")
			}
			v -= n
		}
	}
	return v, nil
}

// parseSize converts ld numbers (0x1000, 4096, 64K, 1M) to bytes.
func parseSize(s string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v * mult, nil
}

// Region is one named memory region of the target.
type Region struct {
	Name   string
	Attrs  string // ld attributes such as "rx" or "!w", may be empty
	Origin uint64
	Length uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Origin + r.Length
}

// Contains reports whether [addr, addr+size) lies entirely in the region.
func (r Region) Contains(addr, size uint64) bool {
	return addr >= r.Origin && addr+size <= r.End() && addr+size >= addr
}

func (r Region) String() string {
	return fmt.Sprintf("%s [0x%08X..0x%08X)", r.Name, r.Origin, r.End())
}

// MemoryLayout is the target memory map declared by the linker script.
type MemoryLayout struct {
	Regions []Region
}

// Region looks up a region by name (case sensitive, as ld is).
func (m *MemoryLayout) Region(name string) (Region, bool) {
	for _, r := range m.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Find returns the region that fully contains [addr, addr+size).
func (m *MemoryLayout) Find(addr, size uint64) (Region, bool) {
	for _, r := range m.Regions {
		if r.Contains(addr, size) {
			return r, true
		}
	}
	return Region{}, false
}

func (m *MemoryLayout) String() string {
	names := make([]string, len(m.Regions))
	for i, r := range m.Regions {
		names[i] = r.String()
	}
	return strings.Join(names, ", ")
}

// MemoryParser parses the MEMORY command of linker scripts (memory.x).
type MemoryParser struct {
	parser *participle.Parser[linkerScript]
}

// NewMemoryParser builds the linker script grammar.
func NewMemoryParser() (*MemoryParser, error) {
	parser, err := participle.Build[linkerScript](
		participle.Lexer(LinkerScriptLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &MemoryParser{parser: parser}, nil
}

// Parse reads a linker script and returns its memory layout.
func (p *MemoryParser) Parse(r io.Reader) (*MemoryLayout, error) {
	script, err := p.parser.Parse("", r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return script.layout()
}

// ParseString parses a linker script held in memory.
func (p *MemoryParser) ParseString(input string) (*MemoryLayout, error) {
	script, err := p.parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return script.layout()
}

// ParseFile parses the linker script at filename.
func (p *MemoryParser) ParseFile(filename string) (*MemoryLayout, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// LoadMemoryLayout is a convenience wrapper around NewMemoryParser and
// ParseFile.
func LoadMemoryLayout(filename string) (*MemoryLayout, error) {
	p, err := NewMemoryParser()
	if err != nil {
		return nil, err
	}
	layout, err := p.ParseFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return layout, nil
}

func (s *linkerScript) layout() (*MemoryLayout, error) {
	layout := &MemoryLayout{}
	seen := make(map[string]bool)
	found := false

	for _, item := range s.Items {
		if item.Memory == nil {
			continue
		}
		found = true
		for _, reg := range item.Memory.Regions {
			if seen[reg.Name] {
				return nil, fmt.Errorf("memory region %s declared twice", reg.Name)
			}
			seen[reg.Name] = true

			origin, err := reg.Origin.eval()
			if err != nil {
				return nil, fmt.Errorf("region %s origin: %w", reg.Name, err)
			}
			length, err := reg.Length.eval()
			if err != nil {
				return nil, fmt.Errorf("region %s length: %w", reg.Name, err)
			}
			layout.Regions = append(layout.Regions, Region{
				Name:   reg.Name,
				Attrs:  strings.Join(reg.Attrs, ""),
				Origin: origin,
				Length: length,
			})
		}
	}

	if !found {
		return nil, fmt.Errorf("no MEMORY command found")
	}

	sort.SliceStable(layout.Regions, func(i, j int) bool {
		return layout.Regions[i].Origin < layout.Regions[j].Origin
	})
	return layout, nil
}
