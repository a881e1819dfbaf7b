package target

import (
	"os"
	"path/filepath"
	"testing"
)

const stm32f103MemoryX = `
/* STM32F103C8 */
MEMORY
{
  FLASH : ORIGIN = 0x08000000, LENGTH = 64K
  RAM : ORIGIN = 0x20000000, LENGTH = 20K
}

/* This is where the call stack will be allocated. */
_stack_start = ORIGIN(RAM) + LENGTH(RAM);
`

func TestParseMemorySimple(t *testing.T) {
	parser, err := NewMemoryParser()
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}

	layout, err := parser.ParseString(stm32f103MemoryX)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if len(layout.Regions) != 2 {
		t.Fatalf("Expected 2 regions, got %d", len(layout.Regions))
	}

	flash, ok := layout.Region("FLASH")
	if !ok {
		t.Fatal("FLASH region missing")
	}
	if flash.Origin != 0x08000000 || flash.Length != 64*1024 {
		t.Errorf("FLASH = 0x%X/%d, want 0x08000000/65536", flash.Origin, flash.Length)
	}

	ram, ok := layout.Region("RAM")
	if !ok {
		t.Fatal("RAM region missing")
	}
	if ram.Origin != 0x20000000 || ram.Length != 20*1024 {
		t.Errorf("RAM = 0x%X/%d, want 0x20000000/20480", ram.Origin, ram.Length)
	}
}

func TestParseMemoryAttributesAndShortKeywords(t *testing.T) {
	input := `
	ENTRY(Reset_Handler)
	MEMORY
	{
	  RAM (xrw)   : org = 0x20000000, len = 0x5000
	  FLASH (rx)  : o = 0x08000000, l = 128K - 4K
	  BOOT (!w)   : ORIGIN = 0x1FFFF000, LENGTH = 2K
	}
	SECTIONS
	{
	  .text : { *(.text*) } > FLASH
	}
	`

	parser, err := NewMemoryParser()
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}
	layout, err := parser.ParseString(input)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	tests := []struct {
		name   string
		attrs  string
		origin uint64
		length uint64
	}{
		{"RAM", "xrw", 0x20000000, 0x5000},
		{"FLASH", "rx", 0x08000000, 124 * 1024},
		{"BOOT", "!w", 0x1FFFF000, 2048},
	}
	for _, tt := range tests {
		r, ok := layout.Region(tt.name)
		if !ok {
			t.Errorf("region %s missing", tt.name)
			continue
		}
		if r.Attrs != tt.attrs || r.Origin != tt.origin || r.Length != tt.length {
			t.Errorf("%s = %+v, want attrs=%s origin=0x%X length=%d", tt.name, r, tt.attrs, tt.origin, tt.length)
		}
	}

	// Regions come back ordered by origin.
	if layout.Regions[0].Name != "FLASH" {
		t.Errorf("first region = %s, want FLASH", layout.Regions[0].Name)
	}
}

func TestParseMemoryErrors(t *testing.T) {
	parser, err := NewMemoryParser()
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}

	if _, err := parser.ParseString(`SECTIONS { .text : { *(.text) } }`); err == nil {
		t.Error("expected error for script without MEMORY")
	}

	dup := `MEMORY { FLASH : ORIGIN = 0, LENGTH = 1K  FLASH : ORIGIN = 0x400, LENGTH = 1K }`
	if _, err := parser.ParseString(dup); err == nil {
		t.Error("expected error for duplicate region")
	}

	neg := `MEMORY { FLASH : ORIGIN = 0, LENGTH = 1K - 2K }`
	if _, err := parser.ParseString(neg); err == nil {
		t.Error("expected error for negative length")
	}
}

func TestMemoryLayoutFind(t *testing.T) {
	layout := &MemoryLayout{Regions: []Region{
		{Name: "FLASH", Origin: 0x08000000, Length: 0x10000},
		{Name: "RAM", Origin: 0x20000000, Length: 0x5000},
	}}

	if r, ok := layout.Find(0x08000000, 0x100); !ok || r.Name != "FLASH" {
		t.Errorf("Find(flash start) = %v, %v", r, ok)
	}
	if _, ok := layout.Find(0x0800FF00, 0x200); ok {
		t.Error("segment straddling the end of FLASH must not be found")
	}
	if _, ok := layout.Find(0x10000000, 4); ok {
		t.Error("address outside all regions must not be found")
	}
	if r, ok := layout.Find(0x20004FFC, 4); !ok || r.Name != "RAM" {
		t.Errorf("Find(last RAM word) = %v, %v", r, ok)
	}
}

func TestLoadMemoryLayoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.x")
	if err := os.WriteFile(path, []byte(stm32f103MemoryX), 0o644); err != nil {
		t.Fatal(err)
	}

	layout, err := LoadMemoryLayout(path)
	if err != nil {
		t.Fatalf("LoadMemoryLayout: %v", err)
	}
	if got := layout.String(); got != "FLASH [0x08000000..0x08010000), RAM [0x20000000..0x20005000)" {
		t.Errorf("String() = %q", got)
	}

	if _, err := LoadMemoryLayout(filepath.Join(t.TempDir(), "missing.x")); err == nil {
		t.Error("expected error for missing file")
	}
}
