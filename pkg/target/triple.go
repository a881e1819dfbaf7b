package target

import (
	"debug/elf"
	"fmt"
	"strings"
)

// DefaultTriple is the Cortex-M3 bare-metal target used by STM32F1 parts.
const DefaultTriple = "thumbv7m-none-eabi"

// Triple is a parsed compiler target triple such as thumbv7m-none-eabi or
// riscv32imac-unknown-none-elf.
type Triple struct {
	Raw    string
	Arch   string
	Vendor string // empty when the triple omits it
	OS     string
	ABI    string
}

// ParseTriple splits a target triple into its components. Both the
// three-part (arch-os-abi) and four-part (arch-vendor-os-abi) forms are
// accepted.
func ParseTriple(s string) (Triple, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	for _, p := range parts {
		if p == "" {
			return Triple{}, fmt.Errorf("target: malformed triple %q", s)
		}
	}

	t := Triple{Raw: s}
	switch len(parts) {
	case 2:
		t.Arch, t.OS = parts[0], parts[1]
	case 3:
		t.Arch, t.OS, t.ABI = parts[0], parts[1], parts[2]
	case 4:
		t.Arch, t.Vendor, t.OS, t.ABI = parts[0], parts[1], parts[2], parts[3]
	default:
		return Triple{}, fmt.Errorf("target: malformed triple %q", s)
	}
	return t, nil
}

// String returns the triple as originally written.
func (t Triple) String() string {
	return t.Raw
}

// Freestanding reports whether the triple targets bare metal (no OS).
func (t Triple) Freestanding() bool {
	return t.OS == "none"
}

// ELFTarget describes what a compiled executable for a triple must look
// like: machine, word size and byte order.
type ELFTarget struct {
	Machine elf.Machine
	Class   elf.Class
	Data    elf.Data
}

func (e ELFTarget) String() string {
	return fmt.Sprintf("%s/%s/%s", e.Machine, e.Class, e.Data)
}

// ELF maps the triple's architecture onto the ELF header values a linked
// executable for it carries.
func (t Triple) ELF() (ELFTarget, error) {
	arch := t.Arch
	switch {
	case strings.HasPrefix(arch, "thumbeb"), strings.HasPrefix(arch, "armeb"):
		return ELFTarget{elf.EM_ARM, elf.ELFCLASS32, elf.ELFDATA2MSB}, nil
	case strings.HasPrefix(arch, "thumb"), strings.HasPrefix(arch, "arm"):
		return ELFTarget{elf.EM_ARM, elf.ELFCLASS32, elf.ELFDATA2LSB}, nil
	case arch == "aarch64":
		return ELFTarget{elf.EM_AARCH64, elf.ELFCLASS64, elf.ELFDATA2LSB}, nil
	case strings.HasPrefix(arch, "riscv32"):
		return ELFTarget{elf.EM_RISCV, elf.ELFCLASS32, elf.ELFDATA2LSB}, nil
	case strings.HasPrefix(arch, "riscv64"):
		return ELFTarget{elf.EM_RISCV, elf.ELFCLASS64, elf.ELFDATA2LSB}, nil
	case arch == "avr":
		return ELFTarget{elf.EM_AVR, elf.ELFCLASS32, elf.ELFDATA2LSB}, nil
	case arch == "msp430":
		return ELFTarget{elf.EM_MSP430, elf.ELFCLASS32, elf.ELFDATA2LSB}, nil
	case arch == "xtensa":
		return ELFTarget{elf.EM_XTENSA, elf.ELFCLASS32, elf.ELFDATA2LSB}, nil
	case arch == "x86_64":
		return ELFTarget{elf.EM_X86_64, elf.ELFCLASS64, elf.ELFDATA2LSB}, nil
	case arch == "i386", arch == "i586", arch == "i686":
		return ELFTarget{elf.EM_386, elf.ELFCLASS32, elf.ELFDATA2LSB}, nil
	}
	return ELFTarget{}, fmt.Errorf("target: unsupported architecture %q in %q", arch, t.Raw)
}
