package idcode

import "fmt"

// DesignerARM is the JEP106 code of ARM Ltd (bank 5, identity 0x3B).
const DesignerARM = 0x23B

// ParseDPIDR splits a raw debug port IDCODE into its fields
func ParseDPIDR(raw uint32) DPIDR {
	return DPIDR{
		Raw:      raw,
		Revision: uint8((raw >> 28) & 0xF),
		PartNo:   uint8((raw >> 20) & 0xFF),
		MinDP:    (raw>>16)&0x1 == 0x1,
		Version:  uint8((raw >> 12) & 0xF),
		Designer: uint16((raw >> 1) & 0x7FF),
		Valid:    raw&0x1 == 0x1,
	}
}

// IsARM reports whether the debug port was designed by ARM. Every Cortex-M
// part, including most clones, reports an ARM designed DP.
func (d DPIDR) IsARM() bool {
	return d.Valid && d.Designer == DesignerARM
}

// String returns a formatted representation of the IDCODE.
func (d DPIDR) String() string {
	m, _ := LookupManufacturer(d.Designer)
	return fmt.Sprintf("0x%08X (Designer: %s, Part: 0x%02X, DPv%d, Rev: %d)",
		d.Raw, m.Name, d.PartNo, d.Version, d.Revision)
}
