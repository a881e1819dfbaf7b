package idcode

// DPIDR is a decoded ARM debug port identification register, the value a
// SW-DP returns for the IDCODE read during connection.
type DPIDR struct {
	Raw      uint32
	Revision uint8  // [31:28]
	PartNo   uint8  // [27:20]
	MinDP    bool   // [16] minimal debug port (no pushed ops)
	Version  uint8  // [15:12] DP architecture version
	Designer uint16 // [11:1] JEP106 continuation + identity
	Valid    bool   // bit 0 reads as one
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16 // continuation count << 7 | identity
	Name         string // "STMicroelectronics"
	Abbreviation string // "ST"
}
