package chipdb

// db is the in-memory device database, keyed by DBGMCU device ID
var db = make(map[uint16]Chip)

// register adds a device entry to the database
func register(c Chip) {
	db[c.DevID] = c
}

// Lookup returns the chip for a raw DBGMCU_IDCODE value. Only the device
// ID field takes part in the lookup; the revision is ignored.
func Lookup(idcode uint32) (Chip, bool) {
	c, ok := db[uint16(idcode&0xFFF)]
	return c, ok
}

// Revision extracts REV_ID from a raw DBGMCU_IDCODE value.
func Revision(idcode uint32) uint16 {
	return uint16(idcode >> 16)
}

// STM32F103C8 is the default part of the blue pill style boards this tool
// is used with.
var STM32F103C8 = Chip{
	DevID:        0x410,
	Name:         "STM32F103C8",
	Family:       "STM32F1",
	Core:         "Cortex-M3",
	FlashBase:    0x08000000,
	FlashSize:    64 * 1024,
	PageSize:     1024,
	RAMBase:      0x20000000,
	RAMSize:      20 * 1024,
	FlashSizeReg: 0x1FFFF7E0,
}
