package chipdb

// DBGMCUIDCodeF1 is the address of DBGMCU_IDCODE on STM32F1 parts.
const DBGMCUIDCodeF1 = 0xE0042000

// Chip describes an MCU identified by its DBGMCU device ID.
type Chip struct {
	DevID        uint16 // DBGMCU_IDCODE[11:0]
	Name         string // "STM32F10x (Medium-density)"
	Family       string // "STM32F1"
	Core         string // "Cortex-M3"
	FlashBase    uint32
	FlashSize    uint32 // largest part of the line, refined from FlashSizeReg
	PageSize     uint32 // erase granularity
	RAMBase      uint32
	RAMSize      uint32
	FlashSizeReg uint32 // address of the flash size register (KiB, 16 bit)
	Bank2Base    uint32 // start of the second flash bank, 0 on single bank parts
}

// Pages returns the number of erase pages in the chip's flash.
func (c Chip) Pages() int {
	if c.PageSize == 0 {
		return 0
	}
	return int(c.FlashSize / c.PageSize)
}

// WithFlashKiB returns a copy of the chip with FlashSize taken from the
// flash size register. Unprogrammed or nonsensical readings keep the line
// default.
func (c Chip) WithFlashKiB(kib uint16) Chip {
	if kib == 0 || kib == 0xFFFF {
		return c
	}
	c.FlashSize = uint32(kib) * 1024
	if c.Bank2Base != 0 && uint64(c.Bank2Base) >= uint64(c.FlashBase)+uint64(c.FlashSize) {
		c.Bank2Base = 0
	}
	return c
}
