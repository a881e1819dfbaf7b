package chipdb

// STMicroelectronics STM32F1 lines. All share the FPEC flash controller at
// 0x40022000 and differ in page size and density.
func init() {
	const (
		flashBase = 0x08000000
		ramBase   = 0x20000000
		sizeReg   = 0x1FFFF7E0
	)

	register(Chip{
		DevID:        0x412,
		Name:         "STM32F10x (Low-density)",
		Family:       "STM32F1",
		Core:         "Cortex-M3",
		FlashBase:    flashBase,
		FlashSize:    32 * 1024,
		PageSize:     1024,
		RAMBase:      ramBase,
		RAMSize:      10 * 1024,
		FlashSizeReg: sizeReg,
	})

	register(Chip{
		DevID:        0x410,
		Name:         "STM32F10x (Medium-density)",
		Family:       "STM32F1",
		Core:         "Cortex-M3",
		FlashBase:    flashBase,
		FlashSize:    128 * 1024,
		PageSize:     1024,
		RAMBase:      ramBase,
		RAMSize:      20 * 1024,
		FlashSizeReg: sizeReg,
	})

	register(Chip{
		DevID:        0x414,
		Name:         "STM32F10x (High-density)",
		Family:       "STM32F1",
		Core:         "Cortex-M3",
		FlashBase:    flashBase,
		FlashSize:    512 * 1024,
		PageSize:     2048,
		RAMBase:      ramBase,
		RAMSize:      64 * 1024,
		FlashSizeReg: sizeReg,
	})

	register(Chip{
		DevID:        0x430,
		Name:         "STM32F10x (XL-density)",
		Family:       "STM32F1",
		Core:         "Cortex-M3",
		FlashBase:    flashBase,
		FlashSize:    1024 * 1024,
		PageSize:     2048,
		RAMBase:      ramBase,
		RAMSize:      96 * 1024,
		FlashSizeReg: sizeReg,
		Bank2Base:    flashBase + 512*1024,
	})

	register(Chip{
		DevID:        0x418,
		Name:         "STM32F105/107 (Connectivity line)",
		Family:       "STM32F1",
		Core:         "Cortex-M3",
		FlashBase:    flashBase,
		FlashSize:    256 * 1024,
		PageSize:     2048,
		RAMBase:      ramBase,
		RAMSize:      64 * 1024,
		FlashSizeReg: sizeReg,
	})

	register(Chip{
		DevID:        0x420,
		Name:         "STM32F100 (Value line, low/medium-density)",
		Family:       "STM32F1",
		Core:         "Cortex-M3",
		FlashBase:    flashBase,
		FlashSize:    128 * 1024,
		PageSize:     1024,
		RAMBase:      ramBase,
		RAMSize:      8 * 1024,
		FlashSizeReg: sizeReg,
	})

	register(Chip{
		DevID:        0x428,
		Name:         "STM32F100 (Value line, high-density)",
		Family:       "STM32F1",
		Core:         "Cortex-M3",
		FlashBase:    flashBase,
		FlashSize:    512 * 1024,
		PageSize:     2048,
		RAMBase:      ramBase,
		RAMSize:      32 * 1024,
		FlashSizeReg: sizeReg,
	})
}
