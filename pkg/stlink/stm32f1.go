package stlink

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/chipdb"
)

// Cortex-M debug registers.
const (
	regDHCSR = 0xE000EDF0
	regAIRCR = 0xE000ED0C

	dhcsrKey      = 0xA05F0000
	dhcsrDebugEn  = 1 << 0
	dhcsrHalt     = 1 << 1
	aircrSysReset = 0x05FA0004
)

// STM32F1 flash program/erase controller. XL-density parts have a second
// register set at +0x40 for the bank above 512 KiB.
const (
	fpecKEYR = 0x40022004
	fpecSR   = 0x4002200C
	fpecCR   = 0x40022010
	fpecAR   = 0x40022014

	fpecBank2 = 0x40

	fpecKey1 = 0x45670123
	fpecKey2 = 0xCDEF89AB

	srBSY      = 1 << 0
	srPGERR    = 1 << 2
	srWRPRTERR = 1 << 4
	srEOP      = 1 << 5

	crPG   = 1 << 0
	crPER  = 1 << 1
	crSTRT = 1 << 6
	crLOCK = 1 << 7
)

// busyPoll is the wait between BSY polls; a page erase takes 20 to 40 ms.
const busyPoll = 2 * time.Millisecond

type memPort interface {
	ReadDebugReg(ctx context.Context, addr uint32) (uint32, error)
	WriteDebugReg(ctx context.Context, addr, val uint32) error
	WriteMem16(ctx context.Context, addr uint32, data []byte) error
}

// bank is the register set of one flash bank.
type bank struct {
	keyr, sr, cr, ar uint32
}

var (
	bank1 = bank{keyr: fpecKEYR, sr: fpecSR, cr: fpecCR, ar: fpecAR}
	bank2 = bank{keyr: fpecKEYR + fpecBank2, sr: fpecSR + fpecBank2, cr: fpecCR + fpecBank2, ar: fpecAR + fpecBank2}
)

// fpec runs the STM32F1 flash algorithm over a probe.
type fpec struct {
	mem  memPort
	chip chipdb.Chip
}

func newFPEC(mem memPort, chip chipdb.Chip) *fpec {
	return &fpec{mem: mem, chip: chip}
}

// bankOf returns the controller for addr.
func (f *fpec) bankOf(addr uint32) bank {
	if f.chip.Bank2Base != 0 && addr >= f.chip.Bank2Base {
		return bank2
	}
	return bank1
}

func (f *fpec) unlock(ctx context.Context, b bank) error {
	cr, err := f.mem.ReadDebugReg(ctx, b.cr)
	if err != nil {
		return err
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := f.mem.WriteDebugReg(ctx, b.keyr, fpecKey1); err != nil {
		return err
	}
	if err := f.mem.WriteDebugReg(ctx, b.keyr, fpecKey2); err != nil {
		return err
	}
	if cr, err = f.mem.ReadDebugReg(ctx, b.cr); err != nil {
		return err
	}
	if cr&crLOCK != 0 {
		return fmt.Errorf("flash controller stays locked after key sequence")
	}
	return nil
}

func (f *fpec) lock(ctx context.Context, b bank) error {
	return f.mem.WriteDebugReg(ctx, b.cr, crLOCK)
}

// wait polls SR until BSY clears, then checks and clears the error flags.
func (f *fpec) wait(ctx context.Context, b bank) error {
	for {
		sr, err := f.mem.ReadDebugReg(ctx, b.sr)
		if err != nil {
			return err
		}
		if sr&srBSY == 0 {
			if err := f.mem.WriteDebugReg(ctx, b.sr, srEOP|srPGERR|srWRPRTERR); err != nil {
				return err
			}
			switch {
			case sr&srWRPRTERR != 0:
				return fmt.Errorf("write protection error (SR 0x%02X)", sr)
			case sr&srPGERR != 0:
				return fmt.Errorf("programming error, flash not erased (SR 0x%02X)", sr)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flash controller busy: %w", ctx.Err())
		case <-time.After(busyPoll):
		}
	}
}

func (f *fpec) pageRange(addr uint32, size int) (first, last uint32, err error) {
	base := f.chip.FlashBase
	end := uint64(addr) + uint64(size)
	if addr < base || end > uint64(base)+uint64(f.chip.FlashSize) {
		return 0, 0, fmt.Errorf("0x%08X+%d outside flash of %s", addr, size, f.chip.Name)
	}
	ps := f.chip.PageSize
	first = (addr - base) / ps
	last = uint32((end - uint64(base) - 1) / uint64(ps))
	return first, last, nil
}

// erase erases every page overlapping [addr, addr+size).
func (f *fpec) erase(ctx context.Context, addr uint32, size int) error {
	if size <= 0 {
		return nil
	}
	first, last, err := f.pageRange(addr, size)
	if err != nil {
		return err
	}
	for page := first; page <= last; {
		pageAddr := f.chip.FlashBase + page*f.chip.PageSize
		b := f.bankOf(pageAddr)
		end := last
		for end > page && f.bankOf(f.chip.FlashBase+end*f.chip.PageSize) != b {
			end--
		}
		if err := f.erasePages(ctx, b, page, end); err != nil {
			return err
		}
		page = end + 1
	}
	return nil
}

// erasePages erases pages first..last, which all belong to b.
func (f *fpec) erasePages(ctx context.Context, b bank, first, last uint32) (err error) {
	if err := f.unlock(ctx, b); err != nil {
		return err
	}
	defer func() {
		if lerr := f.lock(ctx, b); lerr != nil && err == nil {
			err = lerr
		}
	}()

	for page := first; page <= last; page++ {
		pageAddr := f.chip.FlashBase + page*f.chip.PageSize
		glog.V(1).Infof("erase page %d at 0x%08X", page, pageAddr)
		if err := f.mem.WriteDebugReg(ctx, b.cr, crPER); err != nil {
			return err
		}
		if err := f.mem.WriteDebugReg(ctx, b.ar, pageAddr); err != nil {
			return err
		}
		if err := f.mem.WriteDebugReg(ctx, b.cr, crPER|crSTRT); err != nil {
			return err
		}
		if err := f.wait(ctx, b); err != nil {
			return fmt.Errorf("erase page at 0x%08X: %w", pageAddr, err)
		}
	}
	return f.mem.WriteDebugReg(ctx, b.cr, 0)
}

// program writes data into erased flash with halfword accesses. Data that
// crosses into the second bank is split at the bank boundary.
func (f *fpec) program(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, _, err := f.pageRange(addr, len(data)); err != nil {
		return err
	}
	if split := f.chip.Bank2Base; split != 0 && addr < split && uint64(addr)+uint64(len(data)) > uint64(split) {
		n := int(split - addr)
		if err := f.programBank(ctx, bank1, addr, data[:n]); err != nil {
			return err
		}
		return f.programBank(ctx, bank2, split, data[n:])
	}
	return f.programBank(ctx, f.bankOf(addr), addr, data)
}

func (f *fpec) programBank(ctx context.Context, b bank, addr uint32, data []byte) (err error) {
	if err := f.unlock(ctx, b); err != nil {
		return err
	}
	defer func() {
		if lerr := f.lock(ctx, b); lerr != nil && err == nil {
			err = lerr
		}
	}()

	if err := f.mem.WriteDebugReg(ctx, b.cr, crPG); err != nil {
		return err
	}
	if err := f.mem.WriteMem16(ctx, addr, data); err != nil {
		return err
	}
	if err := f.wait(ctx, b); err != nil {
		return fmt.Errorf("program 0x%08X: %w", addr, err)
	}
	return f.mem.WriteDebugReg(ctx, b.cr, 0)
}
