package stlink

import (
	"context"
	"encoding/binary"
	"fmt"
)

// fakeSTLink answers the ST-Link command set and models an STM32F103C8
// behind it: the flash controller, 64 KiB of flash and the ID registers.
type fakeSTLink struct {
	version []byte
	apiV3   []byte
	mode    byte
	ref     uint32
	adc     uint32
	idcode  uint32
	devID   uint32
	kib     uint16

	// failSub makes the given debug subcommand answer with a status.
	failSub    byte
	failStatus byte

	flash   []byte
	locked  bool
	keyStep int
	cr, sr  uint32
	ar      uint32
	lastRW  byte
	dhcsr   uint32
	aircr   uint32
	erases  []uint32
	cmds    []string
	exited  bool
	closed  bool
	written map[uint32]bool
}

func newFakeSTLink() *fakeSTLink {
	f := &fakeSTLink{
		// V2J37S7 on 0483:3748
		version: []byte{0x29, 0x47, 0x83, 0x04, 0x48, 0x37},
		mode:    ModeMass,
		ref:     1600,
		adc:     2200,
		idcode:  0x1BA01477,
		devID:   0x20036410,
		kib:     64,
		flash:   make([]byte, 64*1024),
		locked:  true,
		lastRW:  statusOK,
		written: map[uint32]bool{},
	}
	for i := range f.flash {
		f.flash[i] = 0xFF
	}
	return f
}

func (f *fakeSTLink) status(sub byte) byte {
	if f.failSub != 0 && sub == f.failSub {
		return f.failStatus
	}
	return statusOK
}

func (f *fakeSTLink) Exchange(ctx context.Context, cmd, out []byte, inLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.closed {
		return nil, fmt.Errorf("transport closed")
	}
	f.cmds = append(f.cmds, fmt.Sprintf("% X", cmd))
	reply, err := f.handle(cmd, out)
	if err != nil {
		return nil, err
	}
	if inLen == 0 {
		return nil, nil
	}
	if len(reply) < inLen {
		reply = append(reply, make([]byte, inLen-len(reply))...)
	}
	return reply[:inLen], nil
}

func (f *fakeSTLink) handle(cmd, out []byte) ([]byte, error) {
	switch cmd[0] {
	case cmdGetVersion:
		return f.version, nil
	case cmdGetVersionAPIV3:
		return f.apiV3, nil
	case cmdGetCurrentMode:
		return []byte{f.mode, 0}, nil
	case cmdDFU, cmdSWIM:
		f.mode = ModeMass
		return nil, nil
	case cmdGetTargetVoltage:
		b := binary.LittleEndian.AppendUint32(nil, f.ref)
		return binary.LittleEndian.AppendUint32(b, f.adc), nil
	case cmdDebug:
		return f.debug(cmd[1], cmd[2:], out)
	}
	return nil, fmt.Errorf("unknown command % X", cmd)
}

func (f *fakeSTLink) debug(sub byte, args, out []byte) ([]byte, error) {
	st := f.status(sub)
	ok := []byte{st, 0, 0, 0}
	switch sub {
	case debugEnterAPIV2:
		if st == statusOK {
			f.mode = ModeDebug
		}
		return []byte{st, 0}, nil
	case debugExit:
		f.mode = ModeMass
		f.exited = true
		return nil, nil
	case debugReadIDCodes:
		return append(ok, binary.LittleEndian.AppendUint32(nil, f.idcode)...), nil
	case debugReadDebugReg:
		addr := binary.LittleEndian.Uint32(args[0:4])
		return append(ok, binary.LittleEndian.AppendUint32(nil, f.readWord(addr))...), nil
	case debugWriteDebugReg:
		if st == statusOK {
			f.writeWord(binary.LittleEndian.Uint32(args[0:4]), binary.LittleEndian.Uint32(args[4:8]))
		}
		return []byte{st, 0}, nil
	case debugReadMem32:
		addr := binary.LittleEndian.Uint32(args[0:4])
		n := int(binary.LittleEndian.Uint16(args[4:6]))
		f.lastRW = st
		var b []byte
		for i := 0; i < n; i += 4 {
			b = binary.LittleEndian.AppendUint32(b, f.readWord(addr+uint32(i)))
		}
		return b, nil
	case debugWriteMem16:
		addr := binary.LittleEndian.Uint32(args[0:4])
		n := int(binary.LittleEndian.Uint16(args[4:6]))
		if n != len(out) || n%2 != 0 || addr%2 != 0 {
			return nil, fmt.Errorf("bad write16 0x%08X+%d with %d bytes", addr, n, len(out))
		}
		if addr/maxTransfer != (addr+uint32(n)-1)/maxTransfer {
			return nil, fmt.Errorf("write16 0x%08X+%d crosses a 1 KiB boundary", addr, n)
		}
		f.lastRW = st
		for i := 0; i < n; i += 2 {
			f.program(addr+uint32(i), out[i:i+2])
		}
		return nil, nil
	case debugGetLastRWStat2:
		return []byte{f.lastRW, 0}, nil
	}
	return nil, fmt.Errorf("unknown debug command 0x%02X", sub)
}

func (f *fakeSTLink) flashOffset(addr uint32) (int, bool) {
	if addr < 0x08000000 || addr >= 0x08000000+uint32(len(f.flash)) {
		return 0, false
	}
	return int(addr - 0x08000000), true
}

func (f *fakeSTLink) readWord(addr uint32) uint32 {
	switch addr {
	case 0xE0042000:
		return f.devID
	case 0x1FFFF7E0:
		return 0xFFFF0000 | uint32(f.kib)
	case fpecCR:
		if f.locked {
			return f.cr | crLOCK
		}
		return f.cr
	case fpecSR:
		return f.sr
	case regDHCSR:
		return f.dhcsr
	}
	if off, ok := f.flashOffset(addr &^ 3); ok {
		return binary.LittleEndian.Uint32(f.flash[off : off+4])
	}
	return 0
}

func (f *fakeSTLink) writeWord(addr, val uint32) {
	switch addr {
	case fpecKEYR:
		switch {
		case f.keyStep == 0 && val == fpecKey1:
			f.keyStep = 1
		case f.keyStep == 1 && val == fpecKey2:
			f.keyStep = 0
			f.locked = false
		default:
			f.keyStep = 0
		}
	case fpecSR:
		f.sr &^= val & (srEOP | srPGERR | srWRPRTERR)
	case fpecAR:
		f.ar = val
	case fpecCR:
		if val&crLOCK != 0 {
			f.locked = true
			f.cr = 0
			return
		}
		if f.locked {
			return
		}
		f.cr = val
		if val&(crPER|crSTRT) == crPER|crSTRT {
			page := f.ar &^ 1023
			f.erases = append(f.erases, page)
			if off, ok := f.flashOffset(page); ok {
				for i := off; i < off+1024; i++ {
					f.flash[i] = 0xFF
				}
				f.sr |= srEOP
			}
		}
	case regDHCSR:
		f.dhcsr = val
	case regAIRCR:
		f.aircr = val
	}
}

func (f *fakeSTLink) program(addr uint32, hw []byte) {
	off, ok := f.flashOffset(addr)
	if !ok || f.locked || f.cr&crPG == 0 {
		return
	}
	if hw[0] == 0xFF && hw[1] == 0xFF {
		return
	}
	if f.flash[off] != 0xFF || f.flash[off+1] != 0xFF {
		f.sr |= srPGERR
		return
	}
	copy(f.flash[off:], hw)
	f.written[addr] = true
	f.sr |= srEOP
}

func (f *fakeSTLink) Close() error {
	f.closed = true
	return nil
}
