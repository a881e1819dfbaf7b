// Package stlink drives ST-Link/V2 and V3 debug probes over USB and
// programs STM32F1 flash through them.
package stlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/chipdb"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/idcode"
)

var (
	ErrUnsupportedProbe = errors.New("stlink: unsupported probe")
	ErrNotIdentified    = errors.New("stlink: target not identified")
)

// MinTargetVoltage is the lowest supply reading accepted as a powered
// target.
const MinTargetVoltage = 1.5

// Transport carries ST-Link command blocks.
type Transport interface {
	// Exchange sends cmd padded to a 16 byte block, then out when it is
	// not empty, and reads inLen reply bytes.
	Exchange(ctx context.Context, cmd, out []byte, inLen int) ([]byte, error)
	Close() error
}

// Probe is an ST-Link connected to an STM32 target.
type Probe struct {
	t    Transport
	info ProbeInfo

	version Version
	target  *flash.Target
	inDebug bool
}

var _ flash.Probe = (*Probe)(nil)

// NewProbe wraps an open transport. info describes the USB device.
func NewProbe(t Transport, info ProbeInfo) *Probe {
	return &Probe{t: t, info: info}
}

// Version returns the firmware version read by Identify.
func (p *Probe) Version() Version {
	return p.version
}

func (p *Probe) exchange(ctx context.Context, cmd []byte, inLen int) ([]byte, error) {
	glog.V(2).Infof("stlink > % X", cmd)
	reply, err := p.t.Exchange(ctx, cmd, nil, inLen)
	if err != nil {
		return nil, err
	}
	if inLen > 0 {
		glog.V(2).Infof("stlink < % X", reply)
	}
	return reply, nil
}

// ReadVersion issues GET_VERSION, and GET_VERSION_APIV3 on V3 probes.
func (p *Probe) ReadVersion(ctx context.Context) (Version, error) {
	reply, err := p.exchange(ctx, []byte{cmdGetVersion}, 6)
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	v, err := parseVersion(reply)
	if err != nil {
		return Version{}, err
	}
	if v.STLink >= 3 {
		reply, err := p.exchange(ctx, []byte{cmdGetVersionAPIV3}, 12)
		if err != nil {
			return Version{}, fmt.Errorf("get version v3: %w", err)
		}
		if v, err = parseVersionV3(reply); err != nil {
			return Version{}, err
		}
	}
	return v, nil
}

// Mode returns the current probe mode.
func (p *Probe) Mode(ctx context.Context) (int, error) {
	reply, err := p.exchange(ctx, []byte{cmdGetCurrentMode}, 2)
	if err != nil {
		return 0, fmt.Errorf("get mode: %w", err)
	}
	return int(reply[0]), nil
}

// TargetVoltage measures the target supply.
func (p *Probe) TargetVoltage(ctx context.Context) (float64, error) {
	reply, err := p.exchange(ctx, []byte{cmdGetTargetVoltage}, 8)
	if err != nil {
		return 0, fmt.Errorf("get target voltage: %w", err)
	}
	return parseVoltage(reply)
}

// leaveMode brings the probe back to a state where debug mode can be
// entered.
func (p *Probe) leaveMode(ctx context.Context, mode int) error {
	var cmd []byte
	switch mode {
	case ModeDFU:
		cmd = []byte{cmdDFU, dfuExit}
	case ModeSWIM:
		cmd = []byte{cmdSWIM, swimExit}
	case ModeDebug:
		cmd = debugCmd(debugExit)
	default:
		return nil
	}
	glog.V(1).Infof("stlink: leaving mode %d", mode)
	_, err := p.exchange(ctx, cmd, 0)
	return err
}

func (p *Probe) enterSWD(ctx context.Context) error {
	reply, err := p.exchange(ctx, debugCmd(debugEnterAPIV2, debugEnterSWD), 2)
	if err != nil {
		return fmt.Errorf("enter SWD: %w", err)
	}
	if err := checkStatus("enter SWD", reply); err != nil {
		return err
	}
	p.inDebug = true
	return nil
}

// ReadIDCode returns the SW-DP IDCODE.
func (p *Probe) ReadIDCode(ctx context.Context) (uint32, error) {
	reply, err := p.exchange(ctx, debugCmd(debugReadIDCodes), 12)
	if err != nil {
		return 0, fmt.Errorf("read IDCODE: %w", err)
	}
	if err := checkStatus("read IDCODE", reply); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(reply[4:8]), nil
}

// ReadDebugReg reads one 32-bit word at addr.
func (p *Probe) ReadDebugReg(ctx context.Context, addr uint32) (uint32, error) {
	reply, err := p.exchange(ctx, debugCmd(debugReadDebugReg, le32(addr)...), 8)
	if err != nil {
		return 0, fmt.Errorf("read 0x%08X: %w", addr, err)
	}
	if err := checkStatus(fmt.Sprintf("read 0x%08X", addr), reply); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(reply[4:8]), nil
}

// WriteDebugReg writes one 32-bit word at addr.
func (p *Probe) WriteDebugReg(ctx context.Context, addr, val uint32) error {
	cmd := debugCmd(debugWriteDebugReg, le32(addr)...)
	cmd = append(cmd, le32(val)...)
	reply, err := p.exchange(ctx, cmd, 2)
	if err != nil {
		return fmt.Errorf("write 0x%08X: %w", addr, err)
	}
	return checkStatus(fmt.Sprintf("write 0x%08X", addr), reply)
}

func (p *Probe) lastRWStatus(ctx context.Context, op string) error {
	reply, err := p.exchange(ctx, debugCmd(debugGetLastRWStat2), 12)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkStatus(op, reply)
}

// ReadMem32 reads n bytes at addr with word accesses. addr and n need not
// be aligned.
func (p *Probe) ReadMem32(ctx context.Context, addr uint32, n int) ([]byte, error) {
	start := addr &^ 3
	end := (uint64(addr) + uint64(n) + 3) &^ 3
	total := int(end - uint64(start))

	buf := make([]byte, 0, total)
	for _, tr := range splitTransfers(start, total) {
		a := start + uint32(tr[0])
		reply, err := p.exchange(ctx, memCmd(debugReadMem32, a, tr[1]), tr[1])
		if err != nil {
			return nil, fmt.Errorf("read memory 0x%08X: %w", a, err)
		}
		if err := p.lastRWStatus(ctx, fmt.Sprintf("read memory 0x%08X", a)); err != nil {
			return nil, err
		}
		buf = append(buf, reply...)
	}
	off := int(addr - start)
	return buf[off : off+n], nil
}

// WriteMem16 writes data at addr with halfword accesses. A byte that
// completes a halfword at either end is written as 0xFF, which leaves
// erased flash unchanged.
func (p *Probe) WriteMem16(ctx context.Context, addr uint32, data []byte) error {
	if !p.version.SupportsWriteMem16() {
		return fmt.Errorf("%w: firmware %s has no 16-bit memory writes, update the probe firmware", ErrUnsupportedProbe, p.version)
	}
	start := addr &^ 1
	buf := make([]byte, 0, len(data)+2)
	if start != addr {
		buf = append(buf, 0xFF)
	}
	buf = append(buf, data...)
	if len(buf)%2 != 0 {
		buf = append(buf, 0xFF)
	}

	for _, tr := range splitTransfers(start, len(buf)) {
		a := start + uint32(tr[0])
		chunk := buf[tr[0] : tr[0]+tr[1]]
		glog.V(2).Infof("stlink > write16 0x%08X +%d", a, len(chunk))
		if _, err := p.t.Exchange(ctx, memCmd(debugWriteMem16, a, len(chunk)), chunk, 0); err != nil {
			return fmt.Errorf("write memory 0x%08X: %w", a, err)
		}
		if err := p.lastRWStatus(ctx, fmt.Sprintf("write memory 0x%08X", a)); err != nil {
			return err
		}
	}
	return nil
}

// Identify runs the connection handshake: probe version and mode, target
// voltage, SWD entry, debug port IDCODE, core halt and device lookup.
func (p *Probe) Identify(ctx context.Context) (*flash.Target, error) {
	v, err := p.ReadVersion(ctx)
	if err != nil {
		return nil, err
	}
	p.version = v
	if v.STLink < 2 {
		return nil, fmt.Errorf("%w: ST-Link/V1 (%s)", ErrUnsupportedProbe, v)
	}
	glog.V(1).Infof("stlink: firmware %s, %04X:%04X", v, v.VID, v.PID)

	mode, err := p.Mode(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.leaveMode(ctx, mode); err != nil {
		return nil, err
	}

	volts, err := p.TargetVoltage(ctx)
	if err != nil {
		return nil, err
	}
	if volts < MinTargetVoltage {
		return nil, fmt.Errorf("target voltage %.2f V, is the target powered?", volts)
	}

	if err := p.enterSWD(ctx); err != nil {
		return nil, err
	}

	raw, err := p.ReadIDCode(ctx)
	if err != nil {
		return nil, err
	}
	dp := idcode.ParseDPIDR(raw)
	if !dp.IsARM() {
		return nil, fmt.Errorf("no ARM debug port answered, IDCODE %s", dp)
	}
	glog.V(1).Infof("stlink: DP IDCODE %s", dp)

	if err := p.halt(ctx); err != nil {
		return nil, err
	}

	devID, err := p.ReadDebugReg(ctx, chipdb.DBGMCUIDCodeF1)
	if err != nil {
		return nil, err
	}
	chip, ok := chipdb.Lookup(devID)
	if !ok {
		return nil, fmt.Errorf("unknown chip id 0x%03X", devID&0xFFF)
	}
	if chip.FlashSizeReg != 0 {
		b, err := p.ReadMem32(ctx, chip.FlashSizeReg, 2)
		if err != nil {
			return nil, err
		}
		chip = chip.WithFlashKiB(binary.LittleEndian.Uint16(b))
	}

	p.target = &flash.Target{
		Probe:   fmt.Sprintf("%s (%s)", p.info.Label(), v),
		Serial:  p.info.Serial,
		Voltage: volts,
		DPIDR:   dp,
		DevID:   devID,
		Chip:    chip,
	}
	return p.target, nil
}

func (p *Probe) chip() (chipdb.Chip, error) {
	if p.target == nil {
		return chipdb.Chip{}, ErrNotIdentified
	}
	return p.target.Chip, nil
}

// Erase erases the pages overlapping [addr, addr+size).
func (p *Probe) Erase(ctx context.Context, addr uint32, size int) error {
	chip, err := p.chip()
	if err != nil {
		return err
	}
	return newFPEC(p, chip).erase(ctx, addr, size)
}

// Program writes data to erased flash.
func (p *Probe) Program(ctx context.Context, addr uint32, data []byte) error {
	chip, err := p.chip()
	if err != nil {
		return err
	}
	return newFPEC(p, chip).program(ctx, addr, data)
}

// Read reads target memory.
func (p *Probe) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	return p.ReadMem32(ctx, addr, n)
}

// Reset restarts the core running from flash.
func (p *Probe) Reset(ctx context.Context) error {
	if err := p.WriteDebugReg(ctx, regDHCSR, dhcsrKey); err != nil {
		return fmt.Errorf("release halt: %w", err)
	}
	if err := p.WriteDebugReg(ctx, regAIRCR, aircrSysReset); err != nil {
		return fmt.Errorf("system reset: %w", err)
	}
	return nil
}

// Close leaves debug mode and releases the USB device.
func (p *Probe) Close() error {
	var err error
	if p.inDebug {
		_, err = p.exchange(context.Background(), debugCmd(debugExit), 0)
		p.inDebug = false
	}
	if cerr := p.t.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (p *Probe) halt(ctx context.Context) error {
	if err := p.WriteDebugReg(ctx, regDHCSR, dhcsrKey|dhcsrHalt|dhcsrDebugEn); err != nil {
		return fmt.Errorf("halt core: %w", err)
	}
	return nil
}
