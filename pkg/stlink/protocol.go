package stlink

import (
	"encoding/binary"
	"fmt"
)

// Command block and status codes of the ST-Link USB protocol.
const (
	cmdSize = 16

	cmdGetVersion       = 0xF1
	cmdDebug            = 0xF2
	cmdDFU              = 0xF3
	cmdSWIM             = 0xF4
	cmdGetCurrentMode   = 0xF5
	cmdGetTargetVoltage = 0xF7
	cmdGetVersionAPIV3  = 0xFB

	dfuExit  = 0x07
	swimExit = 0x01

	debugReadMem32      = 0x07
	debugExit           = 0x21
	debugEnterAPIV2     = 0x30
	debugReadIDCodes    = 0x31
	debugWriteDebugReg  = 0x35
	debugReadDebugReg   = 0x36
	debugGetLastRWStat2 = 0x3E
	debugWriteMem16     = 0x48

	debugEnterSWD = 0xA3

	statusOK = 0x80
)

// Modes reported by GET_CURRENT_MODE.
const (
	ModeDFU        = 0x00
	ModeMass       = 0x01
	ModeDebug      = 0x02
	ModeSWIM       = 0x03
	ModeBootloader = 0x04
)

// maxTransfer is the largest memory transfer and the TAR auto-increment
// boundary of the MEM-AP; no transfer may cross a multiple of it.
const maxTransfer = 1024

// Version is the decoded GET_VERSION answer.
type Version struct {
	STLink int // hardware generation: 1, 2 or 3
	JTAG   int // JTAG/SWD API firmware version
	SWIM   int
	VID    uint16
	PID    uint16
}

func (v Version) String() string {
	return fmt.Sprintf("V%dJ%dS%d", v.STLink, v.JTAG, v.SWIM)
}

// SupportsWriteMem16 reports whether the firmware implements 16-bit memory
// writes, which STM32F1 flash programming needs.
func (v Version) SupportsWriteMem16() bool {
	return v.STLink >= 3 || (v.STLink == 2 && v.JTAG >= 26)
}

func parseVersion(b []byte) (Version, error) {
	if len(b) < 6 {
		return Version{}, fmt.Errorf("short GET_VERSION reply (%d bytes)", len(b))
	}
	v := uint16(b[0])<<8 | uint16(b[1])
	return Version{
		STLink: int(v>>12) & 0xF,
		JTAG:   int(v>>6) & 0x3F,
		SWIM:   int(v) & 0x3F,
		VID:    binary.LittleEndian.Uint16(b[2:4]),
		PID:    binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// parseVersionV3 decodes GET_VERSION_APIV3, which V3 probes need because
// the legacy reply has no room for their firmware numbers.
func parseVersionV3(b []byte) (Version, error) {
	if len(b) < 12 {
		return Version{}, fmt.Errorf("short GET_VERSION_APIV3 reply (%d bytes)", len(b))
	}
	return Version{
		STLink: int(b[0]),
		SWIM:   int(b[1]),
		JTAG:   int(b[2]),
		VID:    binary.LittleEndian.Uint16(b[8:10]),
		PID:    binary.LittleEndian.Uint16(b[10:12]),
	}, nil
}

// parseVoltage converts the two ADC readings of GET_TARGET_VOLTAGE. The
// first is the 1.2 V reference, the second the halved target supply.
func parseVoltage(b []byte) (float64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("short GET_TARGET_VOLTAGE reply (%d bytes)", len(b))
	}
	ref := binary.LittleEndian.Uint32(b[0:4])
	adc := binary.LittleEndian.Uint32(b[4:8])
	if ref == 0 {
		return 0, nil
	}
	return 2 * float64(adc) * 1.2 / float64(ref), nil
}

// StatusError is a failure status returned by the probe.
type StatusError struct {
	Op     string
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: probe status 0x%02X (%s)", e.Op, e.Status, statusText(e.Status))
}

func statusText(s byte) string {
	switch s {
	case 0x81:
		return "fault"
	case 0x05:
		return "SWD ack fault"
	case 0x10:
		return "SWD ack wait"
	case 0x11:
		return "SWD ack fault"
	case 0x12:
		return "SWD ack protocol error"
	case 0x14, 0x15:
		return "SWD parity error"
	case 0x17:
		return "AP wait"
	case 0x18:
		return "AP fault"
	case 0x1A:
		return "DP wait"
	case 0x1B:
		return "DP fault"
	default:
		return "unknown"
	}
}

func checkStatus(op string, reply []byte) error {
	if len(reply) == 0 {
		return fmt.Errorf("%s: empty reply", op)
	}
	if reply[0] != statusOK {
		return &StatusError{Op: op, Status: reply[0]}
	}
	return nil
}

func debugCmd(sub byte, args ...byte) []byte {
	return append([]byte{cmdDebug, sub}, args...)
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func memCmd(sub byte, addr uint32, n int) []byte {
	cmd := debugCmd(sub, le32(addr)...)
	return append(cmd, le16(uint16(n))...)
}

// splitTransfers cuts [addr, addr+n) at every maxTransfer boundary.
func splitTransfers(addr uint32, n int) [][2]int {
	var out [][2]int
	off := 0
	for off < n {
		a := addr + uint32(off)
		room := maxTransfer - int(a%maxTransfer)
		size := min(room, n-off)
		out = append(out, [2]int{off, size})
		off += size
	}
	return out
}
