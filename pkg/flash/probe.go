// Package flash writes Intel HEX images to a microcontroller through a
// programming probe.
package flash

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/chipdb"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/idcode"
)

// Target describes the probe and device found by the identification
// handshake.
type Target struct {
	Probe   string // "ST-Link V2 (J37S7)"
	Serial  string
	Voltage float64 // target supply in volts, 0 if unknown
	DPIDR   idcode.DPIDR
	DevID   uint32 // raw DBGMCU_IDCODE
	Chip    chipdb.Chip
}

func (t *Target) String() string {
	if t.Chip.Name == "" {
		return "target via " + t.Probe
	}
	s := fmt.Sprintf("%s rev 0x%04X via %s", t.Chip.Name, chipdb.Revision(t.DevID), t.Probe)
	if t.Voltage > 0 {
		s += fmt.Sprintf(", %.2f V", t.Voltage)
	}
	return s
}

// Probe is an open connection to a programmer and its target. Addresses
// are absolute target addresses.
type Probe interface {
	// Identify performs the device identification handshake.
	Identify(ctx context.Context) (*Target, error)
	// Erase erases every flash page overlapping [addr, addr+size).
	Erase(ctx context.Context, addr uint32, size int) error
	Program(ctx context.Context, addr uint32, data []byte) error
	Read(ctx context.Context, addr uint32, n int) ([]byte, error)
	// Reset restarts the target running the new image.
	Reset(ctx context.Context) error
	Close() error
}

// Connector opens probes.
type Connector interface {
	Name() string
	Connect(ctx context.Context) (Probe, error)
}

// Flasher deploys an Intel HEX image to a device.
type Flasher interface {
	Flash(ctx context.Context, imagePath string) (*Report, error)
}

// Report summarises a successful deployment.
type Report struct {
	Target       *Target
	Segments     int
	BytesWritten int
	Verified     bool
	Reset        bool
	Duration     time.Duration
}

// Progress is passed to the progress callback.
type Progress struct {
	Phase   string // "erasing", "writing", "verifying"
	Address uint32
	Done    int
	Total   int
}

// Percentage returns the completion of the current phase.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Done) * 100 / float64(p.Total)
}

// ProgressFunc is called after every transferred block. It must return
// quickly.
type ProgressFunc func(Progress)
