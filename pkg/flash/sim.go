package flash

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/chipdb"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/idcode"
)

// SimDPIDR is the debug port IDCODE the simulator reports (Cortex-M3 SW-DP).
const SimDPIDR = 0x1BA01477

// ErrSimWriteFault is returned by the simulator for an injected write failure.
var ErrSimWriteFault = errors.New("simulated write fault")

// SimConnector is an in-memory probe with a target flash that persists
// across connections. Its fault switches model missing hardware, a silent
// target, a failed record, bad read-back and a reset that does not go through.
type SimConnector struct {
	Chip chipdb.Chip

	Absent       bool // Connect fails
	Unresponsive bool // Identify blocks until the handshake times out

	FailWrite   bool
	FailWriteAt uint32 // first address whose programming fails
	Corrupt     bool
	CorruptAt   uint32 // address whose read-back is flipped
	FailReset   bool

	mu       sync.Mutex
	flash    []byte
	open     int
	connects int
	programs int
	resets   int
}

// NewSimConnector returns a simulator for chip with erased flash.
func NewSimConnector(chip chipdb.Chip) *SimConnector {
	flash := make([]byte, chip.FlashSize)
	for i := range flash {
		flash[i] = 0xFF
	}
	return &SimConnector{Chip: chip, flash: flash}
}

func (c *SimConnector) Name() string { return "simulator" }

// Connect opens a simulated probe.
func (c *SimConnector) Connect(ctx context.Context) (Probe, error) {
	if c.Absent {
		return nil, ErrNoProbe
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open++
	c.connects++
	return &SimProbe{c: c}, nil
}

// OpenHandles returns the number of probes not yet closed.
func (c *SimConnector) OpenHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Connects returns how many probes were opened in total.
func (c *SimConnector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Programs returns how many Program calls reached the target.
func (c *SimConnector) Programs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programs
}

// Resets returns how many times the target was reset.
func (c *SimConnector) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Memory returns a copy of n bytes of target flash at addr.
func (c *SimConnector) Memory(addr uint32, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := c.offset(addr, n)
	if err != nil {
		return nil
	}
	return append([]byte(nil), c.flash[off:off+n]...)
}

func (c *SimConnector) offset(addr uint32, n int) (int, error) {
	base := c.Chip.FlashBase
	if addr < base || uint64(addr-base)+uint64(n) > uint64(len(c.flash)) {
		return 0, fmt.Errorf("address 0x%08X+%d outside flash", addr, n)
	}
	return int(addr - base), nil
}

// SimProbe is a connection opened by SimConnector.
type SimProbe struct {
	c      *SimConnector
	closed bool
}

var _ Probe = (*SimProbe)(nil)

func (p *SimProbe) Identify(ctx context.Context) (*Target, error) {
	if p.c.Unresponsive {
		<-ctx.Done()
		return nil, fmt.Errorf("no answer from target: %w", ctx.Err())
	}
	return &Target{
		Probe:   "ST-Link simulator",
		Serial:  "SIM0001",
		Voltage: 3.3,
		DPIDR:   idcode.ParseDPIDR(SimDPIDR),
		DevID:   0x20036000 | uint32(p.c.Chip.DevID),
		Chip:    p.c.Chip,
	}, nil
}

func (p *SimProbe) Erase(ctx context.Context, addr uint32, size int) error {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	off, err := c.offset(addr, size)
	if err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	ps := uint64(c.Chip.PageSize)
	if ps == 0 {
		ps = 1
	}
	start := uint64(off) / ps * ps
	end := (uint64(off) + uint64(size) + ps - 1) / ps * ps
	for i := start; i < end && i < uint64(len(c.flash)); i++ {
		c.flash[i] = 0xFF
	}
	return nil
}

func (p *SimProbe) Program(ctx context.Context, addr uint32, data []byte) error {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	off, err := c.offset(addr, len(data))
	if err != nil {
		return err
	}
	c.programs++
	for i, b := range data {
		a := addr + uint32(i)
		if c.FailWrite && a >= c.FailWriteAt {
			return fmt.Errorf("0x%08X: %w", a, ErrSimWriteFault)
		}
		if c.flash[off+i] != 0xFF {
			return fmt.Errorf("0x%08X: programming a cell that is not erased", a)
		}
		c.flash[off+i] = b
	}
	return nil
}

func (p *SimProbe) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	off, err := c.offset(addr, n)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), c.flash[off:off+n]...)
	if c.Corrupt && c.CorruptAt >= addr && uint64(c.CorruptAt) < uint64(addr)+uint64(n) {
		out[c.CorruptAt-addr] ^= 0x5A
	}
	return out, nil
}

func (p *SimProbe) Reset(ctx context.Context) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if p.c.FailReset {
		return fmt.Errorf("reset: %w", ErrSimWriteFault)
	}
	p.c.resets++
	return nil
}

// Close releases the probe. Closing twice is a no-op.
func (p *SimProbe) Close() error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.c.open--
	}
	return nil
}
