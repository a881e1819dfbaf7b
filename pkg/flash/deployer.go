package flash

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/hexfile"
)

// Deployer flashes images through a Connector. A Deployer owns at most one
// probe connection at a time; the connection is closed before Flash
// returns, on every path.
type Deployer struct {
	connector Connector
	cfg       config
	m         machine
}

// NewDeployer returns a deployer using c.
func NewDeployer(c Connector, opts ...Option) *Deployer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Deployer{connector: c, cfg: cfg, m: machine{hook: cfg.hook}}
}

// State returns the current state.
func (d *Deployer) State() State {
	return d.m.current()
}

// Flash writes the Intel HEX image at imagePath.
func (d *Deployer) Flash(ctx context.Context, imagePath string) (*Report, error) {
	img, err := hexfile.DecodeFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	return d.FlashImage(ctx, img)
}

// FlashImage writes a decoded image.
func (d *Deployer) FlashImage(ctx context.Context, img *hexfile.File) (*Report, error) {
	start := time.Now()

	if err := d.m.transition(Connecting); err != nil {
		return nil, err
	}

	probe, target, err := d.connect(ctx)
	if err != nil {
		d.m.transition(Disconnected)
		return nil, err
	}
	defer func() {
		if err := probe.Close(); err != nil {
			glog.Warningf("closing probe: %v", err)
		}
		d.m.transition(Disconnected)
	}()

	if err := d.m.transition(Connected); err != nil {
		return nil, err
	}
	glog.Infof("connected to %s", target)

	rep := &Report{Target: target, Segments: len(img.Segments)}

	if err := d.m.transition(Writing); err != nil {
		return nil, err
	}
	if err := d.write(ctx, probe, target, img, rep); err != nil {
		return nil, err
	}

	if d.cfg.verify {
		if err := d.m.transition(Verifying); err != nil {
			return nil, err
		}
		if err := d.verify(ctx, probe, img, rep); err != nil {
			return nil, err
		}
		rep.Verified = true
	}

	if d.cfg.reset {
		rctx, cancel := context.WithTimeout(ctx, d.cfg.ioTimeout)
		err := probe.Reset(rctx)
		cancel()
		if err != nil {
			rep.Duration = time.Since(start)
			return rep, fmt.Errorf("image written, reset failed: %w", err)
		}
		rep.Reset = true
	}

	rep.Duration = time.Since(start)
	glog.Infof("flashed %d bytes in %d segments (%v)", rep.BytesWritten, rep.Segments, rep.Duration.Round(time.Millisecond))
	return rep, nil
}

// connect opens the probe and identifies the target within the handshake
// timeout.
func (d *Deployer) connect(ctx context.Context) (Probe, *Target, error) {
	hctx, cancel := context.WithTimeout(ctx, d.cfg.handshakeTimeout)
	defer cancel()

	probe, err := d.connector.Connect(hctx)
	if err != nil {
		return nil, nil, &DeviceNotFoundError{Interface: d.connector.Name(), Err: err}
	}
	target, err := probe.Identify(hctx)
	if err != nil {
		probe.Close()
		return nil, nil, &DeviceNotFoundError{Interface: d.connector.Name(), Err: err}
	}
	return probe, target, nil
}

func (d *Deployer) write(ctx context.Context, probe Probe, target *Target, img *hexfile.File, rep *Report) error {
	chip := target.Chip
	if chip.FlashSize > 0 {
		for _, s := range img.Segments {
			if s.Addr < chip.FlashBase || s.End() > uint64(chip.FlashBase)+uint64(chip.FlashSize) {
				return &FlashWriteError{Address: s.Addr, Err: fmt.Errorf("%w: %s has %d KiB at 0x%08X",
					ErrImageTooLarge, chip.Name, chip.FlashSize/1024, chip.FlashBase)}
			}
		}
	}

	ranges := eraseRanges(img.Segments, chip.PageSize)
	for i, r := range ranges {
		if err := d.io(ctx, func(ctx context.Context) error { return probe.Erase(ctx, r.addr, r.size) }); err != nil {
			return &FlashWriteError{Address: r.addr, Err: fmt.Errorf("erase: %w", err)}
		}
		d.report(Progress{Phase: "erasing", Address: r.addr, Done: i + 1, Total: len(ranges)})
	}

	total := img.Size()
	for _, s := range img.Segments {
		for _, c := range splitChunks(s.Addr, len(s.Data), d.cfg.chunkSize) {
			addr := s.Addr + uint32(c[0])
			chunk := s.Data[c[0]:c[1]]
			if err := d.io(ctx, func(ctx context.Context) error { return probe.Program(ctx, addr, chunk) }); err != nil {
				return &FlashWriteError{Address: addr, Written: rep.BytesWritten, Err: err}
			}
			rep.BytesWritten += len(chunk)
			d.report(Progress{Phase: "writing", Address: addr, Done: rep.BytesWritten, Total: total})
		}
	}
	return nil
}

func (d *Deployer) verify(ctx context.Context, probe Probe, img *hexfile.File, rep *Report) error {
	total := img.Size()
	done := 0
	for _, s := range img.Segments {
		for _, c := range splitChunks(s.Addr, len(s.Data), d.cfg.chunkSize) {
			addr := s.Addr + uint32(c[0])
			want := s.Data[c[0]:c[1]]

			var got []byte
			err := d.io(ctx, func(ctx context.Context) error {
				var err error
				got, err = probe.Read(ctx, addr, len(want))
				return err
			})
			if err != nil {
				return &FlashWriteError{Address: addr, Written: rep.BytesWritten, Verify: true, Err: err}
			}
			if !bytes.Equal(got, want) {
				at := addr + uint32(firstDiff(got, want))
				return &FlashWriteError{Address: at, Written: rep.BytesWritten, Verify: true, Err: ErrVerifyMismatch}
			}
			done += len(want)
			d.report(Progress{Phase: "verifying", Address: addr, Done: done, Total: total})
		}
	}
	return nil
}

// io runs one probe call under the per-transfer timeout.
func (d *Deployer) io(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ioTimeout)
	defer cancel()
	return fn(ctx)
}

func (d *Deployer) report(p Progress) {
	if d.cfg.progress != nil {
		d.cfg.progress(p)
	}
}

func firstDiff(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// splitChunks cuts the n bytes at addr into [start, end) offsets of at
// most size bytes. Cuts fall on absolute multiples of size, rounded down to
// an even number, so no halfword is split between two Program calls.
func splitChunks(addr uint32, n, size int) [][2]int {
	size &^= 1
	if size < 2 {
		size = 2
	}
	var out [][2]int
	for off := 0; off < n; {
		a := uint64(addr) + uint64(off)
		end := min(off+size-int(a%uint64(size)), n)
		out = append(out, [2]int{off, end})
		off = end
	}
	return out
}

type addrRange struct {
	addr uint32
	size int
}

// eraseRanges widens every segment to whole pages and merges the results.
// Segments must be sorted by address.
func eraseRanges(segs []hexfile.Segment, pageSize uint32) []addrRange {
	var out []addrRange
	for _, s := range segs {
		if len(s.Data) == 0 {
			continue
		}
		start := uint64(s.Addr)
		end := s.End()
		if pageSize > 0 {
			ps := uint64(pageSize)
			start = start / ps * ps
			end = (end + ps - 1) / ps * ps
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if start <= uint64(last.addr)+uint64(last.size) {
				if e := uint64(last.addr) + uint64(last.size); end > e {
					last.size = int(end - uint64(last.addr))
				}
				continue
			}
		}
		out = append(out, addrRange{addr: uint32(start), size: int(end - start)})
	}
	return out
}
