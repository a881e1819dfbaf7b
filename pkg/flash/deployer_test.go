package flash

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/chipdb"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/elfimage"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/hexfile"
)

func testImage() *hexfile.File {
	code := make([]byte, 3000)
	for i := range code {
		code[i] = byte(i * 13)
	}
	return &hexfile.File{Segments: []hexfile.Segment{
		{Addr: 0x08000000, Data: code},
		{Addr: 0x08000C00, Data: []byte{1, 2, 3, 4, 5, 6}},
	}}
}

func writeHex(t *testing.T, img *hexfile.File) string {
	t.Helper()
	var segs []elfimage.Segment
	for _, s := range img.Segments {
		segs = append(segs, elfimage.Segment{Addr: uint64(s.Addr), Data: s.Data})
	}
	path := filepath.Join(t.TempDir(), "fw.hex")
	err := hexfile.WriteAtomic(path, func(w io.Writer) error {
		return hexfile.Encode(w, segs, 0x08000101, 0)
	})
	if err != nil {
		t.Fatalf("write hex: %v", err)
	}
	return path
}

func TestDeployerSuccess(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	img := testImage()

	var states []State
	var phases = map[string]int{}
	d := NewDeployer(sim,
		WithChunkSize(512),
		WithTransitionHook(func(from, to State) { states = append(states, to) }),
		WithProgress(func(p Progress) { phases[p.Phase]++ }),
	)

	rep, err := d.Flash(context.Background(), writeHex(t, img))
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}

	if rep.BytesWritten != img.Size() {
		t.Errorf("BytesWritten = %d, want %d", rep.BytesWritten, img.Size())
	}
	if !rep.Verified || !rep.Reset {
		t.Errorf("Verified = %v, Reset = %v", rep.Verified, rep.Reset)
	}
	if rep.Target.Chip.Name != chipdb.STM32F103C8.Name {
		t.Errorf("target = %s", rep.Target)
	}

	for _, s := range img.Segments {
		if got := sim.Memory(s.Addr, len(s.Data)); !bytes.Equal(got, s.Data) {
			t.Errorf("flash at 0x%08X differs from image", s.Addr)
		}
	}
	// 3000 bytes in 512 byte chunks, plus the small segment.
	if sim.Programs() != 7 {
		t.Errorf("Programs = %d, want 7", sim.Programs())
	}
	if sim.Resets() != 1 {
		t.Errorf("Resets = %d, want 1", sim.Resets())
	}
	if sim.OpenHandles() != 0 {
		t.Errorf("OpenHandles = %d after Flash", sim.OpenHandles())
	}

	want := []State{Connecting, Connected, Writing, Verifying, Disconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states = %v, want %v", states, want)
			break
		}
	}
	if d.State() != Disconnected {
		t.Errorf("final state = %s", d.State())
	}
	if phases["erasing"] == 0 || phases["writing"] == 0 || phases["verifying"] == 0 {
		t.Errorf("progress phases = %v", phases)
	}
}

func TestDeployerReflashesOverOldImage(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	d := NewDeployer(sim)

	if _, err := d.FlashImage(context.Background(), testImage()); err != nil {
		t.Fatalf("first FlashImage: %v", err)
	}
	second := &hexfile.File{Segments: []hexfile.Segment{{Addr: 0x08000000, Data: []byte{9, 9, 9, 9}}}}
	if _, err := d.FlashImage(context.Background(), second); err != nil {
		t.Fatalf("second FlashImage: %v", err)
	}
	if got := sim.Memory(0x08000000, 4); !bytes.Equal(got, []byte{9, 9, 9, 9}) {
		t.Errorf("flash = %X", got)
	}
	// The rest of the erased page reads back as 0xFF.
	if got := sim.Memory(0x08000004, 1); got[0] != 0xFF {
		t.Errorf("flash[4] = %X, want FF", got)
	}
}

func TestDeployerDeviceNotFound(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*SimConnector)
	}{
		{"absent", func(s *SimConnector) { s.Absent = true }},
		{"unresponsive", func(s *SimConnector) { s.Unresponsive = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimConnector(chipdb.STM32F103C8)
			tt.setup(sim)
			d := NewDeployer(sim, WithHandshakeTimeout(50*time.Millisecond))

			start := time.Now()
			_, err := d.FlashImage(context.Background(), testImage())
			var dnf *DeviceNotFoundError
			if !errors.As(err, &dnf) {
				t.Fatalf("err = %v, want *DeviceNotFoundError", err)
			}
			if dnf.Interface != "simulator" {
				t.Errorf("Interface = %q", dnf.Interface)
			}
			if time.Since(start) > 5*time.Second {
				t.Error("handshake wait was not bounded")
			}
			if sim.OpenHandles() != 0 {
				t.Errorf("OpenHandles = %d, want 0", sim.OpenHandles())
			}
			if sim.Programs() != 0 {
				t.Error("no record may be written without a device")
			}
			if d.State() != Disconnected {
				t.Errorf("state = %s", d.State())
			}
		})
	}
}

func TestDeployerWriteFailureIsNotRetried(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	sim.FailWrite = true
	sim.FailWriteAt = 0x08000500

	d := NewDeployer(sim, WithChunkSize(1024))
	_, err := d.FlashImage(context.Background(), testImage())

	var fwe *FlashWriteError
	if !errors.As(err, &fwe) {
		t.Fatalf("err = %v, want *FlashWriteError", err)
	}
	if fwe.Verify {
		t.Error("Verify set for a write failure")
	}
	if fwe.Address != 0x08000400 {
		t.Errorf("Address = 0x%08X, want 0x08000400", fwe.Address)
	}
	if fwe.Written != 1024 {
		t.Errorf("Written = %d, want 1024", fwe.Written)
	}
	if !errors.Is(err, ErrSimWriteFault) {
		t.Errorf("cause = %v", fwe.Err)
	}
	if sim.Programs() != 2 {
		t.Errorf("Programs = %d, want exactly 2 (no retry)", sim.Programs())
	}
	if sim.Connects() != 1 || sim.OpenHandles() != 0 {
		t.Errorf("Connects = %d, OpenHandles = %d", sim.Connects(), sim.OpenHandles())
	}
	if sim.Resets() != 0 {
		t.Error("target reset after a failed write")
	}
}

func TestDeployerVerifyMismatch(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	sim.Corrupt = true
	sim.CorruptAt = 0x08000123

	_, err := NewDeployer(sim).FlashImage(context.Background(), testImage())
	var fwe *FlashWriteError
	if !errors.As(err, &fwe) {
		t.Fatalf("err = %v, want *FlashWriteError", err)
	}
	if !fwe.Verify || fwe.Address != 0x08000123 {
		t.Errorf("got Verify=%v Address=0x%08X", fwe.Verify, fwe.Address)
	}
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Errorf("cause = %v", fwe.Err)
	}
	if sim.OpenHandles() != 0 {
		t.Error("probe left open")
	}
}

func TestDeployerVerifyDisabled(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	sim.Corrupt = true
	sim.CorruptAt = 0x08000000

	rep, err := NewDeployer(sim, WithVerify(false), WithReset(false)).FlashImage(context.Background(), testImage())
	if err != nil {
		t.Fatalf("FlashImage: %v", err)
	}
	if rep.Verified || rep.Reset || sim.Resets() != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestDeployerImageTooLarge(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	img := &hexfile.File{Segments: []hexfile.Segment{{Addr: 0x0800FFFE, Data: []byte{1, 2, 3, 4}}}}

	_, err := NewDeployer(sim).FlashImage(context.Background(), img)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("err = %v, want ErrImageTooLarge", err)
	}
	if sim.Programs() != 0 {
		t.Error("wrote part of an image that does not fit")
	}
}

func TestDeployerRejectsConcurrentFlash(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	var d *Deployer
	var nested error
	d = NewDeployer(sim, WithTransitionHook(func(from, to State) {
		if to == Writing {
			_, nested = d.FlashImage(context.Background(), testImage())
		}
	}))

	if _, err := d.FlashImage(context.Background(), testImage()); err != nil {
		t.Fatalf("FlashImage: %v", err)
	}
	if !errors.Is(nested, ErrInvalidTransition) {
		t.Errorf("nested Flash err = %v, want ErrInvalidTransition", nested)
	}
	if sim.Connects() != 1 {
		t.Errorf("Connects = %d, want 1", sim.Connects())
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connected, Writing},
		{Writing, Verifying},
		{Writing, Disconnected},
		{Verifying, Disconnected},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]State{
		{Disconnected, Writing},
		{Disconnected, Disconnected},
		{Connecting, Writing},
		{Connected, Verifying},
		{Verifying, Writing},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestEraseRanges(t *testing.T) {
	segs := []hexfile.Segment{
		{Addr: 0x08000000, Data: make([]byte, 0x7A2)},
		{Addr: 0x080007A4, Data: make([]byte, 6)},
		{Addr: 0x08002010, Data: make([]byte, 0x10)},
	}
	got := eraseRanges(segs, 1024)
	want := []addrRange{
		{addr: 0x08000000, size: 0x800},
		{addr: 0x08002000, size: 0x400},
	}
	if len(got) != len(want) {
		t.Fatalf("eraseRanges = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDeployerResetFailureKeepsReport(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	sim.FailReset = true

	img := testImage()
	rep, err := NewDeployer(sim).FlashImage(context.Background(), img)
	if err == nil {
		t.Fatal("expected reset error")
	}
	var fwe *FlashWriteError
	if errors.As(err, &fwe) {
		t.Errorf("err = %v, reset failure is not a write failure", err)
	}
	if rep == nil {
		t.Fatal("report missing")
	}
	if !rep.Verified || rep.Reset || rep.BytesWritten != img.Size() {
		t.Errorf("report = %+v", rep)
	}
	if rep.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", rep.Duration)
	}
	if sim.OpenHandles() != 0 {
		t.Errorf("OpenHandles = %d, want 0", sim.OpenHandles())
	}
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name string
		addr uint32
		n    int
		size int
		want [][2]int
	}{
		{"aligned", 0x08000000, 2500, 1024, [][2]int{{0, 1024}, {1024, 2048}, {2048, 2500}}},
		{"odd start", 0x08000001, 2000, 1024, [][2]int{{0, 1023}, {1023, 2000}}},
		{"mid chunk", 0x08000C00, 6, 1024, [][2]int{{0, 6}}},
		{"odd size rounds down", 0x08000000, 5, 3, [][2]int{{0, 2}, {2, 4}, {4, 5}}},
		{"empty", 0x08000000, 0, 1024, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitChunks(tt.addr, tt.n, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("splitChunks = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %v, want %v", i, got[i], tt.want[i])
				}
				if i > 0 && (tt.addr+uint32(got[i][0]))%2 != 0 {
					t.Errorf("chunk %d starts at odd address 0x%08X", i, tt.addr+uint32(got[i][0]))
				}
			}
		})
	}
}

// halfwordProbe counts how often each halfword is covered by a Program
// call, as FPEC rejects programming one twice.
type halfwordProbe struct {
	Probe
	programmed map[uint32]int
}

func (p *halfwordProbe) Program(ctx context.Context, addr uint32, data []byte) error {
	for a := addr &^ 1; a < addr+uint32(len(data)); a += 2 {
		p.programmed[a]++
	}
	return p.Probe.Program(ctx, addr, data)
}

type halfwordConnector struct {
	*SimConnector
	probe *halfwordProbe
}

func (c *halfwordConnector) Connect(ctx context.Context) (Probe, error) {
	p, err := c.SimConnector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	c.probe = &halfwordProbe{Probe: p, programmed: map[uint32]int{}}
	return c.probe, nil
}

func TestDeployerOddStartProgramsEachHalfwordOnce(t *testing.T) {
	sim := NewSimConnector(chipdb.STM32F103C8)
	conn := &halfwordConnector{SimConnector: sim}

	data := make([]byte, 2000)
	for i := range data {
		data[i] = byte(i*7 + 1)
	}
	img := &hexfile.File{Segments: []hexfile.Segment{{Addr: 0x08000001, Data: data}}}

	if _, err := NewDeployer(conn).FlashImage(context.Background(), img); err != nil {
		t.Fatalf("FlashImage: %v", err)
	}
	for a, n := range conn.probe.programmed {
		if n != 1 {
			t.Errorf("halfword 0x%08X programmed %d times, want 1", a, n)
		}
	}
	if got := sim.Memory(0x08000001, len(data)); !bytes.Equal(got, data) {
		t.Error("flash contents differ from image")
	}
}
