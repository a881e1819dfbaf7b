package stlink

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
)

// DefaultTimeout bounds a USB transfer when the caller's context has no
// deadline.
const DefaultTimeout = 5 * time.Second

// usbTransport is a claimed ST-Link debug interface.
type usbTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

// openUSB opens dev, which must belong to uctx, and claims its debug
// interface. Both are closed when claiming fails.
func openUSB(uctx *gousb.Context, dev *gousb.Device) (*usbTransport, error) {
	t := &usbTransport{ctx: uctx, dev: dev}
	if err := dev.SetAutoDetach(true); err != nil {
		glog.V(1).Infof("stlink: auto detach: %v", err)
	}
	if err := t.claim(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *usbTransport) claim() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	t.cfg = cfg

	// The debug interface is the vendor class one; V2-1 and V3 also expose
	// mass storage and a virtual COM port.
	num := 0
	for _, d := range cfg.Desc.Interfaces {
		if len(d.AltSettings) > 0 && d.AltSettings[0].Class == gousb.ClassVendorSpec {
			num = d.Number
			break
		}
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", num, err)
	}
	t.intf = intf
	return t.findEndpoints()
}

// findEndpoints picks the lowest numbered bulk pair; the second IN
// endpoint on V2 and later carries SWO trace data.
func (t *usbTransport) findEndpoints() error {
	out, in := -1, -1
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if out < 0 || ep.Number < out {
				out = ep.Number
			}
		case gousb.EndpointDirectionIn:
			if in < 0 || ep.Number < in {
				in = ep.Number
			}
		}
	}
	if out < 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if in < 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(out)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	epIn, err := t.intf.InEndpoint(in)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epOut, t.epIn = epOut, epIn
	return nil
}

func (t *usbTransport) Exchange(ctx context.Context, cmd, out []byte, inLen int) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	block := make([]byte, cmdSize)
	copy(block, cmd)
	if _, err := t.epOut.WriteContext(ctx, block); err != nil {
		return nil, fmt.Errorf("USB write failed: %w", err)
	}
	if len(out) > 0 {
		if _, err := t.epOut.WriteContext(ctx, out); err != nil {
			return nil, fmt.Errorf("USB write failed: %w", err)
		}
	}
	if inLen == 0 {
		return nil, nil
	}

	reply := make([]byte, inLen)
	for got := 0; got < inLen; {
		n, err := t.epIn.ReadContext(ctx, reply[got:])
		if err != nil {
			return nil, fmt.Errorf("USB read failed: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("USB read failed: short reply (%d of %d bytes)", got, inLen)
		}
		got += n
	}
	return reply, nil
}

// Close releases the interface, config, device and context.
func (t *usbTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	var err error
	if t.cfg != nil {
		err = t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		if cerr := t.dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return err
}
