package stlink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
)

// VendorIDST is STMicroelectronics' USB vendor ID.
const VendorIDST = 0x0483

// ProbeInfo describes an ST-Link found on the bus.
type ProbeInfo struct {
	Model       string
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Bus         int
	Address     int
	Supported   bool
}

// Label returns a user-friendly description for the probe.
func (i ProbeInfo) Label() string {
	if i.Description != "" {
		return i.Description
	}
	if i.Model != "" {
		return fmt.Sprintf("%s (%04X:%04X)", i.Model, i.VendorID, i.ProductID)
	}
	return fmt.Sprintf("Probe %04X:%04X", i.VendorID, i.ProductID)
}

type knownProbe struct {
	ProductID   uint16
	Model       string
	Description string
}

var knownProbes = []knownProbe{
	{0x3744, "V1", "ST-Link/V1"},
	{0x3748, "V2", "ST-Link/V2"},
	{0x374B, "V2-1", "ST-Link/V2-1"},
	{0x3752, "V2-1", "ST-Link/V2-1 (no mass storage)"},
	{0x374A, "V2-1", "ST-Link/V2-1 (audio)"},
	{0x374D, "V3", "STLINK-V3 loader"},
	{0x374E, "V3", "STLINK-V3E"},
	{0x374F, "V3", "STLINK-V3"},
	{0x3753, "V3", "STLINK-V3 (dual VCP)"},
	{0x3754, "V3", "STLINK-V3 (no mass storage)"},
}

func classify(desc *gousb.DeviceDesc) (ProbeInfo, bool) {
	if uint16(desc.Vendor) != VendorIDST {
		return ProbeInfo{}, false
	}
	for _, k := range knownProbes {
		if uint16(desc.Product) == k.ProductID {
			return ProbeInfo{
				Model:       k.Model,
				Description: k.Description,
				VendorID:    VendorIDST,
				ProductID:   k.ProductID,
				Bus:         desc.Bus,
				Address:     desc.Address,
				Supported:   k.Model != "V1" && k.ProductID != 0x374D,
			}, true
		}
	}
	return ProbeInfo{}, false
}

// formatSerial renders a serial string descriptor. Older V2 firmware
// reports the raw 12 byte chip UID, which is shown as hex.
func formatSerial(s string) string {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return strings.ToUpper(fmt.Sprintf("%x", []byte(s)))
		}
	}
	return s
}

// openMatching opens every known ST-Link. A permission error on some
// unrelated device does not fail the scan.
func openMatching(uctx *gousb.Context) ([]*gousb.Device, error) {
	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := classify(desc)
		return ok
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		for _, d := range devs {
			d.Close()
		}
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if err != nil {
		glog.V(1).Infof("stlink: enumerate: %v", err)
	}
	return devs, nil
}

func describe(dev *gousb.Device) ProbeInfo {
	info, _ := classify(dev.Desc)
	if s, err := dev.SerialNumber(); err == nil {
		info.Serial = formatSerial(s)
	}
	return info
}

// Discover lists the ST-Link probes connected to the host.
func Discover(ctx context.Context) ([]ProbeInfo, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()

	devs, err := openMatching(uctx)
	if err != nil {
		return nil, err
	}
	var out []ProbeInfo
	for _, dev := range devs {
		if ctx.Err() == nil {
			out = append(out, describe(dev))
		}
		dev.Close()
	}
	return out, ctx.Err()
}

// openProbe opens the probe with the given serial, or the first supported
// probe when serial is empty.
func openProbe(ctx context.Context, serial string) (*Probe, error) {
	uctx := gousb.NewContext()
	devs, err := openMatching(uctx)
	if err != nil {
		uctx.Close()
		return nil, err
	}

	var (
		chosen *gousb.Device
		info   ProbeInfo
		seen   []string
	)
	for _, dev := range devs {
		d := describe(dev)
		switch {
		case chosen != nil || ctx.Err() != nil:
		case !d.Supported:
			seen = append(seen, d.Label())
		case serial == "" || strings.EqualFold(d.Serial, serial):
			chosen, info = dev, d
			continue
		default:
			seen = append(seen, d.Serial)
		}
		dev.Close()
	}

	if chosen == nil {
		uctx.Close()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if serial != "" {
			return nil, fmt.Errorf("%w: serial %s (found %s)", flash.ErrNoProbe, serial, strings.Join(seen, ", "))
		}
		if len(seen) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProbe, strings.Join(seen, ", "))
		}
		return nil, flash.ErrNoProbe
	}

	t, err := openUSB(uctx, chosen)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.Label(), err)
	}
	glog.V(1).Infof("stlink: opened %s serial %s on bus %d addr %d", info.Label(), info.Serial, info.Bus, info.Address)
	return NewProbe(t, info), nil
}
