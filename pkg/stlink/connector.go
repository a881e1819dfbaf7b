package stlink

import (
	"context"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
)

// Connector opens an ST-Link for the flash deployer.
type Connector struct {
	// Serial selects one probe when several are attached.
	Serial string

	open func(ctx context.Context, serial string) (*Probe, error)
}

var _ flash.Connector = (*Connector)(nil)

// NewConnector returns a connector for the probe with the given serial,
// or the first one found when serial is empty.
func NewConnector(serial string) *Connector {
	return &Connector{Serial: serial, open: openProbe}
}

func (c *Connector) Name() string {
	if c.Serial != "" {
		return "st-link " + c.Serial
	}
	return "st-link"
}

func (c *Connector) Connect(ctx context.Context) (flash.Probe, error) {
	open := c.open
	if open == nil {
		open = openProbe
	}
	p, err := open(ctx, c.Serial)
	if err != nil {
		return nil, err
	}
	return p, nil
}
