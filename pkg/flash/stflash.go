package flash

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/hexfile"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/toolchain"
)

// stFlashNotFound lists st-flash messages meaning no usable probe or
// target was found.
var stFlashNotFound = []string{
	"Couldn't find any ST-Link",
	"Found 0 stlink programmers",
	"Failed to connect",
	"unknown chip id",
	"Failed to enter SWD mode",
	"Target voltage may be too low",
}

// STFlash deploys through the st-flash tool from the stlink project.
// st-flash erases, writes and verifies on its own.
type STFlash struct {
	Tool   string // "st-flash" when empty
	Runner toolchain.Runner
	Serial string
	Reset  bool
}

// Args returns the st-flash command line for imagePath.
func (s *STFlash) Args(imagePath string) []string {
	var args []string
	if s.Reset {
		args = append(args, "--reset")
	}
	if s.Serial != "" {
		args = append(args, "--serial", s.Serial)
	}
	return append(args, "--format", hexfile.FormatIHex, "write", imagePath)
}

// Flash runs st-flash and classifies its failure output.
func (s *STFlash) Flash(ctx context.Context, imagePath string) (*Report, error) {
	img, err := hexfile.DecodeFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}

	tool := s.Tool
	if tool == "" {
		tool = "st-flash"
	}
	runner := s.Runner
	if runner == nil {
		runner = toolchain.ExecRunner{}
	}

	start := time.Now()
	out, err := runner.Run(ctx, toolchain.Command{Name: tool, Args: s.Args(imagePath)})
	if err != nil {
		return nil, classifySTFlash(tool, out, err)
	}

	text := out.Combined()
	glog.V(1).Infof("%s output:\n%s", tool, text)
	return &Report{
		Target:       &Target{Probe: tool, Serial: s.Serial},
		Segments:     len(img.Segments),
		BytesWritten: img.Size(),
		Verified:     strings.Contains(text, "verified"),
		Reset:        s.Reset,
		Duration:     time.Since(start),
	}, nil
}

func classifySTFlash(tool string, out *toolchain.Output, err error) error {
	var nf *toolchain.NotFoundError
	if errors.As(err, &nf) {
		return &DeviceNotFoundError{Interface: tool, Err: err}
	}
	text := out.Combined()
	for _, msg := range stFlashNotFound {
		if strings.Contains(text, msg) {
			return &DeviceNotFoundError{Interface: tool, Err: fmt.Errorf("%s: %w", msg, err)}
		}
	}
	return &FlashWriteError{Address: failedAddress(text), Err: err}
}

// failedAddress picks the address out of messages such as
// "Flash write failed at 0x08000400"; 0 if there is none.
func failedAddress(text string) uint32 {
	i := strings.Index(text, "0x")
	for i >= 0 {
		var addr uint32
		if _, err := fmt.Sscanf(text[i:], "0x%x", &addr); err == nil && addr >= 0x08000000 {
			return addr
		}
		next := strings.Index(text[i+2:], "0x")
		if next < 0 {
			break
		}
		i += 2 + next
	}
	return 0
}
