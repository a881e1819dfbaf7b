package cmd

import (
	"errors"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/pipeline"
)

// Process exit codes, one per error class.
const (
	ExitOK             = 0
	ExitFailure        = 1 // usage, configuration and anything unclassified
	ExitBuild          = 2
	ExitConversion     = 3
	ExitDeviceNotFound = 4
	ExitFlashWrite     = 5
)

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	var (
		be  *pipeline.BuildError
		ce  *pipeline.ConversionError
		dnf *flash.DeviceNotFoundError
		fwe *flash.FlashWriteError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &be):
		return ExitBuild
	case errors.As(err, &ce):
		return ExitConversion
	case errors.As(err, &dnf):
		return ExitDeviceNotFound
	case errors.As(err, &fwe):
		return ExitFlashWrite
	default:
		return ExitFailure
	}
}
