package pipeline

import (
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/toolchain"
)

// ErrNoFlasher is returned by BuildAndFlash on a pipeline built without a
// flasher.
var ErrNoFlasher = errors.New("pipeline: no flasher configured")

// BuildError reports a failed compile. Diagnostic holds the compiler's
// error output unmodified.
type BuildError struct {
	Diagnostic string
	Err        error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed: %v", e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ConversionError reports that no valid hex image could be produced from
// the executable.
type ConversionError struct {
	Input  string
	Output string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion of %s failed: %v", e.Input, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func diagnostic(err error) string {
	var ee *toolchain.ExitError
	if errors.As(err, &ee) {
		return ee.Stderr
	}
	return err.Error()
}
