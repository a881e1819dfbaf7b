package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProbe is returned by connectors when no programmer is attached.
	ErrNoProbe = errors.New("no programming probe found")
	// ErrVerifyMismatch is the cause of a failed read-back comparison.
	ErrVerifyMismatch = errors.New("read-back does not match image")
	// ErrImageTooLarge is returned when the image does not fit the target flash.
	ErrImageTooLarge = errors.New("image outside target flash")
)

// DeviceNotFoundError indicates that no responsive target answered the
// identification handshake.
type DeviceNotFoundError struct {
	Interface string
	Err       error
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found on %s: %v", e.Interface, e.Err)
}

func (e *DeviceNotFoundError) Unwrap() error { return e.Err }

// FlashWriteError indicates that programming or read-back failed. The
// device may hold a partially written image; nothing is retried.
type FlashWriteError struct {
	Address uint32
	Written int // bytes programmed before the failure
	Verify  bool
	Err     error
}

func (e *FlashWriteError) Error() string {
	op := "write"
	if e.Verify {
		op = "verify"
	}
	return fmt.Sprintf("flash %s failed at 0x%08X after %d bytes: %v", op, e.Address, e.Written, e.Err)
}

func (e *FlashWriteError) Unwrap() error { return e.Err }
