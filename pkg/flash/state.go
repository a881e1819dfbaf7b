package flash

import (
	"errors"
	"fmt"
	"sync"
)

// State is the connection state of a deployer.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Writing
	Verifying
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Writing:
		return "writing"
	case Verifying:
		return "verifying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for a state change the deployer does not
// allow, for example starting a second flash while one is in progress.
var ErrInvalidTransition = errors.New("flash: invalid state transition")

// CanTransition reports whether from -> to is a legal step. Every state
// other than Disconnected may fall back to Disconnected.
func CanTransition(from, to State) bool {
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected || to == Disconnected
	case Connected:
		return to == Writing || to == Disconnected
	case Writing:
		return to == Verifying || to == Disconnected
	case Verifying:
		return to == Disconnected
	default:
		return false
	}
}

// machine guards the deployer state. hook, if set, observes every change.
type machine struct {
	mu    sync.Mutex
	state State
	hook  func(from, to State)
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(from, to)
	}
	return nil
}
