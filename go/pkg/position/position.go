// Package position turns desired direction signals into signed order sizes.
package position

import "fmt"

// Side is the sign of the net exposure.
type Side int8

const (
	Short Side = -1
	Flat  Side = 0
	Long  Side = 1
)

func (s Side) Valid() bool { return s >= Short && s <= Long }

func (s Side) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	case Flat:
		return "NEUTRAL"
	default:
		return fmt.Sprintf("Side(%d)", int8(s))
	}
}

// Delta is the signed order size moving current to desired in a single order.
// A flip is one order of twice the base size.
func Delta(current, desired Side, base int64) int64 {
	return int64(desired-current) * base
}

// Manager is the FLAT/LONG/SHORT state machine of one session.
// Not safe for concurrent use.
type Manager struct {
	side Side
	base int64
}

func NewManager(base int64) *Manager {
	return &Manager{base: base}
}

func (m *Manager) Side() Side { return m.side }

func (m *Manager) Base() int64 { return m.base }

// Apply returns the units needed to reach desired without moving the state;
// Commit moves it once the venue confirms the fill.
func (m *Manager) Apply(desired Side) (int64, error) {
	if !desired.Valid() {
		return 0, fmt.Errorf("invalid position signal %d", desired)
	}
	return Delta(m.side, desired, m.base), nil
}

func (m *Manager) Commit(desired Side) {
	if desired.Valid() {
		m.side = desired
	}
}

// Flatten returns the units cancelling the current exposure.
func (m *Manager) Flatten() int64 {
	return Delta(m.side, Flat, m.base)
}
