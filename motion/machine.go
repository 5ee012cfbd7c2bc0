package motion

import "time"

// State is the motion state of the camera.
type State int

const (
	// Idle means no recent motion; the recording flag is clear.
	Idle State = iota
	// Active means motion was seen within the grace period; the recording flag is set.
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Transition is the outcome of feeding one score to a Machine.
type Transition int

const (
	// NoChange keeps the current state.
	NoChange Transition = iota
	// Started moved the machine from Idle to Active.
	Started
	// Stopped moved the machine from Active to Idle.
	Stopped
)

// Machine is the Idle/Active state machine driving the recording flag.
type Machine struct {
	threshold    int
	grace        time.Duration
	state        State
	lastMotionAt time.Time
}

// NewMachine returns an Idle machine. A score strictly above threshold is
// motion; Active ends once more than grace has passed since the last motion.
func NewMachine(threshold int, grace time.Duration) *Machine {
	return &Machine{threshold: threshold, grace: grace}
}

// Observe feeds the score of one successful tick.
func (m *Machine) Observe(now time.Time, score int) Transition {
	motion := score > m.threshold

	switch m.state {
	case Idle:
		if motion {
			m.state = Active
			m.lastMotionAt = now
			return Started
		}
	case Active:
		if motion {
			m.lastMotionAt = now
			return NoChange
		}
		if now.Sub(m.lastMotionAt) > m.grace {
			m.state = Idle
			m.lastMotionAt = time.Time{}
			return Stopped
		}
	}
	return NoChange
}

// Skip records a tick that produced no score. Nothing is evaluated: a
// failed read neither refreshes nor expires lastMotionAt.
func (m *Machine) Skip(time.Time) Transition { return NoChange }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// LastMotionAt returns the time of the last qualifying tick; zero while Idle.
func (m *Machine) LastMotionAt() time.Time { return m.lastMotionAt }
