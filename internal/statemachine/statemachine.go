// Package statemachine tracks the lifecycle of a training session.
package statemachine

import "fmt"

type State int

const (
	Idle State = iota
	Connecting
	Ready
	Running
	Paused
	Finished
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type EventKind int

const (
	DeviceConnected EventKind = iota
	DeviceReady
	Start
	Pause
	Resume
	StepsExhausted
	DeviceDisconnected
	Reconnected
	FatalError
	Stop
)

func (k EventKind) String() string {
	switch k {
	case DeviceConnected:
		return "deviceConnected"
	case DeviceReady:
		return "deviceReady"
	case Start:
		return "start"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case StepsExhausted:
		return "stepsExhausted"
	case DeviceDisconnected:
		return "deviceDisconnected"
	case Reconnected:
		return "reconnected"
	case FatalError:
		return "fatalError"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is fed to Machine.Fire. Reason is only read for FatalError.
type Event struct {
	Kind   EventKind
	Reason string
}

// Machine is not safe for concurrent use; the engine owns it.
type Machine struct {
	state      State
	reason     string
	wasRunning bool
}

func New() *Machine {
	return &Machine{state: Idle}
}

func (m *Machine) State() State {
	return m.state
}

// Reason explains the Error state and is empty otherwise.
func (m *Machine) Reason() string {
	return m.reason
}

// WasRunning reports whether the session was running when the trainer dropped.
func (m *Machine) WasRunning() bool {
	return m.wasRunning
}

// Fire applies ev and reports whether the state changed. Events that do not
// apply to the current state are ignored.
func (m *Machine) Fire(ev Event) bool {
	next, ok := m.transition(ev)
	if !ok {
		return false
	}
	prev := m.state
	m.state = next
	if next != Error {
		m.reason = ""
	}
	return prev != next
}

func (m *Machine) transition(ev Event) (State, bool) {
	if ev.Kind == FatalError && m.state.active() {
		m.reason = ev.Reason
		m.wasRunning = false
		return Error, true
	}

	switch m.state {
	case Idle:
		if ev.Kind == DeviceConnected {
			return Connecting, true
		}
	case Connecting:
		if ev.Kind == DeviceReady {
			return Ready, true
		}
	case Ready:
		if ev.Kind == Start {
			return Running, true
		}
	case Running:
		switch ev.Kind {
		case Pause:
			m.wasRunning = false
			return Paused, true
		case StepsExhausted:
			return Finished, true
		case DeviceDisconnected:
			m.wasRunning = true
			return Paused, true
		}
	case Paused:
		switch ev.Kind {
		case Resume:
			m.wasRunning = false
			return Running, true
		case Reconnected:
			if m.wasRunning {
				m.wasRunning = false
				return Running, true
			}
		}
	case Error:
		switch ev.Kind {
		case Reconnected:
			return Ready, true
		case Stop:
			return Idle, true
		}
	case Finished:
		if ev.Kind == Stop {
			return Idle, true
		}
	}
	return m.state, false
}

// active states are the ones a fatal error can interrupt.
func (s State) active() bool {
	switch s {
	case Connecting, Ready, Running, Paused:
		return true
	}
	return false
}

// Reset returns the machine to Idle from any state. The engine uses it when
// the rider stops a ride that is still running or paused.
func (m *Machine) Reset() {
	m.state = Idle
	m.reason = ""
	m.wasRunning = false
}
