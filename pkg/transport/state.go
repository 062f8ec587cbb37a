package transport

import "fmt"

// State is the client-side connection lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	// StateWaiting means a reconnect is scheduled after the fixed delay.
	StateWaiting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Input drives the client state machine.
type Input uint8

const (
	InputConnect Input = iota
	InputOpened
	InputClosed
	InputFailed
	InputStop
)

// Next is the client transition table. A close or failure from any live
// state leads to StateWaiting, which schedules exactly one reconnect.
func Next(s State, in Input) State {
	if s == StateStopped {
		return s
	}
	switch in {
	case InputStop:
		return StateStopped
	case InputConnect:
		if s == StateIdle || s == StateWaiting {
			return StateConnecting
		}
	case InputOpened:
		if s == StateConnecting {
			return StateOpen
		}
	case InputClosed, InputFailed:
		if s == StateConnecting || s == StateOpen {
			return StateWaiting
		}
	}
	return s
}

// EventKind names a lifecycle event reported to the client's handler.
type EventKind uint8

const (
	EventOpened EventKind = iota
	EventClosed
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}
