package device

import "fmt"

// State is the lifecycle of one outbound channel. A channel that failed
// sits in StateClosed with a recorded error until its retry fires.
type State uint8

const (
	StateClosed State = iota
	StateOpening
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Event uint8

const (
	EventOpen Event = iota
	EventReady
	EventError
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventOpen:
		return "open"
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Effect is the side effect a transition asks the channel to perform.
type Effect uint8

const (
	EffectDial Effect = 1 << iota
	EffectRelease
	EffectRetry

	EffectNone Effect = 0
)

func (e Effect) Has(f Effect) bool { return e&f != 0 }

// Next is the channel transition table. Events that do not apply to the
// current state leave it unchanged with no effect.
func Next(s State, e Event) (State, Effect) {
	switch {
	case s == StateClosed && e == EventOpen:
		return StateOpening, EffectDial
	case s == StateOpening && e == EventReady:
		return StateReady, EffectNone
	case (s == StateOpening || s == StateReady) && e == EventError:
		return StateClosed, EffectRelease | EffectRetry
	case (s == StateOpening || s == StateReady) && e == EventClose:
		return StateClosed, EffectRelease
	default:
		return s, EffectNone
	}
}
