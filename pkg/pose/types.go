package pose

import (
	"fmt"
	"time"

	"github.com/westphae/quaternion"
)

// StreamID names one of the fixed tracked entities.
type StreamID uint8

const (
	HMD StreamID = iota
	Controller0
	Controller1
)

// Streams lists every stream in wire order.
var Streams = [...]StreamID{HMD, Controller0, Controller1}

var streamTokens = [...]string{
	HMD:         "hmd",
	Controller0: "controller0",
	Controller1: "controller1",
}

// Token is the lower-case name used in OSC addresses and config keys.
func (s StreamID) Token() string {
	if int(s) < len(streamTokens) {
		return streamTokens[s]
	}
	return fmt.Sprintf("stream%d", uint8(s))
}

func (s StreamID) String() string {
	switch s {
	case HMD:
		return "HMD"
	case Controller0:
		return "CONTROLLER0"
	case Controller1:
		return "CONTROLLER1"
	default:
		return fmt.Sprintf("STREAM%d", uint8(s))
	}
}

// IsController reports whether samples of this stream carry button state.
func (s StreamID) IsController() bool {
	return s == Controller0 || s == Controller1
}

func (s StreamID) Valid() bool {
	return int(s) < len(streamTokens)
}

// ParseStream resolves a token such as "controller0".
func ParseStream(token string) (StreamID, bool) {
	for i, t := range streamTokens {
		if t == token {
			return StreamID(i), true
		}
	}
	return 0, false
}

// Sample is one observation of a tracked entity. Position is in meters,
// reference-space frame, +Y up.
type Sample struct {
	Stream      StreamID
	Position    [3]float64
	Orientation quaternion.Quaternion
	Pressed     bool
	// Absent marks a stream without live pose data. Position and
	// Orientation then hold the zero vector and identity.
	Absent bool
	// CapturedAt is sampler-local and never transmitted.
	CapturedAt time.Time
}

// Identity is the unit quaternion with no rotation.
var Identity = quaternion.Quaternion{W: 1}

// AbsentSample returns the explicit "not tracked" sample for stream.
func AbsentSample(stream StreamID, at time.Time) Sample {
	return Sample{
		Stream:      stream,
		Orientation: Identity,
		Absent:      true,
		CapturedAt:  at,
	}
}

// Euler returns the sample orientation as yaw/pitch/roll degrees.
func (s Sample) Euler() Euler {
	return ToEuler(s.Orientation)
}
