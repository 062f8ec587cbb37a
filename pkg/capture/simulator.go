// Package capture provides a simulated headset and controllers for
// running the client without tracking hardware.
package capture

import (
	"context"
	"math"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/clock"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/sampler"
)

const (
	yawAmplitudeDeg   = 40.0
	pitchAmplitudeDeg = 25.0
	rollAmplitudeDeg  = 35.0

	yawFreqHz   = 0.17
	pitchFreqHz = 0.31
	rollFreqHz  = 0.23

	yawPhaseRad   = 2.0 * math.Pi / 3.0
	pitchPhaseRad = math.Pi / 3.0
	rollPhaseRad  = 0.0

	headHeight   = 1.6
	swayMeters   = 0.1
	bobMeters    = 0.02
	handSpacing  = 0.25
	handHeight   = 1.1
	handReach    = -0.3
	buttonFreqHz = 0.5
)

// DefaultFrameRate is the simulated immersive display rate.
const DefaultFrameRate = 90

// Simulator generates smooth head and hand motion. Controller 1 drops
// out for DropFor every DropEvery to exercise the absent path.
type Simulator struct {
	clock     clock.Clock
	start     time.Time
	dropEvery time.Duration
	dropFor   time.Duration
}

type Option func(*Simulator)

func WithClock(c clock.Clock) Option {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDropout sets the controller 1 dropout cycle. A zero every
// disables dropouts.
func WithDropout(every, length time.Duration) Option {
	return func(s *Simulator) {
		s.dropEvery = every
		s.dropFor = length
	}
}

func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		clock:     clock.Real(),
		dropEvery: 6 * time.Second,
		dropFor:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.start = s.clock.Now()
	return s
}

// Latest implements sampler.IdleSource.
func (s *Simulator) Latest() sampler.Snapshot {
	return s.At(s.clock.Now())
}

// At returns the simulated state at now.
func (s *Simulator) At(now time.Time) sampler.Snapshot {
	elapsed := now.Sub(s.start)
	t := elapsed.Seconds()

	head := sampler.Transform{
		Position: [3]float64{
			swayMeters * math.Sin(2*math.Pi*yawFreqHz*t),
			headHeight + bobMeters*math.Sin(2*math.Pi*pitchFreqHz*t),
			swayMeters * math.Cos(2*math.Pi*yawFreqHz*t),
		},
		Orientation: pose.FromEuler(headAngles(t)),
	}

	snap := sampler.Snapshot{Time: now, Head: &head}
	for i := range snap.Controllers {
		side := -1.0
		if i == 1 {
			side = 1
		}
		if i == 1 && s.droppedOut(elapsed) {
			continue
		}
		angles := headAngles(t + float64(i+1))
		snap.Controllers[i] = sampler.Controller{
			Grip: &sampler.Transform{
				Position: [3]float64{
					side*handSpacing + 0.05*math.Sin(2*math.Pi*rollFreqHz*t),
					handHeight + 0.05*math.Cos(2*math.Pi*pitchFreqHz*t),
					handReach,
				},
				Orientation: pose.FromEuler(angles),
			},
			Buttons: buttons(t, i),
		}
	}
	return snap
}

func (s *Simulator) droppedOut(elapsed time.Duration) bool {
	if s.dropEvery <= 0 || s.dropFor <= 0 {
		return false
	}
	return elapsed%s.dropEvery >= s.dropEvery-s.dropFor
}

// RunFrames delivers one frame every 1/hz to onFrame until ctx is done,
// standing in for the immersive session's frame loop.
func (s *Simulator) RunFrames(ctx context.Context, hz int, onFrame func(context.Context, sampler.Snapshot) error) error {
	if hz <= 0 {
		hz = DefaultFrameRate
	}
	ticker := s.clock.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := onFrame(ctx, s.At(now)); err != nil {
				return err
			}
		}
	}
}

func headAngles(t float64) pose.Euler {
	return pose.Euler{
		Yaw:   yawAmplitudeDeg * math.Sin(2*math.Pi*yawFreqHz*t+yawPhaseRad),
		Pitch: pitchAmplitudeDeg * math.Sin(2*math.Pi*pitchFreqHz*t+pitchPhaseRad),
		Roll:  rollAmplitudeDeg * math.Sin(2*math.Pi*rollFreqHz*t+rollPhaseRad),
	}
}

// buttons pulses the trigger, offset between hands.
func buttons(t float64, hand int) []bool {
	phase := float64(hand) * math.Pi
	out := make([]bool, 7)
	out[0] = math.Sin(2*math.Pi*buttonFreqHz*t+phase) > 0.6
	return out
}
