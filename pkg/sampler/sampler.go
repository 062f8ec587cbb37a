// Package sampler turns the capture source into pose samples, one
// batch per tick, from either the immersive frame loop or a fixed clock.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/westphae/quaternion"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/clock"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
)

// DefaultRate is the clock-driven cadence used outside immersive sessions.
const DefaultRate = 60

// PressButtons is how many leading digital inputs count toward Pressed.
const PressButtons = 6

var ErrStopped = errors.New("sampler: stopped")

// Transform is a tracked pose in world space.
type Transform struct {
	Position    [3]float64
	Orientation quaternion.Quaternion
}

type Controller struct {
	// Grip is nil while the controller is not tracked.
	Grip    *Transform
	Buttons []bool
}

// Snapshot is the capture source's view of all streams at one instant.
// Time is the source's own timestamp and is not used for sampling.
type Snapshot struct {
	Time        time.Time
	Head        *Transform
	Controllers [2]Controller
}

// IdleSource exposes the last known transforms while no immersive
// session is running.
type IdleSource interface {
	Latest() Snapshot
}

// Sink receives each tick's samples on the sampler goroutine.
type Sink func([]pose.Sample)

type Sampler struct {
	source   IdleSource
	sink     Sink
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	frames  chan Snapshot
	control chan sessionRequest
	done    chan struct{}
}

type sessionRequest struct {
	immersive bool
	ack       chan struct{}
}

type Option func(*Sampler)

// WithRate sets the clock-driven rate in Hz.
func WithRate(hz int) Option {
	return func(s *Sampler) {
		if hz > 0 {
			s.interval = time.Second / time.Duration(hz)
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Sampler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(source IdleSource, sink Sink, opts ...Option) *Sampler {
	s := &Sampler{
		source:   source,
		sink:     sink,
		interval: time.Second / DefaultRate,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		frames:   make(chan Snapshot),
		control:  make(chan sessionRequest),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Run owns both sampling regimes until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	immersive := false

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.control:
			switch {
			case req.immersive && !immersive:
				ticker.Stop()
				immersive = true
				s.logger.Info("immersive session started")
			case !req.immersive && immersive:
				drain(ticker.C)
				ticker.Reset(s.interval)
				immersive = false
				s.logger.Info("immersive session ended")
			}
			close(req.ack)
		case snap := <-s.frames:
			if !immersive {
				continue
			}
			s.emit(snap)
		case <-ticker.C:
			if immersive || s.source == nil {
				continue
			}
			s.emit(s.source.Latest())
		}
	}
}

// OnFrame hands one immersive frame to the sampler. Frames outside a
// session are ignored.
func (s *Sampler) OnFrame(ctx context.Context, snap Snapshot) error {
	select {
	case s.frames <- snap:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginSession suspends the clock-driven regime. It returns once the
// ticker is stopped, so no clock tick is published after it.
func (s *Sampler) BeginSession(ctx context.Context) error {
	return s.switchRegime(ctx, true)
}

// EndSession resumes the clock-driven regime with the next tick one
// interval away.
func (s *Sampler) EndSession(ctx context.Context) error {
	return s.switchRegime(ctx, false)
}

func (s *Sampler) switchRegime(ctx context.Context, immersive bool) error {
	req := sessionRequest{immersive: immersive, ack: make(chan struct{})}
	select {
	case s.control <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.ack
	return nil
}

// emit stamps the tick with the sampler's own clock. snap.Time belongs to
// the source and may repeat or step backwards.
func (s *Sampler) emit(snap Snapshot) {
	if s.sink != nil {
		s.sink(Samples(snap, s.clock.Now()))
	}
}

// Samples builds one sample per stream. Untracked streams become
// explicit absent samples rather than being skipped.
func Samples(snap Snapshot, at time.Time) []pose.Sample {
	out := make([]pose.Sample, 0, len(pose.Streams))
	if snap.Head == nil {
		out = append(out, pose.AbsentSample(pose.HMD, at))
	} else {
		out = append(out, pose.Sample{
			Stream:      pose.HMD,
			Position:    snap.Head.Position,
			Orientation: pose.Normalize(snap.Head.Orientation),
			CapturedAt:  at,
		})
	}
	for i, id := range []pose.StreamID{pose.Controller0, pose.Controller1} {
		ctrl := snap.Controllers[i]
		if ctrl.Grip == nil {
			out = append(out, pose.AbsentSample(id, at))
			continue
		}
		out = append(out, pose.Sample{
			Stream:      id,
			Position:    ctrl.Grip.Position,
			Orientation: pose.Normalize(ctrl.Grip.Orientation),
			Pressed:     Pressed(ctrl.Buttons),
			CapturedAt:  at,
		})
	}
	return out
}

// Pressed reports whether any of the first PressButtons inputs is down.
func Pressed(buttons []bool) bool {
	for i, b := range buttons {
		if i >= PressButtons {
			break
		}
		if b {
			return true
		}
	}
	return false
}

func drain(c <-chan time.Time) {
	for {
		select {
		case <-c:
		default:
			return
		}
	}
}
