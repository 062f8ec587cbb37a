// Package publisher throttles sampled poses onto the transport.
package publisher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
)

// DefaultMinInterval caps the aggregate send rate at about 30 Hz.
const DefaultMinInterval = 32 * time.Millisecond

// Sink is the outbound transport. *transport.Client satisfies it.
type Sink interface {
	Send(payload []byte) error
	IsOpen() bool
}

// Counters summarizes what happened to published samples.
type Counters struct {
	Sent      uint64
	Throttled uint64
	Dropped   uint64
}

// Publisher gates samples through one last-sent timestamp shared by
// every stream. All samples of the tick that opened the gate are sent;
// a tick is one PublishTick batch or one Publish call.
type Publisher struct {
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
	onToggle func(enabled bool)

	mu       sync.Mutex
	enabled  bool
	tick     uint64
	openTick uint64
	sentAny  bool
	lastSent time.Time
	absent   [len(pose.Streams)]bool
	counters Counters
}

type Option func(*Publisher)

func WithMinInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEnabled sets the initial streaming toggle. Publishers start
// disabled.
func WithEnabled(enabled bool) Option {
	return func(p *Publisher) {
		p.enabled = enabled
	}
}

// WithToggleHandler is told about every SetEnabled change. The toggle
// is local only and never sent to the relay.
func WithToggleHandler(fn func(enabled bool)) Option {
	return func(p *Publisher) {
		p.onToggle = fn
	}
}

func New(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:     sink,
		interval: DefaultMinInterval,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) SetEnabled(enabled bool) {
	p.mu.Lock()
	changed := p.enabled != enabled
	p.enabled = enabled
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Info("streaming toggled", "enabled", enabled)
	if p.onToggle != nil {
		p.onToggle(enabled)
	}
}

func (p *Publisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Publisher) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// PublishTick offers one sampler tick and returns how many samples went
// out.
func (p *Publisher) PublishTick(samples []pose.Sample) int {
	tick := p.nextTick()
	n := 0
	for _, s := range samples {
		if p.publish(s, tick) {
			n++
		}
	}
	return n
}

// Publish offers s as a tick of its own. It transmits s if streaming is
// enabled, the transport is open and the shared gate admits
// s.CapturedAt, and reports whether s was sent.
func (p *Publisher) Publish(s pose.Sample) bool {
	return p.publish(s, p.nextTick())
}

func (p *Publisher) nextTick() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick++
	return p.tick
}

func (p *Publisher) publish(s pose.Sample, tick uint64) bool {
	if !s.Stream.Valid() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int(s.Stream)
	if !s.Absent {
		p.absent[idx] = false
	} else if p.absent[idx] {
		// Absence already delivered for this episode.
		return false
	}

	if !p.enabled {
		return false
	}
	if !p.admitLocked(tick, s.CapturedAt) {
		p.counters.Throttled++
		return false
	}
	if p.sink == nil || !p.sink.IsOpen() {
		p.counters.Dropped++
		return false
	}

	payload, err := protocol.Encode(protocol.FromSample(s))
	if err != nil {
		p.counters.Dropped++
		p.logger.Warn("encode sample", "stream", s.Stream.String(), "error", err)
		return false
	}
	if err := p.sink.Send(payload); err != nil {
		p.counters.Dropped++
		p.logger.Debug("send sample", "stream", s.Stream.String(), "error", err)
		return false
	}

	if !p.sentAny || tick != p.openTick {
		p.sentAny = true
		p.openTick = tick
		p.lastSent = s.CapturedAt
	}
	if s.Absent {
		p.absent[idx] = true
	}
	p.counters.Sent++
	return true
}

// admitLocked reports whether a sample of tick captured at ts may go
// out: either tick opened the gate, or the interval has elapsed since
// the tick that did. Ticks are numbered by the publisher, so repeated
// timestamps never reopen the gate.
func (p *Publisher) admitLocked(tick uint64, ts time.Time) bool {
	if !p.sentAny {
		return true
	}
	if tick == p.openTick {
		return true
	}
	return ts.Sub(p.lastSent) >= p.interval
}
