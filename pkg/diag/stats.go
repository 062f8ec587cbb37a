// Package diag counts relay traffic per device. Counters are for
// observability only and never influence routing.
package diag

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/clock"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
)

type deviceCounters struct {
	received   atomic.Uint64
	forwarded  atomic.Uint64
	dropped    atomic.Uint64
	invalid    atomic.Uint64
	sendErrors atomic.Uint64
}

// Stats is safe for concurrent use. A nil *Stats discards everything.
type Stats struct {
	devices     [len(pose.Streams)]deviceCounters
	rejected    atomic.Uint64
	oversized   atomic.Uint64
	connections atomic.Int64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) device(id pose.StreamID) *deviceCounters {
	if s == nil || !id.Valid() {
		return nil
	}
	return &s.devices[id]
}

// RecordReceived counts a routed envelope for device.
func (s *Stats) RecordReceived(id pose.StreamID) {
	if c := s.device(id); c != nil {
		c.received.Add(1)
	}
}

// RecordForwarded counts a datagram written downstream.
func (s *Stats) RecordForwarded(id pose.StreamID) {
	if c := s.device(id); c != nil {
		c.forwarded.Add(1)
	}
}

// RecordDropped counts a message dropped because the channel was not ready.
func (s *Stats) RecordDropped(id pose.StreamID) {
	if c := s.device(id); c != nil {
		c.dropped.Add(1)
	}
}

// RecordInvalid counts a message with filtered args or wrong arity.
func (s *Stats) RecordInvalid(id pose.StreamID) {
	if c := s.device(id); c != nil {
		c.invalid.Add(1)
	}
}

func (s *Stats) RecordSendError(id pose.StreamID) {
	if c := s.device(id); c != nil {
		c.sendErrors.Add(1)
	}
}

// RecordRejected counts an envelope that could not be classified at all.
func (s *Stats) RecordRejected() {
	if s != nil {
		s.rejected.Add(1)
	}
}

func (s *Stats) RecordOversized() {
	if s != nil {
		s.oversized.Add(1)
	}
}

// ConnectionOpened and ConnectionClosed track live client connections.
func (s *Stats) ConnectionOpened() {
	if s != nil {
		s.connections.Add(1)
	}
}

func (s *Stats) ConnectionClosed() {
	if s != nil {
		s.connections.Add(-1)
	}
}

// DeviceSnapshot is a point-in-time copy of one device's counters.
type DeviceSnapshot struct {
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Dropped    uint64 `json:"dropped"`
	Invalid    uint64 `json:"invalid"`
	SendErrors uint64 `json:"send_errors"`
}

type Snapshot struct {
	Time        time.Time                 `json:"ts"`
	Devices     map[string]DeviceSnapshot `json:"devices"`
	Rejected    uint64                    `json:"rejected"`
	Oversized   uint64                    `json:"oversized"`
	Connections int64                     `json:"connections"`
}

// Device returns the counters for one device.
func (s Snapshot) Device(id pose.StreamID) DeviceSnapshot {
	return s.Devices[id.Token()]
}

func (s *Stats) Snapshot(at time.Time) Snapshot {
	snap := Snapshot{Time: at, Devices: make(map[string]DeviceSnapshot, len(pose.Streams))}
	if s == nil {
		return snap
	}
	for _, id := range pose.Streams {
		c := &s.devices[id]
		snap.Devices[id.Token()] = DeviceSnapshot{
			Received:   c.received.Load(),
			Forwarded:  c.forwarded.Load(),
			Dropped:    c.dropped.Load(),
			Invalid:    c.invalid.Load(),
			SendErrors: c.sendErrors.Load(),
		}
	}
	snap.Rejected = s.rejected.Load()
	snap.Oversized = s.oversized.Load()
	snap.Connections = s.connections.Load()
	return snap
}

// Reporter periodically logs a snapshot and hands it to an optional sink.
type Reporter struct {
	stats    *Stats
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	out      chan<- Snapshot
}

type ReporterOption func(*Reporter)

func WithClock(c clock.Clock) ReporterOption {
	return func(r *Reporter) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSink delivers every snapshot to out. Delivery never blocks; a
// full channel drops the snapshot.
func WithSink(out chan<- Snapshot) ReporterOption {
	return func(r *Reporter) {
		r.out = out
	}
}

func NewReporter(stats *Stats, interval time.Duration, opts ...ReporterOption) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &Reporter{
		stats:    stats,
		interval: interval,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reporter) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-ticker.C:
			r.report(ts)
		}
	}
}

func (r *Reporter) report(ts time.Time) {
	snap := r.stats.Snapshot(ts)
	for _, id := range pose.Streams {
		d := snap.Device(id)
		r.logger.Info("device traffic",
			"device", id.String(),
			"received", d.Received,
			"forwarded", d.Forwarded,
			"dropped", d.Dropped,
			"invalid", d.Invalid,
			"send_errors", d.SendErrors,
		)
	}
	r.logger.Info("relay traffic",
		"rejected", snap.Rejected,
		"oversized", snap.Oversized,
		"connections", snap.Connections,
	)
	if r.out != nil {
		select {
		case r.out <- snap:
		default:
		}
	}
}
