// Package device owns one outbound OSC/UDP channel per tracked device and
// keeps each channel alive independently of the others.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/clock"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
)

const DefaultRetryDelay = 5 * time.Second

// Manager holds the channel for every configured device for the life of
// the process.
type Manager struct {
	channels   map[pose.StreamID]*channel
	retryDelay time.Duration
	dialer     Dialer
	clock      clock.Clock
	logger     *slog.Logger
	stats      *diag.Stats

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

type Option func(*Manager)

func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithStats(s *diag.Stats) Option {
	return func(m *Manager) {
		m.stats = s
	}
}

// NewManager creates a Closed channel for every destination. Keys are
// devices, values are "host:port" UDP destinations.
func NewManager(destinations map[pose.StreamID]string, opts ...Option) (*Manager, error) {
	m := &Manager{
		channels:   make(map[pose.StreamID]*channel, len(destinations)),
		retryDelay: DefaultRetryDelay,
		dialer:     &net.Dialer{Timeout: 2 * time.Second},
		clock:      clock.Real(),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}

	for dev, dest := range destinations {
		if !dev.Valid() {
			return nil, fmt.Errorf("device: unknown device %d", uint8(dev))
		}
		if _, _, err := net.SplitHostPort(dest); err != nil {
			return nil, fmt.Errorf("device %s: destination %q: %w", dev, dest, err)
		}
		m.channels[dev] = &channel{
			device:     dev,
			dest:       dest,
			retryDelay: m.retryDelay,
			dialer:     m.dialer,
			clock:      m.clock,
			logger:     m.logger,
			stats:      m.stats,
		}
	}
	return m, nil
}

// Start opens every channel. Failures are retried per channel and never
// reported here.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(ctx)
		for _, dev := range pose.Streams {
			if ch, ok := m.channels[dev]; ok {
				ch.open(m.ctx)
			}
		}
	})
}

// Send forwards one message to device's destination as float32 OSC
// args. It returns false without buffering when the channel is not
// ready, the arity is wrong, or the write fails.
func (m *Manager) Send(dev pose.StreamID, address string, args []float64) bool {
	ch, ok := m.channels[dev]
	if !ok {
		m.stats.RecordDropped(dev)
		return false
	}
	if want := protocol.Arity(dev); len(args) != want {
		m.stats.RecordInvalid(dev)
		m.logger.Debug("dropping message with wrong arity",
			"device", dev.String(),
			"address", address,
			"got", len(args),
			"want", want,
		)
		return false
	}

	datagram, err := EncodeOSC(address, args)
	if err != nil {
		m.stats.RecordInvalid(dev)
		m.logger.Debug("osc encode failed", "device", dev.String(), "error", err)
		return false
	}

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return ch.send(ctx, datagram)
}

// Status reports the state of one device channel.
func (m *Manager) Status(dev pose.StreamID) (Status, bool) {
	ch, ok := m.channels[dev]
	if !ok {
		return Status{}, false
	}
	return ch.status(), true
}

// Statuses reports every configured channel in device order.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.channels))
	for _, dev := range pose.Streams {
		if ch, ok := m.channels[dev]; ok {
			out = append(out, ch.status())
		}
	}
	return out
}

// Close releases every socket and cancels pending retries. In-flight
// sends are not drained.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		for _, ch := range m.channels {
			ch.close()
		}
	})
}

// EncodeOSC builds the OSC datagram for address with every arg tagged
// as a 32-bit float.
func EncodeOSC(address string, args []float64) ([]byte, error) {
	msg := osc.NewMessage(address)
	for _, a := range args {
		msg.Append(float32(a))
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode osc %s: %w", address, err)
	}
	return data, nil
}
