package device

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/clock"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
)

var errChannelShutdown = errors.New("device: channel shut down")

// Dialer opens the UDP socket for a channel. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Status is a read-only view of one channel.
type Status struct {
	Device      pose.StreamID
	Destination string
	State       State
	Err         error
}

func (s Status) String() string {
	if s.Err != nil && s.State == StateClosed {
		return s.State.String() + " (" + s.Err.Error() + ")"
	}
	return s.State.String()
}

// channel owns one device's socket. Every field below mu is only touched
// with mu held; nothing is shared with other channels.
type channel struct {
	device     pose.StreamID
	dest       string
	retryDelay time.Duration
	dialer     Dialer
	clock      clock.Clock
	logger     *slog.Logger
	stats      *diag.Stats

	mu       sync.Mutex
	state    State
	conn     net.Conn
	lastErr  error
	retry    *clock.Timer
	gen      uint64
	shutdown bool
}

func (c *channel) open(ctx context.Context) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	next, effect := Next(c.state, EventOpen)
	c.state = next
	if !effect.Has(EffectDial) {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Debug("opening device channel", "device", c.device.String(), "destination", c.dest)
	conn, err := c.dialer.DialContext(ctx, "udp", c.dest)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.shutdown {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.applyLocked(ctx, EventError, err)
		return
	}
	c.conn = conn
	c.applyLocked(ctx, EventReady, nil)
}

func (c *channel) applyLocked(ctx context.Context, event Event, cause error) {
	prev := c.state
	next, effect := Next(prev, event)
	c.state = next

	if effect.Has(EffectRelease) && c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	switch {
	case next == StateReady:
		c.lastErr = nil
		c.logger.Info("device channel ready", "device", c.device.String(), "destination", c.dest)
	case effect.Has(EffectRetry):
		c.lastErr = cause
		c.logger.Warn("device channel failed, retrying",
			"device", c.device.String(),
			"destination", c.dest,
			"error", cause,
			"retry_in", c.retryDelay,
		)
		c.scheduleRetryLocked(ctx)
	}
}

func (c *channel) scheduleRetryLocked(ctx context.Context) {
	if c.shutdown || c.retry != nil {
		return
	}
	c.retry = c.clock.AfterFunc(c.retryDelay, func() {
		c.open(ctx)
	})
}

// send writes one encoded datagram. The lock is held across the write so
// a concurrent retry can never swap the socket mid-send.
func (c *channel) send(ctx context.Context, datagram []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady || c.conn == nil {
		c.stats.RecordDropped(c.device)
		return false
	}
	if _, err := c.conn.Write(datagram); err != nil {
		c.stats.RecordSendError(c.device)
		c.applyLocked(ctx, EventError, err)
		return false
	}
	c.stats.RecordForwarded(c.device)
	return true
}

func (c *channel) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Device:      c.device,
		Destination: c.dest,
		State:       c.state,
		Err:         c.lastErr,
	}
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shutdown = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	next, effect := Next(c.state, EventClose)
	c.state = next
	if effect.Has(EffectRelease) && c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.lastErr == nil {
		c.lastErr = errChannelShutdown
	}
}
