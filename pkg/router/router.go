// Package router classifies inbound pose envelopes by device and hands
// them to the device channels.
package router

import (
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
)

// Forwarder receives classified messages. device.Manager implements it.
type Forwarder interface {
	Send(device pose.StreamID, address string, args []float64) bool
}

// Result describes what happened to one envelope.
type Result struct {
	Device  pose.StreamID
	Address string
	Args    []float64
	// Filtered counts args dropped because they were not finite numbers.
	Filtered  int
	Rejected  bool
	Forwarded bool
}

// Router holds no per-message state and may be shared by every
// connection.
type Router struct {
	fwd    Forwarder
	stats  *diag.Stats
	logger *slog.Logger
}

type Option func(*Router)

func WithStats(s *diag.Stats) Option {
	return func(r *Router) {
		r.stats = s
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(fwd Forwarder, opts ...Option) *Router {
	r := &Router{
		fwd:    fwd,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route validates and dispatches one raw envelope. It never blocks on
// the network beyond the forwarder's own non-blocking send.
func (r *Router) Route(data []byte) Result {
	raw, err := protocol.Decode(data)
	if err != nil {
		r.stats.RecordRejected()
		r.logger.Debug("dropping envelope", "error", err)
		return Result{Rejected: true}
	}

	args, filtered := FilterNumeric(raw.Args)
	res := Result{
		Device:   Classify(raw.Address),
		Address:  raw.Address,
		Args:     args,
		Filtered: filtered,
	}
	r.stats.RecordReceived(res.Device)
	if filtered > 0 {
		r.logger.Debug("filtered non-numeric args",
			"address", raw.Address,
			"dropped", filtered,
			"kept", len(args),
		)
	}

	if r.fwd != nil {
		res.Forwarded = r.fwd.Send(res.Device, res.Address, res.Args)
	}
	return res
}

// Classify maps an address to its device by prefix. Addresses matching
// no known prefix fall back to the HMD.
//
// TODO: the HMD fallback silently forwards unknown addresses; decide
// whether it should become a rejection once downstream patches are
// audited for non-pose addresses.
func Classify(address string) pose.StreamID {
	switch {
	case strings.HasPrefix(address, "/hmd"):
		return pose.HMD
	case strings.HasPrefix(address, "/controller0"):
		return pose.Controller0
	case strings.HasPrefix(address, "/controller1"):
		return pose.Controller1
	default:
		return pose.HMD
	}
}

// FilterNumeric keeps args that are finite JSON numbers, preserving
// order, and reports how many were dropped.
func FilterNumeric(raw []json.RawMessage) ([]float64, int) {
	out := make([]float64, 0, len(raw))
	for _, arg := range raw {
		v, ok := numberValue(arg)
		if !ok {
			continue
		}
		out = append(out, v)
	}
	return out, len(raw) - len(out)
}

func numberValue(arg json.RawMessage) (float64, bool) {
	if len(arg) == 0 {
		return 0, false
	}
	switch c := arg[0]; {
	case c == '-' || (c >= '0' && c <= '9'):
	default:
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(arg, &v); err != nil {
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
