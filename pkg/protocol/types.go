// Package protocol defines the pose envelope exchanged between the
// capture client and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
)

// MaxPayloadSize bounds one inbound envelope in bytes.
const MaxPayloadSize = 512

var (
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum size")
	ErrMalformed       = errors.New("protocol: malformed envelope")
)

// Message is one pose update: an OSC-style address plus numeric args.
type Message struct {
	Address string    `json:"address"`
	Args    []float64 `json:"args"`
}

// Raw is an envelope whose args have not been checked yet. Each arg is
// kept as raw JSON so that one bad value does not sink the message.
type Raw struct {
	Address string
	Args    []json.RawMessage
}

// Address returns the pose address for stream, e.g. "/controller0/pose".
func Address(stream pose.StreamID) string {
	return "/" + stream.Token() + "/pose"
}

// Arity is the number of args a well-formed message for stream carries.
func Arity(stream pose.StreamID) int {
	if stream.IsController() {
		return 7
	}
	return 6
}

// ParseAddress matches the exact address grammar. It does not apply the
// relay's prefix fallback.
func ParseAddress(addr string) (pose.StreamID, bool) {
	for _, s := range pose.Streams {
		if Address(s) == addr {
			return s, true
		}
	}
	return 0, false
}

// FromSample flattens a sample into x,y,z,yaw,pitch,roll and, for
// controllers, the button as 1 or 0. Absent samples flatten to zeros.
func FromSample(s pose.Sample) Message {
	args := make([]float64, 0, Arity(s.Stream))
	if s.Absent {
		args = append(args, 0, 0, 0, 0, 0, 0)
	} else {
		e := s.Euler()
		args = append(args, s.Position[0], s.Position[1], s.Position[2], e.Yaw, e.Pitch, e.Roll)
	}
	if s.Stream.IsController() {
		button := 0.0
		if s.Pressed && !s.Absent {
			button = 1
		}
		args = append(args, button)
	}
	return Message{Address: Address(s.Stream), Args: args}
}

// Encode serializes msg as a UTF-8 JSON text envelope.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Address, err)
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: %d bytes: %w", msg.Address, len(data), ErrPayloadTooLarge)
	}
	return data, nil
}

// Decode splits an envelope into its address and raw args. It fails
// when address is not a string or args is not an array.
func Decode(data []byte) (Raw, error) {
	if len(data) > MaxPayloadSize {
		return Raw{}, ErrPayloadTooLarge
	}

	var env struct {
		Address json.RawMessage `json:"address"`
		Args    json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Raw{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var raw Raw
	if len(env.Address) == 0 || env.Address[0] != '"' || json.Unmarshal(env.Address, &raw.Address) != nil {
		return Raw{}, fmt.Errorf("%w: address is not a string", ErrMalformed)
	}
	if len(env.Args) == 0 || env.Args[0] != '[' || json.Unmarshal(env.Args, &raw.Args) != nil {
		return Raw{}, fmt.Errorf("%w: args is not an array", ErrMalformed)
	}
	return raw, nil
}
