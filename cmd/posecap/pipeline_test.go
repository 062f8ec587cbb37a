package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/config"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/transport"
)

func TestStatusText(t *testing.T) {
	cases := []struct {
		ev   transport.Event
		want string
	}{
		{transport.Event{Kind: transport.EventOpened}, "Connected"},
		{transport.Event{Kind: transport.EventClosed, Code: 1001, Reason: "bye"}, "Disconnected (1001 bye), retrying in 3s"},
		{transport.Event{Kind: transport.EventClosed, Code: 1006}, "Disconnected (1006), retrying in 3s"},
		{transport.Event{Kind: transport.EventFailed, Err: errors.New("refused")}, "Connection failed: refused, retrying in 3s"},
	}
	for _, tc := range cases {
		if got := statusText(tc.ev, "3s"); got != tc.want {
			t.Fatalf("statusText(%v) = %q want %q", tc.ev.Kind, got, tc.want)
		}
	}
}

func TestPipelineStreamsToRelay(t *testing.T) {
	messages := make(chan protocol.Message, 256)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.Message
			if json.Unmarshal(data, &msg) == nil {
				select {
				case messages <- msg:
				default:
				}
			}
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Client.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startPipeline(ctx, cfg, slog.New(slog.DiscardHandler), pipelineOptions{})

	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for !seen["/hmd/pose"] || !seen["/controller0/pose"] {
		select {
		case msg := <-messages:
			stream, ok := protocol.ParseAddress(msg.Address)
			if !ok {
				t.Fatalf("unexpected address %q", msg.Address)
			}
			if len(msg.Args) != protocol.Arity(stream) {
				t.Fatalf("wrong arity for %s: %d", msg.Address, len(msg.Args))
			}
			seen[msg.Address] = true
		case <-deadline:
			t.Fatalf("pose messages not received, saw %v", seen)
		}
	}

	if err := p.SetImmersive(true); err != nil {
		t.Fatalf("begin immersive: %v", err)
	}
	if err := p.SetImmersive(true); err != nil {
		t.Fatalf("repeated begin should be a no-op: %v", err)
	}
	if err := p.SetImmersive(false); err != nil {
		t.Fatalf("end immersive: %v", err)
	}

	p.publisher.SetEnabled(false)
	if p.publisher.Enabled() {
		t.Fatalf("publisher should be disabled")
	}
}
