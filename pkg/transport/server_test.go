package transport_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/transport"
)

func newTestServer(t *testing.T, stats *diag.Stats) (*httptest.Server, <-chan string) {
	t.Helper()
	got := make(chan string, 8)
	srv := transport.NewServer(transport.ServerConfig{Path: "/ws"}, func(_ string, payload []byte) {
		got <- string(payload)
	}, transport.WithServerStats(stats))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs, got
}

func dialTest(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServerDeliversTextPayload(t *testing.T) {
	hs, got := newTestServer(t, diag.NewStats())
	conn := dialTest(t, hs.URL)

	want := `{"address":"/controller0/pose","args":[0,1,0,0,0,0,1]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(want)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if payload := waitString(t, got); payload != want {
		t.Fatalf("payload mismatch: got %q", payload)
	}
}

func TestServerDiscardsOversizedAndKeepsConnection(t *testing.T) {
	stats := diag.NewStats()
	hs, got := newTestServer(t, stats)
	conn := dialTest(t, hs.URL)

	big := `{"address":"/hmd/pose","args":[` + strings.Repeat("0,", 300) + `0]}`
	if len(big) <= 512 {
		t.Fatalf("test payload too small: %d", len(big))
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write oversized: %v", err)
	}
	small := `{"address":"/hmd/pose","args":[0,1.6,0,0,0,0]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(small)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if payload := waitString(t, got); payload != small {
		t.Fatalf("expected only the small payload, got %q", payload)
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected extra payload %q", extra)
	case <-time.After(30 * time.Millisecond):
	}
	if n := stats.Snapshot(time.Time{}).Oversized; n != 1 {
		t.Fatalf("oversized count = %d want 1", n)
	}
}

func TestServerRejectsBinaryFrames(t *testing.T) {
	stats := diag.NewStats()
	hs, got := newTestServer(t, stats)
	conn := dialTest(t, hs.URL)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("after")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if payload := waitString(t, got); payload != "after" {
		t.Fatalf("unexpected payload %q", payload)
	}
	if n := stats.Snapshot(time.Time{}).Rejected; n != 1 {
		t.Fatalf("rejected count = %d want 1", n)
	}
}

func TestServerListenFailsOnMissingCredentials(t *testing.T) {
	dir := t.TempDir()
	srv := transport.NewServer(transport.ServerConfig{
		Addr:     "127.0.0.1:0",
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	}, nil)
	if err := srv.Listen(); err == nil {
		t.Fatalf("expected tls load error")
	}
}

func TestServerShutdownClosesClients(t *testing.T) {
	srv := transport.NewServer(transport.ServerConfig{Addr: "127.0.0.1:0"}, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn := dialTest(t, "http://"+srv.Addr().String())
	deadline := time.Now().Add(2 * time.Second)
	for srv.Connections() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestServerCapsConfiguredPayloadLimit(t *testing.T) {
	stats := diag.NewStats()
	got := make(chan string, 4)
	srv := transport.NewServer(transport.ServerConfig{Path: "/ws", MaxPayload: 4096}, func(_ string, payload []byte) {
		got <- string(payload)
	}, transport.WithServerStats(stats))
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	conn := dialTest(t, hs.URL)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 600))); err != nil {
		t.Fatalf("write oversized: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("small")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if payload := waitString(t, got); payload != "small" {
		t.Fatalf("oversized payload passed through: %d bytes", len(payload))
	}
	if n := stats.Snapshot(time.Time{}).Oversized; n != 1 {
		t.Fatalf("oversized count = %d want 1", n)
	}
}
