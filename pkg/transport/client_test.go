package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/clock"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/transport"
)

type failingDialer struct {
	attempts chan struct{}
}

func (d *failingDialer) DialContext(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
	d.attempts <- struct{}{}
	return nil, nil, errors.New("connection refused")
}

func TestClientReconnectsAtFixedDelay(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	dialer := &failingDialer{attempts: make(chan struct{}, 16)}
	events := make(chan transport.Event, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport.Connect(ctx, "ws://relay.invalid/ws",
		transport.WithDialer(dialer),
		transport.WithClock(fake),
		transport.WithEventHandler(func(ev transport.Event) { events <- ev }),
	)

	waitAttempt(t, dialer.attempts)
	for i := 0; i < 4; i++ {
		ev := waitEvent(t, events)
		if ev.Kind != transport.EventFailed || ev.Err == nil {
			t.Fatalf("expected failed event, got %+v", ev)
		}

		fake.WaitForTimers(1)
		fake.Advance(transport.DefaultReconnectDelay - time.Millisecond)
		expectNoAttempt(t, dialer.attempts)

		fake.Advance(time.Millisecond)
		waitAttempt(t, dialer.attempts)
		expectNoAttempt(t, dialer.attempts)
	}
}

func TestClientSendDropsWhileClosed(t *testing.T) {
	c := transport.NewClient("ws://relay.invalid/ws")
	if c.IsOpen() {
		t.Fatalf("new client should not be open")
	}
	if err := c.Send([]byte(`{}`)); !errors.Is(err, transport.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestClientDeliversAndReconnectsAfterClose(t *testing.T) {
	received := make(chan string, 4)
	closeFirst := make(chan struct{})
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if accepted.Add(1) == 1 {
			_, data, err := conn.ReadMessage()
			if err == nil {
				received <- string(data)
			}
			<-closeFirst
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	defer srv.Close()

	fake := clock.Fake(time.Unix(0, 0))
	events := make(chan transport.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := transport.Connect(ctx, endpoint,
		transport.WithClock(fake),
		transport.WithEventHandler(func(ev transport.Event) { events <- ev }),
	)

	if ev := waitEvent(t, events); ev.Kind != transport.EventOpened {
		t.Fatalf("expected opened, got %+v", ev)
	}
	if err := c.Send([]byte(`{"address":"/hmd/pose","args":[0,1.6,0,0,0,0]}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := waitString(t, received); !strings.Contains(got, "/hmd/pose") {
		t.Fatalf("unexpected payload %q", got)
	}

	close(closeFirst)
	ev := waitEvent(t, events)
	if ev.Kind != transport.EventClosed || ev.Code != websocket.CloseGoingAway || ev.Reason != "bye" {
		t.Fatalf("expected close event, got %+v", ev)
	}
	if err := c.Send([]byte(`{}`)); !errors.Is(err, transport.ErrNotOpen) {
		t.Fatalf("send while waiting should drop, got %v", err)
	}

	fake.WaitForTimers(1)
	fake.Advance(transport.DefaultReconnectDelay)
	if ev := waitEvent(t, events); ev.Kind != transport.EventOpened {
		t.Fatalf("expected reopen, got %+v", ev)
	}
	if err := c.Send([]byte(`second`)); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if got := waitString(t, received); got != "second" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestClientEnforcesInboundSizeLimit(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 600)))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	events := make(chan transport.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := transport.Connect(ctx, endpoint,
		transport.WithClock(clock.Fake(time.Unix(0, 0))),
		transport.WithEventHandler(func(ev transport.Event) { events <- ev }),
	)
	if c.Endpoint() != endpoint {
		t.Fatalf("unexpected endpoint %q", c.Endpoint())
	}

	if ev := waitEvent(t, events); ev.Kind != transport.EventOpened {
		t.Fatalf("expected opened, got %+v", ev)
	}
	ev := waitEvent(t, events)
	if ev.Kind != transport.EventFailed || !errors.Is(ev.Err, websocket.ErrReadLimit) {
		t.Fatalf("expected read limit failure, got %+v", ev)
	}
}

func waitAttempt(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for dial attempt")
	}
}

func expectNoAttempt(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected dial attempt")
	case <-time.After(30 * time.Millisecond):
	}
}

func waitEvent(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for transport event")
		return transport.Event{}
	}
}

func waitString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for payload")
		return ""
	}
}
