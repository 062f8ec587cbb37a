package publisher

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
)

type recordingSink struct {
	mu      sync.Mutex
	open    bool
	fail    bool
	written [][]byte
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("write failed")
	}
	s.written = append(s.written, payload)
	return nil
}

func (s *recordingSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *recordingSink) messages(t *testing.T) []protocol.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, 0, len(s.written))
	for _, raw := range s.written {
		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

var epoch = time.Unix(1000, 0)

func headAt(ms int) pose.Sample {
	return pose.Sample{
		Stream:      pose.HMD,
		Position:    [3]float64{0, 1.6, 0},
		Orientation: pose.Identity,
		CapturedAt:  epoch.Add(time.Duration(ms) * time.Millisecond),
	}
}

func TestPublishGateSequence(t *testing.T) {
	sink := &recordingSink{open: true}
	p := New(sink, WithEnabled(true))

	if !p.Publish(headAt(0)) {
		t.Fatalf("t=0 should be sent")
	}
	if p.Publish(headAt(10)) {
		t.Fatalf("t=10ms should be throttled")
	}
	if !p.Publish(headAt(35)) {
		t.Fatalf("t=35ms should be sent")
	}
	if c := p.Counters(); c.Sent != 2 || c.Throttled != 1 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestThrottleBoundsRatePerSecond(t *testing.T) {
	sink := &recordingSink{open: true}
	p := New(sink, WithEnabled(true))

	const hz = 90
	step := time.Second / hz
	sentAt := make([]time.Time, 0, 64)
	for i := 0; i < 3*hz; i++ {
		s := headAt(0)
		s.CapturedAt = epoch.Add(time.Duration(i) * step)
		if p.Publish(s) {
			sentAt = append(sentAt, s.CapturedAt)
		}
	}

	for i := range sentAt {
		n := 0
		for j := i; j < len(sentAt) && sentAt[j].Sub(sentAt[i]) < time.Second; j++ {
			n++
		}
		if n > 32 {
			t.Fatalf("%d sends within one second starting at %v", n, sentAt[i])
		}
	}
	for i := 1; i < len(sentAt); i++ {
		if gap := sentAt[i].Sub(sentAt[i-1]); gap < DefaultMinInterval {
			t.Fatalf("gap %v below minimum interval", gap)
		}
	}
}

func TestSameTickSamplesGoOutTogether(t *testing.T) {
	sink := &recordingSink{open: true}
	p := New(sink, WithEnabled(true))

	at := epoch
	tick := []pose.Sample{
		{Stream: pose.HMD, Orientation: pose.Identity, CapturedAt: at},
		{Stream: pose.Controller0, Orientation: pose.Identity, Pressed: true, CapturedAt: at},
		{Stream: pose.Controller1, Orientation: pose.Identity, CapturedAt: at},
	}
	if n := p.PublishTick(tick); n != 3 {
		t.Fatalf("expected whole tick sent, got %d", n)
	}

	next := make([]pose.Sample, len(tick))
	copy(next, tick)
	for i := range next {
		next[i].CapturedAt = at.Add(16 * time.Millisecond)
	}
	if n := p.PublishTick(next); n != 0 {
		t.Fatalf("next tick inside interval should be throttled, sent %d", n)
	}

	msgs := sink.messages(t)
	if len(msgs) != 3 || msgs[1].Address != "/controller0/pose" || msgs[1].Args[6] != 1 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestRepeatedTimestampDoesNotReopenGate(t *testing.T) {
	sink := &recordingSink{open: true}
	p := New(sink, WithEnabled(true))

	stale := []pose.Sample{headAt(0)}
	if n := p.PublishTick(stale); n != 1 {
		t.Fatalf("first tick should be sent, got %d", n)
	}
	for i := 0; i < 10; i++ {
		if n := p.PublishTick(stale); n != 0 {
			t.Fatalf("tick %d with a repeated timestamp was sent", i)
		}
	}
	if p.Publish(headAt(0)) {
		t.Fatalf("single publish with a repeated timestamp was sent")
	}
	if !p.Publish(headAt(32)) {
		t.Fatalf("gate should reopen once the interval elapsed")
	}
}

func TestClosedTransportDropsWithoutMovingGate(t *testing.T) {
	sink := &recordingSink{open: false}
	p := New(sink, WithEnabled(true))

	if p.Publish(headAt(0)) {
		t.Fatalf("closed transport should drop")
	}
	sink.open = true
	if !p.Publish(headAt(5)) {
		t.Fatalf("gate should still be open after a dropped sample")
	}
	if c := p.Counters(); c.Dropped != 1 || c.Sent != 1 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestFailedSendDoesNotMoveGate(t *testing.T) {
	sink := &recordingSink{open: true, fail: true}
	p := New(sink, WithEnabled(true))

	if p.Publish(headAt(0)) {
		t.Fatalf("failed send reported as sent")
	}
	sink.fail = false
	if !p.Publish(headAt(1)) {
		t.Fatalf("gate should remain open after failed send")
	}
}

func TestDisabledPublisherSendsNothing(t *testing.T) {
	sink := &recordingSink{open: true}
	var toggles []bool
	p := New(sink, WithToggleHandler(func(on bool) { toggles = append(toggles, on) }))

	if p.Publish(headAt(0)) {
		t.Fatalf("disabled publisher should not send")
	}
	p.SetEnabled(true)
	p.SetEnabled(true)
	if !p.Publish(headAt(1)) {
		t.Fatalf("enabled publisher should send")
	}
	p.SetEnabled(false)
	if len(toggles) != 2 || !toggles[0] || toggles[1] {
		t.Fatalf("unexpected toggle notifications %v", toggles)
	}
}

func TestAbsentControllerForwardedOncePerEpisode(t *testing.T) {
	sink := &recordingSink{open: true}
	p := New(sink, WithEnabled(true))

	at := func(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

	if !p.Publish(pose.AbsentSample(pose.Controller1, at(0))) {
		t.Fatalf("first absent marker should be sent")
	}
	for ms := 40; ms <= 200; ms += 40 {
		if p.Publish(pose.AbsentSample(pose.Controller1, at(ms))) {
			t.Fatalf("absent marker repeated at %dms", ms)
		}
	}

	live := pose.Sample{Stream: pose.Controller1, Orientation: pose.Identity, Pressed: true, CapturedAt: at(240)}
	if !p.Publish(live) {
		t.Fatalf("live sample should be sent")
	}
	if !p.Publish(pose.AbsentSample(pose.Controller1, at(280))) {
		t.Fatalf("new absence episode should be announced")
	}

	msgs := sink.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []float64{0, 0, 0, 0, 0, 0, 0}
	for _, idx := range []int{0, 2} {
		got := msgs[idx]
		if got.Address != "/controller1/pose" || len(got.Args) != len(want) {
			t.Fatalf("unexpected absent message %+v", got)
		}
		for i := range want {
			if got.Args[i] != want[i] {
				t.Fatalf("absent arg %d = %v", i, got.Args[i])
			}
		}
	}
}

func TestAbsentMarkerRetriedUntilDelivered(t *testing.T) {
	sink := &recordingSink{open: false}
	p := New(sink, WithEnabled(true))

	if p.Publish(pose.AbsentSample(pose.Controller0, epoch)) {
		t.Fatalf("closed transport should drop")
	}
	sink.open = true
	if !p.Publish(pose.AbsentSample(pose.Controller0, epoch.Add(40*time.Millisecond))) {
		t.Fatalf("undelivered absence should be retried")
	}
}
