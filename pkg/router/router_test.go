package router_test

import (
	"testing"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/router"
)

type sent struct {
	device  pose.StreamID
	address string
	args    []float64
}

type recordingForwarder struct {
	calls []sent
}

func (f *recordingForwarder) Send(device pose.StreamID, address string, args []float64) bool {
	f.calls = append(f.calls, sent{device: device, address: address, args: args})
	return true
}

func TestClassify(t *testing.T) {
	cases := map[string]pose.StreamID{
		"/hmd/pose":         pose.HMD,
		"/controller0/pose": pose.Controller0,
		"/controller1/pose": pose.Controller1,
		"/controller1":      pose.Controller1,
		"/unknown/pose":     pose.HMD,
		"":                  pose.HMD,
		"/controller2/pose": pose.HMD,
	}
	for addr, want := range cases {
		if got := router.Classify(addr); got != want {
			t.Fatalf("Classify(%q) = %v want %v", addr, got, want)
		}
	}
}

func TestRouteForwardsToClassifiedDevice(t *testing.T) {
	fwd := &recordingForwarder{}
	r := router.New(fwd)

	res := r.Route([]byte(`{"address":"/controller0/pose","args":[1,2,3,4,5,6,1]}`))
	if res.Rejected || !res.Forwarded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(fwd.calls) != 1 || fwd.calls[0].device != pose.Controller0 {
		t.Fatalf("unexpected forwarder calls: %+v", fwd.calls)
	}
	if fwd.calls[0].address != "/controller0/pose" {
		t.Fatalf("address not preserved: %q", fwd.calls[0].address)
	}
}

func TestRouteUnknownAddressDefaultsToHMD(t *testing.T) {
	fwd := &recordingForwarder{}
	r := router.New(fwd)
	res := r.Route([]byte(`{"address":"/unknown/pose","args":[1,2,3,4,5,6]}`))
	if res.Rejected || res.Device != pose.HMD {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(fwd.calls) != 1 || fwd.calls[0].address != "/unknown/pose" {
		t.Fatalf("unexpected forwarder calls: %+v", fwd.calls)
	}
}

func TestRouteFiltersNonNumericArgs(t *testing.T) {
	fwd := &recordingForwarder{}
	stats := diag.NewStats()
	r := router.New(fwd, router.WithStats(stats))

	res := r.Route([]byte(`{"address":"/hmd/pose","args":[1,2,"bad",4,5,6]}`))
	if res.Rejected {
		t.Fatalf("message should not be rejected")
	}
	want := []float64{1, 2, 4, 5, 6}
	if len(res.Args) != len(want) || res.Filtered != 1 {
		t.Fatalf("unexpected args: %v filtered=%d", res.Args, res.Filtered)
	}
	for i := range want {
		if res.Args[i] != want[i] {
			t.Fatalf("arg %d = %v want %v", i, res.Args[i], want[i])
		}
	}
	if len(fwd.calls) != 1 || len(fwd.calls[0].args) != 5 {
		t.Fatalf("filtered args not forwarded: %+v", fwd.calls)
	}
	if stats.Snapshot(time.Time{}).Device(pose.HMD).Received != 1 {
		t.Fatalf("expected received counter")
	}
}

func TestRouteDropsOtherNonNumericValues(t *testing.T) {
	r := router.New(nil)
	res := r.Route([]byte(`{"address":"/hmd/pose","args":[true,null,{"x":1},[1],"7",1e999,-0.5,2]}`))
	if res.Rejected {
		t.Fatalf("unexpected rejection")
	}
	if len(res.Args) != 2 || res.Args[0] != -0.5 || res.Args[1] != 2 {
		t.Fatalf("unexpected args: %v", res.Args)
	}
	if res.Filtered != 6 {
		t.Fatalf("expected 6 filtered, got %d", res.Filtered)
	}
}

func TestRouteRejectsMalformedEnvelope(t *testing.T) {
	fwd := &recordingForwarder{}
	stats := diag.NewStats()
	r := router.New(fwd, router.WithStats(stats))

	for _, raw := range []string{
		`{"address":7,"args":[1,2,3,4,5,6]}`,
		`{"address":"/hmd/pose","args":"nope"}`,
		`garbage`,
	} {
		if res := r.Route([]byte(raw)); !res.Rejected {
			t.Fatalf("expected rejection for %s", raw)
		}
	}
	if len(fwd.calls) != 0 {
		t.Fatalf("rejected messages must not be forwarded")
	}
	if got := stats.Snapshot(time.Time{}).Rejected; got != 3 {
		t.Fatalf("expected 3 rejected, got %d", got)
	}
}
