package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/capture"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/config"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/engine"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/publisher"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/sampler"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/transport"
)

// pipeline is the running capture client: simulated source, sampler,
// publisher and the reconnecting transport, reporting into one hub.
type pipeline struct {
	ctx       context.Context
	hub       *engine.Hub
	client    *transport.Client
	publisher *publisher.Publisher
	sampler   *sampler.Sampler
	source    *capture.Simulator

	frameRate int

	mu         sync.Mutex
	immersive  bool
	stopFrames context.CancelFunc
	framesDone chan struct{}
}

type pipelineOptions struct {
	insecureTLS bool
	frameRate   int
}

func startPipeline(ctx context.Context, cfg config.Config, log *slog.Logger, opts pipelineOptions) *pipeline {
	hub := engine.NewHub()
	go hub.Run(ctx)

	clientOpts := []transport.Option{
		transport.WithReconnectInterval(cfg.Client.ReconnectDelay()),
		transport.WithLogger(log.With("component", "transport")),
		transport.WithEventHandler(func(ev transport.Event) {
			hub.PublishStatus(statusText(ev, cfg.Client.ReconnectDelay().String()))
		}),
	}
	if opts.insecureTLS {
		clientOpts = append(clientOpts, transport.WithDialer(&websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}))
	}
	client := transport.NewClient(cfg.Client.Endpoint, clientOpts...)

	pub := publisher.New(client,
		publisher.WithMinInterval(cfg.Client.Throttle()),
		publisher.WithEnabled(cfg.Client.Enabled),
		publisher.WithLogger(log.With("component", "publisher")),
		publisher.WithToggleHandler(func(enabled bool) {
			hub.Publish(engine.Event{Kind: engine.EventStreaming, Enabled: enabled})
		}),
	)

	source := capture.NewSimulator()
	smp := sampler.New(source, func(samples []pose.Sample) {
		pub.PublishTick(samples)
		hub.Publish(engine.Event{Kind: engine.EventSamples, Samples: samples})
	},
		sampler.WithRate(cfg.Client.SampleHz),
		sampler.WithLogger(log.With("component", "sampler")),
	)

	if opts.frameRate <= 0 {
		opts.frameRate = capture.DefaultFrameRate
	}

	go client.Run(ctx)
	go smp.Run(ctx)
	return &pipeline{
		ctx:       ctx,
		hub:       hub,
		client:    client,
		publisher: pub,
		sampler:   smp,
		source:    source,
		frameRate: opts.frameRate,
	}
}

// SetImmersive starts or ends the simulated immersive session. The
// sampler switches regime before the first frame and after the last.
func (p *pipeline) SetImmersive(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on == p.immersive {
		return nil
	}

	if on {
		if err := p.sampler.BeginSession(p.ctx); err != nil {
			return fmt.Errorf("begin session: %w", err)
		}
		frameCtx, cancel := context.WithCancel(p.ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p.source.RunFrames(frameCtx, p.frameRate, p.sampler.OnFrame)
		}()
		p.stopFrames = cancel
		p.framesDone = done
	} else {
		p.stopFrames()
		<-p.framesDone
		p.stopFrames = nil
		p.framesDone = nil
		if err := p.sampler.EndSession(p.ctx); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}

	p.immersive = on
	p.hub.Publish(engine.Event{Kind: engine.EventSession, Enabled: on})
	return nil
}

func statusText(ev transport.Event, retry string) string {
	switch ev.Kind {
	case transport.EventOpened:
		return "Connected"
	case transport.EventClosed:
		if ev.Reason != "" {
			return fmt.Sprintf("Disconnected (%d %s), retrying in %s", ev.Code, ev.Reason, retry)
		}
		return fmt.Sprintf("Disconnected (%d), retrying in %s", ev.Code, retry)
	case transport.EventFailed:
		return fmt.Sprintf("Connection failed: %v, retrying in %s", ev.Err, retry)
	default:
		return ev.Kind.String()
	}
}
