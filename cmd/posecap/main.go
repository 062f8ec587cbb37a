package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/config"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/console"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type clientFlags struct {
	configPath  string
	endpoint    string
	sampleHz    int
	minInterval time.Duration
	reconnect   time.Duration
	disabled    bool
	headless    bool
	immersive   bool
	insecureTLS bool
	logFile     string
	logLevel    string
	logFormat   string
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	var f clientFlags
	fs := pflag.NewFlagSet("posecap", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&f.configPath, "config", "c", config.DefaultConfigPath, "TOML config path")
	fs.StringVar(&f.endpoint, "endpoint", "", "relay WebSocket URL (ws:// or wss://)")
	fs.IntVar(&f.sampleHz, "rate", 0, "idle sampling rate in Hz")
	fs.DurationVar(&f.minInterval, "min-interval", 0, "minimum interval between sends across all streams")
	fs.DurationVar(&f.reconnect, "reconnect", 0, "delay before reconnecting to the relay")
	fs.BoolVar(&f.disabled, "paused", false, "start with streaming disabled")
	fs.BoolVar(&f.headless, "headless", false, "run without the console")
	fs.BoolVar(&f.immersive, "immersive", false, "start in an immersive session")
	fs.BoolVar(&f.insecureTLS, "insecure", false, "skip TLS certificate verification for wss endpoints")
	fs.StringVar(&f.logFile, "log-file", "", "write logs to this file (console mode discards logs otherwise)")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "unexpected argument:", fs.Arg(0))
		return 2
	}

	cfg, _, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}
	if fs.Changed("endpoint") {
		cfg.Client.Endpoint = f.endpoint
	}
	if fs.Changed("rate") {
		cfg.Client.SampleHz = f.sampleHz
	}
	if fs.Changed("min-interval") {
		cfg.Client.MinInterval = f.minInterval.String()
	}
	if fs.Changed("reconnect") {
		cfg.Client.Reconnect = f.reconnect.String()
	}
	if fs.Changed("paused") {
		cfg.Client.Enabled = !f.disabled
	}
	if fs.Changed("log-file") {
		cfg.Client.LogPath = f.logFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}

	var logOut io.Writer = stderr
	if path := cfg.ResolvePath(cfg.Client.LogPath); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintln(stderr, "open log file:", err)
			return 1
		}
		defer file.Close()
		logOut = file
	} else if !f.headless {
		logOut = io.Discard
	}
	log, err := logger.New(logOut, f.logLevel, f.logFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := startPipeline(ctx, cfg, log, pipelineOptions{insecureTLS: f.insecureTLS})
	if f.immersive {
		if err := p.SetImmersive(true); err != nil {
			log.Error("start immersive session", "error", err)
			return 1
		}
	}

	if f.headless {
		log.Info("capture client running", "endpoint", p.client.Endpoint(), "streaming", cfg.Client.Enabled)
		<-ctx.Done()
		return 0
	}
	return runConsole(ctx, stop, p, stderr)
}

func runConsole(ctx context.Context, stop context.CancelFunc, p *pipeline, stderr io.Writer) int {
	events := p.hub.Subscribe()
	model := console.NewModel(events, p.client.Endpoint(), p.publisher.Enabled(), console.Controls{
		SetStreaming: p.publisher.SetEnabled,
		SetImmersive: p.SetImmersive,
	})

	program := tea.NewProgram(model, tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		program.Send(tea.Quit())
	}()
	_, err := program.Run()
	stop()
	if err != nil {
		fmt.Fprintln(stderr, "console:", err)
		return 1
	}
	return 0
}
