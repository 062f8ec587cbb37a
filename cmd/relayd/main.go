package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/config"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/device"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/logger"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/router"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 || (len(args[0]) > 0 && args[0][0] == '-' && !isHelp(args[0])) {
		return runServe(args, stdout, stderr)
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "init-config":
		return runInitConfig(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help"
}

type serveFlags struct {
	configPath string
	addr       string
	path       string
	certFile   string
	keyFile    string
	oscHost    string
	hmdPort    int
	c0Port     int
	c1Port     int
	retry      time.Duration
	pingEvery  time.Duration
	diagEvery  time.Duration
	diagLog    string
	logLevel   string
	logFormat  string
	flagSet    *pflag.FlagSet
}

func parseServeFlags(args []string, stderr io.Writer) (*serveFlags, error) {
	f := &serveFlags{}
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&f.configPath, "config", "c", config.DefaultConfigPath, "TOML config path")
	fs.StringVar(&f.addr, "addr", "", "listen address (host:port)")
	fs.StringVar(&f.path, "path", "", "WebSocket path")
	fs.StringVar(&f.certFile, "cert", "", "TLS certificate file")
	fs.StringVar(&f.keyFile, "key", "", "TLS private key file")
	fs.StringVar(&f.oscHost, "osc-host", "", "downstream OSC host")
	fs.IntVar(&f.hmdPort, "hmd-port", 0, "OSC port for the headset")
	fs.IntVar(&f.c0Port, "controller0-port", 0, "OSC port for controller 0")
	fs.IntVar(&f.c1Port, "controller1-port", 0, "OSC port for controller 1")
	fs.DurationVar(&f.retry, "retry", 0, "delay before reopening a failed OSC channel")
	fs.DurationVar(&f.pingEvery, "ping", 0, "WebSocket ping interval")
	fs.DurationVar(&f.diagEvery, "diag-interval", 0, "diagnostics report interval")
	fs.StringVar(&f.diagLog, "diag-log", "", "append diagnostics snapshots as JSON lines to this file")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	f.flagSet = fs
	return f, nil
}

// apply overrides config values with flags the operator set explicitly.
func (f *serveFlags) apply(cfg *config.Config) {
	changed := f.flagSet.Changed
	if changed("addr") {
		cfg.Relay.Addr = f.addr
	}
	if changed("path") {
		cfg.Relay.Path = f.path
	}
	if changed("cert") {
		cfg.Relay.CertFile = f.certFile
	}
	if changed("key") {
		cfg.Relay.KeyFile = f.keyFile
	}
	if changed("osc-host") {
		cfg.Devices.Host = f.oscHost
	}
	if changed("hmd-port") {
		cfg.Devices.HMDPort = f.hmdPort
	}
	if changed("controller0-port") {
		cfg.Devices.Controller0Port = f.c0Port
	}
	if changed("controller1-port") {
		cfg.Devices.Controller1Port = f.c1Port
	}
	if changed("retry") {
		cfg.Devices.Retry = f.retry.String()
	}
	if changed("ping") {
		cfg.Relay.PingInterval = f.pingEvery.String()
	}
	if changed("diag-interval") {
		cfg.Diag.Interval = f.diagEvery.String()
	}
	if changed("diag-log") {
		cfg.Diag.JSONLPath = f.diagLog
	}
}

func runServe(args []string, stdout io.Writer, stderr io.Writer) int {
	flags, err := parseServeFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, _, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}
	flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}

	log, err := logger.New(stderr, flags.logLevel, flags.logFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log, nil)
}

// serve runs the relay until ctx is cancelled. ready, when non-nil,
// receives the bound listen address.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger, ready chan<- string) int {
	stats := diag.NewStats()

	mgr, err := device.NewManager(cfg.Devices.Destinations(),
		device.WithRetryDelay(cfg.Devices.RetryDelay()),
		device.WithLogger(log.With("component", "device")),
		device.WithStats(stats),
	)
	if err != nil {
		log.Error("configure devices", "error", err)
		return 2
	}

	rt := router.New(mgr,
		router.WithStats(stats),
		router.WithLogger(log.With("component", "router")),
	)

	srv := transport.NewServer(transport.ServerConfig{
		Addr:         cfg.Relay.Addr,
		Path:         cfg.Relay.Path,
		CertFile:     cfg.ResolvePath(cfg.Relay.CertFile),
		KeyFile:      cfg.ResolvePath(cfg.Relay.KeyFile),
		PingInterval: cfg.Relay.PingEvery(),
		PongWait:     cfg.Relay.PongTimeout(),
		MaxPayload:   cfg.Relay.MaxPayload,
	}, func(conn string, payload []byte) {
		rt.Route(payload)
	},
		transport.WithServerLogger(log.With("component", "transport")),
		transport.WithServerStats(stats),
	)

	if err := srv.Listen(); err != nil {
		log.Error("relay cannot start", "error", err)
		return 1
	}

	mgr.Start(ctx)
	defer mgr.Close()

	var reporterOpts []diag.ReporterOption
	reporterOpts = append(reporterOpts, diag.WithLogger(log.With("component", "diag")))
	if path := cfg.ResolvePath(cfg.Diag.JSONLPath); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Error("open diagnostics log", "path", path, "error", err)
			return 1
		}
		defer file.Close()
		snapshots := make(chan diag.Snapshot, 8)
		reporterOpts = append(reporterOpts, diag.WithSink(snapshots))
		go logger.NewJSONLWriter(file).Consume(ctx, snapshots)
	}
	go diag.NewReporter(stats, cfg.Diag.Every(), reporterOpts...).Run(ctx)

	if ready != nil {
		ready <- srv.Addr().String()
	}

	if err := srv.Serve(ctx); err != nil {
		log.Error("relay stopped", "error", err)
		return 1
	}
	log.Info("relay shut down")
	return 0
}

func runInitConfig(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := pflag.NewFlagSet("init-config", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.StringP("config", "c", config.DefaultConfigPath, "TOML config path to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintf(stderr, "%s already exists (use --force to overwrite)\n", *path)
		return 1
	}
	cfg := config.Default()
	if err := cfg.Save(*path); err != nil {
		fmt.Fprintln(stderr, "write config:", err)
		return 1
	}
	fmt.Fprintln(stdout, "wrote", *path)
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  relayd [serve] [--config relay.toml] [--addr host:port] [--path /ws] [--cert file --key file]")
	fmt.Fprintln(w, "                 [--osc-host host] [--hmd-port 9000] [--controller0-port 9001] [--controller1-port 9002]")
	fmt.Fprintln(w, "                 [--retry 5s] [--ping 30s] [--diag-interval 10s] [--diag-log file.jsonl]")
	fmt.Fprintln(w, "                 [--log-level info] [--log-format text]")
	fmt.Fprintln(w, "  relayd init-config [--config relay.toml] [--force]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         relay pose envelopes from WebSocket clients to OSC (default)")
	fmt.Fprintln(w, "  init-config   write a config file with default values")
}
