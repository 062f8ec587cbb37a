package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
)

const DefaultConfigPath = "relay.toml"

type Config struct {
	Relay      RelayConfig   `toml:"relay"`
	Devices    DevicesConfig `toml:"devices"`
	Diag       DiagConfig    `toml:"diag"`
	Client     ClientConfig  `toml:"client"`
	configPath string        `toml:"-"`
}

type RelayConfig struct {
	Addr         string `toml:"addr"`
	Path         string `toml:"path"`
	CertFile     string `toml:"cert_file,omitempty"`
	KeyFile      string `toml:"key_file,omitempty"`
	PingInterval string `toml:"ping_interval"`
	PongWait     string `toml:"pong_wait"`
	MaxPayload   int    `toml:"max_payload"`
}

// DevicesConfig is the downstream OSC fan-out: one shared host, one
// port per device.
type DevicesConfig struct {
	Host            string `toml:"host"`
	HMDPort         int    `toml:"hmd_port"`
	Controller0Port int    `toml:"controller0_port"`
	Controller1Port int    `toml:"controller1_port"`
	Retry           string `toml:"retry"`
}

type DiagConfig struct {
	Interval  string `toml:"interval"`
	JSONLPath string `toml:"jsonl_path,omitempty"`
}

type ClientConfig struct {
	Endpoint    string `toml:"endpoint"`
	Reconnect   string `toml:"reconnect"`
	MinInterval string `toml:"min_interval"`
	SampleHz    int    `toml:"sample_hz"`
	Enabled     bool   `toml:"enabled"`
	LogPath     string `toml:"log_path,omitempty"`
}

func Default() Config {
	return Config{
		Relay: RelayConfig{
			Addr:         "0.0.0.0:8080",
			Path:         "/ws",
			PingInterval: "30s",
			PongWait:     "10s",
			MaxPayload:   protocol.MaxPayloadSize,
		},
		Devices: DevicesConfig{
			Host:            "127.0.0.1",
			HMDPort:         9000,
			Controller0Port: 9001,
			Controller1Port: 9002,
			Retry:           "5s",
		},
		Diag: DiagConfig{
			Interval: "10s",
		},
		Client: ClientConfig{
			Endpoint:    "ws://127.0.0.1:8080/ws",
			Reconnect:   "3s",
			MinInterval: "32ms",
			SampleHz:    60,
			Enabled:     true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path over the defaults. A missing file is not an
// error; the returned bool reports whether it existed.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

// ResolvePath interprets a relative path against the config file's
// directory.
func (cfg *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	base := filepath.Dir(cfg.configPath)
	if base == "" {
		base = "."
	}
	return filepath.Clean(filepath.Join(base, p))
}

func (cfg *Config) Validate() error {
	if _, _, err := net.SplitHostPort(cfg.Relay.Addr); err != nil {
		return fmt.Errorf("relay.addr %q: %w", cfg.Relay.Addr, err)
	}
	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		return fmt.Errorf("relay.path must start with '/': %q", cfg.Relay.Path)
	}
	if (cfg.Relay.CertFile == "") != (cfg.Relay.KeyFile == "") {
		return fmt.Errorf("relay.cert_file and relay.key_file must be set together")
	}
	if cfg.Relay.MaxPayload <= 0 || cfg.Relay.MaxPayload > protocol.MaxPayloadSize {
		return fmt.Errorf("relay.max_payload must be in 1..%d: %d", protocol.MaxPayloadSize, cfg.Relay.MaxPayload)
	}

	if strings.TrimSpace(cfg.Devices.Host) == "" {
		return fmt.Errorf("devices.host is empty")
	}
	ports := map[string]int{
		"devices.hmd_port":         cfg.Devices.HMDPort,
		"devices.controller0_port": cfg.Devices.Controller0Port,
		"devices.controller1_port": cfg.Devices.Controller1Port,
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}

	durations := map[string]string{
		"relay.ping_interval": cfg.Relay.PingInterval,
		"relay.pong_wait":     cfg.Relay.PongWait,
		"devices.retry":       cfg.Devices.Retry,
		"diag.interval":       cfg.Diag.Interval,
		"client.reconnect":    cfg.Client.Reconnect,
		"client.min_interval": cfg.Client.MinInterval,
	}
	for name, value := range durations {
		if _, err := parsePositiveDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	u, err := url.Parse(cfg.Client.Endpoint)
	if err != nil {
		return fmt.Errorf("client.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("client.endpoint must use ws or wss: %q", cfg.Client.Endpoint)
	}
	if cfg.Client.SampleHz <= 0 {
		return fmt.Errorf("client.sample_hz must be positive: %d", cfg.Client.SampleHz)
	}
	return nil
}

// Destinations maps every device to its host:port.
func (d DevicesConfig) Destinations() map[pose.StreamID]string {
	return map[pose.StreamID]string{
		pose.HMD:         net.JoinHostPort(d.Host, strconv.Itoa(d.HMDPort)),
		pose.Controller0: net.JoinHostPort(d.Host, strconv.Itoa(d.Controller0Port)),
		pose.Controller1: net.JoinHostPort(d.Host, strconv.Itoa(d.Controller1Port)),
	}
}

func (d DevicesConfig) RetryDelay() time.Duration {
	return mustDuration(d.Retry)
}

func (r RelayConfig) PingEvery() time.Duration {
	return mustDuration(r.PingInterval)
}

func (r RelayConfig) PongTimeout() time.Duration {
	return mustDuration(r.PongWait)
}

func (d DiagConfig) Every() time.Duration {
	return mustDuration(d.Interval)
}

func (c ClientConfig) ReconnectDelay() time.Duration {
	return mustDuration(c.Reconnect)
}

func (c ClientConfig) Throttle() time.Duration {
	return mustDuration(c.MinInterval)
}

func (cfg *Config) normalize(path string) {
	def := Default()

	if cfg.Relay.Addr == "" {
		cfg.Relay.Addr = def.Relay.Addr
	}
	if cfg.Relay.Path == "" {
		cfg.Relay.Path = def.Relay.Path
	}
	if cfg.Relay.PingInterval == "" {
		cfg.Relay.PingInterval = def.Relay.PingInterval
	}
	if cfg.Relay.PongWait == "" {
		cfg.Relay.PongWait = def.Relay.PongWait
	}
	if cfg.Relay.MaxPayload == 0 {
		cfg.Relay.MaxPayload = def.Relay.MaxPayload
	}

	if cfg.Devices.Host == "" {
		cfg.Devices.Host = def.Devices.Host
	}
	if cfg.Devices.HMDPort == 0 {
		cfg.Devices.HMDPort = def.Devices.HMDPort
	}
	if cfg.Devices.Controller0Port == 0 {
		cfg.Devices.Controller0Port = def.Devices.Controller0Port
	}
	if cfg.Devices.Controller1Port == 0 {
		cfg.Devices.Controller1Port = def.Devices.Controller1Port
	}
	if cfg.Devices.Retry == "" {
		cfg.Devices.Retry = def.Devices.Retry
	}

	if cfg.Diag.Interval == "" {
		cfg.Diag.Interval = def.Diag.Interval
	}

	if cfg.Client.Endpoint == "" {
		cfg.Client.Endpoint = def.Client.Endpoint
	}
	if cfg.Client.Reconnect == "" {
		cfg.Client.Reconnect = def.Client.Reconnect
	}
	if cfg.Client.MinInterval == "" {
		cfg.Client.MinInterval = def.Client.MinInterval
	}
	if cfg.Client.SampleHz == 0 {
		cfg.Client.SampleHz = def.Client.SampleHz
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}

// mustDuration is only used on validated configs; a bad value yields 0,
// which every consumer replaces with its own default.
func mustDuration(s string) time.Duration {
	d, err := parsePositiveDuration(s)
	if err != nil {
		return 0
	}
	return d
}
