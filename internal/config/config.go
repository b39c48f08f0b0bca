package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/thatsimonsguy/stormaudio-controller/internal/model"
	"github.com/thatsimonsguy/stormaudio-controller/internal/poller"
	"github.com/thatsimonsguy/stormaudio-controller/internal/session"
	"github.com/thatsimonsguy/stormaudio-controller/internal/transport"
)

type Datadog struct {
	Enabled   bool     `yaml:"enabled"`
	AgentAddr string   `yaml:"agent_addr"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type Config struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   zerolog.Level `yaml:"-"`

	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	LineTerminator string `yaml:"line_terminator"`

	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	DrainWindowMs    int `yaml:"drain_window_ms"`
	DrainIdleMs      int `yaml:"drain_idle_ms"`
	QueryTimeoutMs   int `yaml:"query_timeout_ms"`
	ReadTimeoutMs    int `yaml:"read_timeout_ms"`

	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	BurstIntervalSeconds int `yaml:"burst_interval_seconds"`
	BurstMaxAttempts     int `yaml:"burst_max_attempts"`
	SettleMs             int `yaml:"settle_ms"`
	PowerOffSettleMs     int `yaml:"power_off_settle_ms"`
	CommandRetries       int `yaml:"command_retries"`
	// KeepAliveSeconds schedules ssp.keepalive; zero disables it.
	KeepAliveSeconds int `yaml:"keepalive_seconds"`

	Inputs []model.Input `yaml:"inputs"`

	HTTPListen string  `yaml:"http_listen"`
	Datadog    Datadog `yaml:"datadog"`
	NtfyTopic  string  `yaml:"ntfy_topic"`
	LogFile    string  `yaml:"log_file"`
}

func Default() Config {
	return Config{
		LogLevel:             zerolog.InfoLevel,
		Port:                 23,
		Name:                 "StormAudio",
		LineTerminator:       "\n",
		ConnectTimeoutMs:     10000,
		DrainWindowMs:        2000,
		DrainIdleMs:          250,
		QueryTimeoutMs:       3000,
		ReadTimeoutMs:        200,
		PollIntervalSeconds:  10,
		BurstIntervalSeconds: 2,
		BurstMaxAttempts:     15,
		SettleMs:             500,
		PowerOffSettleMs:     1000,
		Inputs: []model.Input{
			{ID: 1, Name: "Apple TV"},
			{ID: 2, Name: "Video Game"},
			{ID: 3, Name: "HDMI 3"},
		},
		HTTPListen: "0.0.0.0:8080",
		Datadog: Datadog{
			AgentAddr: "127.0.0.1:8125",
			Namespace: "stormaudio.",
		},
	}
}

// Load parses the daemon's command line and config file. Invalid configuration is fatal.
func Load() Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	return cfg
}

// Parse reads flags from args into fs, loads the referenced config file and
// applies flag overrides on top of it.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	var configFile, logLevel, host string
	var port int

	fs.StringVar(&configFile, "config-file", "config.yaml", "Path to controller config file")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&host, "host", "", "Processor host, overrides the config file")
	fs.IntVar(&port, "port", 0, "Processor TCP port, overrides the config file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := LoadFile(configFile)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = ParseLogLevel(logLevel)
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	return cfg, cfg.Validate()
}

// LoadFile decodes a YAML config file over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	cfg.ConfigFile = path

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	def := Default()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	switch strings.ToLower(cfg.LineTerminator) {
	case "", "lf":
		cfg.LineTerminator = "\n"
	case "cr":
		cfg.LineTerminator = "\r"
	}
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = def.ConnectTimeoutMs
	}
	if cfg.DrainWindowMs == 0 {
		cfg.DrainWindowMs = def.DrainWindowMs
	}
	if cfg.DrainIdleMs == 0 {
		cfg.DrainIdleMs = def.DrainIdleMs
	}
	if cfg.QueryTimeoutMs == 0 {
		cfg.QueryTimeoutMs = def.QueryTimeoutMs
	}
	if cfg.ReadTimeoutMs == 0 {
		cfg.ReadTimeoutMs = def.ReadTimeoutMs
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = def.PollIntervalSeconds
	}
	if cfg.BurstIntervalSeconds == 0 {
		cfg.BurstIntervalSeconds = def.BurstIntervalSeconds
	}
	if cfg.BurstMaxAttempts == 0 {
		cfg.BurstMaxAttempts = def.BurstMaxAttempts
	}
	if len(cfg.Inputs) == 0 {
		cfg.Inputs = def.Inputs
	}
	if cfg.HTTPListen == "" {
		cfg.HTTPListen = def.HTTPListen
	}
	if cfg.Datadog.AgentAddr == "" {
		cfg.Datadog.AgentAddr = def.Datadog.AgentAddr
	}
}

// Validate reports every problem found, not just the first.
func (cfg *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(cfg.Host) == "" {
		problems = append(problems, "host is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", cfg.Port))
	}
	if cfg.LineTerminator != "\n" && cfg.LineTerminator != "\r" {
		problems = append(problems, fmt.Sprintf("line_terminator %q must be LF or CR", cfg.LineTerminator))
	}

	for _, f := range []field{
		{"connect_timeout_ms", cfg.ConnectTimeoutMs},
		{"drain_window_ms", cfg.DrainWindowMs},
		{"drain_idle_ms", cfg.DrainIdleMs},
		{"query_timeout_ms", cfg.QueryTimeoutMs},
		{"read_timeout_ms", cfg.ReadTimeoutMs},
		{"poll_interval_seconds", cfg.PollIntervalSeconds},
		{"burst_interval_seconds", cfg.BurstIntervalSeconds},
		{"burst_max_attempts", cfg.BurstMaxAttempts},
	} {
		if f.value <= 0 {
			problems = append(problems, f.key+" must be positive")
		}
	}

	for _, f := range []field{
		{"settle_ms", cfg.SettleMs},
		{"power_off_settle_ms", cfg.PowerOffSettleMs},
		{"command_retries", cfg.CommandRetries},
		{"keepalive_seconds", cfg.KeepAliveSeconds},
	} {
		if f.value < 0 {
			problems = append(problems, f.key+" must not be negative")
		}
	}

	if cfg.SettleMs > 1000 || cfg.PowerOffSettleMs > 1000 {
		problems = append(problems, "settle delays must not exceed 1000ms")
	}

	ids := map[int]string{}
	for _, in := range cfg.Inputs {
		if strings.TrimSpace(in.Name) == "" {
			problems = append(problems, fmt.Sprintf("inputs: id %d has no name", in.ID))
		}
		if other, exists := ids[in.ID]; exists {
			problems = append(problems, fmt.Sprintf("inputs: %q and %q both use id %d", in.Name, other, in.ID))
		} else {
			ids[in.ID] = in.Name
		}
	}

	if cfg.Datadog.Enabled && cfg.Datadog.AgentAddr == "" {
		problems = append(problems, "datadog.agent_addr is required when datadog is enabled")
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (cfg *Config) TransportOptions() transport.Options {
	return transport.Options{
		ConnectTimeout: ms(cfg.ConnectTimeoutMs),
		WriteTimeout:   ms(cfg.QueryTimeoutMs),
		DrainWindow:    ms(cfg.DrainWindowMs),
		DrainIdle:      ms(cfg.DrainIdleMs),
		Terminator:     cfg.LineTerminator,
	}
}

func (cfg *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.QueryTimeout = ms(cfg.QueryTimeoutMs)
	opts.ReadTimeout = ms(cfg.ReadTimeoutMs)
	return opts
}

func (cfg *Config) PollerOptions() poller.Options {
	return poller.Options{
		Name:             cfg.Name,
		QueryTimeout:     ms(cfg.QueryTimeoutMs),
		BurstInterval:    time.Duration(cfg.BurstIntervalSeconds) * time.Second,
		BurstMaxAttempts: cfg.BurstMaxAttempts,
		Settle:           ms(cfg.SettleMs),
		PowerOffSettle:   ms(cfg.PowerOffSettleMs),
		CommandRetries:   cfg.CommandRetries,
		FallbackInputs:   append([]model.Input{}, cfg.Inputs...),
	}
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

type field struct {
	key   string
	value int
}
