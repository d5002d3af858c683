// Package config loads the relay's runtime configuration from an optional
// YAML file, DECIBEL_RELAY_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

const (
	envVarConfigFile = "DECIBEL_RELAY_CONFIG"
	envVarListenAddr = "DECIBEL_RELAY_LISTEN_ADDR"
	envVarCertFile   = "DECIBEL_RELAY_CERT_FILE"
	envVarKeyFile    = "DECIBEL_RELAY_KEY_FILE"

	envVarLogLevel      = "DECIBEL_RELAY_LOG_LEVEL"
	envVarLogFormat     = "DECIBEL_RELAY_LOG_FORMAT"
	envVarLogFile       = "DECIBEL_RELAY_LOG_FILE"
	envVarLogMaxSizeMB  = "DECIBEL_RELAY_LOG_MAX_SIZE_MB"
	envVarLogMaxBackups = "DECIBEL_RELAY_LOG_MAX_BACKUPS"

	envVarStatusInterval       = "DECIBEL_RELAY_STATUS_INTERVAL"
	envVarShutdownTimeout      = "DECIBEL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMaxMessageBytes      = "DECIBEL_RELAY_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "DECIBEL_RELAY_MAX_MESSAGES_PER_SECOND"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultListenAddr           = "127.0.0.1:16666"
	DefaultLogMaxSizeMB         = 100
	DefaultLogMaxBackups        = 3
	DefaultStatusInterval       = 1 * time.Second
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

type Config struct {
	// ListenAddr is the host:port the HTTP/WebSocket server binds.
	ListenAddr string

	// CertFile/KeyFile enable TLS when both are set. Leaving both empty runs
	// the server in plaintext (development only).
	CertFile string
	KeyFile  string

	LogLevel  slog.Level
	LogFormat LogFormat
	// LogFile redirects log output from stdout into a size-rotated file.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// StatusInterval is the period of the diagnostic room-membership report.
	StatusInterval time.Duration

	ShutdownTimeout time.Duration

	// WebSocket inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// fileConfig mirrors Config for YAML decoding; durations are strings in the
// file ("5s", "1m") and parsed during merge.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  *int   `yaml:"log_max_size_mb"`
	LogMaxBackups *int   `yaml:"log_max_backups"`

	StatusInterval  string `yaml:"status_interval"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	MaxMessageBytes      *int64 `yaml:"max_message_bytes"`
	MaxMessagesPerSecond *int   `yaml:"max_messages_per_second"`
}

// Load builds the configuration from args (flags), the process environment
// and an optional YAML config file. Flags win over env vars, which win over
// the file, which wins over defaults.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:           DefaultListenAddr,
		LogLevel:             slog.LevelInfo,
		LogFormat:            LogFormatText,
		LogMaxSizeMB:         DefaultLogMaxSizeMB,
		LogMaxBackups:        DefaultLogMaxBackups,
		StatusInterval:       DefaultStatusInterval,
		ShutdownTimeout:      DefaultShutdownTimeout,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
	}

	fs := flag.NewFlagSet("decibel-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", envOrDefault(lookup, envVarConfigFile, ""), "path to a YAML config file")
	listen := fs.String("listen", "", "listen address (host:port)")
	cert := fs.String("certfile", "", "TLS certificate file")
	key := fs.String("keyfile", "", "TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (text, json)")
	logFile := fs.String("log-file", "", "log file path (stdout when empty)")
	verbose := fs.Bool("verbose", false, "shorthand for -log-level debug")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configPath != "" {
		if err := mergeFile(&cfg, *configPath); err != nil {
			return Config{}, err
		}
	}

	if err := mergeEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *cert != "" {
		cfg.CertFile = *cert
	}
	if *key != "" {
		cfg.KeyFile = *key
	}
	if *logLevel != "" {
		lvl, err := parseLogLevel(*logLevel)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = lvl
	}
	if *logFormat != "" {
		f, err := parseLogFormat(*logFormat)
		if err != nil {
			return Config{}, err
		}
		cfg.LogFormat = f
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *verbose {
		cfg.LogLevel = slog.LevelDebug
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.CertFile != "" {
		cfg.CertFile = fc.CertFile
	}
	if fc.KeyFile != "" {
		cfg.KeyFile = fc.KeyFile
	}
	if fc.LogLevel != "" {
		lvl, err := parseLogLevel(fc.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if fc.LogFormat != "" {
		f, err := parseLogFormat(fc.LogFormat)
		if err != nil {
			return err
		}
		cfg.LogFormat = f
	}
	if fc.LogFile != "" {
		cfg.LogFile = fc.LogFile
	}
	if fc.LogMaxSizeMB != nil {
		cfg.LogMaxSizeMB = *fc.LogMaxSizeMB
	}
	if fc.LogMaxBackups != nil {
		cfg.LogMaxBackups = *fc.LogMaxBackups
	}
	if fc.StatusInterval != "" {
		d, err := time.ParseDuration(fc.StatusInterval)
		if err != nil {
			return fmt.Errorf("invalid status_interval: %w", err)
		}
		cfg.StatusInterval = d
	}
	if fc.ShutdownTimeout != "" {
		d, err := time.ParseDuration(fc.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if fc.MaxMessageBytes != nil {
		cfg.MaxMessageBytes = *fc.MaxMessageBytes
	}
	if fc.MaxMessagesPerSecond != nil {
		cfg.MaxMessagesPerSecond = *fc.MaxMessagesPerSecond
	}
	return nil
}

func mergeEnv(cfg *Config, lookup func(string) (string, bool)) error {
	cfg.ListenAddr = envOrDefault(lookup, envVarListenAddr, cfg.ListenAddr)
	cfg.CertFile = envOrDefault(lookup, envVarCertFile, cfg.CertFile)
	cfg.KeyFile = envOrDefault(lookup, envVarKeyFile, cfg.KeyFile)
	cfg.LogFile = envOrDefault(lookup, envVarLogFile, cfg.LogFile)

	if raw, ok := lookup(envVarLogLevel); ok && raw != "" {
		lvl, err := parseLogLevel(raw)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if raw, ok := lookup(envVarLogFormat); ok && raw != "" {
		f, err := parseLogFormat(raw)
		if err != nil {
			return err
		}
		cfg.LogFormat = f
	}

	var err error
	if cfg.LogMaxSizeMB, err = envIntOrDefault(lookup, envVarLogMaxSizeMB, cfg.LogMaxSizeMB); err != nil {
		return err
	}
	if cfg.LogMaxBackups, err = envIntOrDefault(lookup, envVarLogMaxBackups, cfg.LogMaxBackups); err != nil {
		return err
	}
	if cfg.StatusInterval, err = envDurationOrDefault(lookup, envVarStatusInterval, cfg.StatusInterval); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, cfg.MaxMessagesPerSecond); err != nil {
		return err
	}
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		cfg.MaxMessageBytes = n
	}
	return nil
}

func (cfg Config) validate() error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return fmt.Errorf("certfile and keyfile must be set together")
	}
	if cfg.StatusInterval <= 0 {
		return fmt.Errorf("status interval must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if cfg.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive")
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("max messages per second must be positive")
	}
	return nil
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (cfg Config) TLSEnabled() bool {
	return cfg.CertFile != "" && cfg.KeyFile != ""
}

// NewLogger builds the process logger per the configured format, level and
// destination. File destinations rotate by size.
func NewLogger(cfg Config) (*slog.Logger, error) {
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}
	}

	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unsupported log level %q", s)
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	}
	return "", fmt.Errorf("unsupported log format %q", s)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
