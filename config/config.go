package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/brinelog/ingestd/api"
	"github.com/brinelog/ingestd/storage"
	"go.yaml.in/yaml/v3"
)

// Config is the top-level YAML configuration for the ingestion server.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Registry  storage.ClickHouseConfig `yaml:"registry"`
	Sink      SinkConfig      `yaml:"sink"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Policy    PolicyConfig    `yaml:"policy"`
	Ingress   IngressConfig   `yaml:"ingress"`
	API       api.Config      `yaml:"api"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Type   string `yaml:"type"`
	Output string `yaml:"output"`
}

// SinkConfig configures the file-backed LogSink every dispatched request is
// written through.
type SinkConfig struct {
	Path string `yaml:"path"`
}

// CryptoConfig points at the material crypto.Capabilities needs: the
// server's own RSA signing key, used by Capabilities.Sign and unrelated to
// the per-client symmetric keys the Registry supplies. Session
// acknowledgements are not signed.
type CryptoConfig struct {
	SigningKeyPath string `yaml:"signing_key_path"`
}

// PolicyConfig is the YAML shape for config.Configuration.
type PolicyConfig struct {
	AllowPlainLogRequest bool                  `yaml:"allow_plain_log_request"`
	AllowBulkLogRequest  bool                  `yaml:"allow_bulk_log_request"`
	AllowUnknownLoggers  bool                  `yaml:"allow_unknown_loggers"`
	Compression          bool                  `yaml:"compression"`
	MaxItemsInBulk       int                   `yaml:"max_items_in_bulk"`
	DispatchDelay        time.Duration         `yaml:"dispatch_delay"`
	Loggers              []LoggerPolicy        `yaml:"loggers"`
}

// IngressConfig configures the session listener the ingestion core reads
// RawRequests from. Transport framing itself is out of this spec's scope;
// this only controls the listen address for the minimal length-prefixed
// TCP shim cmd/server wires up.
type IngressConfig struct {
	Addr string `yaml:"addr"`
}

func (cfg PolicyConfig) toFlags() map[Flag]bool {
	flags := map[Flag]bool{}
	if cfg.AllowPlainLogRequest {
		flags[FlagAllowPlainLogRequest] = true
	}
	if cfg.AllowBulkLogRequest {
		flags[FlagAllowBulkLogRequest] = true
	}
	if cfg.AllowUnknownLoggers {
		flags[FlagAllowUnknownLoggers] = true
	}
	if cfg.Compression {
		flags[FlagCompression] = true
	}
	return flags
}

// BuildConfiguration turns the parsed policy block into the read-only
// snapshot the ingestion core consumes via entity.Configuration.
func (cfg Config) BuildConfiguration() *Configuration {
	maxItems := cfg.Policy.MaxItemsInBulk
	if maxItems <= 0 {
		maxItems = 100
	}
	return NewConfiguration(cfg.Policy.toFlags(), cfg.Policy.Loggers, maxItems, cfg.Policy.DispatchDelay)
}

func parseLoggerConfig(cfg LoggerConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	w := os.Stdout
	var handler slog.Handler
	switch cfg.Type {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text", "":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "colored-text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, AddSource: true})
	default:
		return nil, fmt.Errorf("invalid log type: %s", cfg.Type)
	}

	return slog.New(handler), nil
}

// ParseLogger is the exported entrypoint cmd/server and cmd/cli use to
// build their slog.Logger from the same config block.
func (cfg Config) ParseLogger() (*slog.Logger, error) {
	return parseLoggerConfig(cfg.Logger)
}

// Load reads and parses a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse config file: %w", err)
	}

	return cfg, nil
}
