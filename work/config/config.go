package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"macreplay/work/logger"
)

// Config holds the process level configuration for the gateway: where it listens,
// where portal data is persisted, which media binaries to spawn and how much
// concurrency it is allowed. Gateway behaviour that operators tune at runtime
// (stream method, sorting, HDHR identity) lives in Settings instead, because it
// is persisted alongside the portals.
type Config struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`                   // public URL used when rendering playlist and lineup links
	Listen          string        `mapstructure:"listen" yaml:"listen"`                       // HTTP listen address
	StoreDriver     string        `mapstructure:"store_driver" yaml:"store_driver"`           // "sqlite" or "json"
	StorePath       string        `mapstructure:"store_path" yaml:"store_path"`               // database or JSON file path
	FFmpegPath      string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`             // transcode binary
	FFprobePath     string        `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`           // probe binary
	WorkerThreads   int           `mapstructure:"worker_threads" yaml:"worker_threads"`       // ceiling on simultaneous relay sessions
	WalkThreads     int           `mapstructure:"walk_threads" yaml:"walk_threads"`           // concurrent portal walks during cache rebuilds
	PortalRateLimit int           `mapstructure:"portal_rate_limit" yaml:"portal_rate_limit"` // portal API requests per second, per portal
	RefreshSchedule string        `mapstructure:"refresh_schedule" yaml:"refresh_schedule"`   // cron expression for background rebuilds, empty disables
	EPGHours        int           `mapstructure:"epg_hours" yaml:"epg_hours"`                 // guide window requested from portals
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`   // grace period for in-flight requests
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
	ObfuscateUrls   bool          `mapstructure:"obfuscate_urls" yaml:"obfuscate_urls"` // obfuscate URLs and MACs in logs
}

// Default returns the built-in process configuration.
func Default() Config {
	return Config{
		BaseURL:         "http://127.0.0.1:8001",
		Listen:          ":8001",
		StoreDriver:     "sqlite",
		StorePath:       "data/macreplay.db",
		FFmpegPath:      "ffmpeg",
		FFprobePath:     "ffprobe",
		WorkerThreads:   24,
		WalkThreads:     4,
		PortalRateLimit: 10,
		RefreshSchedule: "@every 12h",
		EPGHours:        24,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "INFO",
		Debug:           false,
		ObfuscateUrls:   true,
	}
}

// Load reads the process configuration from an optional file and from
// MACREPLAY_* environment variables, falling back to Default for anything
// left unset. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("MACREPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			logger.Debug("{config - Load} loaded config file %s", path)
		} else {
			logger.Debug("{config - Load} no config file at %s, using defaults", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validateAndSetDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("store_driver", d.StoreDriver)
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("ffmpeg_path", d.FFmpegPath)
	v.SetDefault("ffprobe_path", d.FFprobePath)
	v.SetDefault("worker_threads", d.WorkerThreads)
	v.SetDefault("walk_threads", d.WalkThreads)
	v.SetDefault("portal_rate_limit", d.PortalRateLimit)
	v.SetDefault("refresh_schedule", d.RefreshSchedule)
	v.SetDefault("epg_hours", d.EPGHours)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("obfuscate_urls", d.ObfuscateUrls)
}

// validateAndSetDefaults repairs out-of-range values and rejects ones that
// cannot be repaired.
func validateAndSetDefaults(cfg *Config) error {
	d := Default()

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base_url %q", cfg.BaseURL)
	}

	if cfg.Listen == "" {
		cfg.Listen = d.Listen
	}

	switch cfg.StoreDriver {
	case "sqlite", "json":
	case "":
		cfg.StoreDriver = d.StoreDriver
	default:
		return fmt.Errorf("unknown store_driver %q", cfg.StoreDriver)
	}
	if cfg.StorePath == "" {
		cfg.StorePath = d.StorePath
	}

	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = d.FFmpegPath
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = d.FFprobePath
	}
	if cfg.WorkerThreads <= 0 {
		logger.Warn("{config - validateAndSetDefaults} worker_threads %d invalid, using %d", cfg.WorkerThreads, d.WorkerThreads)
		cfg.WorkerThreads = d.WorkerThreads
	}
	if cfg.WalkThreads <= 0 {
		cfg.WalkThreads = d.WalkThreads
	}
	if cfg.PortalRateLimit <= 0 {
		cfg.PortalRateLimit = d.PortalRateLimit
	}
	if cfg.EPGHours <= 0 {
		cfg.EPGHours = d.EPGHours
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	return nil
}

// CreateExampleConfig writes a YAML file containing the default configuration.
func CreateExampleConfig(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}
