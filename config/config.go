package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the configuration for the frame uploader service
type Config struct {
	WatchDir          string   `yaml:"watch_dir"`
	SettleDelay       float64  `yaml:"settle_delay_s"`
	Endpoint          string   `yaml:"endpoint"`
	RequestTimeout    float64  `yaml:"request_timeout_s"`
	MinUploadInterval float64  `yaml:"min_upload_interval_s"`
	UploadWorkers     int      `yaml:"upload_workers"`
	IgnorePatterns    []string `yaml:"ignore_patterns"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	HealthPort int `yaml:"health_port"` // gRPC health service, 0 disables
	StatusPort int `yaml:"status_port"` // HTTP status server, 0 disables
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		WatchDir:          "detected_frames",
		SettleDelay:       0.5,
		Endpoint:          "http://127.0.0.1:8000/api/script/detect-fire",
		RequestTimeout:    30.0,
		MinUploadInterval: 1.0,
		UploadWorkers:     4,
		IgnorePatterns:    []string{".*", "*.tmp", "*.part"},
		LogLevel:          "info",
		LogFormat:         "text",
		HealthPort:        50055,
		StatusPort:        8090,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order. An empty path falls back to
// UPLOADER_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("UPLOADER_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from environment variables. Values that fail to
// parse are ignored.
func (c *Config) applyEnv() {
	if dir := os.Getenv("WATCH_DIR"); dir != "" {
		c.WatchDir = dir
	}

	if s := os.Getenv("SETTLE_DELAY"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			c.SettleDelay = v
		}
	}

	if ep := os.Getenv("DETECT_ENDPOINT"); ep != "" {
		c.Endpoint = ep
	}

	if s := os.Getenv("REQUEST_TIMEOUT"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			c.RequestTimeout = v
		}
	}

	if s := os.Getenv("MIN_UPLOAD_INTERVAL"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			c.MinUploadInterval = v
		}
	}

	if s := os.Getenv("UPLOAD_WORKERS"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			c.UploadWorkers = v
		}
	}

	if s, ok := os.LookupEnv("IGNORE_PATTERNS"); ok {
		c.IgnorePatterns = splitList(s)
	}

	if ll := os.Getenv("LOG_LEVEL"); ll != "" {
		c.LogLevel = ll
	}

	if lf := os.Getenv("LOG_FORMAT"); lf != "" {
		c.LogFormat = lf
	}

	if s := os.Getenv("HEALTH_PORT"); s != "" {
		if p, err := strconv.Atoi(s); err == nil {
			c.HealthPort = p
		}
	}

	if s := os.Getenv("STATUS_PORT"); s != "" {
		if p, err := strconv.Atoi(s); err == nil {
			c.StatusPort = p
		}
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration can be used to start the service
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WatchDir) == "" {
		return fmt.Errorf("%w: watch_dir is required", ErrInvalidConfig)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: settle_delay_s must be >= 0, got %v", ErrInvalidConfig, c.SettleDelay)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout_s must be > 0, got %v", ErrInvalidConfig, c.RequestTimeout)
	}
	if c.MinUploadInterval < 0 {
		return fmt.Errorf("%w: min_upload_interval_s must be >= 0, got %v", ErrInvalidConfig, c.MinUploadInterval)
	}
	if c.UploadWorkers < 1 {
		return fmt.Errorf("%w: upload_workers must be >= 1, got %d", ErrInvalidConfig, c.UploadWorkers)
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an absolute http(s) URL, got %q", ErrInvalidConfig, c.Endpoint)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}

	for name, port := range map[string]int{"health_port": c.HealthPort, "status_port": c.StatusPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s out of range: %d", ErrInvalidConfig, name, port)
		}
	}

	return nil
}

// SettleDuration returns the settle delay as a time.Duration
func (c *Config) SettleDuration() time.Duration {
	return seconds(c.SettleDelay)
}

// TimeoutDuration returns the per-request timeout as a time.Duration
func (c *Config) TimeoutDuration() time.Duration {
	return seconds(c.RequestTimeout)
}

// MinIntervalDuration returns the minimum upload spacing as a time.Duration
func (c *Config) MinIntervalDuration() time.Duration {
	return seconds(c.MinUploadInterval)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
