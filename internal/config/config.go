// Package config loads devrelay configuration.
//
// Values come from three layers, later layers winning: built-in defaults,
// an optional YAML file, and DEVRELAY_* environment variables. Command-line
// flags are applied on top by the binary.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/devrelay/internal/adb"
	"github.com/zsiec/devrelay/internal/capture"
	"github.com/zsiec/devrelay/internal/media"
	"github.com/zsiec/devrelay/internal/resilience"
)

// Config is the complete devrelay configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	ADB     adb.Config    `yaml:"adb"`
	Capture CaptureConfig `yaml:"capture"`
	Stream  StreamConfig  `yaml:"stream"`
	Log     LogConfig     `yaml:"log"`
	MDNS    MDNSConfig    `yaml:"mdns"`
}

// ServerConfig configures the HTTP and WebSocket surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins lists WebSocket origins accepted besides same-origin
	// requests. "*" accepts any origin.
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// WebDir, when set, is served at / for the bundled viewer.
	WebDir string `yaml:"web_dir"`
	// SelfSignedTLS serves HTTPS with a generated certificate covering
	// TLSHosts.
	SelfSignedTLS bool     `yaml:"self_signed_tls"`
	TLSHosts      []string `yaml:"tls_hosts"`
}

// CaptureConfig bounds capture start and stop.
type CaptureConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DialInterval   time.Duration `yaml:"dial_interval"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
}

// StreamConfig tunes per-device stream resilience and fan-out.
type StreamConfig struct {
	HealthWindow     time.Duration `yaml:"health_window"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	ViewerQueueSize  int           `yaml:"viewer_queue_size"`
	MaxParameterSets int           `yaml:"max_parameter_sets"`
	MaxUnitSize      int           `yaml:"max_unit_size"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// MDNSConfig configures the optional LAN announcement.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			WriteTimeout: 5 * time.Second,
		},
		ADB: adb.Config{
			Binary:          adb.DefaultBinary,
			RemoteJar:       adb.DefaultRemoteJar,
			ServerVersion:   adb.DefaultServerVersion,
			MaxSize:         adb.DefaultMaxSize,
			VideoBitRate:    adb.DefaultVideoBitRate,
			ForwardPortBase: adb.DefaultForwardPortBase,
			CommandTimeout:  adb.DefaultCommandTimeout,
		},
		Capture: CaptureConfig{
			ConnectTimeout: capture.DefaultConnectTimeout,
			DialInterval:   capture.DefaultDialInterval,
			StopTimeout:    capture.DefaultStopTimeout,
		},
		Stream: StreamConfig{
			HealthWindow:     resilience.DefaultHealthWindow,
			GracePeriod:      resilience.DefaultGracePeriod,
			MaxAttempts:      resilience.DefaultMaxAttempts,
			InitialBackoff:   resilience.DefaultInitialBackoff,
			MaxBackoff:       resilience.DefaultMaxBackoff,
			ViewerQueueSize:  media.DefaultViewerQueueSize,
			MaxParameterSets: media.DefaultMaxParameterSets,
			MaxUnitSize:      media.DefaultMaxUnitSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MDNS: MDNSConfig{
			Instance: "devrelay",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays DEVRELAY_* variables read through lookup, which is
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DEVRELAY_ADDR", &c.Server.Addr)
	str("DEVRELAY_WEB_DIR", &c.Server.WebDir)
	if v, ok := lookup("DEVRELAY_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("DEVRELAY_ADB", &c.ADB.Binary)
	str("DEVRELAY_SERVER_JAR", &c.ADB.ServerJar)
	num("DEVRELAY_MAX_SIZE", &c.ADB.MaxSize)
	num("DEVRELAY_BIT_RATE", &c.ADB.VideoBitRate)
	dur("DEVRELAY_CONNECT_TIMEOUT", &c.Capture.ConnectTimeout)
	dur("DEVRELAY_HEALTH_WINDOW", &c.Stream.HealthWindow)
	dur("DEVRELAY_GRACE_PERIOD", &c.Stream.GracePeriod)
	num("DEVRELAY_MAX_ATTEMPTS", &c.Stream.MaxAttempts)
	str("DEVRELAY_LOG_LEVEL", &c.Log.Level)
	str("DEVRELAY_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("DEBUG"); ok && v != "" {
		c.Log.Level = "debug"
	}
	boolean("DEVRELAY_MDNS", &c.MDNS.Enabled)
	boolean("DEVRELAY_SELF_SIGNED_TLS", &c.Server.SelfSignedTLS)
	if v, ok := lookup("DEVRELAY_TLS_HOSTS"); ok && v != "" {
		c.Server.TLSHosts = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", f))
	}
	if c.Stream.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("stream.max_attempts %d: want at least 1", c.Stream.MaxAttempts))
	}
	if c.Stream.HealthWindow <= 0 {
		errs = append(errs, errors.New("stream.health_window must be positive"))
	}
	if c.Stream.GracePeriod <= 0 {
		errs = append(errs, errors.New("stream.grace_period must be positive"))
	}
	if c.Stream.ViewerQueueSize <= c.Stream.MaxParameterSets {
		errs = append(errs, fmt.Errorf("stream.viewer_queue_size %d must exceed stream.max_parameter_sets %d",
			c.Stream.ViewerQueueSize, c.Stream.MaxParameterSets))
	}
	if c.Capture.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("capture.connect_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// SupervisorConfig returns the capture supervisor settings.
func (c *Config) SupervisorConfig() capture.Config {
	return capture.Config{
		ConnectTimeout: c.Capture.ConnectTimeout,
		DialInterval:   c.Capture.DialInterval,
		StopTimeout:    c.Capture.StopTimeout,
	}
}

// ControllerConfig returns the per-device controller settings.
func (c *Config) ControllerConfig() resilience.Config {
	return resilience.Config{
		HealthWindow:     c.Stream.HealthWindow,
		GracePeriod:      c.Stream.GracePeriod,
		MaxAttempts:      c.Stream.MaxAttempts,
		InitialBackoff:   c.Stream.InitialBackoff,
		MaxBackoff:       c.Stream.MaxBackoff,
		QueueSize:        c.Stream.ViewerQueueSize,
		MaxParameterSets: c.Stream.MaxParameterSets,
		MaxUnitSize:      c.Stream.MaxUnitSize,
	}
}
