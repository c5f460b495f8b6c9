// Package config manages the gostun daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables, layered in that order
// on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gostun configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Admin   AdminConfig   `koanf:"admin"`
	Server  ServerConfig  `koanf:"server"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// AdminConfig holds the ConnectRPC health-check endpoint configuration.
type AdminConfig struct {
	// Addr is the HTTP listen address for the admin health surface
	// (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// ServerConfig holds the dispatch core's own configuration, one
// field per server option.
type ServerConfig struct {
	// ThreadingPerSocket selects the placement model: 0 means a
	// single loop serves every bound socket; k>0 spawns k loops per
	// role, each reading the same bound socket.
	ThreadingPerSocket uint32 `koanf:"threading_per_socket"`

	// MaxConnections bounds, per TCP listener, how many accepted
	// streams may be live at once. Ignored for UDP.
	MaxConnections int `koanf:"max_connections"`

	// AddrPP, AddrPA, AddrAP, AddrAA are the bind endpoints per role,
	// as "ip:port" strings.
	AddrPP string `koanf:"addr_pp"`
	AddrPA string `koanf:"addr_pa"`
	AddrAP string `koanf:"addr_ap"`
	AddrAA string `koanf:"addr_aa"`

	// AddrPrimaryAdvertised is the public IP advertised for PP/PA;
	// its port is ignored, the advertised port is always taken from
	// the bind side.
	AddrPrimaryAdvertised string `koanf:"addr_primary_advertised"`
	// AddrAlternateAdvertised is the public IP advertised for AP/AA.
	AddrAlternateAdvertised string `koanf:"addr_alternate_advertised"`

	EnableDOSProtection bool `koanf:"enable_dos_protection"`
	ReuseAddr           bool `koanf:"reuse_addr"`
	IsFullMode          bool `koanf:"is_full_mode"`
	TCP                 bool `koanf:"tcp"`

	// RateLimitThreshold, RateLimitWindow and RateLimitTrackedSources
	// tune the per-source-IP rate limiter when EnableDOSProtection is
	// set; see internal/ratelimit.
	RateLimitThreshold      int     `koanf:"rate_limit_threshold"`
	RateLimitWindow         float64 `koanf:"rate_limit_window"`
	RateLimitTrackedSources int     `koanf:"rate_limit_tracked_sources"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults: basic
// mode (PP only), UDP, no DoS protection.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Admin: AdminConfig{
			Addr: ":50051",
		},
		Server: ServerConfig{
			ThreadingPerSocket:      0,
			MaxConnections:          256,
			AddrPP:                  "0.0.0.0:3478",
			AddrPrimaryAdvertised:   "0.0.0.0",
			EnableDOSProtection:     false,
			ReuseAddr:               true,
			IsFullMode:              false,
			TCP:                     false,
			RateLimitThreshold:      50,
			RateLimitWindow:         1.0,
			RateLimitTrackedSources: 65536,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gostun configuration.
// Variables are named GOSTUN_<section>_<key>, e.g., GOSTUN_SERVER_TCP.
const envPrefix = "GOSTUN_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOSTUN_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOSTUN_LOG_LEVEL              -> log.level
//	GOSTUN_METRICS_ADDR           -> metrics.addr
//	GOSTUN_ADMIN_ADDR             -> admin.addr
//	GOSTUN_SERVER_TCP             -> server.tcp
//	GOSTUN_SERVER_IS_FULL_MODE    -> server.is_full_mode
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOSTUN_SERVER_ADDR_PP -> server.addr_pp.
// Strips the GOSTUN_ prefix, lowercases, and replaces the first _ with
// a . to separate the section from the rest of the (already
// underscore-separated) key.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	if i := strings.Index(s, "_"); i >= 0 {
		return s[:i] + "." + s[i+1:]
	}
	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                        defaults.Log.Level,
		"log.format":                       defaults.Log.Format,
		"metrics.addr":                     defaults.Metrics.Addr,
		"metrics.path":                     defaults.Metrics.Path,
		"admin.addr":                       defaults.Admin.Addr,
		"server.threading_per_socket":      defaults.Server.ThreadingPerSocket,
		"server.max_connections":           defaults.Server.MaxConnections,
		"server.addr_pp":                   defaults.Server.AddrPP,
		"server.addr_pa":                   defaults.Server.AddrPA,
		"server.addr_ap":                   defaults.Server.AddrAP,
		"server.addr_aa":                   defaults.Server.AddrAA,
		"server.addr_primary_advertised":   defaults.Server.AddrPrimaryAdvertised,
		"server.addr_alternate_advertised": defaults.Server.AddrAlternateAdvertised,
		"server.enable_dos_protection":     defaults.Server.EnableDOSProtection,
		"server.reuse_addr":                defaults.Server.ReuseAddr,
		"server.is_full_mode":              defaults.Server.IsFullMode,
		"server.tcp":                       defaults.Server.TCP,
		"server.rate_limit_threshold":      defaults.Server.RateLimitThreshold,
		"server.rate_limit_window":         defaults.Server.RateLimitWindow,
		"server.rate_limit_tracked_sources": defaults.Server.RateLimitTrackedSources,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrEmptyAdminAddr indicates the admin listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrInvalidAddrPP indicates server.addr_pp is missing or malformed.
	ErrInvalidAddrPP = errors.New("server.addr_pp must be a valid host:port")

	// ErrFullModeMissingAddr indicates is_full_mode is set but one of
	// addr_pa/addr_ap/addr_aa is missing or malformed.
	ErrFullModeMissingAddr = errors.New("server.is_full_mode requires addr_pa, addr_ap and addr_aa")

	// ErrInvalidAdvertised indicates one of the advertised addresses
	// is missing or malformed.
	ErrInvalidAdvertised = errors.New("server advertised address must be a valid IP")

	// ErrTCPRequiresMaxConnections indicates tcp is set but
	// max_connections is not positive.
	ErrTCPRequiresMaxConnections = errors.New("server.tcp requires max_connections > 0")

	// ErrInvalidRateLimitTunables indicates enable_dos_protection is
	// set but one of the rate limiter tunables is not positive.
	ErrInvalidRateLimitTunables = errors.New("server.enable_dos_protection requires positive " +
		"rate_limit_threshold, rate_limit_window and rate_limit_tracked_sources")
)

// Validate checks the configuration for logical errors, mirroring the
// checks internal/server.Supervisor.Initialize would otherwise
// discover only after touching a socket: missing endpoints for
// is_full_mode, malformed addresses, inconsistent tunables.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if _, err := netip.ParseAddrPort(cfg.Server.AddrPP); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddrPP, err)
	}

	if cfg.Server.IsFullMode {
		for _, addr := range []string{cfg.Server.AddrPA, cfg.Server.AddrAP, cfg.Server.AddrAA} {
			if _, err := netip.ParseAddrPort(addr); err != nil {
				return fmt.Errorf("%w: %w", ErrFullModeMissingAddr, err)
			}
		}
	}

	if _, err := netip.ParseAddr(cfg.Server.AddrPrimaryAdvertised); err != nil {
		return fmt.Errorf("%w: addr_primary_advertised: %w", ErrInvalidAdvertised, err)
	}
	if cfg.Server.IsFullMode {
		if _, err := netip.ParseAddr(cfg.Server.AddrAlternateAdvertised); err != nil {
			return fmt.Errorf("%w: addr_alternate_advertised: %w", ErrInvalidAdvertised, err)
		}
	}

	if cfg.Server.TCP && cfg.Server.MaxConnections <= 0 {
		return ErrTCPRequiresMaxConnections
	}

	if cfg.Server.EnableDOSProtection {
		if cfg.Server.RateLimitThreshold <= 0 || cfg.Server.RateLimitWindow <= 0 ||
			cfg.Server.RateLimitTrackedSources <= 0 {
			return ErrInvalidRateLimitTunables
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
