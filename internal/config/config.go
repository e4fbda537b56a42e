package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	Devices          Devices
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	ProcRoot         string
	WS               WebsocketConfig
	Proc             ProcConfig
}

// Devices selects which block devices are reported.
type Devices struct {
	// Names is an explicit allow-list; empty means automatic selection.
	Names             []string
	IncludePartitions bool
	IncludeVirtual    bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ProcConfig contains settings for the per-process I/O scanner.
type ProcConfig struct {
	Enable       bool
	ScanInterval time.Duration
	MaxPIDs      int
	TopN         int
}

// Default returns the configuration used when no environment overrides exist.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		SampleInterval:   5 * time.Second,
		AllowedOrigins:   []string{"*"},
		Devices:          Devices{IncludeVirtual: true},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		ProcRoot:         "/proc",
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Proc: ProcConfig{
			Enable:       true,
			ScanInterval: 5 * time.Second,
			MaxPIDs:      5000,
			TopN:         25,
		},
	}
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Default()

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if err := durationVar("APP_SAMPLE_INTERVAL", &cfg.SampleInterval); err != nil {
		return Config{}, err
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := SplitList(value)
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := env("APP_DEVICES"); value != "" {
		cfg.Devices.Names = SplitList(value)
	}

	boolVars := []struct {
		key string
		dst *bool
	}{
		{"APP_INCLUDE_PARTITIONS", &cfg.Devices.IncludePartitions},
		{"APP_INCLUDE_VIRTUAL", &cfg.Devices.IncludeVirtual},
		{"APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus},
		{"APP_ENABLE_PPROF", &cfg.EnablePprof},
		{"APP_PROC_ENABLE", &cfg.Proc.Enable},
	}
	for _, v := range boolVars {
		if err := boolVar(v.key, v.dst); err != nil {
			return Config{}, err
		}
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := ParseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := env("APP_SYSFS_ROOT"); value != "" {
		cfg.SysfsRoot = value
	}

	if value := env("APP_PROC_ROOT"); value != "" {
		cfg.ProcRoot = value
	}

	if err := positiveIntVar("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if err := durationVar("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := durationVar("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := durationVar("APP_PROC_SCAN_INTERVAL", &cfg.Proc.ScanInterval); err != nil {
		return Config{}, err
	}
	if err := positiveIntVar("APP_PROC_MAX_PIDS", &cfg.Proc.MaxPIDs); err != nil {
		return Config{}, err
	}
	if err := positiveIntVar("APP_PROC_TOP_N", &cfg.Proc.TopN); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationVar(key string, dst *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func boolVar(key string, dst *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func positiveIntVar(key string, dst *int) error {
	value := env(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = n
	return nil
}

// SplitList splits a comma-separated list, dropping blank items.
func SplitList(value string) []string {
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
