// Package config handles TOML configuration loading with sensible defaults
// and environment overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/setevik/fleetrisk/internal/risk"
)

// maxDurationDays is the largest day count a time.Duration can hold.
const maxDurationDays = int(math.MaxInt64 / int64(24*time.Hour))

// EnvPrefix prefixes every environment override (FLEETRISK_DB_PATH, ...).
const EnvPrefix = "FLEETRISK_"

// Config is the top-level configuration for fleetrisk.
type Config struct {
	Instance InstanceConfig `toml:"instance"`
	DB       DBConfig       `toml:"db"`
	Server   ServerConfig   `toml:"server"`
	Risk     RiskConfig     `toml:"risk"`
	Realtime RealtimeConfig `toml:"realtime"`
	Ingest   IngestConfig   `toml:"ingest"`
	Ntfy     NtfyConfig     `toml:"ntfy"`
	Cooldown CooldownConfig `toml:"cooldown"`
	Log      LogConfig      `toml:"log"`
}

// InstanceConfig identifies this deployment in alerts and logs.
type InstanceConfig struct {
	ID    string `toml:"id"`
	Fleet string `toml:"fleet"`
}

// DBConfig controls the SQLite event store.
type DBConfig struct {
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
	// FetchLimit caps the records read per trend or window query; the
	// newest are kept. 0 means no cap.
	FetchLimit int `toml:"fetch_limit"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr         string   `toml:"addr"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
	// RequestTimeout bounds each analysis call.
	RequestTimeout Duration `toml:"request_timeout"`
}

// RiskConfig tunes the risk model.
type RiskConfig struct {
	DaysHistory        int                        `toml:"days_history"`
	ActivityWindowDays float64                    `toml:"activity_window_days"`
	ViolationTypes     map[string]risk.TypeConfig `toml:"violation_types"`
}

// RealtimeConfig controls the window analyzer defaults.
type RealtimeConfig struct {
	DefaultTimeframe string `toml:"default_timeframe"`
}

// IngestConfig describes the export command streamed by "import --pipe" and
// followed by "serve" when Follow is set.
type IngestConfig struct {
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	Kind        string   `toml:"kind"`
	Follow      bool     `toml:"follow"`
	RestartWait Duration `toml:"restart_wait"`
}

// NtfyConfig controls the ntfy notification target.
type NtfyConfig struct {
	URL         string            `toml:"url"`
	PriorityMap map[string]string `toml:"priority_map"`
	// MinScore is the lowest risk score that triggers an alert.
	MinScore float64 `toml:"min_score"`
	// CheckInterval is how often "serve" rescores drivers for alerts. 0
	// disables the periodic check.
	CheckInterval Duration `toml:"check_interval"`
}

// CooldownConfig controls per-driver alert suppression.
type CooldownConfig struct {
	Window Duration `toml:"window"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "5m", "1h", "30d").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ParseDuration extends time.ParseDuration with support for a "d" (days)
// suffix.
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid days format: %s", s)
		}
		if days > maxDurationDays || days < -maxDurationDays {
			return 0, fmt.Errorf("days out of range: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID:    hostname,
			Fleet: "default",
		},
		DB: DBConfig{
			Retention:  Duration{365 * 24 * time.Hour},
			FetchLimit: 50000,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    Duration{15 * time.Second},
			WriteTimeout:   Duration{30 * time.Second},
			RequestTimeout: Duration{20 * time.Second},
		},
		Risk: RiskConfig{
			DaysHistory:        risk.DefaultDaysHistory,
			ActivityWindowDays: 7,
		},
		Realtime: RealtimeConfig{
			DefaultTimeframe: "1h",
		},
		Ingest: IngestConfig{
			RestartWait: Duration{5 * time.Second},
		},
		Ntfy: NtfyConfig{
			PriorityMap: map[string]string{
				"critical": "urgent",
				"high":     "high",
				"moderate": "default",
			},
			MinScore:      75,
			CheckInterval: Duration{15 * time.Minute},
		},
		Cooldown: CooldownConfig{
			Window: Duration{6 * time.Hour},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "fleetrisk", "config.toml")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
// Environment variables (optionally from a .env file in the working
// directory) override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// A missing .env is fine.
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from FLEETRISK_* variables.
func (c *Config) applyEnv() error {
	setString(&c.Instance.ID, "INSTANCE_ID")
	setString(&c.DB.Path, "DB_PATH")
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Realtime.DefaultTimeframe, "REALTIME_DEFAULT_TIMEFRAME")
	setString(&c.Ingest.Command, "INGEST_COMMAND")
	setString(&c.Ntfy.URL, "NTFY_URL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	if err := setInt(&c.DB.FetchLimit, "DB_FETCH_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&c.Risk.DaysHistory, "RISK_DAYS_HISTORY"); err != nil {
		return err
	}
	if err := setFloat(&c.Ntfy.MinScore, "NTFY_MIN_SCORE"); err != nil {
		return err
	}
	if err := setDuration(&c.DB.Retention, "DB_RETENTION"); err != nil {
		return err
	}
	if err := setDuration(&c.Ntfy.CheckInterval, "NTFY_CHECK_INTERVAL"); err != nil {
		return err
	}
	return setDuration(&c.Cooldown.Window, "COOLDOWN_WINDOW")
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	dst.Duration = d
	return nil
}

// Validate rejects settings the analysis components cannot run with.
func (c *Config) Validate() error {
	if c.Risk.DaysHistory < 1 {
		return fmt.Errorf("risk.days_history must be at least 1, got %d", c.Risk.DaysHistory)
	}
	if c.Risk.DaysHistory > risk.MaxDaysHistory {
		return fmt.Errorf("risk.days_history must be at most %d, got %d", risk.MaxDaysHistory, c.Risk.DaysHistory)
	}
	if c.DB.FetchLimit < 0 {
		return fmt.Errorf("db.fetch_limit must not be negative")
	}
	if err := c.RiskModel().Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// DBPath returns the configured database path, or the default location
// under the XDG data directory.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	return filepath.Join(DataDir(), "fleetrisk.db")
}

// DataDir returns the fleetrisk data directory.
func DataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "fleetrisk")
}

// RiskModel returns the default model with the configured overrides applied.
func (c *Config) RiskModel() risk.Model {
	m := risk.DefaultModel().With(c.Risk.ViolationTypes)
	if c.Risk.ActivityWindowDays != 0 {
		m.ActivityWindowDays = c.Risk.ActivityWindowDays
	}
	return m
}

// NtfyPriority maps a recommendation tier ("critical", "high", ...) to an
// ntfy priority string.
func (c *Config) NtfyPriority(tier string) string {
	if p, ok := c.Ntfy.PriorityMap[tier]; ok {
		return p
	}
	return "default"
}
