package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level obsched configuration file.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Site        SiteConfig        `yaml:"site"`
	Observatory ObservatoryConfig `yaml:"observatory"`
}

// ServerConfig holds configuration for the obsched daemon.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (default ~/.obsched/obsched.db, ":memory:" for testing)
	JobList   string `yaml:"job_list"`   // Job list file loaded at startup and watched for changes
	Simulate  bool   `yaml:"simulate"`   // Drive the simulated rig instead of real devices
}

// SchedulerConfig holds the scheduling policy.
type SchedulerConfig struct {
	LeadTime                   time.Duration `yaml:"lead_time"`
	PreDawnMargin              time.Duration `yaml:"pre_dawn_margin"`
	SettingAltitudeCutoff      float64       `yaml:"setting_altitude_cutoff"`
	SortByPriority             bool          `yaml:"sort_by_priority"`
	RememberProgress           bool          `yaml:"remember_progress"`
	PreemptiveShutdown         bool          `yaml:"preemptive_shutdown"`
	PreemptiveShutdownTime     time.Duration `yaml:"preemptive_shutdown_time"`
	ParkMountWhileWaiting      bool          `yaml:"park_mount_while_waiting"`
	TickInterval               time.Duration `yaml:"tick_interval"`
	WeatherPeriod              time.Duration `yaml:"weather_period"`
	WeatherNoUpdateWarning     int           `yaml:"weather_no_update_warning"`
	AbortedSleep               time.Duration `yaml:"aborted_sleep"`
	ParkTimeout                time.Duration `yaml:"park_timeout"`
	ConnectTimeout             time.Duration `yaml:"connect_timeout"`
	DitherEnabled              bool          `yaml:"dither_enabled"`
	DitherFrames               int           `yaml:"dither_frames"`
	ResetMountModelOnAlignFail bool          `yaml:"reset_mount_model_on_align_fail"`
	ResetMountModelBeforeJob   bool          `yaml:"reset_mount_model_before_job"`

	// JavaScript files loaded before every constraint expression.
	ConstraintLibrary []string `yaml:"constraint_library"`

	Startup  StartupProcedure  `yaml:"startup"`
	Shutdown ShutdownProcedure `yaml:"shutdown"`
}

// StartupProcedure selects the optional steps run before the first job.
type StartupProcedure struct {
	Script      string `yaml:"script"`
	UnparkDome  bool   `yaml:"unpark_dome"`
	UnparkMount bool   `yaml:"unpark_mount"`
	UnparkCap   bool   `yaml:"unpark_cap"`
}

// ShutdownProcedure selects the optional steps run after the last job.
type ShutdownProcedure struct {
	WarmCCD   bool   `yaml:"warm_ccd"`
	ParkCap   bool   `yaml:"park_cap"`
	ParkMount bool   `yaml:"park_mount"`
	ParkDome  bool   `yaml:"park_dome"`
	Script    string `yaml:"script"`
}

// SiteConfig describes the observing location.
type SiteConfig struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`  // degrees, north positive
	Longitude float64 `yaml:"longitude"` // degrees, east positive
	Elevation float64 `yaml:"elevation"` // meters
	Timezone  string  `yaml:"timezone"`  // IANA name, e.g. "Europe/Paris"
}

// Location resolves the site timezone, falling back to UTC.
func (s SiteConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ObservatoryConfig holds the dome/weather aggregator settings.
type ObservatoryConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	WarningActions WeatherActions `yaml:"warning_actions"`
	AlertActions   WeatherActions `yaml:"alert_actions"`
}

// WeatherActions lists what the aggregator does on a weather status.
type WeatherActions struct {
	PauseScheduler bool `yaml:"pause_scheduler"`
	StopScheduler  bool `yaml:"stop_scheduler"`
	CloseDome      bool `yaml:"close_dome"`
	ParkMount      bool `yaml:"park_mount"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultSchedulerConfig returns the scheduling defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LeadTime:               5 * time.Minute,
		PreDawnMargin:          60 * time.Minute,
		SettingAltitudeCutoff:  3,
		SortByPriority:         true,
		RememberProgress:       true,
		PreemptiveShutdownTime: 2 * time.Hour,
		ParkMountWhileWaiting:  true,
		TickInterval:           time.Second,
		WeatherPeriod:          60 * time.Second,
		WeatherNoUpdateWarning: 5,
		AbortedSleep:           30 * time.Second,
		ParkTimeout:            60 * time.Second,
		ConnectTimeout:         30 * time.Second,
		DitherFrames:           1,
		Startup: StartupProcedure{
			UnparkMount: true,
		},
		Shutdown: ShutdownProcedure{
			ParkMount: true,
		},
	}
}

// DefaultSiteConfig returns a placeholder site at Greenwich.
func DefaultSiteConfig() SiteConfig {
	return SiteConfig{
		Name:     "Greenwich",
		Latitude: 51.4769,
		Timezone: "UTC",
	}
}

// DefaultObservatoryConfig returns the aggregator defaults.
func DefaultObservatoryConfig() ObservatoryConfig {
	return ObservatoryConfig{
		PollInterval:   10 * time.Second,
		WarningActions: WeatherActions{
			PauseScheduler: true,
		},
		AlertActions: WeatherActions{
			StopScheduler: true,
			CloseDome:     true,
			ParkMount:     true,
		},
	}
}

// Default returns a Config with every section at its defaults.
func Default() Config {
	return Config{
		Server:      DefaultServerConfig(),
		Scheduler:   DefaultSchedulerConfig(),
		Site:        DefaultSiteConfig(),
		Observatory: DefaultObservatoryConfig(),
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the scheduler cannot run with.
func (c Config) Validate() error {
	s := c.Scheduler
	if s.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if s.WeatherPeriod <= 0 {
		return fmt.Errorf("scheduler.weather_period must be positive")
	}
	if s.LeadTime < 0 || s.PreDawnMargin < 0 {
		return fmt.Errorf("scheduler lead time and pre-dawn margin must not be negative")
	}
	if s.DitherFrames <= 0 {
		return fmt.Errorf("scheduler.dither_frames must be at least 1")
	}
	if c.Site.Latitude < -90 || c.Site.Latitude > 90 {
		return fmt.Errorf("site.latitude out of range: %v", c.Site.Latitude)
	}
	if c.Site.Longitude < -180 || c.Site.Longitude > 180 {
		return fmt.Errorf("site.longitude out of range: %v", c.Site.Longitude)
	}
	return nil
}

// LoadConstraintLibrary reads the configured constraint library files.
func (s SchedulerConfig) LoadConstraintLibrary() ([]string, error) {
	lib := make([]string, 0, len(s.ConstraintLibrary))
	for _, path := range s.ConstraintLibrary {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read constraint library: %w", err)
		}
		lib = append(lib, string(data))
	}
	return lib, nil
}
