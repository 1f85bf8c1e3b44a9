// Package config provides configuration management for feederwatch.
// It loads settings from environment variables with the FEEDERWATCH_ prefix
// and provides sensible defaults for all configuration options.
//
// An optional YAML file can be layered underneath the environment with
// LoadConfigFile; environment variables always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the feederwatch daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port      int     `yaml:"port"`       // Server port (default: 6464)
	Host      string  `yaml:"host"`       // Server host (default: 127.0.0.1)
	RateLimit float64 `yaml:"rate_limit"` // Requests per second per client (default: 20)
	RateBurst int     `yaml:"rate_burst"` // Burst size (default: 40)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath      string `yaml:"data_path"`    // Path to data directory (default: ./data)
	PostgresDSN   string `yaml:"postgres_dsn"` // Required when engine is postgres
	Gallery       string `yaml:"gallery"`      // local or postgres (default: local)

	BackupInterval time.Duration `yaml:"backup_interval"` // SQLite backup cadence; 0 disables (default: 24h)
	BackupDir      string        `yaml:"backup_dir"`      // Default: <data_path>/backups
}

// ExtractorConfig configures the remote feature-extraction service.
type ExtractorConfig struct {
	URL           string        `yaml:"url"`             // Base URL; empty disables image ingestion
	Timeout       time.Duration `yaml:"timeout"`         // Per-request timeout (default: 10s)
	RatePerSecond float64       `yaml:"rate_per_second"` // Outbound request rate (default: 5)
	Burst         int           `yaml:"burst"`           // Outbound burst (default: 5)
	CacheTTL      time.Duration `yaml:"cache_ttl"`       // Extraction cache TTL (default: 10m)
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or text (default: json)
}

// PipelineConfig is the immutable set of tunables for the attribution
// pipeline. It is passed by value into every component constructor.
type PipelineConfig struct {
	// Matching
	Metric              string  `yaml:"metric"`                // cosine or euclidean (default: cosine)
	MatchThreshold      float64 `yaml:"match_threshold"`       // minimum confidence to accept a match (default: 0.80)
	TopK                int     `yaml:"top_k"`                 // candidates kept for diagnostics (default: 5)
	TieEpsilon          float64 `yaml:"tie_epsilon"`           // confidences within this are tied (default: 1e-6)
	MaxReferenceVectors int     `yaml:"max_reference_vectors"` // references per identity (default: 8)

	// Identification and enrollment
	IdentificationFloor float64       `yaml:"identification_floor"` // detector confidence below this is unknown (default: 0.5)
	AutoEnroll          bool          `yaml:"auto_enroll"`          // enroll unknown captures automatically (default: false)
	MinEnrollQuality    float64       `yaml:"min_enroll_quality"`   // detector confidence needed to enroll (default: 0.8)
	EnrollDedupWindow   time.Duration `yaml:"enroll_dedup_window"`  // unknowns within this merge into one enrollment (default: 5s)

	// Visits
	IdleGap       time.Duration `yaml:"idle_gap"`       // max gap between captures of one visit (default: 10s)
	SweepInterval time.Duration `yaml:"sweep_interval"` // periodic visit-closing sweep (default: 15s)

	// Depletion
	DepletionPerVisit  float64       `yaml:"depletion_per_visit"` // r, fraction consumed per visit (default: 0.005)
	SurgeFactor        float64       `yaml:"surge_factor"`        // rate/baseline ratio that triggers scaling (default: 1.5)
	RecentWindow       time.Duration `yaml:"recent_window"`       // trailing rate window (default: 24h)
	BaselineWindow     time.Duration `yaml:"baseline_window"`     // baseline rate window (default: 168h)
	MinHistoryVisits   int           `yaml:"min_history_visits"`  // fewer visits than this is low confidence (default: 10)
	SeasonalFactors    []float64     `yaml:"seasonal_factors"`    // 12 monthly multipliers (default: all 1.0)
	ReevaluateInterval time.Duration `yaml:"reevaluate_interval"` // periodic alert re-evaluation (default: 5m)
	ProjectionDays     int           `yaml:"projection_days"`     // days in the estimate's alert-level projection; 0 disables (default: 7)

	// Alerts
	HighThreshold   float64 `yaml:"high_threshold"`   // remaining below this is high (default: 0.10)
	MediumThreshold float64 `yaml:"medium_threshold"` // remaining below this is medium (default: 0.25)
	LowThreshold    float64 `yaml:"low_threshold"`    // remaining below this is low; 0 disables (default: 0)
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// All environment variables use the FEEDERWATCH_ prefix.
func LoadConfig() (*Config, error) {
	cfg := applyEnv(Defaults())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads a YAML file on top of the defaults and then applies
// environment overrides. A missing path behaves like LoadConfig.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return LoadConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	base := Defaults()
	if err := yaml.Unmarshal(data, base); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg := applyEnv(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      6464,
			Host:      "127.0.0.1",
			RateLimit: 20,
			RateBurst: 40,
		},
		Storage: StorageConfig{
			StorageEngine:  "sqlite",
			DataPath:       "./data",
			Gallery:        "local",
			BackupInterval: 24 * time.Hour,
		},
		Extractor: ExtractorConfig{
			Timeout:       10 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
			CacheTTL:      10 * time.Minute,
		},
		Pipeline: DefaultPipeline(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPipeline returns the default pipeline tunables.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		Metric:              "cosine",
		MatchThreshold:      0.80,
		TopK:                5,
		TieEpsilon:          1e-6,
		MaxReferenceVectors: 8,
		IdentificationFloor: 0.5,
		AutoEnroll:          false,
		MinEnrollQuality:    0.8,
		EnrollDedupWindow:   5 * time.Second,
		IdleGap:             10 * time.Second,
		SweepInterval:       15 * time.Second,
		DepletionPerVisit:   0.005,
		SurgeFactor:         1.5,
		RecentWindow:        24 * time.Hour,
		BaselineWindow:      7 * 24 * time.Hour,
		MinHistoryVisits:    10,
		SeasonalFactors:     flatSeason(),
		ReevaluateInterval:  5 * time.Minute,
		ProjectionDays:      7,
		HighThreshold:       0.10,
		MediumThreshold:     0.25,
		LowThreshold:        0,
	}
}

func flatSeason() []float64 {
	f := make([]float64, 12)
	for i := range f {
		f[i] = 1.0
	}
	return f
}

// SeasonalFactor returns the multiplier for the given month.
func (p PipelineConfig) SeasonalFactor(m time.Month) float64 {
	i := int(m) - 1
	if i < 0 || i >= len(p.SeasonalFactors) || p.SeasonalFactors[i] <= 0 {
		return 1.0
	}
	return p.SeasonalFactors[i]
}

// applyEnv overlays FEEDERWATCH_ environment variables on base. Current
// values of base act as the defaults.
func applyEnv(base *Config) *Config {
	cfg := *base
	p := &cfg.Pipeline

	cfg.Server.Port = getEnvInt("FEEDERWATCH_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("FEEDERWATCH_HOST", cfg.Server.Host)
	cfg.Server.RateLimit = getEnvFloat("FEEDERWATCH_RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.RateBurst = getEnvInt("FEEDERWATCH_RATE_BURST", cfg.Server.RateBurst)

	cfg.Storage.StorageEngine = getEnv("FEEDERWATCH_STORAGE_ENGINE", cfg.Storage.StorageEngine)
	cfg.Storage.DataPath = getEnv("FEEDERWATCH_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("FEEDERWATCH_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.Gallery = getEnv("FEEDERWATCH_GALLERY", cfg.Storage.Gallery)
	cfg.Storage.BackupInterval = getEnvDuration("FEEDERWATCH_BACKUP_INTERVAL", cfg.Storage.BackupInterval)
	cfg.Storage.BackupDir = getEnv("FEEDERWATCH_BACKUP_DIR", cfg.Storage.BackupDir)

	cfg.Extractor.URL = getEnv("FEEDERWATCH_EXTRACTOR_URL", cfg.Extractor.URL)
	cfg.Extractor.Timeout = getEnvDuration("FEEDERWATCH_EXTRACTOR_TIMEOUT", cfg.Extractor.Timeout)
	cfg.Extractor.RatePerSecond = getEnvFloat("FEEDERWATCH_EXTRACTOR_RATE", cfg.Extractor.RatePerSecond)
	cfg.Extractor.Burst = getEnvInt("FEEDERWATCH_EXTRACTOR_BURST", cfg.Extractor.Burst)
	cfg.Extractor.CacheTTL = getEnvDuration("FEEDERWATCH_EXTRACTOR_CACHE_TTL", cfg.Extractor.CacheTTL)

	p.Metric = getEnv("FEEDERWATCH_METRIC", p.Metric)
	p.MatchThreshold = getEnvFloat("FEEDERWATCH_MATCH_THRESHOLD", p.MatchThreshold)
	p.TopK = getEnvInt("FEEDERWATCH_TOP_K", p.TopK)
	p.TieEpsilon = getEnvFloat("FEEDERWATCH_TIE_EPSILON", p.TieEpsilon)
	p.MaxReferenceVectors = getEnvInt("FEEDERWATCH_MAX_REFERENCE_VECTORS", p.MaxReferenceVectors)
	p.IdentificationFloor = getEnvFloat("FEEDERWATCH_IDENTIFICATION_FLOOR", p.IdentificationFloor)
	p.AutoEnroll = getEnvBool("FEEDERWATCH_AUTO_ENROLL", p.AutoEnroll)
	p.MinEnrollQuality = getEnvFloat("FEEDERWATCH_MIN_ENROLL_QUALITY", p.MinEnrollQuality)
	p.EnrollDedupWindow = getEnvDuration("FEEDERWATCH_ENROLL_DEDUP_WINDOW", p.EnrollDedupWindow)
	p.IdleGap = getEnvDuration("FEEDERWATCH_IDLE_GAP", p.IdleGap)
	p.SweepInterval = getEnvDuration("FEEDERWATCH_SWEEP_INTERVAL", p.SweepInterval)
	p.DepletionPerVisit = getEnvFloat("FEEDERWATCH_DEPLETION_PER_VISIT", p.DepletionPerVisit)
	p.SurgeFactor = getEnvFloat("FEEDERWATCH_SURGE_FACTOR", p.SurgeFactor)
	p.RecentWindow = getEnvDuration("FEEDERWATCH_RECENT_WINDOW", p.RecentWindow)
	p.BaselineWindow = getEnvDuration("FEEDERWATCH_BASELINE_WINDOW", p.BaselineWindow)
	p.MinHistoryVisits = getEnvInt("FEEDERWATCH_MIN_HISTORY_VISITS", p.MinHistoryVisits)
	p.SeasonalFactors = getEnvFloats("FEEDERWATCH_SEASONAL_FACTORS", p.SeasonalFactors)
	p.ReevaluateInterval = getEnvDuration("FEEDERWATCH_REEVALUATE_INTERVAL", p.ReevaluateInterval)
	p.ProjectionDays = getEnvInt("FEEDERWATCH_PROJECTION_DAYS", p.ProjectionDays)
	p.HighThreshold = getEnvFloat("FEEDERWATCH_HIGH_THRESHOLD", p.HighThreshold)
	p.MediumThreshold = getEnvFloat("FEEDERWATCH_MEDIUM_THRESHOLD", p.MediumThreshold)
	p.LowThreshold = getEnvFloat("FEEDERWATCH_LOW_THRESHOLD", p.LowThreshold)

	cfg.Logging.Level = getEnv("FEEDERWATCH_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("FEEDERWATCH_LOG_FORMAT", cfg.Logging.Format)

	return &cfg
}

// Validate checks that every setting is within range.
func (c *Config) Validate() error {
	switch c.Storage.StorageEngine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: postgres storage engine requires FEEDERWATCH_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.StorageEngine)
	}
	switch c.Storage.Gallery {
	case "local":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: postgres gallery requires FEEDERWATCH_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown gallery backend %q", c.Storage.Gallery)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	return c.Pipeline.Validate()
}

// Validate checks the pipeline tunables.
func (p PipelineConfig) Validate() error {
	if p.Metric != "cosine" && p.Metric != "euclidean" {
		return fmt.Errorf("config: unknown metric %q", p.Metric)
	}
	if p.MatchThreshold < 0 || p.MatchThreshold > 1 {
		return fmt.Errorf("config: match threshold %v outside [0,1]", p.MatchThreshold)
	}
	if p.TopK < 1 {
		return fmt.Errorf("config: top_k must be at least 1, got %d", p.TopK)
	}
	if p.TieEpsilon < 0 {
		return errors.New("config: tie epsilon must not be negative")
	}
	if p.MaxReferenceVectors < 1 {
		return fmt.Errorf("config: max reference vectors must be at least 1, got %d", p.MaxReferenceVectors)
	}
	if p.IdleGap <= 0 {
		return errors.New("config: idle gap must be positive")
	}
	if p.SweepInterval <= 0 || p.ReevaluateInterval <= 0 {
		return errors.New("config: sweep and re-evaluation intervals must be positive")
	}
	if p.DepletionPerVisit <= 0 || p.DepletionPerVisit > 1 {
		return fmt.Errorf("config: depletion per visit %v outside (0,1]", p.DepletionPerVisit)
	}
	if p.SurgeFactor < 1 {
		return fmt.Errorf("config: surge factor %v must be at least 1", p.SurgeFactor)
	}
	if p.RecentWindow <= 0 || p.BaselineWindow < p.RecentWindow {
		return errors.New("config: baseline window must be at least as long as the recent window")
	}
	if p.MinHistoryVisits < 0 {
		return errors.New("config: min history visits must not be negative")
	}
	if p.ProjectionDays < 0 || p.ProjectionDays > 90 {
		return fmt.Errorf("config: projection days %d outside [0,90]", p.ProjectionDays)
	}
	if len(p.SeasonalFactors) != 0 && len(p.SeasonalFactors) != 12 {
		return fmt.Errorf("config: seasonal factors need 12 monthly values, got %d", len(p.SeasonalFactors))
	}
	if !(p.HighThreshold > 0 && p.HighThreshold < p.MediumThreshold && p.MediumThreshold <= 1) {
		return fmt.Errorf("config: thresholds must satisfy 0 < high (%v) < medium (%v) <= 1", p.HighThreshold, p.MediumThreshold)
	}
	if p.LowThreshold != 0 && (p.LowThreshold <= p.MediumThreshold || p.LowThreshold > 1) {
		return fmt.Errorf("config: low threshold %v must be above medium (%v) and at most 1", p.LowThreshold, p.MediumThreshold)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration such as "10s" or "24h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvFloats retrieves a comma-separated list of floats. Any unparsable
// element makes the whole value fall back to the default.
func getEnvFloats(key string, defaultValue []float64) []float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return defaultValue
		}
		out = append(out, f)
	}
	return out
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
