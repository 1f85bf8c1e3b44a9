// Package backup takes verified point-in-time copies of the SQLite store and
// prunes them with a tiered retention policy.
package backup

import (
	"time"
)

// Config holds backup configuration.
type Config struct {
	// DBPath is the SQLite database file to back up
	DBPath string

	// Dir is where backups are stored
	Dir string

	// Retention defines how many backups survive at each age tier
	Retention RetentionPolicy

	// Verify runs an integrity check on every new backup
	Verify bool
}

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
// - Hourly: less than 24 hours old
// - Daily: 1-7 days old
// - Weekly: 7-30 days old
// - Monthly: 30-365 days old
// Anything older than a year is removed.
type RetentionPolicy struct {
	Hourly  int `yaml:"hourly"`  // default: 24
	Daily   int `yaml:"daily"`   // default: 7
	Weekly  int `yaml:"weekly"`  // default: 4
	Monthly int `yaml:"monthly"` // default: 12
}

// DefaultRetention returns the retention used when a tier is left at zero.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one backup file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result describes a completed backup.
type Result struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration_ns"`
	Size     int64         `json:"size"`
	Verified bool          `json:"verified"`
}
