package config

import "time"

// RetentionConfig controls on-disk retention and cleanup behavior.
// Retention deletes run directories only; index rows persist so listings
// and histories keep working after the logs are gone.
type RetentionConfig struct {
	// DefaultRetentionDays applies when a runner does not send
	// retention_days with run_started. Zero means keep forever.
	DefaultRetentionDays int `yaml:"default_retention_days" json:"default_retention_days"`

	// SweepInterval is how often the cleanup loop runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		DefaultRetentionDays: 0,
		SweepInterval:        1 * time.Hour,
	}
}
