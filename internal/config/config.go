// Package config handles configuration for the sync CLI,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for a convsync client.
//
// Fields:
//   - BrainDir / RecordsDir: local roots of the conversation trees.
//   - MachineID / MachineName: identity recorded in the shared manifest.
//     An empty MachineID is resolved at startup from the identity file.
//   - S3Bucket / S3Region / S3BaseEndpoint: object storage settings.
//   - S3AccessKey / S3SecretKey: static credentials; leave empty to use the
//     ambient AWS credential chain.
//   - S3RootPrefix: key prefix isolating one vault inside a shared bucket.
//   - BatchSize / FileConcurrency: transfer parallelism bounds.
//   - LockTTL: distributed lock time-to-live.
//   - AutoSyncInterval: period of the background timer in -auto mode.
type Config struct {
	BrainDir         string
	RecordsDir       string
	MachineID        string
	MachineName      string
	S3Bucket         string
	S3Region         string
	S3BaseEndpoint   string
	S3AccessKey      string
	S3SecretKey      string
	S3RootPrefix     string
	BatchSize        int
	FileConcurrency  int
	LockTTL          time.Duration
	AutoSyncInterval time.Duration
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: The S3 values target a local MinIO and should be overridden.
func (c *Config) LoadDefaults() {
	c.BrainDir = "brain"
	c.RecordsDir = "records"
	c.S3Bucket = "convsync"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.BatchSize = 5
	c.FileConcurrency = 3
	c.LockTTL = 5 * time.Minute
	c.AutoSyncInterval = 5 * time.Minute
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
