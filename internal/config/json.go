package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mihailsb/convsync/internal/flagx"
	"github.com/mihailsb/convsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "5m" or as integer nanoseconds. After parsing, values
// are copied into the runtime Config (which uses time.Duration).
type JsonConfig struct {
	BrainDir         string         `json:"brain_dir"`
	RecordsDir       string         `json:"records_dir"`
	MachineID        string         `json:"machine_id"`
	MachineName      string         `json:"machine_name"`
	S3Bucket         string         `json:"s3_bucket"`
	S3Region         string         `json:"s3_region"`
	S3BaseEndpoint   string         `json:"s3_base_endpoint"`
	S3AccessKey      string         `json:"s3_access_key"`
	S3SecretKey      string         `json:"s3_secret_key"`
	S3RootPrefix     string         `json:"s3_root_prefix"`
	BatchSize        int            `json:"batch_size"`
	FileConcurrency  int            `json:"file_concurrency"`
	LockTTL          timex.Duration `json:"lock_ttl"`
	AutoSyncInterval timex.Duration `json:"auto_sync_interval"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// The file path comes from the -c/-config flags via flagx.JsonConfigFlags();
// when no path is given the function is a no-op. Zero-valued JSON fields do
// not override defaults, so a partial file only sets what it names.
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones. Panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.BrainDir != "" {
		cfg.BrainDir = jc.BrainDir
	}
	if jc.RecordsDir != "" {
		cfg.RecordsDir = jc.RecordsDir
	}
	if jc.MachineID != "" {
		cfg.MachineID = jc.MachineID
	}
	if jc.MachineName != "" {
		cfg.MachineName = jc.MachineName
	}
	if jc.S3Bucket != "" {
		cfg.S3Bucket = jc.S3Bucket
	}
	if jc.S3Region != "" {
		cfg.S3Region = jc.S3Region
	}
	if jc.S3BaseEndpoint != "" {
		cfg.S3BaseEndpoint = jc.S3BaseEndpoint
	}
	if jc.S3AccessKey != "" {
		cfg.S3AccessKey = jc.S3AccessKey
	}
	if jc.S3SecretKey != "" {
		cfg.S3SecretKey = jc.S3SecretKey
	}
	if jc.S3RootPrefix != "" {
		cfg.S3RootPrefix = jc.S3RootPrefix
	}
	if jc.BatchSize > 0 {
		cfg.BatchSize = jc.BatchSize
	}
	if jc.FileConcurrency > 0 {
		cfg.FileConcurrency = jc.FileConcurrency
	}
	if jc.LockTTL.Duration > 0 {
		cfg.LockTTL = time.Duration(jc.LockTTL.Duration)
	}
	if jc.AutoSyncInterval.Duration > 0 {
		cfg.AutoSyncInterval = time.Duration(jc.AutoSyncInterval.Duration)
	}
}
