package config

import (
	"flag"
	"os"
	"time"

	"github.com/mihailsb/convsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-brain string     local conversation tree root
//	-records string   local record file root
//	-name string      machine display name
//	-bucket string    S3 bucket
//	-region string    S3 region
//	-endpoint string  S3-compatible base endpoint
//	-prefix string    key prefix inside the bucket
//	-batch int        conversations synced concurrently
//	-files int        files transferred concurrently per conversation
//	-ttl int          distributed lock TTL in seconds
//	-every int        auto-sync interval in seconds
//
// Note: The function filters os.Args to only include the flags it knows
// about, using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-brain", "-records", "-name", "-bucket", "-region", "-endpoint",
		"-prefix", "-batch", "-files", "-ttl", "-every",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.BrainDir, "brain", cfg.BrainDir, "local conversation tree root")
	fs.StringVar(&cfg.RecordsDir, "records", cfg.RecordsDir, "local record file root")
	fs.StringVar(&cfg.MachineName, "name", cfg.MachineName, "machine display name")
	fs.StringVar(&cfg.S3Bucket, "bucket", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3BaseEndpoint, "endpoint", cfg.S3BaseEndpoint, "S3-compatible base endpoint")
	fs.StringVar(&cfg.S3RootPrefix, "prefix", cfg.S3RootPrefix, "key prefix inside the bucket")
	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "conversations synced concurrently")
	fs.IntVar(&cfg.FileConcurrency, "files", cfg.FileConcurrency, "files transferred concurrently per conversation")
	lockTTL := fs.Int("ttl", int(cfg.LockTTL.Seconds()), "distributed lock TTL (in seconds)")
	every := fs.Int("every", int(cfg.AutoSyncInterval.Seconds()), "auto-sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.LockTTL = time.Duration(*lockTTL) * time.Second
	cfg.AutoSyncInterval = time.Duration(*every) * time.Second
}
