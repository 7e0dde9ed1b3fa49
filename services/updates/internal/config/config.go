// Package config loads the updates service configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds runtime configuration for the updates service.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// DBDSN is the Postgres connection string for the update ledger.
	DBDSN string
	// DataDir roots all snapshot and patch storage.
	DataDir string
	// StreamsFile is the path of the YAML stream registry.
	StreamsFile string
	// UploadToken authorizes snapshot uploads.
	UploadToken string

	// NATSURL enables finalized-build events when set.
	NATSURL string
	// PatchBucket enables S3 mirroring of patch archives when set.
	PatchBucket string

	// SnapshotKeep bounds how many retained patch archives an operator
	// expects per stream; informational for now, enforced by ops tooling.
	SnapshotKeep int
}

// Load returns a Config populated from DELTAD_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		Addr:         getEnv("DELTAD_ADDR", ":8080"),
		DBDSN:        os.Getenv("DELTAD_DB_DSN"),
		DataDir:      getEnv("DELTAD_DATA_DIR", "/var/lib/deltad"),
		StreamsFile:  getEnv("DELTAD_STREAMS_FILE", "streams.yaml"),
		UploadToken:  os.Getenv("DELTAD_UPLOAD_TOKEN"),
		NATSURL:      os.Getenv("DELTAD_NATS_URL"),
		PatchBucket:  os.Getenv("DELTAD_PATCH_BUCKET"),
		SnapshotKeep: getEnvInt("DELTAD_SNAPSHOT_KEEP", 0),
	}

	if cfg.DBDSN == "" {
		return Config{}, fmt.Errorf("DELTAD_DB_DSN is required")
	}
	if cfg.UploadToken == "" {
		return Config{}, fmt.Errorf("DELTAD_UPLOAD_TOKEN is required")
	}
	if cfg.SnapshotKeep < 0 {
		return Config{}, fmt.Errorf("DELTAD_SNAPSHOT_KEEP must not be negative")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
