package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Backend  BackendConfig
	Resource ResourceConfig
	Quality  QualityConfig
	Canvas   CanvasConfig
	Job      JobConfig
	Storage  StorageConfig
	Server   ServerConfig
}

// BackendConfig holds the model-server endpoints and call budgets.
type BackendConfig struct {
	BaseURL          string
	PrimaryModel     string
	SecondaryModel   string
	BaseTimeout      time.Duration
	EscalatedTimeout time.Duration
	MaxRetries       int
}

// ResourceConfig holds the accelerator residency thresholds.
type ResourceConfig struct {
	HighWater        float64 // load falls back to host-only at/above this usage
	WarnWater        float64 // lightweight reclaim after inference
	CritWater        float64 // aggressive multi-pass reclaim
	ReloadEvery      int     // unconditional reload cadence, in completed items
	AggressivePasses int
	CooldownDelay    time.Duration
	TimeoutThreshold int // consecutive timeouts before a forced reload
}

// QualityConfig selects the classifier profile.
type QualityConfig struct {
	Profile     string
	ProfileFile string // optional JSON override, schema-validated
}

// CanvasConfig holds the output canvas geometry.
type CanvasConfig struct {
	Size int
}

// JobConfig holds driver-level knobs.
type JobConfig struct {
	FlushEvery     int
	DegradedAccept bool
	CheckpointDir  string
	HistoryPath    string
}

// StorageConfig selects the artifact store.
type StorageConfig struct {
	Kind     string // "local" or "s3"
	LocalDir string
	S3Region string
	S3Bucket string
	S3Prefix string
}

// ServerConfig holds daemon-related configuration
type ServerConfig struct {
	HTTPAddr string
	CronSpec string // optional scheduled run, cron syntax
	Dataset  string // dataset used by scheduled runs
	OutRoot  string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:          getEnv("SEG_BASE_URL", "http://127.0.0.1:8188"),
			PrimaryModel:     getEnv("SEG_PRIMARY_MODEL", "matte-hq"),
			SecondaryModel:   getEnv("SEG_SECONDARY_MODEL", "salient-fast"),
			BaseTimeout:      getEnvAsDuration("SEG_BASE_TIMEOUT", 45*time.Second),
			EscalatedTimeout: getEnvAsDuration("SEG_ESCALATED_TIMEOUT", 90*time.Second),
			MaxRetries:       getEnvAsInt("SEG_MAX_RETRIES", 1),
		},
		Resource: ResourceConfig{
			HighWater:        getEnvAsFloat64("RES_HIGH_WATER", 0.90),
			WarnWater:        getEnvAsFloat64("RES_WARN_WATER", 0.75),
			CritWater:        getEnvAsFloat64("RES_CRIT_WATER", 0.85),
			ReloadEvery:      getEnvAsInt("RES_RELOAD_EVERY", 30),
			AggressivePasses: getEnvAsInt("RES_AGGRESSIVE_PASSES", 3),
			CooldownDelay:    getEnvAsDuration("RES_COOLDOWN_DELAY", 3*time.Second),
			TimeoutThreshold: getEnvAsInt("RES_TIMEOUT_THRESHOLD", 2),
		},
		Quality: QualityConfig{
			Profile:     getEnv("QUALITY_PROFILE", "balanced"),
			ProfileFile: getEnv("QUALITY_PROFILE_FILE", ""),
		},
		Canvas: CanvasConfig{
			Size: getEnvAsInt("CANVAS_SIZE", 1000),
		},
		Job: JobConfig{
			FlushEvery:     getEnvAsInt("JOB_FLUSH_EVERY", 5),
			DegradedAccept: getEnvAsBool("JOB_DEGRADED_ACCEPT", true),
			CheckpointDir:  getEnv("JOB_CHECKPOINT_DIR", "./.shotprep"),
			HistoryPath:    getEnv("JOB_HISTORY_PATH", "./.shotprep/history.db"),
		},
		Storage: StorageConfig{
			Kind:     getEnv("ARTIFACT_STORE", "local"),
			LocalDir: getEnv("ARTIFACT_LOCAL_DIR", "./out"),
			S3Region: getEnv("ARTIFACT_S3_REGION", ""),
			S3Bucket: getEnv("ARTIFACT_S3_BUCKET", ""),
			S3Prefix: getEnv("ARTIFACT_S3_PREFIX", "shotprep"),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8090"),
			CronSpec: getEnv("SCHED_CRON", ""),
			Dataset:  getEnv("SCHED_DATASET", ""),
			OutRoot:  getEnv("SCHED_OUT_ROOT", "./out"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
