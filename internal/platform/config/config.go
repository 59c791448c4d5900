package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// GetEnv reads an environment variable, falling back to defaultVal and
// logging which path was taken.
func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found, using environment", "value", val)
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as int, using default", "provided", valStr, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return i
}

func GetEnvAsFloat(key string, defaultVal float64, log *logger.Logger) float64 {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	f, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as float, using default", "provided", valStr, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return f
}

func GetEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	switch strings.ToLower(strings.TrimSpace(valStr)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if log != nil {
			log.Debug("environment variable could not be parsed as bool, using default", "provided", valStr, "default", defaultVal)
		}
		return defaultVal
	}
}

// Config is the process-wide configuration assembled at startup in
// cmd/engine/main.go, following the shape of the teacher's internal/app.Config.
type Config struct {
	Mode string // "dev" or "prod", controls logger verbosity

	StorePath          string
	StoreMaxVersions    int
	StoreMaxBackups     int
	StoreBackupInterval int // seconds

	WorkerConcurrency int
	TickInterval      int // seconds

	HTTPAddr string

	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	EventBusFlushInterval int // milliseconds
	EventBusMaxBatch      int
	EventBusMaxHistory    int

	HumanTaskDefaultTimeout int // seconds

	ResourcePoolCPU     float64
	ResourcePoolMemory  float64
	ResourcePoolGPU     float64
	ResourcePoolStorage float64

	TrainingAgentCount int

	TrainingHeartbeatSweepInterval int // seconds; 0 disables the sweep
	CacheSweepInterval             int // seconds; 0 disables the sweep
	CacheRetentionDays             int
}

func Load(log *logger.Logger) *Config {
	return &Config{
		Mode:                    GetEnv("APP_MODE", "dev", log),
		StorePath:               GetEnv("STORE_PATH", "./data/orchestrator.db", log),
		StoreMaxVersions:        GetEnvAsInt("STORE_MAX_CHECKPOINT_VERSIONS", 10, log),
		StoreMaxBackups:         GetEnvAsInt("STORE_MAX_BACKUPS", 5, log),
		StoreBackupInterval:     GetEnvAsInt("STORE_BACKUP_INTERVAL_SECONDS", 3600, log),
		WorkerConcurrency:       GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
		TickInterval:            GetEnvAsInt("TICK_INTERVAL_SECONDS", 1, log),
		HTTPAddr:                GetEnv("HTTP_ADDR", ":8080", log),
		TemporalAddress:         GetEnv("TEMPORAL_ADDRESS", "", log),
		TemporalNamespace:       GetEnv("TEMPORAL_NAMESPACE", "default", log),
		TemporalTaskQueue:       GetEnv("TEMPORAL_TASK_QUEUE", "orchestrator-executions", log),
		EventBusFlushInterval:   GetEnvAsInt("EVENTBUS_FLUSH_INTERVAL_MS", 250, log),
		EventBusMaxBatch:        GetEnvAsInt("EVENTBUS_MAX_BATCH", 100, log),
		EventBusMaxHistory:      GetEnvAsInt("EVENTBUS_MAX_HISTORY", 500, log),
		HumanTaskDefaultTimeout: GetEnvAsInt("HUMAN_TASK_DEFAULT_TIMEOUT_SECONDS", 86400, log),
		ResourcePoolCPU:         GetEnvAsFloat("RESOURCE_POOL_CPU", 32, log),
		ResourcePoolMemory:      GetEnvAsFloat("RESOURCE_POOL_MEMORY_GB", 128, log),
		ResourcePoolGPU:         GetEnvAsFloat("RESOURCE_POOL_GPU", 4, log),
		ResourcePoolStorage:     GetEnvAsFloat("RESOURCE_POOL_STORAGE_GB", 1000, log),
		TrainingAgentCount:      GetEnvAsInt("TRAINING_AGENT_COUNT", 3, log),

		TrainingHeartbeatSweepInterval: GetEnvAsInt("TRAINING_HEARTBEAT_SWEEP_INTERVAL_SECONDS", 30, log),
		CacheSweepInterval:             GetEnvAsInt("CACHE_SWEEP_INTERVAL_SECONDS", 3600, log),
		CacheRetentionDays:             GetEnvAsInt("CACHE_RETENTION_DAYS", 7, log),
	}
}
