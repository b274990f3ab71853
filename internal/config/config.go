package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the bot service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AuthToken          string
	AuthThrottleLimit  int
	AuthThrottleWindow time.Duration

	GatewayURL     string
	GatewayAckWait time.Duration

	TaskStoreMode      string
	TaskDataDir        string
	ReplicaDatabaseURL string

	TaskDefaultTimeout         time.Duration
	TaskSweepInterval          time.Duration
	TaskRetention              time.Duration
	TimeoutActionRetryAttempts int
	TimeoutActionRetryDelay    time.Duration
	ActionTimeout              time.Duration
	TaskDebug                  bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                   envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:           envOrDefault("APP_METRICS_NAMESPACE", "botwpp"),
		AuthToken:                  stringsTrimSpace("AUTH_TOKEN"),
		GatewayURL:                 envOrDefault("GATEWAY_WS_URL", "ws://127.0.0.1:9001/ws"),
		TaskStoreMode:              envOrDefault("TASK_STORE_MODE", "sheets"),
		TaskDataDir:                envOrDefault("TASK_DATA_DIR", "data/tasks"),
		ReplicaDatabaseURL:         stringsTrimSpace("TASK_REPLICA_DATABASE_URL"),
		ShutdownTimeout:            15 * time.Second,
		GatewayAckWait:             10 * time.Second,
		TaskDefaultTimeout:         20 * time.Second,
		TaskSweepInterval:          time.Second,
		TaskRetention:              5 * time.Minute,
		TimeoutActionRetryAttempts: 3,
		TimeoutActionRetryDelay:    1200 * time.Millisecond,
		ActionTimeout:              8 * time.Second,
		AuthThrottleLimit:          10,
		AuthThrottleWindow:         time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GatewayAckWait, err = durationFromEnv("GATEWAY_ACK_WAIT", cfg.GatewayAckWait)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskDefaultTimeout, err = durationFromEnv("TASK_DEFAULT_TIMEOUT", cfg.TaskDefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskSweepInterval, err = durationFromEnv("TASK_SWEEP_INTERVAL", cfg.TaskSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskRetention, err = durationFromEnv("TASK_CLEANUP_RETENTION", cfg.TaskRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.TimeoutActionRetryAttempts, err = intFromEnv("TIMEOUT_ACTION_RETRY_ATTEMPTS", cfg.TimeoutActionRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.TimeoutActionRetryDelay, err = durationFromEnv("TIMEOUT_ACTION_RETRY_DELAY", cfg.TimeoutActionRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ActionTimeout, err = durationFromEnv("TASK_ACTION_TIMEOUT", cfg.ActionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskDebug, err = boolFromEnv("TASK_DEBUG", cfg.TaskDebug)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthThrottleLimit, err = intFromEnv("AUTH_THROTTLE_LIMIT", cfg.AuthThrottleLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthThrottleWindow, err = durationFromEnv("AUTH_THROTTLE_WINDOW", cfg.AuthThrottleWindow)
	if err != nil {
		return Config{}, err
	}

	if cfg.TaskSweepInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("TASK_SWEEP_INTERVAL must be at least 100ms")
	}
	if cfg.TaskDefaultTimeout <= 0 {
		return Config{}, fmt.Errorf("TASK_DEFAULT_TIMEOUT must be positive")
	}
	if cfg.TaskRetention <= 0 {
		return Config{}, fmt.Errorf("TASK_CLEANUP_RETENTION must be positive")
	}
	if cfg.TimeoutActionRetryAttempts <= 0 {
		return Config{}, fmt.Errorf("TIMEOUT_ACTION_RETRY_ATTEMPTS must be positive")
	}
	if cfg.AuthThrottleLimit <= 0 {
		return Config{}, fmt.Errorf("AUTH_THROTTLE_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
