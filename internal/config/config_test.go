package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_BIND_ADDR", "APP_METRICS_NAMESPACE", "APP_SHUTDOWN_TIMEOUT",
		"AUTH_TOKEN", "AUTH_THROTTLE_LIMIT", "AUTH_THROTTLE_WINDOW",
		"GATEWAY_WS_URL", "GATEWAY_ACK_WAIT",
		"TASK_STORE_MODE", "TASK_DATA_DIR", "TASK_REPLICA_DATABASE_URL",
		"TASK_DEFAULT_TIMEOUT", "TASK_SWEEP_INTERVAL", "TASK_CLEANUP_RETENTION",
		"TIMEOUT_ACTION_RETRY_ATTEMPTS", "TIMEOUT_ACTION_RETRY_DELAY",
		"TASK_ACTION_TIMEOUT", "TASK_DEBUG",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("cfg.BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "botwpp" {
		t.Fatalf("cfg.MetricsNamespace = %q, want botwpp", cfg.MetricsNamespace)
	}
	if cfg.GatewayURL != "ws://127.0.0.1:9001/ws" {
		t.Fatalf("cfg.GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.TaskStoreMode != "sheets" {
		t.Fatalf("cfg.TaskStoreMode = %q, want sheets", cfg.TaskStoreMode)
	}
	if cfg.TaskDefaultTimeout != 20*time.Second {
		t.Fatalf("cfg.TaskDefaultTimeout = %v, want 20s", cfg.TaskDefaultTimeout)
	}
	if cfg.TaskRetention != 5*time.Minute {
		t.Fatalf("cfg.TaskRetention = %v, want 5m", cfg.TaskRetention)
	}
	if cfg.TimeoutActionRetryAttempts != 3 {
		t.Fatalf("cfg.TimeoutActionRetryAttempts = %d, want 3", cfg.TimeoutActionRetryAttempts)
	}
	if cfg.TimeoutActionRetryDelay != 1200*time.Millisecond {
		t.Fatalf("cfg.TimeoutActionRetryDelay = %v, want 1.2s", cfg.TimeoutActionRetryDelay)
	}
	if cfg.ActionTimeout != 8*time.Second {
		t.Fatalf("cfg.ActionTimeout = %v, want 8s", cfg.ActionTimeout)
	}
	if cfg.AuthThrottleLimit != 10 || cfg.AuthThrottleWindow != time.Minute {
		t.Fatalf("cfg throttle = (%d, %v), want (10, 1m)", cfg.AuthThrottleLimit, cfg.AuthThrottleWindow)
	}
	if cfg.TaskDebug {
		t.Fatalf("cfg.TaskDebug = true, want false")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("AUTH_TOKEN", "  secret  ")
	t.Setenv("TASK_STORE_MODE", "bolt")
	t.Setenv("TASK_DEFAULT_TIMEOUT", "45s")
	t.Setenv("TASK_SWEEP_INTERVAL", "500ms")
	t.Setenv("TIMEOUT_ACTION_RETRY_ATTEMPTS", "5")
	t.Setenv("TASK_DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("cfg.BindAddr = %q, want :9999", cfg.BindAddr)
	}
	if cfg.AuthToken != "secret" {
		t.Fatalf("cfg.AuthToken = %q, want trimmed secret", cfg.AuthToken)
	}
	if cfg.TaskStoreMode != "bolt" {
		t.Fatalf("cfg.TaskStoreMode = %q, want bolt", cfg.TaskStoreMode)
	}
	if cfg.TaskDefaultTimeout != 45*time.Second {
		t.Fatalf("cfg.TaskDefaultTimeout = %v, want 45s", cfg.TaskDefaultTimeout)
	}
	if cfg.TaskSweepInterval != 500*time.Millisecond {
		t.Fatalf("cfg.TaskSweepInterval = %v, want 500ms", cfg.TaskSweepInterval)
	}
	if cfg.TimeoutActionRetryAttempts != 5 {
		t.Fatalf("cfg.TimeoutActionRetryAttempts = %d, want 5", cfg.TimeoutActionRetryAttempts)
	}
	if !cfg.TaskDebug {
		t.Fatalf("cfg.TaskDebug = false, want true")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantMsg string
	}{
		{name: "bad duration", key: "TASK_DEFAULT_TIMEOUT", value: "soon", wantMsg: "TASK_DEFAULT_TIMEOUT"},
		{name: "bad int", key: "TIMEOUT_ACTION_RETRY_ATTEMPTS", value: "many", wantMsg: "TIMEOUT_ACTION_RETRY_ATTEMPTS"},
		{name: "bad bool", key: "TASK_DEBUG", value: "maybe", wantMsg: "TASK_DEBUG"},
		{name: "sweep too short", key: "TASK_SWEEP_INTERVAL", value: "10ms", wantMsg: "at least 100ms"},
		{name: "retention not positive", key: "TASK_CLEANUP_RETENTION", value: "-1m", wantMsg: "TASK_CLEANUP_RETENTION"},
		{name: "retries not positive", key: "TIMEOUT_ACTION_RETRY_ATTEMPTS", value: "0", wantMsg: "must be positive"},
		{name: "throttle not positive", key: "AUTH_THROTTLE_LIMIT", value: "-1", wantMsg: "AUTH_THROTTLE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tt.wantMsg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("Load() error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestBoolFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true}, {"true", true}, {"YES", true}, {"on", true},
		{"0", false}, {"false", false}, {"no", false}, {"off", false},
	}
	for _, tt := range tests {
		t.Setenv("TASK_DEBUG", tt.value)
		got, err := boolFromEnv("TASK_DEBUG", false)
		if err != nil {
			t.Fatalf("boolFromEnv(%q) error = %v", tt.value, err)
		}
		if got != tt.want {
			t.Fatalf("boolFromEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
