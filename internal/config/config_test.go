package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.ReminderHour != 9 || cfg.RetentionDays != 30 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AITimeout != 10*time.Second || cfg.DispatchInterval != time.Minute {
		t.Fatalf("unexpected interval defaults: %+v", cfg)
	}
	if cfg.Location == nil || cfg.Location.String() != "Asia/Kolkata" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
	if cfg.RedisEnabled() || cfg.PostgresEnabled() || cfg.AIEnabled {
		t.Fatal("optional backends must be disabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("DISPATCH_INTERVAL", "15s")
	t.Setenv("AI_TIMEOUT", "3")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("DB_HOST", "postgres")
	t.Setenv("PUSH_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.Location != time.UTC {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.DispatchInterval != 15*time.Second || cfg.AITimeout != 3*time.Second {
		t.Fatalf("durations not parsed: %s %s", cfg.DispatchInterval, cfg.AITimeout)
	}
	if !cfg.AIEnabled || !cfg.RedisEnabled() || !cfg.PostgresEnabled() || !cfg.PushEnabled {
		t.Fatalf("optional backends not enabled: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"PORT", "eighty", "PORT"},
		{"REMINDER_HOUR", "24", "REMINDER_HOUR"},
		{"RETENTION_DAYS", "0", "RETENTION_DAYS"},
		{"TIMEZONE", "Mars/Olympus", "TIMEZONE"},
		{"CLEANUP_INTERVAL", "soon", "CLEANUP_INTERVAL"},
		{"PROBE_INTERVAL", "-5s", "PROBE_INTERVAL"},
		{"SMS_ENABLED", "maybe", "SMS_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
