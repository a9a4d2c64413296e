package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileKeepsDefaults(t *testing.T) {
	config, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if config.Room.Duration != 20*time.Minute || config.Presence.Medium != "jetstream" {
		t.Errorf("unexpected defaults %+v", config)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
room:
  duration: 30m
presence:
  medium: memory
timer_store:
  driver: sqlite
slides:
  repository: memory
  seed:
    - https://cdn.example.com/intro.png
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if config.Room.Duration != 30*time.Minute {
		t.Errorf("duration = %v", config.Room.Duration)
	}
	if config.Presence.Medium != "memory" || config.TimerStore.Driver != "sqlite" || len(config.Slides.Seed) != 1 {
		t.Errorf("unexpected config %+v", config)
	}
	// Unset keys keep their defaults.
	if config.Presence.Bucket != "ROOM_PRESENCE" || config.Analysis.MaxAttempts != 60 {
		t.Errorf("defaults lost: %+v", config)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ROOM_DURATION", "45m")
	t.Setenv("TIMER_STORE", "memory")
	t.Setenv("ANALYSIS_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("AGORA_APP_ID", "app")
	t.Setenv("AGORA_APP_CERTIFICATE", "cert")

	config := defaultConfig()
	config.applyEnv()

	if config.Server.Port != "9090" || config.Room.Duration != 45*time.Minute || config.TimerStore.Driver != "memory" {
		t.Errorf("env not applied: %+v", config)
	}
	if config.Analysis.MaxAttempts != 60 {
		t.Errorf("invalid int should keep default, got %d", config.Analysis.MaxAttempts)
	}
	if config.RTC.AppID != "app" || config.RTC.AppCertificate != "cert" || config.RTC.TokenExpiry != time.Hour {
		t.Errorf("call token settings not applied: %+v", config.RTC)
	}
}
