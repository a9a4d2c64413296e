package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Room struct {
		Duration     time.Duration `yaml:"duration"`
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"room"`

	Presence struct {
		Medium            string        `yaml:"medium"` // "jetstream" or "memory"
		NATSURL           string        `yaml:"nats_url"`
		Bucket            string        `yaml:"bucket"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		StaleAfter        time.Duration `yaml:"stale_after"`
	} `yaml:"presence"`

	TimerStore struct {
		Driver     string `yaml:"driver"` // "postgres", "sqlite" or "memory"
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"timer_store"`

	Slides struct {
		Repository string   `yaml:"repository"` // "postgres" or "memory"
		RedisURL   string   `yaml:"redis_url"`
		Seed       []string `yaml:"seed"`
	} `yaml:"slides"`

	RTC struct {
		AppID          string        `yaml:"app_id"`
		AppCertificate string        `yaml:"app_certificate"`
		TokenExpiry    time.Duration `yaml:"token_expiry"`
	} `yaml:"rtc"`

	Analysis struct {
		Enabled      bool          `yaml:"enabled"`
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"analysis"`
}

func defaultConfig() *Config {
	var c Config
	c.Server.Port = "8080"
	c.Room.Duration = 20 * time.Minute
	c.Room.TickInterval = time.Second
	c.Presence.Medium = "jetstream"
	c.Presence.NATSURL = "nats://localhost:4222"
	c.Presence.Bucket = "ROOM_PRESENCE"
	c.Presence.HeartbeatInterval = 5 * time.Second
	c.Presence.StaleAfter = 15 * time.Second
	c.TimerStore.Driver = "postgres"
	c.TimerStore.SQLitePath = "quickpitch.db"
	c.Slides.Repository = "postgres"
	c.RTC.TokenExpiry = time.Hour
	c.Analysis.Enabled = true
	c.Analysis.PollInterval = 5 * time.Second
	c.Analysis.MaxAttempts = 60
	return &c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadConfig reads path over the defaults. A missing file keeps the defaults.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return config, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// applyEnv lets the environment override the file.
func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Room.Duration = getEnvAsDuration("ROOM_DURATION", c.Room.Duration)
	c.Presence.Medium = getEnv("PRESENCE_MEDIUM", c.Presence.Medium)
	c.Presence.NATSURL = getEnv("NATS_URL", c.Presence.NATSURL)
	c.TimerStore.Driver = getEnv("TIMER_STORE", c.TimerStore.Driver)
	c.TimerStore.SQLitePath = getEnv("SQLITE_PATH", c.TimerStore.SQLitePath)
	c.Slides.Repository = getEnv("SLIDES_REPOSITORY", c.Slides.Repository)
	c.Slides.RedisURL = getEnv("REDIS_URL", c.Slides.RedisURL)
	c.RTC.AppID = getEnv("AGORA_APP_ID", c.RTC.AppID)
	c.RTC.AppCertificate = getEnv("AGORA_APP_CERTIFICATE", c.RTC.AppCertificate)
	c.Analysis.MaxAttempts = getEnvAsInt("ANALYSIS_MAX_ATTEMPTS", c.Analysis.MaxAttempts)
}
