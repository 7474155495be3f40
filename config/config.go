package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ViewGeneral = "general"
	ViewSecure  = "secure"
)

type Model struct {
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`
}

type CameraConfig struct {
	DeviceID int `yaml:"deviceID"`
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
}

type LoopConfig struct {
	BackoffMs   int `yaml:"backoffMs"`
	FrameWaitMs int `yaml:"frameWaitMs"`
}

type AlertConfig struct {
	PollIntervalMs int      `yaml:"pollIntervalMs"`
	DwellMs        int      `yaml:"dwellMs"`
	CautionMarkers []string `yaml:"cautionMarkers"`
}

type Config struct {
	InferenceURL     string       `yaml:"inferenceURL"`
	AlertURL         string       `yaml:"alertURL"`
	ControlPort      int          `yaml:"controlPort"`
	MetricsPort      int          `yaml:"metricsPort"`
	RequestTimeoutMs int          `yaml:"requestTimeoutMs"`
	LogLevel         string       `yaml:"logLevel"`
	Development      bool         `yaml:"development"`
	View             string       `yaml:"view"`
	DefaultModel     string       `yaml:"defaultModel"`
	Models           []Model      `yaml:"models"`
	RestrictedItems  []string     `yaml:"restrictedItems"`
	Camera           CameraConfig `yaml:"camera"`
	Loop             LoopConfig   `yaml:"loop"`
	Alerts           AlertConfig  `yaml:"alerts"`
}

// Default mirrors the stock deployment: inference on 8000, alerts on 8001.
func Default() Config {
	return Config{
		InferenceURL:     "http://localhost:8000",
		AlertURL:         "http://localhost:8001",
		ControlPort:      8080,
		MetricsPort:      9100,
		RequestTimeoutMs: 5000,
		LogLevel:         "info",
		View:             ViewSecure,
		DefaultModel:     "v2",
		Models: []Model{
			{Version: "v1", Description: "MobileNet SSD (movement / posture)"},
			{Version: "v2", Description: "YOLOv8 (contraband scan)"},
		},
		RestrictedItems: []string{"cell phone", "laptop", "book", "mouse", "keyboard", "remote"},
		Camera:          CameraConfig{DeviceID: 0, Width: 640, Height: 480},
		Loop:            LoopConfig{BackoffMs: 50, FrameWaitMs: 100},
		Alerts: AlertConfig{
			PollIntervalMs: 1000,
			DwellMs:        1500,
			CautionMarkers: []string{"MOVEMENT", "LEFT FRAME"},
		},
	}
}

// Load reads the yaml file at path over the defaults. A missing file is not an
// error. INFERENCE_URL and ALERT_URL (from the environment or a .env file next
// to the process) win over the file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	_ = godotenv.Load()
	cfg.applyEnv()
	cfg.fillZero()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("INFERENCE_URL"); v != "" {
		c.InferenceURL = v
	}
	if v := os.Getenv("ALERT_URL"); v != "" {
		c.AlertURL = v
	}
}

// fillZero restores defaults for numeric fields a partial file left at zero.
func (c *Config) fillZero() {
	def := Default()
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = def.RequestTimeoutMs
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		c.Camera.Width, c.Camera.Height = def.Camera.Width, def.Camera.Height
	}
	if c.Loop.BackoffMs <= 0 {
		c.Loop.BackoffMs = def.Loop.BackoffMs
	}
	if c.Loop.FrameWaitMs <= 0 {
		c.Loop.FrameWaitMs = def.Loop.FrameWaitMs
	}
	if c.Alerts.PollIntervalMs <= 0 {
		c.Alerts.PollIntervalMs = def.Alerts.PollIntervalMs
	}
	if c.Alerts.DwellMs <= 0 {
		c.Alerts.DwellMs = def.Alerts.DwellMs
	}
}

func (c Config) Validate() error {
	for name, raw := range map[string]string{"inferenceURL": c.InferenceURL, "alertURL": c.AlertURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http url, got %q", name, raw)
		}
	}
	if c.View != ViewGeneral && c.View != ViewSecure {
		return fmt.Errorf("view must be %q or %q, got %q", ViewGeneral, ViewSecure, c.View)
	}
	if len(c.Models) == 0 {
		return errors.New("at least one model must be configured")
	}
	if !c.HasModel(c.DefaultModel) {
		return fmt.Errorf("defaultModel %q is not in models", c.DefaultModel)
	}
	return nil
}

func (c Config) HasModel(version string) bool {
	for _, m := range c.Models {
		if m.Version == version {
			return true
		}
	}
	return false
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c Config) Backoff() time.Duration {
	return time.Duration(c.Loop.BackoffMs) * time.Millisecond
}

func (c Config) FrameWait() time.Duration {
	return time.Duration(c.Loop.FrameWaitMs) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Alerts.PollIntervalMs) * time.Millisecond
}

func (c Config) Dwell() time.Duration {
	return time.Duration(c.Alerts.DwellMs) * time.Millisecond
}
