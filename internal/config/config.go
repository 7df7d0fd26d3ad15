package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultConfigPath = ".opsman/config.json"

type Config struct {
	Version  int `json:"version"`
	Evidence struct {
		Root string `json:"root"`
	} `json:"evidence"`
	Intent struct {
		TimeoutSeconds  int `json:"timeout_seconds"`
		IntervalSeconds int `json:"interval_seconds"`
	} `json:"intent"`
	Health struct {
		HeartbeatStaleSeconds int `json:"heartbeat_stale_seconds"`
	} `json:"health"`
	Alerting struct {
		ConfigPath string `json:"config_path"`
		FailOpen   bool   `json:"fail_open"`
	} `json:"alerting"`
	Registry struct {
		Path string `json:"path"`
	} `json:"registry"`
	Bus struct {
		Redis struct {
			URL string `json:"url"`
		} `json:"redis"`
		TopicPrefix string `json:"topic_prefix"`
	} `json:"bus"`
	Gates struct {
		PromotionEvaluatorBin string `json:"promotion_evaluator_bin"`
		TelemetrySummaryBin   string `json:"telemetry_summary_bin"`
	} `json:"gates"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Evidence.Root = ".opsman/evidence"
	cfg.Intent.TimeoutSeconds = 120
	cfg.Intent.IntervalSeconds = 5
	cfg.Health.HeartbeatStaleSeconds = 900
	cfg.Bus.TopicPrefix = "opsman.escalations"
	cfg.Gates.PromotionEvaluatorBin = "promotion-gate"
	cfg.Gates.TelemetrySummaryBin = "telemetry-summary"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultConfigPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read config %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse config %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate config %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Evidence.Root) == "" {
		return fmt.Errorf("evidence.root cannot be empty")
	}
	if cfg.Intent.TimeoutSeconds <= 0 {
		return fmt.Errorf("intent.timeout_seconds must be > 0")
	}
	if cfg.Intent.IntervalSeconds < 1 {
		return fmt.Errorf("intent.interval_seconds must be >= 1")
	}
	if cfg.Health.HeartbeatStaleSeconds <= 0 {
		return fmt.Errorf("health.heartbeat_stale_seconds must be > 0")
	}
	return nil
}

// RegistryPath returns the configured fleet registry path, defaulting to
// fleet.json under the evidence root.
func (c Config) RegistryPath() string {
	if path := strings.TrimSpace(c.Registry.Path); path != "" {
		return path
	}
	return filepath.Join(c.Evidence.Root, "fleet.json")
}

// AlertConfigPath returns the configured alert sink config path, defaulting
// to alerts.json under the evidence root.
func (c Config) AlertConfigPath() string {
	if path := strings.TrimSpace(c.Alerting.ConfigPath); path != "" {
		return path
	}
	return filepath.Join(c.Evidence.Root, "alerts.json")
}
