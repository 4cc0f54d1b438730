package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/labeling/validate"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expanding ${ENV} references, and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Client == "" {
		cfg.Storage.Client = storage.ClientTypeMemory
	}
	if cfg.Redis.Namespace == "" {
		cfg.Redis.Namespace = "reviewradar"
	}

	l := &cfg.Labeling
	if l.CostAlertThreshold == nil {
		t := defaultCostAlertThreshold
		l.CostAlertThreshold = &t
	}
	if l.RetryMaxAttempts == 0 {
		l.RetryMaxAttempts = 3
	}
	if l.BackoffBaseMs == 0 {
		l.BackoffBaseMs = 200
	}
	if l.BackoffFactor == 0 {
		l.BackoffFactor = 2
	}
	if l.BackoffMaxMs == 0 {
		l.BackoffMaxMs = 5000
	}
	if l.CallTimeout == 0 {
		l.CallTimeout = 30 * time.Second
	}
	if l.ConfidenceThreshold == nil {
		t := validate.DefaultConfidenceThreshold
		l.ConfidenceThreshold = &t
	}
	if l.BatchSize == 0 {
		l.BatchSize = 50
	}
	if l.MaxBatchesPerRun == 0 {
		l.MaxBatchesPerRun = 10
	}
	if l.PersistRetries == 0 {
		l.PersistRetries = 3
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].Name == "" {
			cfg.Providers[i].Name = cfg.Providers[i].Type
		}
	}
}
