package config

import (
	"fmt"
	"time"

	"github.com/vietddude/reviewradar/internal/core/domain"
	redisclient "github.com/vietddude/reviewradar/internal/infra/redis"
	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/labeling/chain"
	"github.com/vietddude/reviewradar/internal/labeling/orchestrator"
	"github.com/vietddude/reviewradar/internal/labeling/provider"
	"github.com/vietddude/reviewradar/internal/labeling/validate"
)

const defaultCostAlertThreshold = 0.8

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Storage   StorageConfig      `yaml:"storage"`
	Redis     redisclient.Config `yaml:"redis"` // empty url keeps the human queue in memory
	Providers []provider.Config  `yaml:"providers"`
	Labeling  LabelingConfig     `yaml:"labeling"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// StorageConfig selects the backend every data type is served from.
type StorageConfig struct {
	Client      storage.ClientType `yaml:"client"` // memory, postgres, sqlite
	URL         string             `yaml:"url"`
	MaxConns    int                `yaml:"max_conns"`
	MinConns    int                `yaml:"min_conns"`
	AutoMigrate bool               `yaml:"auto_migrate"`
}

// Backend returns the connection settings passed to registry factories.
func (s StorageConfig) Backend() storage.BackendConfig {
	return storage.BackendConfig{URL: s.URL, MaxConns: s.MaxConns, MinConns: s.MinConns}
}

// LabelingConfig holds budget, retry and batching settings.
type LabelingConfig struct {
	DailyBudgetUSD      float64       `yaml:"daily_budget_usd"`
	CostAlertThreshold  *float64      `yaml:"cost_alert_threshold"` // fraction of the daily budget, 0 disables
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`
	BackoffBaseMs       int           `yaml:"backoff_base_ms"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	BackoffMaxMs        int           `yaml:"backoff_max_ms"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	ConfidenceThreshold *float64      `yaml:"confidence_threshold"`
	BatchSize           int           `yaml:"batch_size"`
	MaxBatchesPerRun    int           `yaml:"max_batches_per_run"`
	PersistRetries      int           `yaml:"persist_retries"`
}

// AlertThreshold is the configured cost alert fraction, or 0.8 when unset.
func (l LabelingConfig) AlertThreshold() float64 {
	if l.CostAlertThreshold == nil {
		return defaultCostAlertThreshold
	}
	return *l.CostAlertThreshold
}

// MinConfidence is the configured confidence threshold, or the validator's
// default when unset.
func (l LabelingConfig) MinConfidence() float64 {
	if l.ConfidenceThreshold == nil {
		return validate.DefaultConfidenceThreshold
	}
	return *l.ConfidenceThreshold
}

// Retry converts the labeling settings into the provider chain's retry policy.
func (l LabelingConfig) Retry() chain.RetryConfig {
	return chain.RetryConfig{
		MaxAttempts:     l.RetryMaxAttempts,
		InitialDelay:    time.Duration(l.BackoffBaseMs) * time.Millisecond,
		MaxDelay:        time.Duration(l.BackoffMaxMs) * time.Millisecond,
		BackoffMultiple: l.BackoffFactor,
		CallTimeout:     l.CallTimeout,
	}
}

// Orchestrator converts the labeling settings into orchestrator options.
func (l LabelingConfig) Orchestrator() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.BatchSize = l.BatchSize
	cfg.MaxBatchesPerRun = l.MaxBatchesPerRun
	cfg.PersistRetries = l.PersistRetries
	cfg.PersistBackoff = time.Duration(l.BackoffBaseMs) * time.Millisecond
	return cfg
}

var providerTypes = map[string]bool{
	"gemini":     true,
	"openai":     true,
	"groq":       true,
	"openrouter": true,
}

// Validate reports the first setting the labeler cannot start with.
func (c *AppConfig) Validate() error {
	switch c.Storage.Client {
	case storage.ClientTypeMemory:
	case storage.ClientTypePostgres, storage.ClientTypeSQLite:
		if c.Storage.URL == "" {
			return domain.Configurationf("storage: url is required for %s", c.Storage.Client)
		}
	default:
		return domain.Configurationf("storage: unknown client %q", c.Storage.Client)
	}

	if len(c.Providers) == 0 {
		return domain.Configurationf("providers: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return domain.Configurationf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return domain.Configurationf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !providerTypes[p.Type] {
			return domain.Configurationf("provider %s: unknown type %q", p.Name, p.Type)
		}
		if p.APIKey == "" {
			return domain.Configurationf("provider %s: api_key is required", p.Name)
		}
		if _, err := provider.ResolvePricing(p); err != nil {
			return err
		}
	}

	l := c.Labeling
	if l.DailyBudgetUSD <= 0 {
		return domain.Configurationf("labeling: daily_budget_usd must be positive")
	}
	if t := l.AlertThreshold(); t < 0 || t > 1 {
		return domain.Configurationf("labeling: cost_alert_threshold must be within [0, 1]")
	}
	if t := l.MinConfidence(); t < 0 || t > 1 {
		return domain.Configurationf("labeling: confidence_threshold must be within [0, 1]")
	}
	if l.RetryMaxAttempts < 1 {
		return domain.Configurationf("labeling: retry_max_attempts must be at least 1")
	}
	if l.BackoffFactor < 1 {
		return domain.Configurationf("labeling: backoff_factor must be at least 1")
	}
	if l.PersistRetries < 0 {
		return domain.Configurationf("labeling: persist_retries must not be negative")
	}
	if l.BackoffMaxMs < l.BackoffBaseMs {
		return domain.Configurationf("labeling: backoff_max_ms %d is below backoff_base_ms %d", l.BackoffMaxMs, l.BackoffBaseMs)
	}
	return nil
}

// String summarizes the config without secrets.
func (c *AppConfig) String() string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		names = append(names, p.Name+"("+p.Type+")")
	}
	return fmt.Sprintf("storage=%s providers=%v budget=$%.2f batch_size=%d",
		c.Storage.Client, names, c.Labeling.DailyBudgetUSD, c.Labeling.BatchSize)
}
