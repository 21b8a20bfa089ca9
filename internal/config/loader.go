package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates, strips
// comments and trailing commas, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSONC bytes into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every default applied, used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}
	if cfg.Gateway.DefaultUser == "" {
		cfg.Gateway.DefaultUser = "local"
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = Duration(2 * time.Minute)
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}

	if cfg.Storage.Database == "" {
		cfg.Storage.Database = filepath.Join(PilotPath(), "pilot.db")
	}
	if cfg.Storage.EventLog == "" {
		cfg.Storage.EventLog = filepath.Join(PilotPath(), "events")
	}

	e := &cfg.Engine
	if e.ContextCap <= 0 {
		e.ContextCap = 10
	}
	if e.DefaultEstimateHours <= 0 {
		e.DefaultEstimateHours = 2.0
	}
	if e.SimilarityTopK <= 0 {
		e.SimilarityTopK = 5
	}
	if e.MaxGoalLength <= 0 {
		e.MaxGoalLength = 1000
	}
	if e.MaxQuestionLength <= 0 {
		e.MaxQuestionLength = 2000
	}
	if e.MaxSubtasks <= 0 {
		e.MaxSubtasks = 20
	}
	applyRetryDefaults(&e.BreakdownRetry, 3)
	applyRetryDefaults(&e.QueryRetry, 2)

	switch cfg.Scheduler.Recompute {
	case "":
		cfg.Scheduler.Recompute = "5 0 * * *"
	case "off":
		cfg.Scheduler.Recompute = ""
	}

	// Default MaxConcurrent for providers
	for name, p := range cfg.Models.Providers {
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = 4
			cfg.Models.Providers[name] = p
		}
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}

func applyRetryDefaults(r *RetryConfig, attempts int) {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = Duration(5 * time.Second)
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2
	}
}
