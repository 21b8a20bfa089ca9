package config

import "time"

// Config is the root configuration for pilot.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Models    ModelsConfig    `json:"models"`
	Engine    EngineConfig    `json:"engine"`
	Storage   StorageConfig   `json:"storage"`
	Events    EventsConfig    `json:"events"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// GatewayConfig holds the HTTP server settings.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	DefaultUser    string   `json:"default_user"`    // owner used when X-Pilot-User is absent
	RequestTimeout Duration `json:"request_timeout"` // per-request deadline, propagated to model calls
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver        string         `json:"driver"` // "anthropic", "openai", "mistral", "ollama", "gemini"
	Model         string         `json:"model"`
	BaseURL       string         `json:"base_url,omitempty"`
	Auth          AuthConfig     `json:"auth"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"` // outstanding calls allowed at once
	Timeout       Duration       `json:"timeout,omitempty"`        // per attempt
	Options       map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // Direct API key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty"`   // OAuth/Bearer token
}

// EngineConfig holds the read-only tuning of the prioritization and decomposition engine.
type EngineConfig struct {
	ContextCap           int         `json:"context_cap"`            // top-N tasks embedded in query prompts
	DefaultEstimateHours float64     `json:"default_estimate_hours"` // estimate when history gives no signal
	SimilarityTopK       int         `json:"similarity_top_k"`
	MaxGoalLength        int         `json:"max_goal_length"`     // runes
	MaxQuestionLength    int         `json:"max_question_length"` // runes
	MaxSubtasks          int         `json:"max_subtasks"`
	BreakdownRetry       RetryConfig `json:"breakdown_retry"`
	QueryRetry           RetryConfig `json:"query_retry"`
}

// RetryConfig describes a bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff"`
	Multiplier     float64  `json:"multiplier"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	Database string `json:"database"`  // SQLite file (default: $PILOT_PATH/pilot.db)
	EventLog string `json:"event_log"` // JSONL audit directory (default: $PILOT_PATH/events)
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"`
}

// SchedulerConfig controls periodic priority recomputation.
type SchedulerConfig struct {
	Recompute string `json:"recompute"` // 5-field cron expression, "off" disables
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
