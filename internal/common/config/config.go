// Package config provides configuration management for Sentra.
// It supports loading configuration from environment variables, config files,
// and defaults, with hot reload via immutable snapshots.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Hard limits applied to configured timeouts.
const (
	DefaultCallTimeout = 180 * time.Second
	MaxCallTimeout     = 900 * time.Second
)

// Config holds all configuration sections for Sentra. A loaded Config is an
// immutable snapshot; hot reload replaces the whole pointer, never fields.
type Config struct {
	Adapter      AdapterConfig      `mapstructure:"adapter"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Bundle       BundleConfig       `mapstructure:"bundle"`
	History      HistoryConfig      `mapstructure:"history"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Gate         GateConfig         `mapstructure:"gate"`
	Persona      PersonaConfig      `mapstructure:"persona"`
	Emotion      EmotionConfig      `mapstructure:"emotion"`
	DelayQueue   DelayQueueConfig   `mapstructure:"delayQueue"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Intervention InterventionConfig `mapstructure:"intervention"`
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Preset       PresetConfig       `mapstructure:"preset"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AdapterConfig holds the IM adapter connection configuration.
type AdapterConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	Path                string `mapstructure:"path"`
	ReconnectIntervalMs int    `mapstructure:"reconnectIntervalMs"`
	MaxReconnectAttempts int   `mapstructure:"maxReconnectAttempts"`
	SendRPCMaxRetries   int    `mapstructure:"sendRpcMaxRetries"`
	SendRPCTimeoutMs    int    `mapstructure:"sendRpcTimeoutMs"`
}

// LLMConfig holds the chat-model client configuration.
type LLMConfig struct {
	APIKey                  string  `mapstructure:"apiKey"`
	APIBaseURL              string  `mapstructure:"apiBaseUrl"`
	Model                   string  `mapstructure:"model"`
	Temperature             float64 `mapstructure:"temperature"`
	MaxTokens               int     `mapstructure:"maxTokens"`
	TimeoutSeconds          int     `mapstructure:"timeoutSeconds"`
	MaxResponseRetries      int     `mapstructure:"maxResponseRetries"`
	MaxResponseTokens       int     `mapstructure:"maxResponseTokens"`
	EnableStrictFormatCheck bool    `mapstructure:"enableStrictFormatCheck"`
}

// BundleConfig holds message-bundling window configuration.
type BundleConfig struct {
	WindowMs int `mapstructure:"windowMs"`
	MaxMs    int `mapstructure:"maxMs"`
}

// HistoryConfig holds conversation history storage configuration.
type HistoryConfig struct {
	// DatabaseURL selects the postgres backend when set; empty means the
	// embedded sqlite store at SQLitePath.
	DatabaseURL          string `mapstructure:"databaseUrl"`
	SQLitePath           string `mapstructure:"sqlitePath"`
	MaxConversationPairs int    `mapstructure:"maxConversationPairs"`
	MCPMaxContextPairs   int    `mapstructure:"mcpMaxContextPairs"`
}

// GateConfig holds the reply-policy gate configuration.
type GateConfig struct {
	// SelfID is the bot's own account ID on the adapter, used to detect
	// direct @-mentions.
	SelfID          string  `mapstructure:"selfId"`
	BaseProbability float64 `mapstructure:"baseProbability"`
}

// MemoryConfig holds daily context-memory configuration.
type MemoryConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Model                 string `mapstructure:"model"`
	TriggerDiscardedPairs int    `mapstructure:"triggerDiscardedPairs"`
	Dir                   string `mapstructure:"dir"`
}

// PersonaConfig holds persona-store update configuration.
type PersonaConfig struct {
	Dir              string `mapstructure:"dir"`
	UpdateEveryMsgs  int    `mapstructure:"updateEveryMsgs"`
	HistorySampleSize int   `mapstructure:"historySampleSize"`
}

// EmotionConfig holds the Sentra-Emo analytics service configuration.
type EmotionConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// DelayQueueConfig holds the delayed-job worker configuration.
type DelayQueueConfig struct {
	// RedisURL selects the Redis backend when set; empty means the embedded
	// sqlite queue at SQLitePath.
	RedisURL       string `mapstructure:"redisUrl"`
	SQLitePath     string `mapstructure:"sqlitePath"`
	PollIntervalMs int    `mapstructure:"pollIntervalMs"`
	MaxLagMs       int    `mapstructure:"maxLagMs"`
}

// RecoveryConfig holds the task-recovery scanner configuration.
type RecoveryConfig struct {
	Root               string `mapstructure:"root"`
	ScanIntervalMs     int    `mapstructure:"scanIntervalMs"`
	MaxFailureAttempts int    `mapstructure:"maxFailureAttempts"`
	FileTTLHours       int    `mapstructure:"fileTtlHours"`
}

// InterventionConfig holds user-intervention detection configuration.
type InterventionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Model overrides the default chat model for intent classification.
	Model string `mapstructure:"model"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	MCPServerPort int    `mapstructure:"mcpServerPort"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MCPConfig holds the external MCP executor endpoint configuration.
type MCPConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// PresetConfig holds preset/worldbook file locations and template selection.
type PresetConfig struct {
	PresetPath    string `mapstructure:"presetPath"`
	WorldbookPath string `mapstructure:"worldbookPath"`
	BaseTemplate  string `mapstructure:"baseTemplate"` // auto|router|response_only|tools_only
	BotName       string `mapstructure:"botName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReconnectInterval returns the adapter reconnect interval as a time.Duration.
func (a *AdapterConfig) ReconnectInterval() time.Duration {
	return time.Duration(a.ReconnectIntervalMs) * time.Millisecond
}

// SendRPCTimeout returns the per-call RPC timeout as a time.Duration.
func (a *AdapterConfig) SendRPCTimeout() time.Duration {
	return time.Duration(a.SendRPCTimeoutMs) * time.Millisecond
}

// Timeout returns the LLM call timeout clamped to the hard cap.
func (l *LLMConfig) Timeout() time.Duration {
	d := time.Duration(l.TimeoutSeconds) * time.Second
	if d <= 0 {
		return DefaultCallTimeout
	}
	if d > MaxCallTimeout {
		return MaxCallTimeout
	}
	return d
}

// Window returns the bundle window as a time.Duration.
func (b *BundleConfig) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

// Max returns the bundle hard deadline as a time.Duration.
func (b *BundleConfig) Max() time.Duration {
	return time.Duration(b.MaxMs) * time.Millisecond
}

// PollInterval returns the delay-queue poll interval as a time.Duration.
func (d *DelayQueueConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// MaxLag returns the delay-queue max dispatch lag as a time.Duration.
func (d *DelayQueueConfig) MaxLag() time.Duration {
	return time.Duration(d.MaxLagMs) * time.Millisecond
}

// ScanInterval returns the recovery scan interval as a time.Duration.
func (r *RecoveryConfig) ScanInterval() time.Duration {
	return time.Duration(r.ScanIntervalMs) * time.Millisecond
}

// FileTTL returns the recovery journal TTL as a time.Duration.
func (r *RecoveryConfig) FileTTL() time.Duration {
	return time.Duration(r.FileTTLHours) * time.Hour
}

// Timeout returns the emotion service call timeout.
func (e *EmotionConfig) Timeout() time.Duration {
	d := time.Duration(e.TimeoutSeconds) * time.Second
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SENTRA_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Adapter defaults
	v.SetDefault("adapter.host", "127.0.0.1")
	v.SetDefault("adapter.port", 6700)
	v.SetDefault("adapter.path", "/sentra")
	v.SetDefault("adapter.reconnectIntervalMs", 5000)
	v.SetDefault("adapter.maxReconnectAttempts", 20)
	v.SetDefault("adapter.sendRpcMaxRetries", 2)
	v.SetDefault("adapter.sendRpcTimeoutMs", 15000)

	// LLM defaults
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.apiBaseUrl", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.8)
	v.SetDefault("llm.maxTokens", 4096)
	v.SetDefault("llm.timeoutSeconds", 180)
	v.SetDefault("llm.maxResponseRetries", 2)
	v.SetDefault("llm.maxResponseTokens", 1200)
	v.SetDefault("llm.enableStrictFormatCheck", true)

	// Bundle defaults
	v.SetDefault("bundle.windowMs", 500)
	v.SetDefault("bundle.maxMs", 2000)

	// History defaults - empty databaseUrl means embedded sqlite
	v.SetDefault("history.databaseUrl", "")
	v.SetDefault("history.sqlitePath", "data/history.db")
	v.SetDefault("history.maxConversationPairs", 200)
	v.SetDefault("history.mcpMaxContextPairs", 12)

	// Gate defaults
	v.SetDefault("gate.selfId", "")
	v.SetDefault("gate.baseProbability", 0.05)

	// Context-memory defaults
	v.SetDefault("memory.enabled", false)
	v.SetDefault("memory.model", "")
	v.SetDefault("memory.triggerDiscardedPairs", 20)
	v.SetDefault("memory.dir", "data/memory")

	// Persona defaults
	v.SetDefault("persona.dir", "data/persona")
	v.SetDefault("persona.updateEveryMsgs", 10)
	v.SetDefault("persona.historySampleSize", 30)

	// Emotion defaults
	v.SetDefault("emotion.url", "")
	v.SetDefault("emotion.timeoutSeconds", 10)

	// Delay-queue defaults - empty redisUrl means embedded sqlite queue
	v.SetDefault("delayQueue.redisUrl", "")
	v.SetDefault("delayQueue.sqlitePath", "data/delayqueue.db")
	v.SetDefault("delayQueue.pollIntervalMs", 1000)
	v.SetDefault("delayQueue.maxLagMs", 300000)

	// Recovery defaults
	v.SetDefault("recovery.root", "taskData")
	v.SetDefault("recovery.scanIntervalMs", 60000)
	v.SetDefault("recovery.maxFailureAttempts", 2)
	v.SetDefault("recovery.fileTtlHours", 72)

	// Intervention defaults
	v.SetDefault("intervention.enabled", true)
	v.SetDefault("intervention.model", "")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mcpServerPort", 0) // 0 disables the embedded MCP server

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sentra-agent")
	v.SetDefault("nats.maxReconnects", 10)

	// MCP executor defaults
	v.SetDefault("mcp.url", "ws://127.0.0.1:8765/mcp")
	v.SetDefault("mcp.timeoutSeconds", 600)

	// Preset defaults
	v.SetDefault("preset.presetPath", "config/preset.json")
	v.SetDefault("preset.worldbookPath", "config/worldbook.xml")
	v.SetDefault("preset.baseTemplate", "auto")
	v.SetDefault("preset.botName", "Sentra")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// bindEnvAliases binds the flat environment keys the deployment tooling uses.
// AutomaticEnv does not handle camelCase config keys, so every alias is
// explicit.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string][]string{
		"adapter.host":                 {"WS_HOST"},
		"adapter.port":                 {"WS_PORT"},
		"adapter.reconnectIntervalMs":  {"WS_RECONNECT_INTERVAL_MS"},
		"adapter.maxReconnectAttempts": {"WS_MAX_RECONNECT_ATTEMPTS"},
		"adapter.sendRpcMaxRetries":    {"SEND_RPC_MAX_RETRIES"},
		"adapter.sendRpcTimeoutMs":     {"SEND_RPC_TIMEOUT_MS"},

		"llm.apiKey":                  {"API_KEY"},
		"llm.apiBaseUrl":              {"API_BASE_URL"},
		"llm.model":                   {"MAIN_AI_MODEL"},
		"llm.temperature":             {"TEMPERATURE"},
		"llm.maxTokens":               {"MAX_TOKENS"},
		"llm.timeoutSeconds":          {"TIMEOUT"},
		"llm.maxResponseRetries":      {"MAX_RESPONSE_RETRIES"},
		"llm.maxResponseTokens":       {"MAX_RESPONSE_TOKENS"},
		"llm.enableStrictFormatCheck": {"ENABLE_STRICT_FORMAT_CHECK"},

		"bundle.windowMs": {"BUNDLE_WINDOW_MS"},
		"bundle.maxMs":    {"BUNDLE_MAX_MS"},

		"history.databaseUrl":          {"DATABASE_URL"},
		"history.maxConversationPairs": {"MAX_CONVERSATION_PAIRS"},
		"history.mcpMaxContextPairs":   {"MCP_MAX_CONTEXT_PAIRS"},
		"intervention.enabled":         {"INTERVENTION_ENABLED"},

		"gate.selfId":          {"SELF_ID"},
		"gate.baseProbability": {"REPLY_BASE_PROBABILITY"},

		"memory.enabled":               {"CONTEXT_MEMORY_ENABLED"},
		"memory.model":                 {"CONTEXT_MEMORY_MODEL"},
		"memory.triggerDiscardedPairs": {"CONTEXT_MEMORY_TRIGGER_DISCARDED_PAIRS"},

		"persona.updateEveryMsgs":   {"PERSONA_UPDATE_EVERY_MSGS"},
		"persona.historySampleSize": {"PERSONA_HISTORY_SAMPLE_SIZE"},

		"emotion.url":            {"SENTRA_EMO_URL"},
		"emotion.timeoutSeconds": {"SENTRA_EMO_TIMEOUT"},

		"delayQueue.redisUrl":       {"REDIS_URL"},
		"delayQueue.pollIntervalMs": {"DELAY_QUEUE_POLL_INTERVAL_MS"},
		"delayQueue.maxLagMs":       {"DELAY_QUEUE_MAX_LAG_MS"},

		"recovery.maxFailureAttempts": {"TASK_RECOVERY_MAX_FAILURE_ATTEMPTS"},
		"recovery.fileTtlHours":       {"TASK_RECOVERY_FILE_TTL_HOURS"},

		"mcp.url": {"MCP_EXECUTOR_URL"},
	}
	for key, envs := range aliases {
		args := append([]string{key}, envs...)
		_ = v.BindEnv(args...)
	}
}

// newViper builds a viper instance with defaults, env bindings, and config
// file discovery.
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SENTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sentra/")

	return v
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Adapter.Port <= 0 || cfg.Adapter.Port > 65535 {
		errs = append(errs, "adapter.port must be between 1 and 65535")
	}
	if cfg.Adapter.MaxReconnectAttempts < 0 {
		errs = append(errs, "adapter.maxReconnectAttempts must not be negative")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Bundle.WindowMs <= 0 {
		errs = append(errs, "bundle.windowMs must be positive")
	}
	if cfg.Bundle.MaxMs < cfg.Bundle.WindowMs {
		errs = append(errs, "bundle.maxMs must be at least bundle.windowMs")
	}
	if cfg.LLM.MaxResponseRetries < 0 {
		errs = append(errs, "llm.maxResponseRetries must not be negative")
	}
	if cfg.Gate.BaseProbability < 0 || cfg.Gate.BaseProbability > 1 {
		errs = append(errs, "gate.baseProbability must be between 0 and 1")
	}
	if cfg.DelayQueue.PollIntervalMs <= 0 {
		errs = append(errs, "delayQueue.pollIntervalMs must be positive")
	}
	if cfg.Recovery.MaxFailureAttempts <= 0 {
		errs = append(errs, "recovery.maxFailureAttempts must be positive")
	}

	switch cfg.Preset.BaseTemplate {
	case "auto", "router", "response_only", "tools_only":
	default:
		errs = append(errs, "preset.baseTemplate must be one of: auto, router, response_only, tools_only")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
