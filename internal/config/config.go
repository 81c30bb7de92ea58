package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the root kestrel configuration, loaded from
// ~/.kestrel/kestrel.json and KESTREL_* environment variables.
type Config struct {
	Providers     []ProviderConfig  `json:"providers" mapstructure:"providers"`
	Agent         AgentConfig       `json:"agent" mapstructure:"agent"`
	Router        RouterConfig      `json:"router" mapstructure:"router"`
	Approval      ApprovalConfig    `json:"approval" mapstructure:"approval"`
	Subagents     SubagentConfig    `json:"subagents" mapstructure:"subagents"`
	Gateway       GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Heartbeats    []HeartbeatConfig `json:"heartbeats" mapstructure:"heartbeats"`
	Hooks         []HookConfig      `json:"hooks" mapstructure:"hooks"`
	Tools         ToolsConfig       `json:"tools" mapstructure:"tools"`
	Logging       LoggingConfig     `json:"logging" mapstructure:"logging"`
	DataDir       string            `json:"data_dir" mapstructure:"data_dir"`
	WorkspacePath string            `json:"workspace_path" mapstructure:"workspace_path"`
}

// ProviderConfig describes one LLM backend. Lower priority is tried first.
type ProviderConfig struct {
	Name           string  `json:"name" mapstructure:"name"`
	Kind           string  `json:"kind" mapstructure:"kind"` // anthropic, openai
	APIKey         string  `json:"api_key" mapstructure:"api_key"`
	BaseURL        string  `json:"base_url" mapstructure:"base_url"`
	Model          string  `json:"model" mapstructure:"model"`
	Priority       int     `json:"priority" mapstructure:"priority"`
	Disabled       bool    `json:"disabled" mapstructure:"disabled"`
	RateLimit      float64 `json:"rate_limit" mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	Burst          int     `json:"burst" mapstructure:"burst"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return seconds(p.TimeoutSeconds)
}

type AgentConfig struct {
	MaxTurns            int     `json:"max_turns" mapstructure:"max_turns"`
	MaxTokens           int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature         float64 `json:"temperature" mapstructure:"temperature"`
	SystemPrompt        string  `json:"system_prompt" mapstructure:"system_prompt"`
	CompactionThreshold int     `json:"compaction_threshold" mapstructure:"compaction_threshold"` // estimated tokens
}

type RouterConfig struct {
	CooldownSeconds int `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	TimeoutSeconds  int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

func (r RouterConfig) Cooldown() time.Duration { return seconds(r.CooldownSeconds) }
func (r RouterConfig) Timeout() time.Duration  { return seconds(r.TimeoutSeconds) }

type ApprovalConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	// Autonomous lists supervised tools that run without asking.
	Autonomous []string `json:"autonomous" mapstructure:"autonomous"`
}

func (a ApprovalConfig) Timeout() time.Duration { return seconds(a.TimeoutSeconds) }

type SubagentConfig struct {
	MaxConcurrent  int `json:"max_concurrent" mapstructure:"max_concurrent"`
	RetentionHours int `json:"retention_hours" mapstructure:"retention_hours"`
}

func (s SubagentConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

type GatewayConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	Host         string  `json:"host" mapstructure:"host"`
	Port         int     `json:"port" mapstructure:"port"`
	SharedSecret string  `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimit    float64 `json:"rate_limit" mapstructure:"rate_limit"` // messages per second per client
	Burst        int     `json:"burst" mapstructure:"burst"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// HeartbeatConfig schedules a prompt as if a user had sent it.
// HookConfig runs a shell script whenever a runtime event fires.
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

func (h HookConfig) Timeout() time.Duration { return seconds(h.TimeoutSeconds) }

type HeartbeatConfig struct {
	Name     string `json:"name" mapstructure:"name"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
	Prompt   string `json:"prompt" mapstructure:"prompt"`
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
}

type ToolsConfig struct {
	Allow          []string `json:"allow" mapstructure:"allow"`
	Deny           []string `json:"deny" mapstructure:"deny"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes int      `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

func (t ToolsConfig) Timeout() time.Duration { return seconds(t.TimeoutSeconds) }

type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // rotated files kept
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{},
		Agent: AgentConfig{
			MaxTurns:            10,
			MaxTokens:           4096,
			Temperature:         0.7,
			CompactionThreshold: 100000,
		},
		Router: RouterConfig{
			CooldownSeconds: 60,
			TimeoutSeconds:  120,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 120,
			Autonomous:     []string{},
		},
		Subagents: SubagentConfig{
			MaxConcurrent:  3,
			RetentionHours: 24,
		},
		Gateway: GatewayConfig{
			Enabled:   false,
			Host:      "127.0.0.1",
			Port:      8787,
			RateLimit: 5,
			Burst:     10,
		},
		Heartbeats: []HeartbeatConfig{},
		Hooks:      []HookConfig{},
		Tools: ToolsConfig{
			Allow:          []string{"*"},
			Deny:           []string{},
			TimeoutSeconds: 60,
			MaxOutputBytes: 10 * 1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			Pretty:     true,
			MaxSize:    50,
			MaxAge:     14,
			MaxBackups: 10,
			Compress:   true,
			Redaction:  true,
		},
	}
}

func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks that the configuration can start a runtime.
func (c *Config) Validate() error {
	if len(c.EnabledProviders()) == 0 {
		return fmt.Errorf("no providers configured: at least one enabled provider is required")
	}

	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// EnabledProviders returns the providers not marked disabled, in file order.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}
