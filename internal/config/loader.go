package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "KESTREL"
	configDirName  = ".kestrel"
	configFileName = "kestrel.json"
)

type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, overlays KESTREL_* environment variables and
// fills in derived paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyPathDefaults(cfg); err != nil {
		return nil, err
	}
	applyProviderEnv(cfg)

	return cfg, nil
}

// setDefaults registers scalar defaults so AutomaticEnv can override keys
// that are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("agent.max_turns", cfg.Agent.MaxTurns)
	v.SetDefault("agent.max_tokens", cfg.Agent.MaxTokens)
	v.SetDefault("agent.temperature", cfg.Agent.Temperature)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.compaction_threshold", cfg.Agent.CompactionThreshold)
	v.SetDefault("router.cooldown_seconds", cfg.Router.CooldownSeconds)
	v.SetDefault("router.timeout_seconds", cfg.Router.TimeoutSeconds)
	v.SetDefault("approval.timeout_seconds", cfg.Approval.TimeoutSeconds)
	v.SetDefault("subagents.max_concurrent", cfg.Subagents.MaxConcurrent)
	v.SetDefault("subagents.retention_hours", cfg.Subagents.RetentionHours)
	v.SetDefault("gateway.enabled", cfg.Gateway.Enabled)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.rate_limit", cfg.Gateway.RateLimit)
	v.SetDefault("gateway.burst", cfg.Gateway.Burst)
	v.SetDefault("tools.timeout_seconds", cfg.Tools.TimeoutSeconds)
	v.SetDefault("tools.max_output_bytes", cfg.Tools.MaxOutputBytes)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("workspace_path", cfg.WorkspacePath)
}

func applyPathDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, configDirName)
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "kestrel.log")
	}
	return nil
}

// applyProviderEnv fills missing API keys from the vendor environment
// variables and, when no providers are configured at all, derives them.
func applyProviderEnv(cfg *Config) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" {
			continue
		}
		p.APIKey = os.Getenv(envPrefix + "_" + strings.ToUpper(p.Name) + "_API_KEY")
		if p.APIKey == "" {
			p.APIKey = vendorKey(p.Kind)
		}
	}

	if len(cfg.Providers) > 0 {
		return
	}
	if key := vendorKey("anthropic"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:     "anthropic",
			Kind:     "anthropic",
			APIKey:   key,
			Model:    "claude-sonnet-4-5",
			Priority: 0,
		})
	}
	if key := vendorKey("openai"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:     "openai",
			Kind:     "openai",
			APIKey:   key,
			Model:    "gpt-4o",
			Priority: 1,
		})
	}
}

func vendorKey(kind string) string {
	switch kind {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// Save writes cfg as JSON to the loader's path, creating the directory.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("providers", cfg.Providers)
	v.Set("agent", cfg.Agent)
	v.Set("router", cfg.Router)
	v.Set("approval", cfg.Approval)
	v.Set("subagents", cfg.Subagents)
	v.Set("gateway", cfg.Gateway)
	v.Set("heartbeats", cfg.Heartbeats)
	v.Set("hooks", cfg.Hooks)
	v.Set("tools", cfg.Tools)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
