package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator checks individual configuration values.
type Validator struct {
	parser cron.Parser
}

func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (v *Validator) ValidateAPIKey(key string, kind string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", kind)
	}

	switch kind {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

func (v *Validator) ValidateProviderKind(kind string) error {
	switch kind {
	case "anthropic", "openai":
		return nil
	}
	return fmt.Errorf("invalid provider kind: %s (must be one of: anthropic, openai)", kind)
}

func (v *Validator) ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if _, err := v.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

func positive(name string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%s must be > 0, got %d", name, n)
	}
	return nil
}

// ValidateConfig collects every problem in cfg rather than stopping at the first.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.Name == "" {
			add(fmt.Errorf("provider %d: name is required", i))
			continue
		}
		if seen[p.Name] {
			add(fmt.Errorf("provider %s: duplicate name", p.Name))
		}
		seen[p.Name] = true
		if p.Disabled {
			continue
		}
		if err := v.ValidateProviderKind(p.Kind); err != nil {
			add(fmt.Errorf("provider %s: %w", p.Name, err))
			continue
		}
		if p.BaseURL == "" {
			if err := v.ValidateAPIKey(p.APIKey, p.Kind); err != nil {
				add(fmt.Errorf("provider %s: %w", p.Name, err))
			}
		}
		if p.Model == "" {
			add(fmt.Errorf("provider %s: model is required", p.Name))
		}
		if p.RateLimit < 0 {
			add(fmt.Errorf("provider %s: rate_limit must be >= 0", p.Name))
		}
	}

	add(positive("agent.max_turns", cfg.Agent.MaxTurns))
	add(v.ValidateMaxTokens(cfg.Agent.MaxTokens))
	add(v.ValidateTemperature(cfg.Agent.Temperature))
	add(positive("agent.compaction_threshold", cfg.Agent.CompactionThreshold))
	add(positive("router.cooldown_seconds", cfg.Router.CooldownSeconds))
	add(positive("router.timeout_seconds", cfg.Router.TimeoutSeconds))
	add(positive("approval.timeout_seconds", cfg.Approval.TimeoutSeconds))
	add(positive("subagents.max_concurrent", cfg.Subagents.MaxConcurrent))

	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
		}
		if cfg.Gateway.SharedSecret == "" {
			add(fmt.Errorf("gateway.shared_secret is required when the gateway is enabled"))
		}
	}

	for i, hb := range cfg.Heartbeats {
		if !hb.Enabled {
			continue
		}
		if strings.TrimSpace(hb.Prompt) == "" {
			add(fmt.Errorf("heartbeat %d (%s): prompt is required", i, hb.Name))
		}
		if err := v.ValidateSchedule(hb.Schedule); err != nil {
			add(fmt.Errorf("heartbeat %d (%s): %w", i, hb.Name, err))
		}
	}

	for i, h := range cfg.Hooks {
		if !h.Enabled {
			continue
		}
		if strings.TrimSpace(h.Event) == "" {
			add(fmt.Errorf("hook %d: event is required", i))
		}
		if strings.TrimSpace(h.Script) == "" {
			add(fmt.Errorf("hook %d (%s): script is required", i, h.Event))
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}
