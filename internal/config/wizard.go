package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard walks a user through provider setup on a terminal.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== kestrel setup ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Fprintln(w.out, "Providers are tried in the order entered. At least one is required.")
	kinds := []struct {
		kind, model string
	}{
		{"anthropic", "claude-sonnet-4-5"},
		{"openai", "gpt-4o"},
	}
	for _, k := range kinds {
		key, err := w.askKey(validator, k.kind)
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}

		model, err := w.ask(fmt.Sprintf("%s model [%s]: ", k.kind, k.model))
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = k.model
		}

		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:     k.kind,
			Kind:     k.kind,
			APIKey:   key,
			Model:    model,
			Priority: len(cfg.Providers),
		})
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	fmt.Fprintln(w.out)
	enable, err := w.ask("Enable the WebSocket gateway? (y/n) [n]: ")
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(enable, "y") {
		cfg.Gateway.Enabled = true
		for cfg.Gateway.SharedSecret == "" {
			secret, err := w.ask("Gateway shared secret: ")
			if err != nil {
				return nil, err
			}
			cfg.Gateway.SharedSecret = secret
		}
		port, err := w.ask(fmt.Sprintf("Gateway port [%d]: ", cfg.Gateway.Port))
		if err != nil {
			return nil, err
		}
		if port != "" {
			n, convErr := strconv.Atoi(port)
			if convErr != nil {
				fmt.Fprintf(w.out, "Warning: invalid port %q, using %d\n", port, cfg.Gateway.Port)
			} else {
				cfg.Gateway.Port = n
			}
		}
	}

	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return cfg, nil
}

func (w *Wizard) askKey(validator *Validator, kind string) (string, error) {
	for {
		key, err := w.ask(fmt.Sprintf("%s API key (press Enter to skip): ", kind))
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", nil
		}
		if err := validator.ValidateAPIKey(key, kind); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return key, nil
	}
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
