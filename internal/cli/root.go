package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/kestrel/internal/config"
	"github.com/harun/kestrel/internal/daemon"
	"github.com/harun/kestrel/internal/logger"
)

const version = daemon.Version

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel - personal AI agent runtime",
	Long: `Kestrel is a personal AI agent runtime. It streams model responses
across failover providers, runs tools behind an approval gate, and serves
a websocket gateway and scheduled heartbeats from an always-on daemon.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kestrel/kestrel.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies the --log-level flag when
// it was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd != nil {
		if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
			cfg.Logging.Level = logLevel
		}
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section. Console
// output goes to stderr so command output on stdout stays clean.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    console && cfg.Logging.Console,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		Secrets:    configuredSecrets(cfg),
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// configuredSecrets lists the credentials from the config file so the log
// redactor scrubs them even when they match no key pattern.
func configuredSecrets(cfg *config.Config) []string {
	var secrets []string
	for _, p := range cfg.Providers {
		if p.APIKey != "" {
			secrets = append(secrets, p.APIKey)
		}
	}
	if cfg.Gateway.SharedSecret != "" {
		secrets = append(secrets, cfg.Gateway.SharedSecret)
	}
	return secrets
}

// getPIDFilePath resolves the daemon PID file from the configured data
// directory.
func getPIDFilePath() string {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return filepath.Join("/tmp", daemon.PIDFileName)
	}
	return filepath.Join(cfg.DataDir, daemon.PIDFileName)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
