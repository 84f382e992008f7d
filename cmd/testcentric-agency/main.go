// ABOUTME: Entry point for testcentric-agency: serves agents and runs test packages through them
// ABOUTME: Commands are cobra subcommands; configuration comes from YAML or TOML with built-in defaults

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/testcentric-engine/internal/config"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _            _                  _        _
| |_ ___  ___| |_ ___ ___ _ __ | |_ _ __(_) ___
| __/ _ \/ __| __/ __/ _ \ '_ \| __| '__| |/ __|
| ||  __/\__ \ || (_|  __/ | | | |_| |  | | (__
 \__\___||___/\__\___\___|_| |_|\__|_|  |_|\___|
`

// errTestsFailed makes the process exit non-zero without printing an error.
var errTestsFailed = errors.New("tests failed")

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "testcentric-agency",
		Short:         "Launch test agents and run test packages through them",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TESTCENTRIC_CONFIG or ~/.config/testcentric/agency.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, runCmd, exploreCmd, countCmd, agentsCmd, healthCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errTestsFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// defaultConfigPath returns the config file used when --config is not given.
// Priority: TESTCENTRIC_CONFIG env var > XDG_CONFIG_HOME/testcentric/agency.yaml > ~/.config/testcentric/agency.yaml
func defaultConfigPath() string {
	if envPath := os.Getenv("TESTCENTRIC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agency.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "testcentric", "agency.yaml")
}

// loadConfig reads --config, or the default file when it exists. Without
// a file the built-in defaults are used. The returned string names the
// source for display.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			applyOverrides(cfg)
			return cfg, "(defaults)", nil
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	applyOverrides(cfg)
	return cfg, path, nil
}

func applyOverrides(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
