package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/remoterunner/internal/config"
)

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage remoterunner configuration",
	Long: `Manage remoterunner configuration.

Settings are read from the environment, then <data dir>/config.env, then the
YAML config file, then built-in defaults.

  remoterunner config show              Show the effective configuration
  remoterunner config set KEY VALUE     Persist a RUNNER_* setting to config.env
  remoterunner config path              Print config file paths`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single value in config.env. Example:
  remoterunner config set RUNNER_BACKEND local`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), envFilePath(cfg))
		fmt.Fprintln(cmd.OutOrStdout(), yamlFilePath(cfg))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func envFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "config.env")
}

func yamlFilePath(cfg *config.Config) string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("RUNNER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(cfg.DataDir, "config.yaml")
}

// runConfigShow prints the effective configuration as YAML, followed by
// validation problems if any.
func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "# env file:  %s\n# yaml file: %s\n", envFilePath(cfg), yamlFilePath(cfg))
	w.Write(out)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "\n# invalid:\n")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(w, "#   %s\n", line)
		}
	}
	return nil
}

// runConfigSet sets a single key=value in config.env.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := strings.TrimSpace(args[0]), args[1]
	if !strings.HasPrefix(key, "RUNNER_") && key != "OTEL_EXPORTER_OTLP_ENDPOINT" {
		return fmt.Errorf("unknown setting %q: keys start with RUNNER_", key)
	}

	// Load copies config.env into the environment, so look first.
	_, inEnv := os.LookupEnv(key)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	path := envFilePath(cfg)

	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		values = map[string]string{}
	}
	if value == "" {
		delete(values, key)
	} else {
		values[key] = value
	}
	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if value == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", key)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
	}
	if inEnv {
		fmt.Fprintf(cmd.OutOrStdout(), "Note: %s is set in the environment, which takes precedence.\n", key)
	}
	return nil
}
