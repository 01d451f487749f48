package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/internal/config"
)

var configCmd = &cobra.Command{
	Use:         "config",
	Short:       "Configuration management commands",
	Long:        "Commands for generating and validating sendline configuration",
	Annotations: map[string]string{skipConfig: "true"},
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	})

	rootCmd.AddCommand(configCmd)
}

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "sendline.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("%s already exists", outputPath)
	}

	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}
	path, err := config.FindConfigFile(configFile)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	c := config.DefaultConfig()
	if err := config.Parse(data, c); err != nil {
		return err
	}
	result := c.Validate()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "=== Configuration Validation Report: %s ===\n\n", path)
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, verr := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, verr.Error())
		}
		fmt.Fprintln(out)
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
		fmt.Fprintln(out)
	}

	if result.Valid {
		p := c.EffectiveProfile()
		fmt.Fprintf(out, "Configuration Summary:\n")
		fmt.Fprintf(out, "  Hostname: %s\n", c.Server.Hostname)
		fmt.Fprintf(out, "  Identity store: %s\n", c.Identity.Driver)
		fmt.Fprintf(out, "  Counters: %s\n", c.Counters.Backend)
		fmt.Fprintf(out, "  Queue: %s\n", c.Queue.Backend)
		fmt.Fprintf(out, "  Profile: %s (%d workers, %.1f/s, limits x%.2f)\n", p.Name, p.Workers, p.RatePerSecond, p.Multiplier)
		fmt.Fprintf(out, "  Rate rules: %d\n", len(c.Limits.Rules))
		fmt.Fprintf(out, "  Warmup steps: %d\n", len(c.Warmup.Steps))
		fmt.Fprintf(out, "  Relay endpoints: %d\n", len(c.Relay.Endpoints))
		if c.Relay.Server.Enabled {
			fmt.Fprintf(out, "  Relay server: %s\n", c.Relay.Server.Listen)
		}
		if c.API.Enabled {
			fmt.Fprintf(out, "  Admin API: %s\n", c.API.Listen)
		}
	}

	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}
	return nil
}
