package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/logging"
)

// skipConfig marks commands that run without loading the configuration
const skipConfig = "skip-config"

var (
	// Global configuration
	configPath string
	holder     *config.Holder
	cfg        *config.Config
	logCloser  io.Closer

	versionInfo = struct{ version, commit, date string }{"dev", "unknown", "unknown"}

	// Root command
	rootCmd = &cobra.Command{
		Use:   "sendline",
		Short: "sendline outbound delivery engine",
		Long: `sendline delivers queued email from a pool of warmed-up sending IPs.
It tracks per-IP quotas and provider rate limits, resolves and caches MX
records, reuses SMTP sessions, and hands work to peer relays when local
capacity runs out.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsConfig(cmd) {
				return nil
			}

			var err error
			holder, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			cfg = holder.Current().Config

			logCloser, err = logging.Setup(logging.Options{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cfg.Logging.Output,
			})
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}
)

func skipsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion":
		return true
	}
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[skipConfig]; ok {
			return true
		}
	}
	return false
}

// SetVersion records build information
func SetVersion(version, commit, date string) {
	versionInfo.version, versionInfo.commit, versionInfo.date = version, commit, date
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

// GetRootCmd returns the root command for testing purposes
func GetRootCmd() *cobra.Command {
	return rootCmd
}
