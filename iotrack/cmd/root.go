// Package cmd provides the command-line interface of iotrack.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sarchlab/iotrack/config"
)

var (
	cfg    config.Config
	logger = zap.NewNop()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iotrack",
	Short: "iotrack tracks request objects through a handler stack.",
	Long: `iotrack tracks request objects through a handler stack and reports ` +
		`the protocol violations of the layers. It can run simulated ` +
		`traffic, serve a live monitor and print snapshots of the registry.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env")

		loaded, err := config.Load(envFile)
		if err != nil {
			return err
		}

		if err := applyFlags(cmd, &loaded); err != nil {
			return err
		}

		dev, _ := cmd.Flags().GetBool("dev")

		l, err := loaded.Logger(dev)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}

		cfg = loaded
		logger = l

		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("env", ".env", "Dotenv file to load settings from")
	flags.Bool("dev", false, "Log in a human readable format")
	flags.Int("shards", 0, "Number of shards of the registry")
	flags.Int("capacity", 0, "Maximum number of live records")
	flags.Bool("no-surrogates", false, "Do not double-buffer direct transfers")
}

// applyFlags lets flags that were set override the loaded settings.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("shards") {
		c.ShardCount, _ = flags.GetInt("shards")
	}

	if flags.Changed("capacity") {
		c.Capacity, _ = flags.GetInt("capacity")
	}

	if flags.Changed("no-surrogates") {
		off, _ := flags.GetBool("no-surrogates")
		c.Surrogates = !off
	}

	if flags.Lookup("monitor-port") != nil && flags.Changed("monitor-port") {
		c.MonitorPort, _ = flags.GetInt("monitor-port")
	}

	if flags.Lookup("archive") != nil && flags.Changed("archive") {
		c.Archive, _ = flags.GetString("archive")
	}

	if flags.Lookup("open-browser") != nil && flags.Changed("open-browser") {
		c.OpenBrowser, _ = flags.GetBool("open-browser")
	}

	return c.Validate()
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
