package cmd

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run generated traffic through a handler stack.",
	Long: `simulate submits generated requests through a file system, ` +
		`volume and disk layer. Some requests can be made to misbehave so ` +
		`that the registry reports them. A summary is printed as JSON.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s := newSimulation(cfg, logger)
		readSimulationFlags(cmd, s)

		if err := s.setup(); err != nil {
			return err
		}

		res, err := s.run(ctx)
		if err != nil {
			return err
		}

		if hold, _ := cmd.Flags().GetDuration("hold"); hold > 0 && s.monitor != nil {
			logger.Info("holding the monitor", zap.Duration("for", hold))

			select {
			case <-time.After(hold):
			case <-ctx.Done():
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.teardown(shutdownCtx, &res); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(res)
	},
}

func addSimulationFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("workers", 4, "Number of goroutines submitting requests")
	flags.Int("requests", 1000, "Number of requests to submit")
	flags.Float64("fault-rate", 0, "Fraction of requests that misbehave")
	flags.Float64("leak-rate", 0, "Fraction of requests whose identity is leaked")
	flags.Uint64("seed", 1, "Seed of the traffic generator")
}

func readSimulationFlags(cmd *cobra.Command, s *simulation) {
	flags := cmd.Flags()
	s.workers, _ = flags.GetInt("workers")
	s.requests, _ = flags.GetInt("requests")
	s.faultRate, _ = flags.GetFloat64("fault-rate")
	s.leakRate, _ = flags.GetFloat64("leak-rate")
	s.seed, _ = flags.GetUint64("seed")

	if s.workers < 1 {
		s.workers = 1
	}
}

func init() {
	addSimulationFlags(simulateCmd)
	simulateCmd.Flags().Int("monitor-port", -1,
		"Port of the monitoring server, 0 for any, negative to disable")
	simulateCmd.Flags().String("archive", "", "Path of the SQLite archive of released records")
	simulateCmd.Flags().Bool("open-browser", false, "Open the monitor in a browser")
	simulateCmd.Flags().Duration("hold", 0, "Keep the monitor serving after the run")

	rootCmd.AddCommand(simulateCmd)
}
