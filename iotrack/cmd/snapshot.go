package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the records left in the registry after a simulated run.",
	Long: `snapshot runs generated traffic, then reads every shard of the ` +
		`registry with the lock, size, fill and unlock sequence and prints ` +
		`the records found. Use --leak-rate to leave records behind.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := cfg
		c.MonitorPort = -1
		c.Archive = ""

		s := newSimulation(c, logger)
		readSimulationFlags(cmd, s)

		if err := s.setup(); err != nil {
			return err
		}

		res, err := s.run(cmd.Context())
		if err != nil {
			return err
		}

		shards, err := readShards(snapshot.NewReader(s.db, priority.Passive))
		if err != nil {
			return err
		}

		if err := s.teardown(cmd.Context(), &res); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(shards)
		}

		return printShards(cmd.OutOrStdout(), shards)
	},
}

type shardSnapshot struct {
	Shard   int                `json:"shard"`
	Records []snapshot.Summary `json:"records"`
}

func readShards(r *snapshot.Reader) ([]shardSnapshot, error) {
	out := make([]shardSnapshot, 0, r.ShardCount())

	for n := 0; n < r.ShardCount(); n++ {
		summaries, err := r.Shard(n)
		if err != nil {
			return nil, err
		}

		out = append(out, shardSnapshot{Shard: n, Records: summaries})
	}

	return out, nil
}

func printShards(w io.Writer, shards []shardSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "SHARD\tIDENTITY\tOP\tREF\tPTR\tDEPTH\tVIOLATIONS\tFLAGS")

	for _, s := range shards {
		for _, r := range s.Records {
			fmt.Fprintf(tw, "%d\t%s\t%d.%d\t%d\t%d\t%d\t%d\t%s\n",
				s.Shard, r.Identity, r.Operation.Major, r.Operation.Minor,
				r.ReferenceCount, r.PointerCount, r.StackDepth,
				r.Violations, r.Flags)
		}
	}

	return tw.Flush()
}

func init() {
	addSimulationFlags(snapshotCmd)
	snapshotCmd.Flags().Bool("json", false, "Print the snapshot as JSON")

	rootCmd.AddCommand(snapshotCmd)
}
