package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/logging"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/replay"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/store"
	"github.com/spf13/cobra"
)

// #region commands
var (
	fixturePath string
	dbPath      string
	jsonOut     bool
	verbose     bool
	exitCode    int

	rootCmd = &cobra.Command{
		Use:           "replay --fixture path/to/fixture.json",
		Short:         "Replay a fixture stream and compare events with its expectations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "also write events and the trained model to this store")
	rootCmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every record with events")
	rootCmd.MarkFlagRequired("fixture")
}

// #endregion commands

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region run
func run(cmd *cobra.Command, _ []string) error {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		return err
	}

	var listener orchestrator.Listener
	var st *store.Store
	if dbPath != "" {
		if st, err = store.NewStore(dbPath); err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()
		listener = logging.NewEventListener(st.DB())
	}

	m, results, err := replay.Run(cmd.Context(), f, listener)
	if err != nil {
		return err
	}
	if st != nil {
		v, err := st.SaveModel(m)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "saved model %s\n", v.VersionID)
	}

	cfg, err := f.Config.ToConfig()
	if err != nil {
		return err
	}
	summary := replay.Summarize(results, cfg.Unit)
	mismatches := replay.Check(f, results)

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Summary    replay.ReplaySummary `json:"summary"`
			Mismatches []string             `json:"mismatches"`
		}{summary, mismatches}); err != nil {
			return err
		}
	} else {
		if verbose {
			printResults(results)
		}
		printSummary(summary)
		for _, mm := range mismatches {
			fmt.Printf("DIFF  %s\n", mm)
		}
		fmt.Printf("\nSummary: %d records, %d expected, %d diverge\n", len(results), len(f.ExpectedResults), len(mismatches))
	}

	if len(mismatches) > 0 {
		exitCode = 1
	}
	return nil
}

// #endregion run

// #region output
func printResults(results []replay.ReplayResult) {
	fmt.Printf("%-8s| %-14s| %-6s| %s\n", "Record", "Time", "Leaf", "Events")
	fmt.Printf("%-8s+%-15s+%-7s+%s\n", "--------", "---------------", "-------", "------")
	for _, r := range results {
		if len(r.Events) == 0 {
			continue
		}
		fmt.Printf("%-8d| %-14d| %-6d| %s\n", r.Index, r.Time, r.Leaf, strings.Join(r.Events, ","))
	}
	fmt.Println()
}

func printSummary(s replay.ReplaySummary) {
	fmt.Printf("records        %d\n", s.Records)
	fmt.Printf("state changes  %d\n", s.StateChanges)
	fmt.Printf("outliers       %d\n", s.Outliers)
	fmt.Printf("anomalies      %d\n", s.Anomalies)
	fmt.Printf("predictions    %d\n", s.Predictions)
	fmt.Printf("activities     %d\n", s.Activities)
	fmt.Printf("final leaf     %d\n", s.FinalLeaf)
	fmt.Printf("dwell          %.2f ± %.2f\n", s.MeanDwell, s.StdDwell)
	fmt.Printf("mean latency   %s\n", s.MeanLatency)
}

// #endregion output
