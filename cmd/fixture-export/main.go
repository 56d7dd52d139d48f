package main

import (
	"fmt"
	"os"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/replay"
	"github.com/spf13/cobra"
)

// #region commands
var (
	fromPath  string
	outPath   string
	initLen   int
	streamLen int
	seed      uint64
	golden    bool

	rootCmd = &cobra.Command{
		Use:           "fixture-export --out path/to/fixture.json",
		Short:         "Write a replay fixture, optionally with golden expectations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&outPath, "out", "", "output fixture JSON path")
	rootCmd.Flags().StringVar(&fromPath, "from", "", "start from this fixture instead of a synthetic one")
	rootCmd.Flags().IntVar(&initLen, "init", 240, "synthetic training records")
	rootCmd.Flags().IntVar(&streamLen, "stream", 48, "synthetic stream records before the closing outlier")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "synthetic data and clustering seed")
	rootCmd.Flags().BoolVar(&golden, "golden", false, "replay the fixture and record its events as expectations")
	rootCmd.MarkFlagRequired("out")
}

// #endregion commands

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export
func run(cmd *cobra.Command, _ []string) error {
	var f *replay.Fixture
	if fromPath != "" {
		var err error
		if f, err = replay.LoadFixture(fromPath); err != nil {
			return err
		}
	} else {
		if initLen <= 0 || streamLen < 0 {
			return fmt.Errorf("need --init > 0 and --stream >= 0, got %d and %d", initLen, streamLen)
		}
		f = replay.Synthetic(initLen, streamLen, seed)
	}

	if golden {
		_, results, err := replay.Run(cmd.Context(), f, nil)
		if err != nil {
			return fmt.Errorf("golden replay: %w", err)
		}
		f.ExpectedResults = replay.Expected(results)
		// pin the final leaf when the last record emitted events
		if n := len(f.ExpectedResults); n > 0 && f.ExpectedResults[n-1].Index == len(results)-1 {
			leaf := results[len(results)-1].Leaf
			f.ExpectedResults[n-1].Leaf = &leaf
		}
	}

	if err := replay.WriteFixture(outPath, f); err != nil {
		return err
	}
	fmt.Printf("Exported %d init and %d stream records (%d expectations) to %s\n",
		len(f.Init), len(f.Stream), len(f.ExpectedResults), outPath)
	return nil
}

// #endregion export
