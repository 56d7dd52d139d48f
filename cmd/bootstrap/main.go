package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/config"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/gate"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/logging"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/replay"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/store"
	"github.com/spf13/cobra"
)

// #region commands
var (
	configPath  string
	dbPath      string
	fixturePath string
	seed        uint64
	withStream  bool

	rootCmd = &cobra.Command{
		Use:           "bootstrap",
		Short:         "Train a model and commit it as the active version",
		Long:          "Trains a model on a fixture's init records (or synthetic data when no fixture is given) and commits it to the store the controller serves from.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file; supplies the store path and logging")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "store path, overriding the config")
	rootCmd.Flags().StringVar(&fixturePath, "fixture", "", "fixture JSON to train on")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "seed for synthetic data")
	rootCmd.Flags().BoolVar(&withStream, "with-stream", false, "also feed the fixture's stream before committing")
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

// #region bootstrap
func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if err := logging.Setup(cfg.Log, os.Stderr); err != nil {
		return err
	}

	f := replay.Synthetic(240, 48, seed)
	if fixturePath != "" {
		if f, err = replay.LoadFixture(fixturePath); err != nil {
			return err
		}
	}

	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	m, err := replay.Build(cmd.Context(), f, progress{})
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if withStream {
		results, err := replay.Replay(cmd.Context(), m, f.Stream, nil)
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		slog.Info("[bootstrap] stream fed", "records", len(results))
	}

	v, err := st.SaveChecked(m, gate.NewGate(gate.DefaultGateConfig()))
	if err != nil {
		return err
	}
	if err := logging.LogEvent(st.DB(), logging.Event{
		VersionID: v.VersionID,
		Kind:      logging.KindBootstrap,
		RecordTm:  m.LastTime(),
		State:     -1,
	}); err != nil {
		return err
	}
	fmt.Printf("Committed %s: %d states, %d heights (%s)\n", v.VersionID, m.LeafStates(), len(m.Heights()), f.Description)
	return nil
}

// #endregion bootstrap

// #region progress

// progress logs training progress and ignores stream events.
type progress struct{ orchestrator.NopListener }

func (progress) OnProgress(p int, msg string) {
	slog.Info("[bootstrap] "+msg, "progress", p)
}

// #endregion progress
