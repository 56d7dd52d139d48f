package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/config"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/gate"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/logging"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/metrics"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/store"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// #region commands
var (
	configPath    string
	snapshotEvery time.Duration

	rootCmd = &cobra.Command{
		Use:           "controller",
		Short:         "Serve a StreamStory model over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE:  printConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (STREAMSTORY_* variables override it)")
	rootCmd.Flags().DurationVar(&snapshotEvery, "snapshot-every", 10*time.Minute, "commit a model snapshot at this interval; 0 only on shutdown")
	rootCmd.AddCommand(configCmd)
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

// #region serve
func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log, os.Stderr); err != nil {
		return err
	}

	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)
	events := logging.NewEventListener(st.DB())
	g := gate.NewGate(gate.DefaultGateConfig())

	srv := transport.NewServer(nil)
	if cur, err := st.GetCurrent(); err == nil {
		m, err := cur.Model()
		if err != nil {
			return err
		}
		m.SetListener(events)
		m.SetMetrics(mt)
		events.SetVersion(cur.VersionID)
		srv.Swap(m)
		slog.Info("[controller] model loaded", "version", cur.VersionID, "states", m.LeafStates())
	} else if errors.Is(err, store.ErrNoActive) {
		slog.Warn("[controller] no model in store; run bootstrap first", "db", cfg.Store.Path)
	} else {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	gs := grpc.NewServer()
	transport.RegisterStreamStoryServer(gs, srv)
	go func() {
		if err := gs.Serve(lis); err != nil {
			slog.Error("[controller] grpc stopped", "err", err)
			stop()
		}
	}()

	var httpSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("[controller] metrics server stopped", "err", err)
			}
		}()
	}

	slog.Info("[controller] ready", "grpc", cfg.Server.Addr, "metrics", cfg.Server.MetricsAddr, "db", cfg.Store.Path)

	var tick <-chan time.Time
	if snapshotEvery > 0 {
		t := time.NewTicker(snapshotEvery)
		defer t.Stop()
		tick = t.C
	}
	for done := false; !done; {
		select {
		case <-tick:
			snapshot(srv, st, g, events)
		case <-ctx.Done():
			done = true
		}
	}

	slog.Info("[controller] shutting down")
	gs.GracefulStop()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}
	snapshot(srv, st, g, events)
	return nil
}

// snapshot commits the served model once the gate approves it and tags
// later events with the new version.
func snapshot(srv *transport.Server, st *store.Store, g *gate.Gate, events *logging.EventListener) {
	err := srv.With(func(m *orchestrator.Model) error {
		v, err := st.SaveChecked(m, g)
		if errors.Is(err, gate.ErrVetoed) {
			slog.Warn("[controller] snapshot rejected", "err", err)
			detail, _ := json.Marshal(map[string]string{"reason": err.Error()})
			return logging.LogEvent(st.DB(), logging.Event{
				VersionID:  events.Version(),
				Kind:       logging.KindSnapshotRejected,
				RecordTm:   m.LastTime(),
				State:      m.LastState(),
				DetailJSON: string(detail),
			})
		}
		if err != nil {
			return err
		}
		events.SetVersion(v.VersionID)
		slog.Info("[controller] snapshot committed", "version", v.VersionID, "bytes", len(v.Blob))
		return nil
	})
	if err != nil && !errors.Is(err, orchestrator.ErrNotInitialized) {
		slog.Error("[controller] snapshot failed", "err", err)
	}
}

// #endregion serve

// #region config
func printConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	b, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(b)
	return err
}

// #endregion config
