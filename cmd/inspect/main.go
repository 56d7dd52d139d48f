package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/logging"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/store"
	"github.com/spf13/cobra"
)

// #region commands
var (
	dbPath    string
	last      int
	jsonOut   bool
	eventKind string
	versionID string

	rootCmd = &cobra.Command{
		Use:           "inspect",
		Short:         "Inspect model versions and events in a StreamStory store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(runListMode)
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version <id>",
		Short: "Show one version with its levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st *store.Store) error { return runDetailMode(st, args[0]) })
		},
	}
	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "List logged events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(runEventsMode)
		},
	}
	rollbackCmd = &cobra.Command{
		Use:   "rollback <id>",
		Short: "Make an earlier version the active model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st *store.Store) error {
				if err := st.Rollback(args[0]); err != nil {
					return err
				}
				fmt.Printf("active model is now %s\n", args[0])
				return nil
			})
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to streamstory.db")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	rootCmd.PersistentFlags().IntVar(&last, "last", 20, "show N most recent rows")
	rootCmd.MarkPersistentFlagRequired("db")
	eventsCmd.Flags().StringVar(&eventKind, "kind", "", "only events of this kind")
	eventsCmd.Flags().StringVar(&versionID, "version", "", "only events logged under this version")
	rootCmd.AddCommand(versionCmd, eventsCmd, rollbackCmd)
}

// #endregion commands

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withStore(fn func(*store.Store) error) error {
	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()
	return fn(st)
}

// #endregion main

// #region list-mode

type listRow struct {
	VersionID string         `json:"version_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Active    bool           `json:"active"`
	CreatedAt string         `json:"created_at"`
	Summary   *store.Summary `json:"summary,omitempty"`
}

func runListMode(st *store.Store) error {
	versions, err := st.ListVersions(last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(os.Stderr, "no versions found")
		return nil
	}
	active := ""
	if cur, err := st.GetCurrent(); err == nil {
		active = cur.VersionID
	}

	// newest first from the store; print chronologically
	rows := make([]listRow, len(versions))
	for i, v := range versions {
		rows[len(versions)-1-i] = listRow{
			VersionID: v.VersionID,
			ParentID:  v.ParentID,
			Active:    v.VersionID == active,
			CreatedAt: v.CreatedAt.Format(time.RFC3339),
			Summary:   parseSummary(v.MetricsJSON),
		}
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-10s  %-10s  %6s  %6s  %6s  %-20s  %s\n", "Version", "Parent", "States", "Levels", "KB", "Time", "")
	fmt.Printf("%-10s+-%-10s+-%6s+-%6s+-%6s+-%-20s\n", "----------", "----------", "------", "------", "------", "--------------------")
	for _, r := range rows {
		states, levels, kb := "-", "-", "-"
		if r.Summary != nil {
			states = fmt.Sprint(r.Summary.States)
			levels = fmt.Sprint(r.Summary.Levels)
			kb = fmt.Sprintf("%.1f", float64(r.Summary.BlobSize)/1024)
		}
		mark := ""
		if r.Active {
			mark = "*"
		}
		fmt.Printf("%-10s  %-10s  %6s  %6s  %6s  %-20s  %s\n",
			shortID(r.VersionID), shortID(r.ParentID), states, levels, kb, r.CreatedAt, mark)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	VersionID string         `json:"version_id"`
	ParentID  string         `json:"parent_id"`
	CreatedAt string         `json:"created_at"`
	Summary   *store.Summary `json:"summary,omitempty"`
	Obs       []string       `json:"obs"`
	Contr     []string       `json:"contr"`
	Levels    []levelDetail  `json:"levels"`
}

type levelDetail struct {
	Height float64       `json:"height"`
	States []stateDetail `json:"states"`
}

type stateDetail struct {
	ID          int     `json:"id"`
	Parent      int     `json:"parent"`
	Prob        float64 `json:"prob"`
	HoldingTime float64 `json:"holding_time"`
	Target      bool    `json:"target,omitempty"`
	Label       string  `json:"label"`
}

func runDetailMode(st *store.Store, id string) error {
	v, err := st.GetVersion(id)
	if err != nil {
		return err
	}
	m, err := v.Model()
	if err != nil {
		return err
	}
	levels, err := m.Levels()
	if err != nil {
		return err
	}

	out := detailOutput{
		VersionID: v.VersionID,
		ParentID:  v.ParentID,
		CreatedAt: v.CreatedAt.Format(time.RFC3339),
		Summary:   parseSummary(v.MetricsJSON),
	}
	for _, f := range v.Layout.Obs {
		out.Obs = append(out.Obs, fmt.Sprintf("%s(%s)", f.Name, f.Type))
	}
	for _, f := range v.Layout.Contr {
		out.Contr = append(out.Contr, fmt.Sprintf("%s(%s)", f.Name, f.Type))
	}
	for _, lv := range levels {
		ld := levelDetail{Height: lv.Height}
		for _, s := range lv.States {
			ld.States = append(ld.States, stateDetail{
				ID:          s.ID,
				Parent:      s.Parent,
				Prob:        s.Prob,
				HoldingTime: s.HoldingTime,
				Target:      s.Target,
				Label:       s.Label,
			})
		}
		out.Levels = append(out.Levels, ld)
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Version:  %s\n", out.VersionID)
	fmt.Printf("Parent:   %s\n", out.ParentID)
	fmt.Printf("Created:  %s\n", out.CreatedAt)
	fmt.Printf("Obs:      %v\n", out.Obs)
	fmt.Printf("Contr:    %v\n", out.Contr)
	if out.Summary != nil {
		fmt.Printf("States:   %d leaves, %d nodes\n", out.Summary.States, out.Summary.Nodes)
	}
	for _, ld := range out.Levels {
		fmt.Printf("\nLevel %.4f:\n", ld.Height)
		for _, s := range ld.States {
			target := ""
			if s.Target {
				target = "  target"
			}
			fmt.Printf("  %4d  parent %4d  p=%.4f  hold=%8.3f  %s%s\n", s.ID, s.Parent, s.Prob, s.HoldingTime, s.Label, target)
		}
	}
	return nil
}

// #endregion detail-mode

// #region events-mode

type eventRow struct {
	ID        int64           `json:"id"`
	VersionID string          `json:"version_id,omitempty"`
	Kind      string          `json:"kind"`
	RecordTm  int64           `json:"record_tm"`
	State     int             `json:"state"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func runEventsMode(st *store.Store) error {
	events, err := logging.ListEvents(st.DB(), logging.Filter{Kind: eventKind, VersionID: versionID, Limit: last})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stderr, "no events found")
		return nil
	}
	if jsonOut {
		rows := make([]eventRow, len(events))
		for i, e := range events {
			rows[i] = eventRow{
				ID:        e.ID,
				VersionID: e.VersionID,
				Kind:      e.Kind,
				RecordTm:  e.RecordTm,
				State:     e.State,
				CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
			}
			if e.DetailJSON != "" {
				rows[i].Detail = json.RawMessage(e.DetailJSON)
			}
		}
		return printJSON(rows)
	}

	fmt.Printf("%-6s  %-14s  %-10s  %-24s  %5s  %s\n", "ID", "Kind", "Version", "Record", "State", "Detail")
	for _, e := range events {
		fmt.Printf("%-6d  %-14s  %-10s  %-24s  %5d  %s\n",
			e.ID, e.Kind, shortID(e.VersionID), time.UnixMilli(e.RecordTm).UTC().Format(time.RFC3339), e.State, e.DetailJSON)
	}
	return nil
}

// #endregion events-mode

// #region output

func parseSummary(s string) *store.Summary {
	if s == "" {
		return nil
	}
	var sum store.Summary
	if err := json.Unmarshal([]byte(s), &sum); err != nil {
		return nil
	}
	return &sum
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
