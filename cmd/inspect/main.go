package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/danielpatrickdp/crtomo-controller/internal/logging"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	last    int
	jsonOut bool

	store *state.Store
)

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// #region root
var rootCmd = &cobra.Command{
	Use:           "inspect",
	Short:         "Inspect runs, model versions and iteration logs in a store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dbPath == "" {
			return usageError{errors.New("--db is required")}
		}
		if _, err := os.Stat(dbPath); err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		var err error
		store, err = state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the controller database")
	rootCmd.PersistentFlags().IntVar(&last, "last", 20, "show N most recent entries")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	rootCmd.AddCommand(runsCmd, versionsCmd, iterationsCmd)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// #endregion root

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// #endregion main

// #region runs
type runRow struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the most recent runs",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := store.ListRuns(last)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "no runs found")
			return nil
		}
		rows := make([]runRow, len(runs))
		for i, r := range runs {
			rows[i] = runRow{
				RunID:     r.RunID,
				Status:    r.Status,
				Reason:    r.Reason,
				StartedAt: r.StartedAt.Format("2006-01-02T15:04:05Z"),
			}
			if !r.FinishedAt.IsZero() {
				rows[i].FinishedAt = r.FinishedAt.Format("2006-01-02T15:04:05Z")
			}
		}
		if jsonOut {
			return printJSON(rows)
		}
		fmt.Printf("%-36s  %-9s  %-20s  %s\n", "Run", "Status", "Started", "Reason")
		for _, r := range rows {
			fmt.Printf("%-36s  %-9s  %-20s  %s\n", r.RunID, r.Status, r.StartedAt, r.Reason)
		}
		return nil
	},
}

// #endregion runs

// #region versions
type versionRow struct {
	VersionID string          `json:"version_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Stage     string          `json:"stage"`
	Iteration int             `json:"iteration"`
	Cells     int             `json:"cells"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	CreatedAt string          `json:"created_at"`
}

var versionsCmd = &cobra.Command{
	Use:   "versions RUN_ID",
	Short: "List model versions of a run, newest first",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		versions, err := store.ListVersions(args[0], last)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Fprintln(os.Stderr, "no versions found")
			return nil
		}
		rows := make([]versionRow, len(versions))
		for i, v := range versions {
			rows[i] = versionRow{
				VersionID: v.VersionID,
				ParentID:  v.ParentID,
				Stage:     string(v.Stage),
				Iteration: v.Iteration,
				Cells:     v.Len(),
				CreatedAt: v.CreatedAt.Format("2006-01-02T15:04:05Z"),
			}
			if v.MetricsJSON != "" {
				rows[i].Metrics = json.RawMessage(v.MetricsJSON)
			}
		}
		if jsonOut {
			return printJSON(rows)
		}
		fmt.Printf("%-8s  %-8s  %-7s  %4s  %10s  %s\n", "Version", "Parent", "Stage", "It", "RMS", "Time")
		for _, r := range rows {
			rms := "-"
			var fit state.Misfit
			if len(r.Metrics) > 0 && json.Unmarshal(r.Metrics, &fit) == nil {
				rms = fmt.Sprintf("%.5f", fit.DataRMS)
			}
			fmt.Printf("%-8s  %-8s  %-7s  %4d  %10s  %s\n", shortID(r.VersionID), shortID(r.ParentID), r.Stage, r.Iteration, rms, r.CreatedAt)
		}
		return nil
	},
}

// #endregion versions

// #region iterations
var iterationsCmd = &cobra.Command{
	Use:   "iterations RUN_ID",
	Short: "Show the iteration log of a run in the inv.ctr layout",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := logging.ListIterations(store.DB(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "no iterations found")
			return nil
		}
		if jsonOut {
			return printJSON(entries)
		}
		stage := ""
		for _, e := range entries {
			if e.Stage != stage {
				stage = e.Stage
				fmt.Printf("-- stage %s\n", stage)
			}
			fmt.Printf("%-110s %-8s %s\n", e.ToRecord().Format(), e.Decision, shortID(e.VersionID))
		}
		return nil
	},
}

// #endregion iterations

// #region helpers
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

// #endregion helpers
