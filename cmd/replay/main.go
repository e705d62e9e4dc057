package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/danielpatrickdp/crtomo-controller/internal/logging"
	"github.com/danielpatrickdp/crtomo-controller/internal/replay"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/spf13/cobra"
)

var (
	dbPath      string
	runID       string
	logPath     string
	fixturePath string
	config      = replay.DefaultReplayConfig()
)

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// #region root
var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run step acceptance and convergence checks over a recorded run",
	Long: `Replay reads the accepted iterations of a run from the store (--db, --run),
an inv.ctr file (--log) or a JSON fixture (--fixture), re-evaluates them
with the given criteria and prints the derived actions. In fixture mode the
command fails when an action differs from the expected one.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources := 0
		for _, s := range []string{dbPath, logPath, fixturePath} {
			if s != "" {
				sources++
			}
		}
		if sources != 1 || (dbPath != "") != (runID != "") {
			return usageError{errors.New("give exactly one of --db/--run, --log or --fixture")}
		}
		if fixturePath != "" {
			return runFixtureMode(fixturePath)
		}
		records, err := loadRecords()
		if err != nil {
			return err
		}
		printResults(replay.Replay(records, config))
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&dbPath, "db", "", "controller database (with --run)")
	f.StringVar(&runID, "run", "", "run id in the database")
	f.StringVar(&logPath, "log", "", "inv.ctr iteration log")
	f.StringVar(&fixturePath, "fixture", "", "replay fixture JSON")
	f.Float64Var(&config.SupervisorConfig.TargetRMS, "target-rms", config.SupervisorConfig.TargetRMS, "target data RMS")
	f.Float64Var(&config.SupervisorConfig.MinRelDecrease, "min-decrease", config.SupervisorConfig.MinRelDecrease, "minimum relative RMS decrease in percent")
	f.IntVar(&config.SupervisorConfig.MaxIterations, "max-iterations", config.SupervisorConfig.MaxIterations, "iteration limit per stage")
	f.Float64Var(&config.GateConfig.RMSTolerance, "rms-tolerance", config.GateConfig.RMSTolerance, "accepted relative RMS growth")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
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

// #region sources
func loadRecords() ([]invlog.Record, error) {
	if logPath != "" {
		log, err := invlog.Load(logPath)
		if err != nil {
			return nil, err
		}
		return log.Records, nil
	}

	store, err := state.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	entries, err := logging.ListIterations(store.DB(), runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no iterations logged for run %s", runID)
	}
	return logging.Records(entries), nil
}

// #endregion sources

// #region fixture-mode
func runFixtureMode(path string) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	results := replay.Replay(f.ToRecords(), f.Config.ToReplayConfig())
	printResults(results)

	if len(results) != len(f.ExpectedResults) {
		return fmt.Errorf("fixture expects %d results, replay produced %d", len(f.ExpectedResults), len(results))
	}
	mismatches := 0
	for i, want := range f.ExpectedResults {
		got := results[i]
		if got.Stage != want.Stage || got.Iteration != want.Iteration || got.Action != want.Action {
			fmt.Fprintf(os.Stderr, "MISMATCH %s/%d: expected %s, got %s/%d %s\n",
				want.Stage, want.Iteration, want.Action, got.Stage, got.Iteration, got.Action)
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d of %d results differ from the fixture", mismatches, len(results))
	}
	fmt.Printf("fixture %s: all %d results match\n", path, len(results))
	return nil
}

// #endregion fixture-mode

// #region output
func printResults(results []replay.ReplayResult) {
	fmt.Printf("%-8s  %-4s  %4s  %10s  %-18s  %s\n", "Stage", "Kind", "It", "RMS", "Action", "Reason")
	for _, r := range results {
		fmt.Printf("%-8s  %-4s  %4d  %10.5f  %-18s  %s\n", r.Stage, r.Kind, r.Iteration, r.RMS, r.Action, r.Reason)
	}

	s := replay.Summarize(results)
	fmt.Printf("\n%d records: %d baseline, %d commit, %d gate_reject, %d converged, %d after_convergence\n",
		s.TotalRecords, s.Baselines, s.Commits, s.GateRejects, s.Converged, s.AfterConvergence)
	for _, st := range s.Stages {
		reason := st.Reason
		if reason == "" {
			reason = "not converged"
		}
		fmt.Printf("  %-8s %-16s %3d iterations  rms %.5f\n", st.Stage, reason, st.Iterations, st.FinalRMS)
	}
}

// #endregion output
