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
	outPath     string
	description string
	config      = replay.DefaultReplayConfig()
)

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// #region root
var rootCmd = &cobra.Command{
	Use:           "fixture-export",
	Short:         "Capture a recorded run as a replay fixture",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if outPath == "" {
			return usageError{errors.New("--out is required")}
		}
		if (logPath == "") == (dbPath == "") || (dbPath != "") != (runID != "") {
			return usageError{errors.New("give either --db with --run or --log")}
		}
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&dbPath, "db", "", "controller database (with --run)")
	f.StringVar(&runID, "run", "", "run id in the database")
	f.StringVar(&logPath, "log", "", "inv.ctr iteration log")
	f.StringVar(&outPath, "out", "", "output fixture JSON path")
	f.StringVar(&description, "description", "", "fixture description")
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

// #region extract
func run() error {
	var (
		records []invlog.Record
		source  string
	)
	if logPath != "" {
		log, err := invlog.Load(logPath)
		if err != nil {
			return err
		}
		records, source = log.Records, logPath
	} else {
		store, err := state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		entries, err := logging.ListIterations(store.DB(), runID)
		if err != nil {
			return err
		}
		records = logging.Records(entries)
		source = "run " + runID
	}
	if len(records) == 0 {
		return fmt.Errorf("no iteration records in %s", source)
	}

	desc := description
	if desc == "" {
		desc = "exported from " + source
	}
	f := replay.NewFixture(desc, records, config)
	if err := f.Save(outPath); err != nil {
		return err
	}
	fmt.Printf("wrote %s: %d records, %d expected results\n", outPath, len(f.Records), len(f.ExpectedResults))
	return nil
}

// #endregion extract
