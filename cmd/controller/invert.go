package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/danielpatrickdp/crtomo-controller/internal/codec"
	"github.com/danielpatrickdp/crtomo-controller/internal/config"
	"github.com/danielpatrickdp/crtomo-controller/internal/configs"
	"github.com/danielpatrickdp/crtomo-controller/internal/deck"
	"github.com/danielpatrickdp/crtomo-controller/internal/forward"
	"github.com/danielpatrickdp/crtomo-controller/internal/inversion"
	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/danielpatrickdp/crtomo-controller/internal/logging"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// #region command
var invertCmd = &cobra.Command{
	Use:   "invert DECK",
	Short: "Run an inversion described by a crtomo.cfg deck",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runInvert(ctx, args[0])
	},
}

// #endregion command

// #region invert
func runInvert(ctx context.Context, deckPath string) error {
	d, err := deck.Load(deckPath)
	if err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("deck %s: %w", deckPath, err)
	}
	dir := filepath.Dir(deckPath)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	settings := d.Settings()
	cfg.Apply(&settings)

	data, err := loadDataset(resolve(d.VoltFile))
	if err != nil {
		return err
	}

	client, err := codec.NewOracleClient(cfg.Oracle.Addr, codec.Files{
		Grid:      resolve(d.GridFile),
		Elec:      resolve(d.ElecFile),
		Config:    resolve(d.VoltFile),
		Dimension: d.Dimension,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	oracle := newOracle(client, cfg)

	start := inversion.HomogeneousModel(settings.Grid.Len(), settings.Background)
	var opts []inversion.Option
	if d.PriorModelFile != "" {
		prior, err := loadModel(resolve(d.PriorModelFile), settings.Grid.Len())
		if err != nil {
			return err
		}
		opts = append(opts, inversion.WithReference(prior))
		if !d.HomogeneousBackground {
			start = prior
		}
		if d.DiffInv && d.DiffVoltFile != "" {
			if data, err = differenceData(ctx, oracle, data, resolve(d.DiffVoltFile), prior); err != nil {
				return err
			}
		}
	}

	store, err := state.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	deckJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deck: %w", err)
	}
	runID, err := store.CreateRun(string(deckJSON))
	if err != nil {
		return err
	}
	log := logger.With(zap.String("run", runID))

	invDir := resolve(d.InvDir)
	if err := os.MkdirAll(invDir, 0o755); err != nil {
		return fmt.Errorf("create inversion directory: %w", err)
	}
	logPath := filepath.Join(invDir, "inv.ctr")
	w, err := invlog.Create(logPath)
	if err != nil {
		return err
	}
	defer w.Close()

	opts = append(opts,
		inversion.WithStore(store, runID),
		inversion.WithObserver(inversion.NewLogObserver(w)),
		inversion.WithObserver(logging.NewDBObserver(store.DB())),
		inversion.WithLogger(log),
	)
	ctrl, err := inversion.New(oracle, settings, opts...)
	if err != nil {
		return err
	}

	log.Info("inversion started",
		zap.String("deck", deckPath),
		zap.Int("data", data.Len()),
		zap.Int("cells", settings.Grid.Len()),
		zap.String("oracle", cfg.Oracle.Addr),
		zap.String("mode", cfg.Oracle.Mode))

	res, runErr := ctrl.Run(ctx, start, data)
	status, reason := "finished", ""
	if len(res.Stages) > 0 {
		reason = res.Stages[len(res.Stages)-1].Reason
	}
	switch {
	case errors.Is(runErr, context.Canceled):
		status = "canceled"
	case runErr != nil:
		status, reason = "failed", runErr.Error()
	}
	if err := store.FinishRun(runID, status, reason); err != nil {
		log.Warn("finish run", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}

	for _, sr := range res.Stages {
		log.Info("stage finished",
			zap.String("stage", string(sr.Stage)),
			zap.String("reason", sr.Reason),
			zap.Int("iterations", sr.Iterations),
			zap.Float64("rms", sr.FinalFit.DataRMS),
			zap.String("version", sr.VersionID))
	}
	fmt.Printf("run %s %s (%s), final version %s\n", runID, status, reason, res.Final.VersionID)

	if err := w.Close(); err != nil {
		return err
	}
	return exportLog(logPath, cfg.Export.XLSX, cfg.Export.TSV)
}

// #endregion invert

// #region oracle
// timeoutOracle bounds every oracle call.
type timeoutOracle struct {
	forward.Oracle
	cfg *config.Config
}

func (o timeoutOracle) Forward(ctx context.Context, m state.ModelRecord) (forward.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OracleTimeout())
	defer cancel()
	return o.Oracle.Forward(ctx, m)
}

func (o timeoutOracle) Sensitivity(ctx context.Context, m state.ModelRecord) (forward.Sensitivity, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OracleTimeout())
	defer cancel()
	return o.Oracle.Sensitivity(ctx, m)
}

func newOracle(client *codec.OracleClient, cfg *config.Config) forward.Oracle {
	base := timeoutOracle{Oracle: client, cfg: cfg}
	if cfg.Oracle.Mode == config.OracleFiniteDifference {
		return forward.NewFiniteDifference(base, cfg.Oracle.Delta, cfg.Oracle.Workers)
	}
	return base
}

// #endregion oracle

// #region inputs
func loadDataset(path string) (inversion.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return inversion.Dataset{}, fmt.Errorf("open data: %w", err)
	}
	defer f.Close()

	mgr := configs.NewManager(0)
	magID, phaID, err := mgr.LoadCRModVolt(f)
	if err != nil {
		return inversion.Dataset{}, fmt.Errorf("%s: %w", path, err)
	}
	mag, _ := mgr.Measurement(magID)
	pha, _ := mgr.Measurement(phaID)
	return inversion.NewDataset(mag, pha)
}

// differenceData turns data into difference-inversion data against the
// reference measurements in refPath.
func differenceData(ctx context.Context, oracle forward.Oracle, data inversion.Dataset, refPath string, prior state.ModelRecord) (inversion.Dataset, error) {
	ref, err := loadDataset(refPath)
	if err != nil {
		return inversion.Dataset{}, err
	}
	base, err := oracle.Forward(ctx, prior)
	if err != nil {
		return inversion.Dataset{}, fmt.Errorf("forward prior model: %w", err)
	}
	return inversion.DifferenceDataset(data, ref, base)
}

// loadModel reads a model file: a cell count line, then "rho phase" per
// cell with rho in Ωm and phase in mrad.
func loadModel(path string, cells int) (state.ModelRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return state.ModelRecord{}, fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	rec := state.ModelRecord{}
	header := true
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if header {
			header = false
			n, err := strconv.Atoi(fields[0])
			if err != nil || n != cells {
				return state.ModelRecord{}, fmt.Errorf("%s: cell count %q, grid has %d: %w", path, fields[0], cells, forward.ErrDimension)
			}
			continue
		}
		rho, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || rho <= 0 {
			return state.ModelRecord{}, fmt.Errorf("%s: resistivity %q", path, fields[0])
		}
		pha := 0.0
		if len(fields) > 1 {
			if pha, err = strconv.ParseFloat(fields[1], 64); err != nil {
				return state.ModelRecord{}, fmt.Errorf("%s: phase %q: %w", path, fields[1], err)
			}
		}
		rec.Mag = append(rec.Mag, math.Log(rho))
		rec.Pha = append(rec.Pha, pha)
	}
	if err := sc.Err(); err != nil {
		return state.ModelRecord{}, err
	}
	if rec.Len() != cells {
		return state.ModelRecord{}, fmt.Errorf("%s: %d cells, grid has %d: %w", path, rec.Len(), cells, forward.ErrDimension)
	}
	return rec, nil
}

// #endregion inputs
