package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielpatrickdp/crtomo-controller/internal/export"
	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	xlsxPath string
	tsvPath  string
)

// #region follow
var followCmd = &cobra.Command{
	Use:   "follow INV_CTR",
	Short: "Print iteration records as a running inversion appends them",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println(invlog.Title())
		err := invlog.Follow(ctx, args[0], func(r invlog.Record) error {
			fmt.Println(r.Format())
			if r.Kind.Accepted() {
				logger.Debug("iteration", zap.String("stage", r.Stage), zap.Int("it", r.Iteration), zap.Float64("rms", r.DataRMS))
			}
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// #endregion follow

// #region export
var exportCmd = &cobra.Command{
	Use:   "export INV_CTR",
	Short: "Export an iteration log as XLSX and/or TSV",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, t := xlsxPath, tsvPath
		if x == "" && t == "" {
			x, t = cfg.Export.XLSX, cfg.Export.TSV
		}
		if x == "" && t == "" {
			return usageError{fmt.Errorf("no export target: pass --xlsx or --tsv")}
		}
		return exportLog(args[0], x, t)
	},
}

func init() {
	exportCmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write a workbook")
	exportCmd.Flags().StringVar(&tsvPath, "tsv", "", "write tab-separated records")
}

func exportLog(logPath, xlsx, tsv string) error {
	if xlsx == "" && tsv == "" {
		return nil
	}
	log, err := invlog.Load(logPath)
	if err != nil {
		return err
	}
	if xlsx != "" {
		if err := export.WriteXLSX(xlsx, log); err != nil {
			return err
		}
		logger.Info("exported workbook", zap.String("path", xlsx))
	}
	if tsv != "" {
		f, err := os.Create(tsv)
		if err != nil {
			return fmt.Errorf("create %s: %w", tsv, err)
		}
		defer f.Close()
		if err := export.WriteTSV(f, log.Records); err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Info("exported records", zap.String("path", tsv), zap.Int("records", len(log.Records)))
	}
	return nil
}

// #endregion export
