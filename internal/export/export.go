// Package export writes parsed iteration logs as spreadsheets and TSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary    = "Summary"
	sheetIterations = "Iterations"
	sheetUpdates    = "Updates"
)

// #region xlsx
// WriteXLSX saves the log as a workbook with a stage summary, the accepted
// iterations and the sub-iterations on separate sheets.
func WriteXLSX(path string, log *invlog.Log) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("xlsx: %w", err)
	}
	summary := [][]any{{"Stage", "Reason", "Iterations", "Final RMS"}}
	for _, st := range log.Stages {
		reason := st.Reason
		if !st.Ended {
			reason = "unfinished"
		}
		summary = append(summary, []any{st.Name, reason, st.Iterations, st.RMS})
	}
	if err := writeRows(f, sheetSummary, summary); err != nil {
		return err
	}

	var its, ups []invlog.Record
	for _, r := range log.Records {
		if r.Kind.Accepted() {
			its = append(its, r)
		} else {
			ups = append(ups, r)
		}
	}
	for _, sheet := range []struct {
		name string
		recs []invlog.Record
	}{{sheetIterations, its}, {sheetUpdates, ups}} {
		if _, err := f.NewSheet(sheet.name); err != nil {
			return fmt.Errorf("xlsx: %w", err)
		}
		rows := [][]any{header()}
		for _, r := range sheet.recs {
			rows = append(rows, row(r))
		}
		if err := writeRows(f, sheet.name, rows); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("xlsx: save %s: %w", path, err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, values := range rows {
		for j, v := range values {
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return fmt.Errorf("xlsx: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("xlsx: %s!%s: %w", sheet, cell, err)
			}
		}
	}
	return nil
}

// #endregion xlsx

// #region tsv
// WriteTSV writes records as tab-separated values with a header line.
// Columns a record does not carry are empty.
func WriteTSV(w io.Writer, records []invlog.Record) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	head := header()
	line := make([]string, len(head))
	for i, h := range head {
		line[i] = h.(string)
	}
	if err := cw.Write(line); err != nil {
		return fmt.Errorf("tsv: %w", err)
	}
	for _, r := range records {
		for i, v := range row(r) {
			line[i] = cellString(v)
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("tsv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

// #endregion tsv

// #region columns
func header() []any {
	out := []any{"stage", "kind", "it"}
	for _, f := range invlog.Fields() {
		out = append(out, f.Title())
	}
	return out
}

func row(r invlog.Record) []any {
	out := []any{r.Stage, string(r.Kind), r.Iteration}
	for _, f := range invlog.Fields() {
		v, _ := r.Value(f)
		out = append(out, v)
	}
	return out
}

// #endregion columns
