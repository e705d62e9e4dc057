package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/crtomo-controller/internal/inversion"
	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
)

// #region log-iteration
// LogIteration writes an entry to the iteration_log table. Columns the
// record does not carry are stored as NULL.
func LogIteration(db *sql.DB, entry IterationEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	has := func(f invlog.Field, v any) any {
		if entry.Fields&f == 0 {
			return nil
		}
		return v
	}

	_, err := db.Exec(
		`INSERT INTO iteration_log (run_id, version_id, stage, kind, iteration, fields,
			data_rms, step_size, lambda, roughness, cg_steps, mag_rms, pha_rms, nr_data, step_length,
			decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		nullIfEmpty(entry.VersionID),
		entry.Stage,
		string(entry.Kind),
		entry.Iteration,
		int64(entry.Fields),
		has(invlog.FieldDataRMS, entry.DataRMS),
		has(invlog.FieldStepSize, entry.StepSize),
		has(invlog.FieldLambda, entry.Lambda),
		has(invlog.FieldRoughness, entry.Roughness),
		has(invlog.FieldCGSteps, entry.CGSteps),
		has(invlog.FieldMagRMS, entry.MagRMS),
		has(invlog.FieldPhaRMS, entry.PhaRMS),
		has(invlog.FieldNrData, entry.NrData),
		has(invlog.FieldStepLength, entry.StepLength),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log iteration: %w", err)
	}
	return nil
}

// #endregion log-iteration

// #region list-iterations
// ListIterations returns the entries of a run in insertion order.
func ListIterations(db *sql.DB, runID string) ([]IterationEntry, error) {
	rows, err := db.Query(
		`SELECT id, run_id, version_id, stage, kind, iteration, fields,
			data_rms, step_size, lambda, roughness, cg_steps, mag_rms, pha_rms, nr_data, step_length,
			decision, reason, created_at
		 FROM iteration_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []IterationEntry
	for rows.Next() {
		var (
			e                                        IterationEntry
			versionID, reason                        sql.NullString
			kind, createdAt                          string
			fields                                   int64
			dataRMS, stepSize, lambda, rough, magRMS sql.NullFloat64
			phaRMS, stepLength                       sql.NullFloat64
			cgSteps, nrData                          sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &versionID, &e.Stage, &kind, &e.Iteration, &fields,
			&dataRMS, &stepSize, &lambda, &rough, &cgSteps, &magRMS, &phaRMS, &nrData, &stepLength,
			&e.Decision, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		e.VersionID = versionID.String
		e.Reason = reason.String
		e.Kind = invlog.Kind(kind)
		e.Fields = invlog.Field(fields)
		e.DataRMS = dataRMS.Float64
		e.StepSize = stepSize.Float64
		e.Lambda = lambda.Float64
		e.Roughness = rough.Float64
		e.CGSteps = int(cgSteps.Int64)
		e.MagRMS = magRMS.Float64
		e.PhaRMS = phaRMS.Float64
		e.NrData = int(nrData.Int64)
		e.StepLength = stepLength.Float64
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-iterations

// #region db-observer
// DBObserver persists every record event of a run.
type DBObserver struct {
	db *sql.DB
}

var _ inversion.Observer = (*DBObserver)(nil)

// NewDBObserver writes to the iteration_log table of db.
func NewDBObserver(db *sql.DB) *DBObserver {
	return &DBObserver{db: db}
}

// Observe logs record and reject events and ignores the rest.
func (o *DBObserver) Observe(_ context.Context, ev inversion.Event) error {
	if ev.Kind != inversion.EventRecord && ev.Kind != inversion.EventReject {
		return nil
	}
	entry := FromRecord(ev.RunID, ev.Record)
	entry.Stage = string(ev.Stage)
	entry.VersionID = ev.VersionID
	entry.Decision = ev.Decision
	entry.Reason = ev.Reason
	return LogIteration(o.db, entry)
}

// #endregion db-observer

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
