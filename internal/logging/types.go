package logging

import (
	"time"

	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
)

// #region iteration-entry
// IterationEntry is a single row in the iteration_log table.
type IterationEntry struct {
	ID         int64
	RunID      string
	VersionID  string // accepted model version, IT/PIT only
	Stage      string
	Kind       invlog.Kind
	Iteration  int
	Fields     invlog.Field
	DataRMS    float64
	StepSize   float64
	Lambda     float64
	Roughness  float64
	CGSteps    int
	MagRMS     float64
	PhaRMS     float64
	NrData     int
	StepLength float64
	Decision   string // "baseline" | "trial" | "commit" | "reject"
	Reason     string
	CreatedAt  time.Time
}

// FromRecord builds an entry carrying the columns of a log record.
func FromRecord(runID string, rec invlog.Record) IterationEntry {
	return IterationEntry{
		RunID:      runID,
		Stage:      rec.Stage,
		Kind:       rec.Kind,
		Iteration:  rec.Iteration,
		Fields:     rec.Fields,
		DataRMS:    rec.DataRMS,
		StepSize:   rec.StepSize,
		Lambda:     rec.Lambda,
		Roughness:  rec.Roughness,
		CGSteps:    rec.CGSteps,
		MagRMS:     rec.MagRMS,
		PhaRMS:     rec.PhaRMS,
		NrData:     rec.NrData,
		StepLength: rec.StepLength,
	}
}

// ToRecord returns the log record the entry was built from.
func (e IterationEntry) ToRecord() invlog.Record {
	return invlog.Record{
		Kind:       e.Kind,
		Iteration:  e.Iteration,
		DataRMS:    e.DataRMS,
		StepSize:   e.StepSize,
		Lambda:     e.Lambda,
		Roughness:  e.Roughness,
		CGSteps:    e.CGSteps,
		MagRMS:     e.MagRMS,
		PhaRMS:     e.PhaRMS,
		NrData:     e.NrData,
		StepLength: e.StepLength,
		Fields:     e.Fields,
		Stage:      e.Stage,
	}
}

// Records returns the log records of entries in order, leaving out reject
// rows so the result matches the inv.ctr of the run.
func Records(entries []IterationEntry) []invlog.Record {
	out := make([]invlog.Record, 0, len(entries))
	for _, e := range entries {
		if e.Decision == "reject" {
			continue
		}
		out = append(out, e.ToRecord())
	}
	return out
}

// #endregion iteration-entry
