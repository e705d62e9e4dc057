package state

import (
	"math"
	"time"
)

// #region stage
// Stage names the parameter set an inversion stage updates.
type Stage string

const (
	StageDC      Stage = "dc"      // magnitude only
	StageComplex Stage = "complex" // magnitude and phase jointly
	StageFPI     Stage = "fpi"     // phase only, magnitude frozen
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageDC, StageComplex, StageFPI:
		return true
	}
	return false
}

// #endregion stage

// #region model-record
// ModelRecord represents a versioned snapshot of the inversion model.
// Mag holds ln(resistivity) per cell, Pha the cell phase in mrad.
type ModelRecord struct {
	VersionID   string
	ParentID    string
	RunID       string
	Stage       Stage
	Iteration   int
	Mag         []float64
	Pha         []float64
	CreatedAt   time.Time
	MetricsJSON string
}

// Len returns the number of model cells.
func (r ModelRecord) Len() int {
	return len(r.Mag)
}

// Clone returns a deep copy of the record.
func (r ModelRecord) Clone() ModelRecord {
	c := r
	c.Mag = append([]float64(nil), r.Mag...)
	c.Pha = append([]float64(nil), r.Pha...)
	return c
}

// Params returns the parameter vector a stage operates on. The complex
// stage stacks magnitude over phase.
func (r ModelRecord) Params(stage Stage) []float64 {
	switch stage {
	case StageDC:
		return append([]float64(nil), r.Mag...)
	case StageFPI:
		return append([]float64(nil), r.Pha...)
	default:
		out := make([]float64, 0, len(r.Mag)+len(r.Pha))
		out = append(out, r.Mag...)
		return append(out, r.Pha...)
	}
}

// WithParams returns a copy of r with the stage parameters replaced by p.
func (r ModelRecord) WithParams(stage Stage, p []float64) ModelRecord {
	c := r.Clone()
	switch stage {
	case StageDC:
		copy(c.Mag, p)
	case StageFPI:
		copy(c.Pha, p)
	default:
		n := len(c.Mag)
		copy(c.Mag, p[:n])
		copy(c.Pha, p[n:])
	}
	return c
}

// ParamLen returns the length of the stage parameter vector.
func (r ModelRecord) ParamLen(stage Stage) int {
	if stage == StageComplex {
		return len(r.Mag) + len(r.Pha)
	}
	return len(r.Mag)
}

// #endregion model-record

// #region misfit
// Misfit summarises the data fit of one model.
type Misfit struct {
	DataRMS        float64 `json:"data_rms"`
	MagRMS         float64 `json:"mag_rms"`
	PhaRMS         float64 `json:"pha_rms"`
	Roughness      float64 `json:"roughness"`
	NrDownweighted int     `json:"nr_downweighted"`
}

// Finite reports whether every scalar of the misfit is a finite number.
func (m Misfit) Finite() bool {
	for _, v := range []float64{m.DataRMS, m.MagRMS, m.PhaRMS, m.Roughness} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// #endregion misfit

// #region run
// Run is one inversion run and its outcome.
type Run struct {
	RunID      string
	DeckJSON   string
	Status     string // "running" | "finished" | "failed" | "canceled"
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// #endregion run
