package replay

import (
	"github.com/danielpatrickdp/crtomo-controller/internal/eval"
	"github.com/danielpatrickdp/crtomo-controller/internal/gate"
	"github.com/danielpatrickdp/crtomo-controller/internal/inversion"
	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
)

// Replay actions.
const (
	ActionBaseline         = "baseline"
	ActionCommit           = "commit"
	ActionGateReject       = "gate_reject"
	ActionConverged        = "converged"
	ActionAfterConvergence = "after_convergence"
)

// #region types
// ReplayConfig bundles the gate and supervisor configs for a replay run.
type ReplayConfig struct {
	GateConfig       gate.GateConfig
	SupervisorConfig eval.SupervisorConfig
}

// DefaultReplayConfig returns the controller's default acceptance and
// stopping criteria.
func DefaultReplayConfig() ReplayConfig {
	return FromSettings(inversion.DefaultSettings())
}

// FromSettings derives a replay config from inversion settings.
func FromSettings(s inversion.Settings) ReplayConfig {
	return ReplayConfig{
		GateConfig: s.Gate,
		SupervisorConfig: eval.SupervisorConfig{
			TargetRMS:      s.TargetRMS,
			MinRelDecrease: s.MinRelDecrease,
			MaxIterations:  s.MaxIterations,
		},
	}
}

// ReplayResult captures the outcome of replaying one accepted iteration.
type ReplayResult struct {
	Stage     string
	Kind      invlog.Kind
	Iteration int
	Action    string
	Reason    string
	RMS       float64

	// Gate stage (nil for baseline and after_convergence)
	GateDecision *gate.GateDecision

	// Supervisor verdict after the iteration was taken
	Convergence eval.Convergence
}

// StageSummary is the re-derived outcome of one stage.
type StageSummary struct {
	Stage      string
	Reason     string // empty when the recorded stage never converged
	Iterations int
	FinalRMS   float64
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalRecords     int
	Baselines        int
	Commits          int
	GateRejects      int
	Converged        int
	AfterConvergence int
	Stages           []StageSummary
}

// #endregion types

// #region replay
// Replay walks the accepted iterations of every stage and re-runs the gate
// and the supervisor on the recorded misfits. Sub-iteration records are
// skipped. A stage starts at an iteration 0 record or when the stage name
// changes.
func Replay(records []invlog.Record, config ReplayConfig) []ReplayResult {
	gateInst := gate.NewGate(config.GateConfig)
	supervisor := eval.NewSupervisor(config.SupervisorConfig)

	var (
		results []ReplayResult
		history []float64
		current state.Misfit
		stage   string
		stopped bool
		started bool
	)

	for _, rec := range records {
		if !rec.Kind.Accepted() {
			continue
		}
		name := stageName(rec)
		if !started || name != stage || rec.Iteration == 0 {
			started = true
			stage = name
			current = fitOf(rec)
			history = []float64{rec.DataRMS}
			conv := supervisor.Check(history, 0)
			stopped = conv.Done
			results = append(results, ReplayResult{
				Stage:       stage,
				Kind:        rec.Kind,
				Iteration:   rec.Iteration,
				Action:      ActionBaseline,
				Reason:      conv.Reason,
				RMS:         rec.DataRMS,
				Convergence: conv,
			})
			continue
		}

		if stopped {
			results = append(results, ReplayResult{
				Stage:     stage,
				Kind:      rec.Kind,
				Iteration: rec.Iteration,
				Action:    ActionAfterConvergence,
				RMS:       rec.DataRMS,
			})
			continue
		}

		fit := fitOf(rec)
		decision := gateInst.EvaluateFit(current, fit)
		if decision.Action == "reject" {
			results = append(results, ReplayResult{
				Stage:        stage,
				Kind:         rec.Kind,
				Iteration:    rec.Iteration,
				Action:       ActionGateReject,
				Reason:       decision.Reason,
				RMS:          rec.DataRMS,
				GateDecision: &decision,
			})
			continue
		}

		current = fit
		history = append(history, rec.DataRMS)
		conv := supervisor.Check(history, rec.Iteration)
		r := ReplayResult{
			Stage:        stage,
			Kind:         rec.Kind,
			Iteration:    rec.Iteration,
			Action:       ActionCommit,
			Reason:       decision.Reason,
			RMS:          rec.DataRMS,
			GateDecision: &decision,
			Convergence:  conv,
		}
		if conv.Done {
			stopped = true
			r.Action = ActionConverged
			r.Reason = conv.Reason
		}
		results = append(results, r)
	}

	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalRecords: len(results)}
	for _, r := range results {
		switch r.Action {
		case ActionBaseline:
			s.Baselines++
			s.Stages = append(s.Stages, StageSummary{Stage: r.Stage, Reason: r.Convergence.Reason, FinalRMS: r.RMS})
			continue
		case ActionCommit:
			s.Commits++
		case ActionGateReject:
			s.GateRejects++
		case ActionConverged:
			s.Converged++
		case ActionAfterConvergence:
			s.AfterConvergence++
		}
		if len(s.Stages) == 0 {
			continue
		}
		last := &s.Stages[len(s.Stages)-1]
		if r.Action == ActionCommit || r.Action == ActionConverged {
			last.Iterations = r.Iteration
			last.FinalRMS = r.RMS
		}
		if r.Action == ActionConverged {
			last.Reason = r.Reason
		}
	}
	return s
}

// #endregion replay

// #region helpers
func stageName(rec invlog.Record) string {
	if rec.Stage != "" {
		return rec.Stage
	}
	if rec.Kind.FPI() {
		return string(state.StageFPI)
	}
	return "main"
}

func fitOf(rec invlog.Record) state.Misfit {
	return state.Misfit{
		DataRMS:        rec.DataRMS,
		MagRMS:         rec.MagRMS,
		PhaRMS:         rec.PhaRMS,
		Roughness:      rec.Roughness,
		NrDownweighted: rec.NrData,
	}
}

// #endregion helpers
