package gate

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/danielpatrickdp/crtomo-controller/internal/update"
)

// #region gate
// Gate evaluates whether a proposed model update should be committed or rejected.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Config returns the gate thresholds.
func (g *Gate) Config() GateConfig {
	return g.config
}

// Evaluate checks hard vetoes first, then scores soft signals.
func (g *Gate) Evaluate(
	old state.ModelRecord,
	proposed state.ModelRecord,
	oldFit state.Misfit,
	newFit state.Misfit,
	metrics update.Metrics,
) GateDecision {
	vetoes := g.fitVetoes(oldFit, newFit)

	stepNorm := metrics.StepNorm
	if stepNorm == 0 {
		stepNorm = modelDistance(old, proposed)
	}
	if g.config.MaxStepNorm > 0 && stepNorm > g.config.MaxStepNorm {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoStepNorm,
			Reason: fmt.Sprintf("step norm %.4f exceeds cap %.4f", stepNorm, g.config.MaxStepNorm),
		})
	}

	return decide(vetoes, oldFit, newFit)
}

// EvaluateFit runs only the misfit vetoes. Used where no models are at hand.
func (g *Gate) EvaluateFit(oldFit, newFit state.Misfit) GateDecision {
	return decide(g.fitVetoes(oldFit, newFit), oldFit, newFit)
}

func (g *Gate) fitVetoes(oldFit, newFit state.Misfit) []VetoSignal {
	var vetoes []VetoSignal

	// 1. Numerical breakdown
	if !newFit.Finite() {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoNonFinite,
			Reason: fmt.Sprintf("non-finite fit: rms=%g roughness=%g", newFit.DataRMS, newFit.Roughness),
		})
		return vetoes
	}

	// 2. Misfit must decrease
	limit := oldFit.DataRMS * (1 + g.config.RMSTolerance)
	if !(newFit.DataRMS < limit) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoMisfitIncrease,
			Reason: fmt.Sprintf("rms %.5f not below %.5f", newFit.DataRMS, limit),
		})
	}
	return vetoes
}

func decide(vetoes []VetoSignal, oldFit, newFit state.Misfit) GateDecision {
	if len(vetoes) > 0 {
		return GateDecision{
			Action:      "reject",
			Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
			Vetoed:      true,
			VetoSignals: vetoes,
			SoftScore:   0,
		}
	}

	softScore := computeSoftScore(oldFit, newFit)
	return GateDecision{
		Action:    "commit",
		Reason:    fmt.Sprintf("passed gate: soft_score=%.4f", softScore),
		SoftScore: softScore,
	}
}

// #endregion gate

// #region helpers
// modelDistance computes the L2 distance over both parameter vectors.
func modelDistance(old, proposed state.ModelRecord) float64 {
	var sum float64
	for i := range old.Mag {
		if i < len(proposed.Mag) {
			d := proposed.Mag[i] - old.Mag[i]
			sum += d * d
		}
	}
	for i := range old.Pha {
		if i < len(proposed.Pha) {
			d := proposed.Pha[i] - old.Pha[i]
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

// computeSoftScore produces a 0-1 composite of relative RMS decrease and
// roughness stability. Logged but does not block.
func computeSoftScore(oldFit, newFit state.Misfit) float64 {
	var score float64

	// RMS decrease component (weight 0.6)
	if oldFit.DataRMS > 0 {
		rel := (oldFit.DataRMS - newFit.DataRMS) / oldFit.DataRMS
		score += 0.6 * clamp01(rel)
	}

	// Roughness component (weight 0.4): no growth scores full
	switch {
	case newFit.Roughness <= oldFit.Roughness:
		score += 0.4
	case newFit.Roughness > 0:
		score += 0.4 * clamp01(oldFit.Roughness/newFit.Roughness)
	}

	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
