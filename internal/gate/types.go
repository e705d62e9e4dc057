package gate

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoNonFinite      VetoType = "non_finite"
	VetoMisfitIncrease VetoType = "misfit_increase"
	VetoStepNorm       VetoType = "step_norm"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	RMSTolerance float64 // accepted relative RMS growth (0 = must decrease)
	MaxStepNorm  float64 // L2 cap on the model update (0 = disabled)
}

// DefaultGateConfig returns the defaults used by the controller.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		RMSTolerance: 0,
		MaxStepNorm:  0,
	}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      string // "commit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	SoftScore   float64      // 0-1 composite of soft signals (for logging)
}

// #endregion gate-decision
