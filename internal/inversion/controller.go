package inversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/crtomo-controller/internal/eval"
	"github.com/danielpatrickdp/crtomo-controller/internal/forward"
	"github.com/danielpatrickdp/crtomo-controller/internal/gate"
	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/danielpatrickdp/crtomo-controller/internal/update"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #region store
// ModelStore persists model versions. *state.Store satisfies it.
type ModelStore interface {
	CreateInitialModel(runID string, stage state.Stage, mag, pha []float64) (state.ModelRecord, error)
	CommitModel(rec state.ModelRecord) error
	Rollback(runID, versionID string) error
}

// memoryStore keeps nothing; used when no store is configured.
type memoryStore struct{}

func (memoryStore) CreateInitialModel(runID string, stage state.Stage, mag, pha []float64) (state.ModelRecord, error) {
	return state.ModelRecord{
		VersionID: uuid.New().String(),
		RunID:     runID,
		Stage:     stage,
		Mag:       append([]float64(nil), mag...),
		Pha:       append([]float64(nil), pha...),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (memoryStore) CommitModel(state.ModelRecord) error { return nil }
func (memoryStore) Rollback(string, string) error       { return nil }

// #endregion store

// #region result
// StageResult summarises one finished stage.
type StageResult struct {
	Stage      state.Stage
	Reason     string
	Iterations int
	FinalFit   state.Misfit
	Lambda     float64
	VersionID  string
}

// Result is the outcome of Run.
type Result struct {
	Stages    []StageResult
	Final     state.ModelRecord
	Converged bool
}

// #endregion result

// #region controller
// Controller drives the regularized inversion.
type Controller struct {
	oracle    forward.Oracle
	settings  Settings
	store     ModelStore
	runID     string
	reference *state.ModelRecord
	observers []Observer
	logger    *zap.Logger

	gate       *gate.Gate
	eval       *eval.EvalHarness
	retry      *RetryEngine
	supervisor *eval.Supervisor
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists every accepted model under runID.
func WithStore(store ModelStore, runID string) Option {
	return func(c *Controller) {
		c.store = store
		c.runID = runID
	}
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, o)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReference regularizes towards m - m_ref instead of m.
func WithReference(ref state.ModelRecord) Option {
	return func(c *Controller) {
		r := ref.Clone()
		c.reference = &r
	}
}

// New creates a controller.
func New(oracle forward.Oracle, settings Settings, opts ...Option) (*Controller, error) {
	if oracle == nil {
		return nil, errors.New("inversion: nil oracle")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("inversion settings: %w", err)
	}
	if settings.LambdaSearchSteps <= 0 {
		settings.LambdaSearchSteps = 1
	}
	if settings.MaxRejects <= 0 {
		settings.MaxRejects = 1
	}

	c := &Controller{
		oracle:   oracle,
		settings: settings,
		store:    memoryStore{},
		logger:   zap.NewNop(),
		gate:     gate.NewGate(settings.Gate),
		eval:     eval.NewEvalHarness(settings.Eval),
		retry:    NewRetryEngine(settings.MaxRejects, settings.LambdaFactor),
		supervisor: eval.NewSupervisor(eval.SupervisorConfig{
			TargetRMS:      settings.TargetRMS,
			MinRelDecrease: settings.MinRelDecrease,
			MaxIterations:  settings.MaxIterations,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HomogeneousModel returns the background model for n cells.
func HomogeneousModel(n int, bg Background) state.ModelRecord {
	rec := state.ModelRecord{Mag: make([]float64, n), Pha: make([]float64, n)}
	for i := 0; i < n; i++ {
		rec.Mag[i] = math.Log(bg.Mag)
		rec.Pha[i] = bg.Pha
	}
	return rec
}

// Stages returns the stage sequence for a dataset.
func (c *Controller) Stages(data Dataset) ([]state.Stage, error) {
	if c.settings.DC {
		stages := []state.Stage{state.StageDC}
		if c.settings.FPI && data.PhaseVaries() {
			stages = append(stages, state.StageFPI)
		}
		return stages, nil
	}
	if !data.HasPhase() {
		return nil, fmt.Errorf("complex inversion: %w", ErrNoPhase)
	}
	stages := []state.Stage{state.StageComplex}
	if c.settings.FPI {
		stages = append(stages, state.StageFPI)
	}
	return stages, nil
}

// Run inverts data starting from start. A start record without a version
// is registered in the store first. On cancellation the partial result is
// returned together with ctx.Err().
func (c *Controller) Run(ctx context.Context, start state.ModelRecord, data Dataset) (Result, error) {
	var res Result

	n := c.settings.Grid.Len()
	if start.Len() != n || len(start.Pha) != n {
		return res, fmt.Errorf("start model has %d/%d cells, grid %d: %w", start.Len(), len(start.Pha), n, forward.ErrDimension)
	}
	stages, err := c.Stages(data)
	if err != nil {
		return res, err
	}
	needPhase := stages[0] != state.StageDC || len(stages) > 1
	magSig, phaSig, err := data.Sigmas(c.settings.Errors, needPhase)
	if err != nil {
		return res, fmt.Errorf("error model: %w", err)
	}
	if !needPhase && data.HasPhase() {
		// phase fit of a dc-only run is reported when the error model allows it
		if _, sig, err := data.Sigmas(c.settings.Errors, true); err == nil {
			phaSig = sig
		}
	}

	current := start
	if current.VersionID == "" {
		current, err = c.store.CreateInitialModel(c.runID, stages[0], start.Mag, start.Pha)
		if err != nil {
			return res, fmt.Errorf("create initial model: %w", err)
		}
	}
	current.RunID = c.runID
	res.Final = current

	for i, stage := range stages {
		if stage == state.StageFPI {
			current, err = c.phaseStart(current, i > 0 && stages[i-1] == state.StageDC)
			if err != nil {
				return res, err
			}
		}
		sr, next, err := c.runStage(ctx, stage, current, data, magSig, phaSig)
		res.Stages = append(res.Stages, sr)
		res.Final = next
		current = next
		if err != nil {
			return res, err
		}
	}

	last := res.Stages[len(res.Stages)-1].Reason
	res.Converged = last == eval.ReasonTargetRMS || last == eval.ReasonMinDecrease
	if err := c.emit(ctx, Event{Kind: EventFinished, RunID: c.runID}); err != nil {
		return res, err
	}
	return res, nil
}

// phaseStart prepares the phase improvement start model. After a DC stage
// the phases restart from the homogeneous background.
func (c *Controller) phaseStart(current state.ModelRecord, afterDC bool) (state.ModelRecord, error) {
	next := current.Clone()
	next.VersionID = uuid.New().String()
	next.ParentID = current.VersionID
	next.Stage = state.StageFPI
	next.Iteration = 0
	next.CreatedAt = time.Now().UTC()
	if afterDC {
		for i := range next.Pha {
			next.Pha[i] = c.settings.Background.Pha
		}
	}
	if err := c.store.CommitModel(next); err != nil {
		return current, fmt.Errorf("commit phase start model: %w", err)
	}
	return next, nil
}

// #endregion controller

// #region candidate
// candidate is one trial model of an iteration.
type candidate struct {
	rec     state.ModelRecord
	resp    forward.Response
	fit     state.Misfit
	resid   []float64
	step    []float64
	metrics update.Metrics
	lambda  float64
	alpha   float64
}

// #endregion candidate

// #region stage
func (c *Controller) runStage(ctx context.Context, stage state.Stage, current state.ModelRecord, data Dataset, magSig, phaSig []float64) (StageResult, state.ModelRecord, error) {
	var ref []float64
	if c.reference != nil {
		ref = c.reference.Params(stage)
	}
	p := newProblem(stage, data, magSig, phaSig, c.settings.Grid, ref)
	sr := StageResult{Stage: stage}
	log := c.logger.With(zap.String("run_id", c.runID), zap.String("stage", string(stage)))

	if err := c.emit(ctx, Event{Kind: EventStageStart, RunID: c.runID, Stage: stage}); err != nil {
		return sr, current, err
	}
	end := func(reason string, fit state.Misfit, err error) (StageResult, state.ModelRecord, error) {
		sr.Reason = reason
		sr.FinalFit = fit
		sr.VersionID = current.VersionID
		log.Info("stage finished",
			zap.String("reason", reason),
			zap.Int("iterations", sr.Iterations),
			zap.Float64("rms", fit.DataRMS))
		if emitErr := c.emit(context.WithoutCancel(ctx), Event{
			Kind: EventStageEnd, RunID: c.runID, Stage: stage,
			Reason: reason, Iterations: sr.Iterations, RMS: fit.DataRMS,
		}); emitErr != nil && err == nil {
			err = emitErr
		}
		return sr, current, err
	}
	canceled := func(fit state.Misfit, err error) (StageResult, state.ModelRecord, error) {
		if ctx.Err() != nil {
			return end(eval.ReasonCanceled, fit, ctx.Err())
		}
		return end("error", fit, err)
	}

	// Iteration 0
	resp, err := c.forward(ctx, current)
	if err != nil {
		return canceled(state.Misfit{}, err)
	}
	fit, _, err := p.misfit(current, resp)
	if err != nil {
		return end("error", fit, err)
	}
	if err := c.emitRecord(ctx, p, 0, fit, candidate{}, current.VersionID, "baseline", ""); err != nil {
		return end("error", fit, err)
	}
	log.Info("start model", zap.Float64("rms", fit.DataRMS), zap.Float64("roughness", fit.Roughness))

	history := []float64{fit.DataRMS}
	if conv := c.supervisor.Check(history, 0); conv.Done {
		return end(conv.Reason, fit, nil)
	}

	lambda := c.settings.StartLambda
	for k := 1; ; k++ {
		if ctx.Err() != nil {
			return canceled(fit, ctx.Err())
		}
		sens, err := c.oracle.Sensitivity(ctx, current)
		if err != nil {
			return canceled(fit, fmt.Errorf("sensitivity iteration %d: %w", k, err))
		}
		sys, err := p.system(sens, resp)
		if err != nil {
			return end("error", fit, err)
		}
		if k == 1 && lambda == 0 {
			lambda = update.AutoLambda(sys.J, sys.Weights)
			log.Debug("automatic start lambda", zap.Float64("lambda", lambda))
		}

		base := lambda
		trialLambda := lambda
		var attempts []Attempt
		var accepted candidate
		for {
			best, err := c.search(ctx, p, k, current, fit, sys, trialLambda)
			if err != nil {
				return canceled(fit, err)
			}

			decision := c.gate.Evaluate(current, best.rec, fit, best.fit, best.metrics)
			evalFailed := false
			if decision.Action == "commit" {
				ok, err := c.commit(p, k, current, &best, decision, log)
				if err != nil {
					return end("error", fit, err)
				}
				evalFailed = !ok
			}
			if decision.Action == "commit" && !evalFailed {
				accepted = best
				break
			}

			log.Warn("update rejected",
				zap.Int("iteration", k),
				zap.Float64("lambda", best.lambda),
				zap.Float64("rms", best.fit.DataRMS),
				zap.String("reason", decision.Reason),
				zap.Bool("eval_failed", evalFailed))
			if err := c.emitRecord(ctx, p, k, best.fit, best, "", "reject", rejectReason(decision, evalFailed)); err != nil {
				return end("error", fit, err)
			}
			attempts = append(attempts, Attempt{Lambda: best.lambda, RMS: best.fit.DataRMS, Decision: decision, EvalFailed: evalFailed})
			retry, next := c.retry.ShouldRetry(base, attempts)
			if !retry {
				sr.Lambda = lambda
				return end(eval.ReasonStagnation, fit, nil)
			}
			trialLambda = next
		}

		current = accepted.rec
		resp = accepted.resp
		lambda = accepted.lambda
		fit = accepted.fit
		if c.settings.Robust {
			p.reweight(accepted.resid)
			fit.NrDownweighted = p.downweighted()
		}
		sr.Iterations = k
		sr.Lambda = lambda

		if err := c.emitRecord(ctx, p, k, fit, accepted, current.VersionID, "commit", ""); err != nil {
			return end("error", fit, err)
		}
		log.Info("iteration accepted",
			zap.Int("iteration", k),
			zap.Float64("rms", fit.DataRMS),
			zap.Float64("lambda", lambda),
			zap.Float64("step_length", accepted.alpha),
			zap.Int("cg_steps", accepted.metrics.CGSteps),
			zap.Int("downweighted", fit.NrDownweighted))

		history = append(history, fit.DataRMS)
		if conv := c.supervisor.Check(history, k); conv.Done {
			return end(conv.Reason, fit, nil)
		}
	}
}

// commit persists an accepted candidate and runs the post-commit eval.
// A failed eval rolls the store back to the parent and reports false.
func (c *Controller) commit(p *problem, k int, current state.ModelRecord, best *candidate, decision gate.GateDecision, log *zap.Logger) (bool, error) {
	best.rec.RunID = c.runID
	best.rec.ParentID = current.VersionID
	best.rec.Iteration = k
	best.rec.Stage = p.stage
	metrics, _ := json.Marshal(struct {
		state.Misfit
		Lambda     float64 `json:"lambda"`
		StepLength float64 `json:"step_length"`
		CGSteps    int     `json:"cg_steps"`
		SoftScore  float64 `json:"soft_score"`
	}{best.fit, best.lambda, best.alpha, best.metrics.CGSteps, decision.SoftScore})
	best.rec.MetricsJSON = string(metrics)

	if err := c.store.CommitModel(best.rec); err != nil {
		return false, fmt.Errorf("commit iteration %d: %w", k, err)
	}
	result := c.eval.Run(best.rec)
	if result.Passed {
		return true, nil
	}
	log.Warn("eval failed, rolling back",
		zap.Int("iteration", k),
		zap.String("version_id", best.rec.VersionID),
		zap.String("reason", result.Reason))
	if err := c.store.Rollback(c.runID, current.VersionID); err != nil {
		return false, fmt.Errorf("rollback iteration %d: %w", k, err)
	}
	return false, nil
}

// #endregion stage

// #region search
// search runs the lambda search and, when it fails to lower the misfit,
// the step-length search. Every trial is emitted as a sub-iteration record.
func (c *Controller) search(ctx context.Context, p *problem, k int, current state.ModelRecord, fit0 state.Misfit, sys update.System, lambda float64) (candidate, error) {
	var trials []candidate
	for s := 0; s < c.settings.LambdaSearchSteps; s++ {
		lam := lambda / math.Pow(c.settings.LambdaFactor, float64(s))
		upd, err := update.Update(current, sys, lam, c.settings.Update)
		if err != nil {
			return candidate{}, fmt.Errorf("update iteration %d: %w", k, err)
		}
		cand, err := c.trial(ctx, p, upd.NewState, upd.Step, upd.Metrics, lam, 1)
		if err != nil {
			return candidate{}, err
		}
		if err := c.emitRecord(ctx, p, k, cand.fit, cand, "", "trial", ""); err != nil {
			return candidate{}, err
		}
		trials = append(trials, cand)
	}
	best := selectOccam(trials, c.settings.TargetRMS)

	if !c.settings.LineSearch || best.fit.DataRMS < fit0.DataRMS {
		return best, nil
	}

	half, err := c.trial(ctx, p, update.ApplyStep(current, p.stage, best.step, 0.5), best.step, best.metrics, best.lambda, 0.5)
	if err != nil {
		return candidate{}, err
	}
	if err := c.emitRecord(ctx, p, k, half.fit, half, "", "trial", ""); err != nil {
		return candidate{}, err
	}
	options := []candidate{best, half}

	alpha := update.ParabolicStep(fit0.DataRMS, half.fit.DataRMS, best.fit.DataRMS, c.settings.MinStepLength)
	if alpha != 0.5 && alpha != 1 {
		para, err := c.trial(ctx, p, update.ApplyStep(current, p.stage, best.step, alpha), best.step, best.metrics, best.lambda, alpha)
		if err != nil {
			return candidate{}, err
		}
		if err := c.emitRecord(ctx, p, k, para.fit, para, "", "trial", ""); err != nil {
			return candidate{}, err
		}
		options = append(options, para)
	}

	out := options[0]
	for _, o := range options[1:] {
		if o.fit.DataRMS < out.fit.DataRMS {
			out = o
		}
	}
	return out, nil
}

// selectOccam picks the largest lambda meeting the target, else the lowest misfit.
func selectOccam(trials []candidate, target float64) candidate {
	best := -1
	for i, t := range trials {
		if t.fit.DataRMS <= target && (best < 0 || t.lambda > trials[best].lambda) {
			best = i
		}
	}
	if best >= 0 {
		return trials[best]
	}
	best = 0
	for i, t := range trials {
		if t.fit.DataRMS < trials[best].fit.DataRMS {
			best = i
		}
	}
	return trials[best]
}

func (c *Controller) trial(ctx context.Context, p *problem, rec state.ModelRecord, step []float64, m update.Metrics, lambda, alpha float64) (candidate, error) {
	resp, err := c.forward(ctx, rec)
	if err != nil {
		return candidate{}, err
	}
	fit, resid, err := p.misfit(rec, resp)
	if err != nil {
		return candidate{}, err
	}
	return candidate{rec: rec, resp: resp, fit: fit, resid: resid, step: step, metrics: m, lambda: lambda, alpha: alpha}, nil
}

func (c *Controller) forward(ctx context.Context, rec state.ModelRecord) (forward.Response, error) {
	if err := ctx.Err(); err != nil {
		return forward.Response{}, err
	}
	resp, err := c.oracle.Forward(ctx, rec)
	if err != nil {
		return forward.Response{}, fmt.Errorf("forward: %w", err)
	}
	return resp, nil
}

// #endregion search

// #region emit
// emitRecord sends one log record. Trials and rejects are sub-iteration
// records; a reject repeats the trial the gate or eval turned down.
func (c *Controller) emitRecord(ctx context.Context, p *problem, k int, fit state.Misfit, cand candidate, versionID, decision, reason string) error {
	kind := invlog.KindIT
	if p.stage == state.StageFPI {
		kind = invlog.KindPIT
	}
	sub := decision == "trial" || decision == "reject"
	if sub {
		kind = kind.Sub()
	}

	rec := invlog.Record{
		Kind:      kind,
		Iteration: k,
		DataRMS:   fit.DataRMS,
		Roughness: fit.Roughness,
		Stage:     string(p.stage),
	}
	rec.Set(invlog.FieldDataRMS | invlog.FieldRoughness)
	if p.reportsMag() {
		rec.MagRMS = fit.MagRMS
		rec.Set(invlog.FieldMagRMS)
	}
	if p.reportsPha() {
		rec.PhaRMS = fit.PhaRMS
		rec.Set(invlog.FieldPhaRMS)
	}
	if k == 0 || kind.Accepted() {
		rec.NrData = fit.NrDownweighted
		rec.Set(invlog.FieldNrData)
	}
	if k > 0 {
		rec.StepSize = cand.metrics.StepNorm * cand.alpha
		rec.Lambda = cand.lambda
		rec.CGSteps = cand.metrics.CGSteps
		rec.StepLength = cand.alpha
		rec.Set(invlog.FieldStepSize | invlog.FieldLambda | invlog.FieldCGSteps | invlog.FieldStepLength)
	}

	ev := Event{
		Kind:      EventRecord,
		RunID:     c.runID,
		Stage:     p.stage,
		Record:    rec,
		VersionID: versionID,
		Decision:  decision,
		Reason:    reason,
	}
	if decision == "reject" {
		ev.Kind = EventReject
	} else if sub {
		c.logger.Debug("sub-iteration",
			zap.String("stage", string(p.stage)),
			zap.Int("iteration", k),
			zap.Float64("lambda", cand.lambda),
			zap.Float64("step_length", cand.alpha),
			zap.Float64("rms", fit.DataRMS))
	}
	return c.emit(ctx, ev)
}

// rejectReason names the veto that turned an update down.
func rejectReason(decision gate.GateDecision, evalFailed bool) string {
	if evalFailed {
		return "eval_failed"
	}
	if len(decision.VetoSignals) > 0 {
		return string(decision.VetoSignals[0].Type)
	}
	return decision.Reason
}

func (c *Controller) emit(ctx context.Context, ev Event) error {
	for _, o := range c.observers {
		if err := o.Observe(ctx, ev); err != nil {
			return fmt.Errorf("observer: %w", err)
		}
	}
	return nil
}

// #endregion emit
