package inversion

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/crtomo-controller/internal/eval"
	"github.com/danielpatrickdp/crtomo-controller/internal/forward"
	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/danielpatrickdp/crtomo-controller/internal/mesh"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var (
	trueMag = []float64{0.5, -0.3, 0.2, 0.4, -0.5, 0.1}
	truePha = []float64{2, -1, 3, 0, -2, 1}
)

// operator returns a 10×6 full-rank averaging kernel with unit row sums
// for the first six rows.
func operator() *mat.Dense {
	g := mat.NewDense(10, 6, nil)
	for i := 0; i < 10; i++ {
		for j := 0; j < 6; j++ {
			switch {
			case i < 6 && i == j:
				g.Set(i, j, 0.75)
			case i < 6:
				g.Set(i, j, 0.05)
			default:
				g.Set(i, j, 1.0/6+0.1*float64((i+j)%3-1))
			}
		}
	}
	return g
}

func synthetic(t *testing.T, withPhase bool) (*forward.Linear, Dataset) {
	t.Helper()
	g := operator()
	var gp *mat.Dense
	if withPhase {
		gp = operator()
	}
	lin, err := forward.NewLinear(g, gp)
	require.NoError(t, err)

	m := state.ModelRecord{Mag: make([]float64, 6), Pha: make([]float64, 6)}
	for j := range m.Mag {
		m.Mag[j] = math.Log(100) + trueMag[j]
		m.Pha[j] = -10 + truePha[j]
	}
	resp, err := lin.Forward(context.Background(), m)
	require.NoError(t, err)

	r := make([]float64, len(resp.Mag))
	for i, v := range resp.Mag {
		r[i] = math.Exp(v)
	}
	var pha []float64
	if withPhase {
		pha = resp.Pha
	}
	data, err := NewDataset(r, pha)
	require.NoError(t, err)
	return lin, data
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Grid = mesh.Grid{NX: 3, NZ: 2, SmoothX: 1, SmoothZ: 1}
	s.MaxIterations = 30
	s.MinRelDecrease = 0
	s.DC = true
	s.FPI = false
	s.Background = Background{Mag: 100, Pha: -10}
	return s
}

type recorder struct {
	events []Event
}

func (r *recorder) Observe(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) records(kind invlog.Kind) []invlog.Record {
	var out []invlog.Record
	for _, ev := range r.events {
		if ev.Kind == EventRecord && ev.Record.Kind == kind {
			out = append(out, ev.Record)
		}
	}
	return out
}

func TestRunDCReachesTarget(t *testing.T) {
	lin, data := synthetic(t, false)
	s := testSettings()
	rec := &recorder{}

	c, err := New(lin, s, WithObserver(rec))
	require.NoError(t, err)

	res, err := c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, state.StageDC, res.Stages[0].Stage)
	assert.Equal(t, eval.ReasonTargetRMS, res.Stages[0].Reason)
	assert.True(t, res.Converged)
	assert.LessOrEqual(t, res.Stages[0].FinalFit.DataRMS, s.TargetRMS)

	its := rec.records(invlog.KindIT)
	require.Len(t, its, res.Stages[0].Iterations+1)
	for i := 1; i < len(its); i++ {
		assert.Equal(t, i, its[i].Iteration)
		assert.Less(t, its[i].DataRMS, its[i-1].DataRMS, "rms must decrease at iteration %d", i)
		assert.True(t, its[i].Has(invlog.FieldLambda))
	}
	assert.False(t, its[0].Has(invlog.FieldLambda))
	assert.NotEmpty(t, rec.records(invlog.KindUP))
	assert.Empty(t, rec.records(invlog.KindPIT))

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, EventFinished, last.Kind)
}

func TestRunPersistsVersions(t *testing.T) {
	lin, data := synthetic(t, false)
	s := testSettings()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "crtomo.db"))
	require.NoError(t, err)
	defer store.Close()
	runID, err := store.CreateRun("")
	require.NoError(t, err)

	c, err := New(lin, s, WithStore(store, runID))
	require.NoError(t, err)
	res, err := c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)

	cur, err := store.GetCurrent(runID)
	require.NoError(t, err)
	assert.Equal(t, res.Final.VersionID, cur.VersionID)
	assert.Equal(t, res.Stages[0].Iterations, cur.Iteration)
	assert.Contains(t, cur.MetricsJSON, "data_rms")

	versions, err := store.ListVersions(runID, 100)
	require.NoError(t, err)
	assert.Len(t, versions, res.Stages[0].Iterations+1)
}

func TestRunComplexThenFPI(t *testing.T) {
	lin, data := synthetic(t, true)
	s := testSettings()
	s.DC = false
	s.FPI = true

	var buf bytes.Buffer
	w := invlog.NewWriter(&buf)
	rec := &recorder{}
	c, err := New(lin, s, WithObserver(rec), WithObserver(NewLogObserver(w)))
	require.NoError(t, err)

	res, err := c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)
	require.Len(t, res.Stages, 2)
	assert.Equal(t, state.StageComplex, res.Stages[0].Stage)
	assert.Equal(t, state.StageFPI, res.Stages[1].Stage)
	assert.Equal(t, eval.ReasonTargetRMS, res.Stages[1].Reason)
	assert.NotEmpty(t, rec.records(invlog.KindPIT))
	assert.Equal(t, state.StageFPI, res.Final.Stage)

	log, err := invlog.Parse(&buf)
	require.NoError(t, err)
	assert.True(t, log.Finished)
	require.Len(t, log.Stages, 2)
	assert.Equal(t, "complex", log.Stages[0].Name)
	assert.Equal(t, res.Stages[0].Iterations, log.Stages[0].Iterations)
	assert.Len(t, log.Iterations("fpi"), res.Stages[1].Iterations+1)
}

func TestRunDCThenFPIStartsFromBackgroundPhase(t *testing.T) {
	lin, data := synthetic(t, true)
	s := testSettings()
	s.FPI = true
	s.MaxIterations = 0

	c, err := New(lin, s)
	require.NoError(t, err)
	start := HomogeneousModel(6, s.Background)
	start.Pha[0] = 55
	res, err := c.Run(context.Background(), start, data)
	require.NoError(t, err)
	require.Len(t, res.Stages, 2)
	for _, p := range res.Final.Pha {
		assert.Equal(t, -10.0, p)
	}
	assert.Equal(t, eval.ReasonMaxIterations, res.Stages[0].Reason)
}

func TestRunCanceled(t *testing.T) {
	lin, data := synthetic(t, false)
	c, err := New(lin, testSettings())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Run(ctx, HomogeneousModel(6, testSettings().Background), data)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, eval.ReasonCanceled, res.Stages[0].Reason)
	assert.False(t, res.Converged)
}

// flatOracle answers every model with the same response.
type flatOracle struct {
	lin  *forward.Linear
	resp forward.Response
}

func (f flatOracle) Forward(context.Context, state.ModelRecord) (forward.Response, error) {
	return f.resp, nil
}

func (f flatOracle) Sensitivity(ctx context.Context, m state.ModelRecord) (forward.Sensitivity, error) {
	return f.lin.Sensitivity(ctx, m)
}

func TestRunStagnation(t *testing.T) {
	lin, data := synthetic(t, false)
	s := testSettings()
	resp, err := lin.Forward(context.Background(), HomogeneousModel(6, s.Background))
	require.NoError(t, err)

	c, err := New(flatOracle{lin: lin, resp: resp}, s)
	require.NoError(t, err)
	res, err := c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)
	assert.Equal(t, eval.ReasonStagnation, res.Stages[0].Reason)
	assert.Equal(t, 0, res.Stages[0].Iterations)
	assert.False(t, res.Converged)
}

func TestRunEvalFailureRollsBack(t *testing.T) {
	lin, data := synthetic(t, false)
	s := testSettings()
	s.Eval.MinLogRho = math.Log(100) - 1e-9
	s.Eval.MaxLogRho = math.Log(100) + 1e-9

	store, err := state.NewStore(filepath.Join(t.TempDir(), "crtomo.db"))
	require.NoError(t, err)
	defer store.Close()
	runID, err := store.CreateRun("")
	require.NoError(t, err)

	c, err := New(lin, s, WithStore(store, runID))
	require.NoError(t, err)
	res, err := c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)
	assert.Equal(t, eval.ReasonStagnation, res.Stages[0].Reason)

	cur, err := store.GetCurrent(runID)
	require.NoError(t, err)
	assert.Equal(t, res.Final.VersionID, cur.VersionID)
	assert.Equal(t, 0, cur.Iteration)
}

func TestRunRobustCountsDownweighted(t *testing.T) {
	lin, data := synthetic(t, false)
	data.Resistance[3] *= 3
	s := testSettings()
	s.Robust = true
	s.MaxIterations = 3
	rec := &recorder{}

	c, err := New(lin, s, WithObserver(rec))
	require.NoError(t, err)
	_, err = c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)

	its := rec.records(invlog.KindIT)
	require.Greater(t, len(its), 1)
	assert.Equal(t, 0, its[0].NrData)
	assert.Greater(t, its[1].NrData, 0)
}

func TestRunRejectsWrongModelSize(t *testing.T) {
	lin, data := synthetic(t, false)
	c, err := New(lin, testSettings())
	require.NoError(t, err)
	_, err = c.Run(context.Background(), HomogeneousModel(4, Background{Mag: 100}), data)
	assert.ErrorIs(t, err, forward.ErrDimension)
}

func TestStages(t *testing.T) {
	_, magOnly := synthetic(t, false)
	_, complexData := synthetic(t, true)
	lin, _ := synthetic(t, false)

	s := testSettings()
	s.FPI = true
	c, err := New(lin, s)
	require.NoError(t, err)
	stages, err := c.Stages(magOnly)
	require.NoError(t, err)
	assert.Equal(t, []state.Stage{state.StageDC}, stages)

	s.DC = false
	c, err = New(lin, s)
	require.NoError(t, err)
	_, err = c.Stages(magOnly)
	assert.ErrorIs(t, err, ErrNoPhase)
	stages, err = c.Stages(complexData)
	require.NoError(t, err)
	assert.Equal(t, []state.Stage{state.StageComplex, state.StageFPI}, stages)
}

func TestSelectOccam(t *testing.T) {
	trials := []candidate{
		{lambda: 8, fit: state.Misfit{DataRMS: 3}},
		{lambda: 4, fit: state.Misfit{DataRMS: 0.9}},
		{lambda: 2, fit: state.Misfit{DataRMS: 0.5}},
	}
	assert.Equal(t, 4.0, selectOccam(trials, 1).lambda)
	assert.Equal(t, 2.0, selectOccam(trials, 0.1).lambda)
}

func (r *recorder) rejects() []Event {
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == EventReject {
			out = append(out, ev)
		}
	}
	return out
}

func zeroPhases(t *testing.T, data Dataset) Dataset {
	t.Helper()
	out, err := NewDataset(data.Resistance, make([]float64, data.Len()))
	require.NoError(t, err)
	return out
}

func TestStagesZeroPhaseData(t *testing.T) {
	lin, magOnly := synthetic(t, false)
	data := zeroPhases(t, magOnly)

	s := testSettings()
	s.FPI = true
	c, err := New(lin, s)
	require.NoError(t, err)
	stages, err := c.Stages(data)
	require.NoError(t, err)
	assert.Equal(t, []state.Stage{state.StageDC}, stages)

	s.DC = false
	c, err = New(lin, s)
	require.NoError(t, err)
	stages, err = c.Stages(data)
	require.NoError(t, err)
	assert.Equal(t, []state.Stage{state.StageComplex, state.StageFPI}, stages)
}

func TestRunComplexOnZeroPhaseData(t *testing.T) {
	lin, _ := synthetic(t, true)
	_, magOnly := synthetic(t, false)
	data := zeroPhases(t, magOnly)

	s := testSettings()
	s.DC = false
	s.FPI = true
	s.Background.Pha = 0
	s.MaxIterations = 3

	c, err := New(lin, s)
	require.NoError(t, err)
	res, err := c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)
	require.NotEmpty(t, res.Stages)
	assert.Equal(t, state.StageComplex, res.Stages[0].Stage)
}

func TestRunReportsInactiveHalfRMS(t *testing.T) {
	lin, data := synthetic(t, true)
	s := testSettings()
	s.FPI = true
	rec := &recorder{}

	c, err := New(lin, s, WithObserver(rec))
	require.NoError(t, err)
	_, err = c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)

	its := rec.records(invlog.KindIT)
	require.NotEmpty(t, its)
	for _, r := range its {
		require.True(t, r.Has(invlog.FieldPhaRMS))
		assert.Greater(t, r.PhaRMS, 0.0, "dc iteration %d", r.Iteration)
	}
	pits := rec.records(invlog.KindPIT)
	require.NotEmpty(t, pits)
	for _, r := range pits {
		require.True(t, r.Has(invlog.FieldMagRMS))
		assert.InDelta(t, its[len(its)-1].MagRMS, r.MagRMS, 1e-9, "magnitudes are frozen during fpi")
		assert.InDelta(t, r.DataRMS, r.PhaRMS, 1e-12)
	}
}

func TestRunMagnitudeOnlyOmitsPhaseRMS(t *testing.T) {
	lin, data := synthetic(t, false)
	s := testSettings()
	rec := &recorder{}

	c, err := New(lin, s, WithObserver(rec))
	require.NoError(t, err)
	_, err = c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)

	for _, r := range append(rec.records(invlog.KindIT), rec.records(invlog.KindUP)...) {
		assert.True(t, r.Has(invlog.FieldMagRMS))
		assert.False(t, r.Has(invlog.FieldPhaRMS))
	}
}

// scaledOracle underestimates the sensitivity by scale, so a full
// Gauss-Newton step overshoots by 1/scale.
type scaledOracle struct {
	lin   *forward.Linear
	scale float64
}

func (o scaledOracle) Forward(ctx context.Context, m state.ModelRecord) (forward.Response, error) {
	return o.lin.Forward(ctx, m)
}

func (o scaledOracle) Sensitivity(ctx context.Context, m state.ModelRecord) (forward.Sensitivity, error) {
	sens, err := o.lin.Sensitivity(ctx, m)
	if err != nil {
		return sens, err
	}
	sens.Mag.Scale(o.scale, sens.Mag)
	return sens, nil
}

func TestRunStepLengthSearch(t *testing.T) {
	lin, data := synthetic(t, false)
	s := testSettings()
	s.StartLambda = 1e-8
	rec := &recorder{}

	c, err := New(scaledOracle{lin: lin, scale: 0.4}, s, WithObserver(rec))
	require.NoError(t, err)
	_, err = c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)

	rms0 := rec.records(invlog.KindIT)[0].DataRMS
	var ups []invlog.Record
	for _, r := range rec.records(invlog.KindUP) {
		if r.Iteration == 1 {
			ups = append(ups, r)
		}
	}
	// three lambda trials at full length overshoot to 1.5·rms0, then the
	// half step and the parabolic minimiser of |1 - 2.5α|
	require.Len(t, ups, s.LambdaSearchSteps+2)
	for _, r := range ups[:s.LambdaSearchSteps] {
		assert.Equal(t, 1.0, r.StepLength)
		assert.InEpsilon(t, 1.5*rms0, r.DataRMS, 1e-3)
	}
	half, para := ups[s.LambdaSearchSteps], ups[s.LambdaSearchSteps+1]
	assert.Equal(t, 0.5, half.StepLength)
	assert.InEpsilon(t, 0.25*rms0, half.DataRMS, 1e-3)
	assert.InDelta(t, 0.4375, para.StepLength, 1e-4)
	assert.Less(t, para.DataRMS, half.DataRMS)

	it1 := rec.records(invlog.KindIT)[1]
	assert.Equal(t, para.StepLength, it1.StepLength)
	assert.Equal(t, para.DataRMS, it1.DataRMS)
	assert.InEpsilon(t, 0.09375*rms0, it1.DataRMS, 1e-3)
}

func TestRunRaisesLambdaAfterRejects(t *testing.T) {
	lin, data := synthetic(t, false)
	s := testSettings()
	s.StartLambda = 1
	s.LambdaFactor = 2
	s.LambdaSearchSteps = 3
	s.MaxRejects = 4
	resp, err := lin.Forward(context.Background(), HomogeneousModel(6, s.Background))
	require.NoError(t, err)
	rec := &recorder{}

	c, err := New(flatOracle{lin: lin, resp: resp}, s, WithObserver(rec))
	require.NoError(t, err)
	res, err := c.Run(context.Background(), HomogeneousModel(6, s.Background), data)
	require.NoError(t, err)
	assert.Equal(t, eval.ReasonStagnation, res.Stages[0].Reason)

	var lambdas []float64
	for _, r := range rec.records(invlog.KindUP) {
		if r.StepLength == 1 {
			lambdas = append(lambdas, r.Lambda)
		}
	}
	assert.Equal(t, []float64{1, 0.5, 0.25, 2, 1, 0.5, 4, 2, 1, 8, 4, 2}, lambdas)

	rejects := rec.rejects()
	require.Len(t, rejects, s.MaxRejects)
	for i, ev := range rejects {
		assert.Equal(t, "reject", ev.Decision)
		assert.Equal(t, "misfit_increase", ev.Reason)
		assert.Equal(t, invlog.KindUP, ev.Record.Kind)
		assert.Equal(t, math.Pow(2, float64(i)), ev.Record.Lambda)
	}
}
