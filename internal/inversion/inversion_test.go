package inversion

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/danielpatrickdp/crtomo-controller/internal/forward"
	"github.com/danielpatrickdp/crtomo-controller/internal/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorModel(t *testing.T) {
	e := ErrorModel{MagRel: 5, MagAbs: 1, PhaA1: 0.1, PhaB: 0.5, PhaA2: 10, PhaP0: 1}
	assert.InDelta(t, 0.06, e.MagSigma(100), 1e-12)
	assert.InDelta(t, 0.06, e.MagSigma(-100), 1e-12)
	assert.InDelta(t, 4.0, e.PhaSigma(100, -20), 1e-12)
}

func TestDatasetSigmas(t *testing.T) {
	d, err := NewDataset([]float64{10, 20}, []float64{-5, -6})
	require.NoError(t, err)

	mag, pha, err := d.Sigmas(ErrorModel{MagRel: 10, PhaP0: 2}, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, mag[1], 1e-12)
	assert.Equal(t, []float64{2, 2}, pha)

	_, _, err = d.Sigmas(ErrorModel{}, false)
	assert.Error(t, err)

	_, _, err = d.Sigmas(ErrorModel{MagRel: 1}, true)
	assert.Error(t, err, "zero phase error model must be rejected")

	noPha, err := NewDataset([]float64{1}, nil)
	require.NoError(t, err)
	_, _, err = noPha.Sigmas(ErrorModel{MagRel: 1, PhaP0: 1}, true)
	assert.ErrorIs(t, err, ErrNoPhase)
}

func TestPhaseVaries(t *testing.T) {
	zero, err := NewDataset([]float64{10, 20}, []float64{0, 0})
	require.NoError(t, err)
	assert.True(t, zero.HasPhase())
	assert.False(t, zero.PhaseVaries())

	some, err := NewDataset([]float64{10, 20}, []float64{0, -3})
	require.NoError(t, err)
	assert.True(t, some.PhaseVaries())

	none, err := NewDataset([]float64{10}, nil)
	require.NoError(t, err)
	assert.False(t, none.PhaseVaries())
}

func TestDifferenceDataset(t *testing.T) {
	data, err := NewDataset([]float64{10, 20}, []float64{-5, -6})
	require.NoError(t, err)
	ref, err := NewDataset([]float64{5, 20}, []float64{-1, -6})
	require.NoError(t, err)
	base := forward.Response{Mag: []float64{math.Log(100), math.Log(50)}, Pha: []float64{-2, -3}}

	diff, err := DifferenceDataset(data, ref, base)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{200, 50}, diff.Resistance, 1e-9)
	assert.InDeltaSlice(t, []float64{-6, -3}, diff.Phase, 1e-12)

	magOnly, err := NewDataset([]float64{5, 20}, nil)
	require.NoError(t, err)
	diff, err = DifferenceDataset(data, magOnly, base)
	require.NoError(t, err)
	assert.Nil(t, diff.Phase)

	short, err := NewDataset([]float64{5}, nil)
	require.NoError(t, err)
	_, err = DifferenceDataset(data, short, base)
	assert.ErrorIs(t, err, forward.ErrDimension)
}

func TestNewDatasetValidation(t *testing.T) {
	_, err := NewDataset(nil, nil)
	assert.Error(t, err)
	_, err = NewDataset([]float64{1, 2}, []float64{1})
	assert.Error(t, err)
	_, err = NewDataset([]float64{1, 0}, nil)
	assert.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.TargetRMS = 0
	s.LambdaFactor = 1
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target rms")
	assert.Contains(t, err.Error(), "lambda factor")
}

func TestRetryEngine(t *testing.T) {
	r := NewRetryEngine(3, 2)
	reject := gate.GateDecision{Action: "reject"}

	ok, _ := r.ShouldRetry(10, nil)
	assert.False(t, ok)

	ok, next := r.ShouldRetry(10, []Attempt{{Lambda: 10, Decision: reject}})
	assert.True(t, ok)
	assert.Equal(t, 20.0, next)

	ok, next = r.ShouldRetry(10, []Attempt{{Decision: reject}, {Decision: reject}})
	assert.True(t, ok)
	assert.Equal(t, 40.0, next)

	ok, _ = r.ShouldRetry(10, []Attempt{{Decision: reject}, {Decision: reject}, {Decision: reject}})
	assert.False(t, ok, "max rejects reached")

	ok, _ = r.ShouldRetry(10, []Attempt{{Decision: gate.GateDecision{Action: "commit"}}})
	assert.False(t, ok)

	ok, next = r.ShouldRetry(10, []Attempt{{Decision: gate.GateDecision{Action: "commit"}, EvalFailed: true}})
	assert.True(t, ok)
	assert.Equal(t, 20.0, next)
}

func TestObserverFunc(t *testing.T) {
	boom := errors.New("boom")
	var o Observer = ObserverFunc(func(_ context.Context, ev Event) error {
		if ev.Kind == EventFinished {
			return boom
		}
		return nil
	})
	assert.NoError(t, o.Observe(context.Background(), Event{Kind: EventRecord}))
	assert.ErrorIs(t, o.Observe(context.Background(), Event{Kind: EventFinished}), boom)
}
