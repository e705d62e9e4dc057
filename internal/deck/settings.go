package deck

import (
	"github.com/danielpatrickdp/crtomo-controller/internal/inversion"
	"github.com/danielpatrickdp/crtomo-controller/internal/mesh"
)

// Settings maps the deck onto controller settings. Values the deck does not
// carry keep inversion.DefaultSettings.
func (d *Deck) Settings() inversion.Settings {
	s := inversion.DefaultSettings()
	s.MaxIterations = d.MaxIterations
	s.DC = d.DCInversion
	s.FPI = d.FPI
	s.Robust = d.Robust
	s.Errors = inversion.ErrorModel{
		MagRel: d.MagRelError,
		MagAbs: d.MagAbsError,
		PhaA1:  d.PhaA1,
		PhaB:   d.PhaB,
		PhaA2:  d.PhaA2,
		PhaP0:  d.PhaP0,
	}
	s.TargetRMS = d.TargetRMS
	s.MinRelDecrease = d.MinRelDecrease
	s.StartLambda = d.StartLambda
	s.Update.MaxCGSteps = d.MaxCGSteps
	s.Grid = mesh.Grid{NX: d.CellsX, NZ: d.CellsZ, SmoothX: d.SmoothX, SmoothZ: d.SmoothZ}
	s.Background = inversion.Background{Mag: d.BackgroundMag, Pha: d.BackgroundPha}
	return s
}
