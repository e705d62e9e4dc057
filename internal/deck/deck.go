package deck

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MinValueLines is the smallest number of value lines Parse accepts.
const MinValueLines = 5

// #region deck
// Deck is the positional control block of an inversion run (crtomo.cfg).
type Deck struct {
	Mswitch        int    `json:"mswitch"`
	GridFile       string `json:"grid_file"`
	ElecFile       string `json:"elec_file"`
	VoltFile       string `json:"volt_file"`
	InvDir         string `json:"inv_dir"`
	DiffInv        bool   `json:"diff_inv"`
	DiffVoltFile   string `json:"diff_volt_file,omitempty"`
	PriorModelFile string `json:"prior_model_file,omitempty"`

	CellsX        int     `json:"cells_x"`
	CellsZ        int     `json:"cells_z"`
	SmoothX       float64 `json:"smooth_x"`
	SmoothZ       float64 `json:"smooth_z"`
	MaxIterations int     `json:"max_iterations"`
	DCInversion   bool    `json:"dc_inversion"`
	Robust        bool    `json:"robust"`
	FPI           bool    `json:"fpi"`

	MagRelError float64 `json:"mag_rel_error"`
	MagAbsError float64 `json:"mag_abs_error"`
	PhaA1       float64 `json:"pha_a1"`
	PhaB        float64 `json:"pha_b"`
	PhaA2       float64 `json:"pha_a2"`
	PhaP0       float64 `json:"pha_p0"`

	HomogeneousBackground bool    `json:"homogeneous_background"`
	BackgroundMag         float64 `json:"background_mag"`
	BackgroundPha         float64 `json:"background_pha"`
	AnotherDataset        bool    `json:"another_dataset"`
	Dimension             int     `json:"dimension"`
	FictitiousSink        bool    `json:"fictitious_sink"`
	SinkNode              int     `json:"sink_node"`
	BoundaryValues        bool    `json:"boundary_values"`
	BoundaryFile          string  `json:"boundary_file,omitempty"`

	TargetRMS      float64 `json:"target_rms"`
	MinRelDecrease float64 `json:"min_rel_decrease"`
	StartLambda    float64 `json:"start_lambda"`
	MaxCGSteps     int     `json:"max_cg_steps"`
}

// Default returns the deck used when a file leaves trailing values out.
func Default() *Deck {
	return &Deck{
		GridFile:       "../grid/elem.dat",
		ElecFile:       "../grid/elec.dat",
		VoltFile:       "../mod/volt.dat",
		InvDir:         "../inv",
		CellsX:         20,
		CellsZ:         10,
		SmoothX:        1.0,
		SmoothZ:        1.0,
		MaxIterations:  20,
		FPI:            true,
		MagRelError:    5.0,
		MagAbsError:    0.001,
		PhaP0:          1.0,
		BackgroundMag:  100.0,
		Dimension:      1,
		TargetRMS:      1.0,
		MinRelDecrease: 2.0,
	}
}

// #endregion deck

// #region fields
type kind int

const (
	kindString kind = iota
	kindInt
	kindFloat
	kindBool
)

type field struct {
	name string
	desc string
	kind kind
	ptr  func(d *Deck) any
}

// fields lists the deck values in file order.
var fields = []field{
	{"Mswitch", "mswitch", kindInt, func(d *Deck) any { return &d.Mswitch }},
	{"GridFile", "FEM grid", kindString, func(d *Deck) any { return &d.GridFile }},
	{"ElecFile", "electrodes", kindString, func(d *Deck) any { return &d.ElecFile }},
	{"VoltFile", "measurements", kindString, func(d *Deck) any { return &d.VoltFile }},
	{"InvDir", "directory for inversion results", kindString, func(d *Deck) any { return &d.InvDir }},
	{"DiffInv", "difference inversion or (m - m_prior)", kindBool, func(d *Deck) any { return &d.DiffInv }},
	{"DiffVoltFile", "difference inversion reference data", kindString, func(d *Deck) any { return &d.DiffVoltFile }},
	{"PriorModelFile", "prior / reference model", kindString, func(d *Deck) any { return &d.PriorModelFile }},
	{"CellsX", "# cells in x-direction", kindInt, func(d *Deck) any { return &d.CellsX }},
	{"CellsZ", "# cells in z-direction", kindInt, func(d *Deck) any { return &d.CellsZ }},
	{"SmoothX", "smoothing parameter in x-direction", kindFloat, func(d *Deck) any { return &d.SmoothX }},
	{"SmoothZ", "smoothing parameter in z-direction", kindFloat, func(d *Deck) any { return &d.SmoothZ }},
	{"MaxIterations", "max. # inversion iterations", kindInt, func(d *Deck) any { return &d.MaxIterations }},
	{"DCInversion", "DC inversion ?", kindBool, func(d *Deck) any { return &d.DCInversion }},
	{"RobustInversion", "robust inversion ?", kindBool, func(d *Deck) any { return &d.Robust }},
	{"FPI", "final phase improvement ?", kindBool, func(d *Deck) any { return &d.FPI }},
	{"MagRelError", "rel. resistance error level (%)", kindFloat, func(d *Deck) any { return &d.MagRelError }},
	{"MagAbsError", "min. abs. resistance error (ohm)", kindFloat, func(d *Deck) any { return &d.MagAbsError }},
	{"PhaA1", "phase error model parameter A1 (mrad/ohm^B)", kindFloat, func(d *Deck) any { return &d.PhaA1 }},
	{"PhaB", "phase error model parameter B (-)", kindFloat, func(d *Deck) any { return &d.PhaB }},
	{"PhaA2", "phase error model parameter A2 (%)", kindFloat, func(d *Deck) any { return &d.PhaA2 }},
	{"PhaP0", "phase error model parameter p0 (mrad)", kindFloat, func(d *Deck) any { return &d.PhaP0 }},
	{"HomogeneousBackground", "homogeneous background resistivity ?", kindBool, func(d *Deck) any { return &d.HomogeneousBackground }},
	{"BackgroundMag", "background magnitude (ohm*m)", kindFloat, func(d *Deck) any { return &d.BackgroundMag }},
	{"BackgroundPha", "background phase (mrad)", kindFloat, func(d *Deck) any { return &d.BackgroundPha }},
	{"AnotherDataset", "another dataset ?", kindBool, func(d *Deck) any { return &d.AnotherDataset }},
	{"Dimension", "2D (=0) or 2.5D (=1)", kindInt, func(d *Deck) any { return &d.Dimension }},
	{"FictitiousSink", "fictitious sink ?", kindBool, func(d *Deck) any { return &d.FictitiousSink }},
	{"SinkNode", "fictitious sink node number", kindInt, func(d *Deck) any { return &d.SinkNode }},
	{"BoundaryValues", "boundary values ?", kindBool, func(d *Deck) any { return &d.BoundaryValues }},
	{"BoundaryFile", "boundary values file", kindString, func(d *Deck) any { return &d.BoundaryFile }},
	{"TargetRMS", "target data RMS", kindFloat, func(d *Deck) any { return &d.TargetRMS }},
	{"MinRelDecrease", "min. rel. RMS decrease (%)", kindFloat, func(d *Deck) any { return &d.MinRelDecrease }},
	{"StartLambda", "starting lambda (0 = automatic)", kindFloat, func(d *Deck) any { return &d.StartLambda }},
	{"MaxCGSteps", "max. # CG steps (0 = # parameters)", kindInt, func(d *Deck) any { return &d.MaxCGSteps }},
}

// section headers written before the given 0-based value index.
var sections = map[int]string{
	0: "***FILES***",
	8: "***PARAMETERS***",
}

func (f field) set(d *Deck, raw string) error {
	switch p := f.ptr(d).(type) {
	case *string:
		*p = raw
	case *int:
		if raw == "" {
			return nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = v
	case *float64:
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseFloat(strings.Replace(strings.ToLower(raw), "d", "e", 1), 64)
		if err != nil {
			return err
		}
		*p = v
	case *bool:
		if raw == "" {
			return nil
		}
		v, err := parseBool(raw)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

func (f field) format(d *Deck) string {
	switch p := f.ptr(d).(type) {
	case *string:
		return *p
	case *int:
		return strconv.Itoa(*p)
	case *float64:
		return strconv.FormatFloat(*p, 'g', -1, 64)
	case *bool:
		if *p {
			return "T"
		}
		return "F"
	}
	return ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "t", "true", ".true.":
		return true, nil
	case "f", "false", ".false.":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

// #endregion fields

// #region parse
// Load reads the deck at path.
func Load(path string) (*Deck, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open deck: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a deck. Section markers (lines starting with '#' or '***') are
// skipped; every other line, blank ones included, is the next value. The
// value is the text before the first '!'.
func Parse(r io.Reader) (*Deck, error) {
	var values []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "***") {
			continue
		}
		if v, _, found := strings.Cut(line, "!"); found {
			line = v
		}
		values = append(values, strings.TrimSpace(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read deck: %w", err)
	}

	// Trailing blank lines are not values.
	for len(values) > 0 && values[len(values)-1] == "" {
		values = values[:len(values)-1]
	}
	if len(values) < MinValueLines {
		return nil, fmt.Errorf("deck has %d value lines, need at least %d", len(values), MinValueLines)
	}
	if len(values) > len(fields) {
		return nil, fmt.Errorf("deck has %d value lines, expected at most %d", len(values), len(fields))
	}

	d := Default()
	for i, raw := range values {
		if err := fields[i].set(d, raw); err != nil {
			return nil, fmt.Errorf("deck value %d (%s): %w", i+1, fields[i].name, err)
		}
	}
	return d, nil
}

// #endregion parse

// #region write
// Write renders the deck with section headers and value descriptions.
func (d *Deck) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, f := range fields {
		if s, ok := sections[i]; ok {
			fmt.Fprintln(bw, s)
		}
		fmt.Fprintf(bw, "%-24s! %s\n", f.format(d), f.desc)
	}
	return bw.Flush()
}

// Save writes the deck to path.
func (d *Deck) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create deck: %w", err)
	}
	if err := d.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("write deck: %w", err)
	}
	return f.Close()
}

// #endregion write

// #region validate
// Validate reports every inconsistent value at once.
func (d *Deck) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(d.CellsX <= 0 || d.CellsZ <= 0, "cell counts must be positive: %d x %d", d.CellsX, d.CellsZ)
	check(d.SmoothX <= 0 || d.SmoothZ <= 0, "smoothing parameters must be positive: %g, %g", d.SmoothX, d.SmoothZ)
	check(d.MaxIterations < 0, "max iterations must not be negative: %d", d.MaxIterations)
	check(d.MagRelError < 0 || d.MagAbsError < 0, "magnitude error model must not be negative")
	check(d.MagRelError == 0 && d.MagAbsError == 0, "magnitude error model is zero")
	check(d.PhaA1 < 0 || d.PhaA2 < 0 || d.PhaP0 < 0, "phase error model must not be negative")
	check(d.Dimension != 0 && d.Dimension != 1, "dimension must be 0 (2D) or 1 (2.5D): %d", d.Dimension)
	check(d.TargetRMS <= 0, "target rms must be positive: %g", d.TargetRMS)
	check(d.BackgroundMag <= 0, "background magnitude must be positive: %g", d.BackgroundMag)
	check(d.MinRelDecrease < 0, "min rel decrease must not be negative: %g", d.MinRelDecrease)
	check(d.StartLambda < 0, "start lambda must not be negative: %g", d.StartLambda)
	check(d.MaxCGSteps < 0, "max cg steps must not be negative: %d", d.MaxCGSteps)
	check(d.DiffInv && d.PriorModelFile == "", "difference inversion needs a prior model file")
	return errors.Join(errs...)
}

// #endregion validate
