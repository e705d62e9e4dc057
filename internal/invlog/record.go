package invlog

import (
	"fmt"
	"strconv"
	"strings"
)

// #region kind
// Kind is the record tag in the first column of a log line.
type Kind string

const (
	KindIT  Kind = "IT"  // accepted iteration, main stage
	KindUP  Kind = "UP"  // sub-iteration, main stage
	KindPIT Kind = "PIT" // accepted iteration, phase improvement
	KindPUP Kind = "PUP" // sub-iteration, phase improvement
)

// FPI reports whether the kind belongs to the phase improvement stage.
func (k Kind) FPI() bool {
	return k == KindPIT || k == KindPUP
}

// Accepted reports whether the kind marks an accepted iteration.
func (k Kind) Accepted() bool {
	return k == KindIT || k == KindPIT
}

// Sub returns the sub-iteration kind of the same stage family.
func (k Kind) Sub() Kind {
	if k.FPI() {
		return KindPUP
	}
	return KindUP
}

func parseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindIT, KindUP, KindPIT, KindPUP:
		return Kind(s), true
	}
	return "", false
}

// #endregion kind

// #region field
// Field is a bit set of the columns a record carries.
type Field uint16

const (
	FieldDataRMS Field = 1 << iota
	FieldStepSize
	FieldLambda
	FieldRoughness
	FieldCGSteps
	FieldMagRMS
	FieldPhaRMS
	FieldNrData
	FieldStepLength
)

// #endregion field

// #region record
// Record is one line of the iteration log.
type Record struct {
	Kind       Kind
	Iteration  int
	DataRMS    float64
	StepSize   float64
	Lambda     float64
	Roughness  float64
	CGSteps    int
	MagRMS     float64
	PhaRMS     float64
	NrData     int
	StepLength float64
	Fields     Field

	// Stage is filled by Parse from the enclosing banner; it is not written.
	Stage string
}

// Has reports whether the record carries the field.
func (r Record) Has(f Field) bool {
	return r.Fields&f != 0
}

// Set marks fields as present.
func (r *Record) Set(f Field) {
	r.Fields |= f
}

// #endregion record

// #region columns
type column struct {
	field  Field
	lo, hi int
	title  string
	format string
}

var columns = []column{
	{FieldDataRMS, 9, 21, "dataRMS", "%12.5f"},
	{FieldStepSize, 21, 33, "stepsize", "%12.4e"},
	{FieldLambda, 33, 45, "lambda", "%12.4e"},
	{FieldRoughness, 45, 57, "roughn", "%12.4e"},
	{FieldCGSteps, 57, 65, "CG-steps", "%8d"},
	{FieldMagRMS, 65, 77, "mag RMS", "%12.5f"},
	{FieldPhaRMS, 77, 89, "pha RMS", "%12.5f"},
	{FieldNrData, 89, 97, "- # data", "%8d"},
	{FieldStepLength, 97, 109, "steplength", "%12.5f"},
}

const lineWidth = 109

// Fields lists the record columns in log order.
func Fields() []Field {
	out := make([]Field, len(columns))
	for i, c := range columns {
		out[i] = c.field
	}
	return out
}

// Title returns the column title of a single field.
func (f Field) Title() string {
	for _, c := range columns {
		if c.field == f {
			return c.title
		}
	}
	return ""
}

// Value returns the column value and whether the record carries it.
func (r Record) Value(f Field) (any, bool) {
	if !r.Has(f) {
		return nil, false
	}
	return r.value(f), true
}

func (r Record) value(f Field) any {
	switch f {
	case FieldDataRMS:
		return r.DataRMS
	case FieldStepSize:
		return r.StepSize
	case FieldLambda:
		return r.Lambda
	case FieldRoughness:
		return r.Roughness
	case FieldCGSteps:
		return r.CGSteps
	case FieldMagRMS:
		return r.MagRMS
	case FieldPhaRMS:
		return r.PhaRMS
	case FieldNrData:
		return r.NrData
	default:
		return r.StepLength
	}
}

func (r *Record) assign(f Field, raw string) error {
	if f == FieldCGSteps || f == FieldNrData {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		if f == FieldCGSteps {
			r.CGSteps = n
		} else {
			r.NrData = n
		}
		r.Set(f)
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	switch f {
	case FieldDataRMS:
		r.DataRMS = v
	case FieldStepSize:
		r.StepSize = v
	case FieldLambda:
		r.Lambda = v
	case FieldRoughness:
		r.Roughness = v
	case FieldMagRMS:
		r.MagRMS = v
	case FieldPhaRMS:
		r.PhaRMS = v
	case FieldStepLength:
		r.StepLength = v
	}
	r.Set(f)
	return nil
}

// #endregion columns

// #region format
// Format renders the record as a fixed-width line without trailing blanks.
func (r Record) Format() string {
	buf := []byte(fmt.Sprintf("%-4s%5d", r.Kind, r.Iteration))
	buf = append(buf, strings.Repeat(" ", lineWidth-len(buf))...)
	for _, c := range columns {
		if !r.Has(c.field) {
			continue
		}
		s := fmt.Sprintf(c.format, r.value(c.field))
		width := c.hi - c.lo
		if len(s) > width {
			if v, ok := r.value(c.field).(float64); ok {
				s = fmt.Sprintf("%.4e", v)
			}
		}
		copy(buf[c.lo:c.hi], fmt.Sprintf("%*s", width, s))
	}
	return strings.TrimRight(string(buf), " ")
}

// Title returns the column title line.
func Title() string {
	buf := []byte(fmt.Sprintf("%-4s%5s", "", "it"))
	buf = append(buf, strings.Repeat(" ", lineWidth-len(buf))...)
	for _, c := range columns {
		copy(buf[c.lo:c.hi], fmt.Sprintf("%*s", c.hi-c.lo, c.title))
	}
	return strings.TrimRight(string(buf), " ")
}

// ParseLine parses one log line. The boolean is false for lines that are not
// records (header, banner, notes).
func ParseLine(line string) (Record, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		if k, ok := parseKind(strings.TrimSpace(line)); ok {
			return Record{}, true, fmt.Errorf("record %s: missing iteration", k)
		}
		return Record{}, false, nil
	}
	kind, ok := parseKind(strings.TrimSpace(line[:4]))
	if !ok || line[0] == ' ' {
		return Record{}, false, nil
	}

	rec := Record{Kind: kind}
	it := strings.TrimSpace(span(line, 4, 9))
	n, err := strconv.Atoi(it)
	if err != nil {
		return Record{}, true, fmt.Errorf("record %s: iteration %q: %w", kind, it, err)
	}
	rec.Iteration = n

	for _, c := range columns {
		raw := strings.TrimSpace(span(line, c.lo, c.hi))
		if raw == "" {
			continue
		}
		if err := rec.assign(c.field, raw); err != nil {
			return Record{}, true, fmt.Errorf("record %s %d: column %q: %w", kind, n, c.title, err)
		}
	}
	return rec, true, nil
}

func span(line string, lo, hi int) string {
	if lo >= len(line) {
		return ""
	}
	if hi > len(line) {
		hi = len(line)
	}
	return line[lo:hi]
}

// #endregion format
