package configs

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const crmodBase = 10000

// #region encoding
// EncodeCRMod merges the dipoles into CRMod integers AB = A·10⁴ + B and
// MN = M·10⁴ + N.
func EncodeCRMod(q Quadpole) (ab, mn int) {
	return q.A*crmodBase + q.B, q.M*crmodBase + q.N
}

// DecodeCRMod splits CRMod integers back into a quadpole.
func DecodeCRMod(ab, mn int) Quadpole {
	return Quadpole{A: ab / crmodBase, B: ab % crmodBase, M: mn / crmodBase, N: mn % crmodBase}
}

// #endregion encoding

// #region read
// readCRMod reads the count line and the rows that follow it.
func readCRMod(r io.Reader, minCols int) ([][]float64, error) {
	sc := bufio.NewScanner(r)
	var header string
	for sc.Scan() {
		if header = strings.TrimSpace(sc.Text()); header != "" {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(header)
	if err != nil {
		return nil, fmt.Errorf("count line %q: %w", header, err)
	}

	var rows [][]float64
	line := 1
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < minCols {
			return nil, fmt.Errorf("line %d: %d columns, need %d", line, len(fields), minCols)
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if count != len(rows) {
		return nil, fmt.Errorf("count line says %d, file has %d rows: %w", count, len(rows), ErrMismatch)
	}
	return rows, nil
}

func decodeRows(rows [][]float64) []Quadpole {
	qs := make([]Quadpole, len(rows))
	for i, r := range rows {
		qs[i] = DecodeCRMod(int(math.Round(r[0])), int(math.Round(r[1])))
	}
	return qs
}

// LoadCRModConfig replaces the stored configurations with a config.dat file.
func (m *Manager) LoadCRModConfig(r io.Reader) error {
	rows, err := readCRMod(r, 2)
	if err != nil {
		return fmt.Errorf("load crmod config: %w", err)
	}
	m.configs = decodeRows(rows)
	return nil
}

// LoadCRModVolt reads a volt.dat file and stores magnitude and phase as two
// data sets. Stored configurations must match the file; none are adopted.
func (m *Manager) LoadCRModVolt(r io.Reader) (magID, phaID int, err error) {
	rows, err := readCRMod(r, 4)
	if err != nil {
		return 0, 0, fmt.Errorf("load crmod volt: %w", err)
	}
	qs := decodeRows(rows)
	if len(m.configs) == 0 {
		m.configs = qs
	} else if !equalConfigs(m.configs, qs) {
		return 0, 0, fmt.Errorf("load crmod volt: stored configurations differ: %w", ErrMismatch)
	}

	mag := make([]float64, len(rows))
	pha := make([]float64, len(rows))
	for i, row := range rows {
		mag[i], pha[i] = row[2], row[3]
	}
	if magID, err = m.addMeasurement(mag); err != nil {
		return 0, 0, err
	}
	if phaID, err = m.addMeasurement(pha); err != nil {
		return 0, 0, err
	}
	return magID, phaID, nil
}

func equalConfigs(a, b []Quadpole) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// #endregion read

// #region write
// WriteCRModConfig writes the stored configurations as a config.dat file.
func (m *Manager) WriteCRModConfig(w io.Writer) error {
	if len(m.configs) == 0 {
		return fmt.Errorf("write crmod config: %w", ErrNoConfigs)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", len(m.configs))
	for _, q := range m.configs {
		ab, mn := EncodeCRMod(q)
		fmt.Fprintf(bw, "%d %d\n", ab, mn)
	}
	return bw.Flush()
}

// WriteCRModVolt writes a volt.dat file. A negative phaID writes zero phases.
func (m *Manager) WriteCRModVolt(w io.Writer, magID, phaID int) error {
	mag, ok := m.measurements[magID]
	if !ok {
		return fmt.Errorf("write crmod volt: unknown measurement %d", magID)
	}
	pha := make([]float64, len(mag))
	if phaID >= 0 {
		if pha, ok = m.measurements[phaID]; !ok {
			return fmt.Errorf("write crmod volt: unknown measurement %d", phaID)
		}
	}
	if len(mag) != len(m.configs) || len(pha) != len(m.configs) {
		return fmt.Errorf("write crmod volt: %w", ErrMismatch)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", len(m.configs))
	for i, q := range m.configs {
		ab, mn := EncodeCRMod(q)
		fmt.Fprintf(bw, "%d %d %f %f\n", ab, mn, mag[i], pha[i])
	}
	return bw.Flush()
}

// #endregion write
