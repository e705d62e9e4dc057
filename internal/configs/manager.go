package configs

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrNoConfigs is returned when an operation needs stored configurations.
	ErrNoConfigs = errors.New("no configurations stored")
	// ErrMismatch is returned when data does not line up with the configurations.
	ErrMismatch = errors.New("measurements do not match configurations")
)

// #region quadpole
// Quadpole is a four-point configuration: current electrodes A, B and
// voltage electrodes M, N, numbered from 1.
type Quadpole struct {
	A, B, M, N int
}

// Sorted returns q with both dipoles in ascending electrode order.
func (q Quadpole) Sorted() Quadpole {
	if q.A > q.B {
		q.A, q.B = q.B, q.A
	}
	if q.M > q.N {
		q.M, q.N = q.N, q.M
	}
	return q
}

// Compare orders quadpoles lexicographically by A, B, M, N.
func (q Quadpole) Compare(o Quadpole) int {
	for _, d := range [4]int{q.A - o.A, q.B - o.B, q.M - o.M, q.N - o.N} {
		if d != 0 {
			return d
		}
	}
	return 0
}

// Electrodes returns A, B, M, N as an array.
func (q Quadpole) Electrodes() [4]int {
	return [4]int{q.A, q.B, q.M, q.N}
}

// #endregion quadpole

// #region manager
// Manager holds measurement configurations and the data sets measured on them.
type Manager struct {
	NrElectrodes int

	configs      []Quadpole
	measurements map[int][]float64
	metadata     map[int]map[string]string
	next         int
}

// NewManager creates a manager for a line of nrElectrodes electrodes.
func NewManager(nrElectrodes int) *Manager {
	return &Manager{
		NrElectrodes: nrElectrodes,
		measurements: make(map[int][]float64),
		metadata:     make(map[int]map[string]string),
	}
}

// NrOfConfigs returns the number of stored configurations.
func (m *Manager) NrOfConfigs() int {
	return len(m.configs)
}

// Configs returns a copy of the stored configurations.
func (m *Manager) Configs() []Quadpole {
	return slices.Clone(m.configs)
}

// AddToConfigs appends configurations and returns all stored ones.
func (m *Manager) AddToConfigs(qs ...Quadpole) []Quadpole {
	m.configs = append(m.configs, qs...)
	return m.Configs()
}

// Measurement returns the data set with the given id.
func (m *Manager) Measurement(id int) ([]float64, bool) {
	v, ok := m.measurements[id]
	return slices.Clone(v), ok
}

// SetMetadata attaches a key/value pair to a data set.
func (m *Manager) SetMetadata(id int, key, value string) {
	if m.metadata[id] == nil {
		m.metadata[id] = make(map[string]string)
	}
	m.metadata[id][key] = value
}

// Metadata returns the metadata of a data set.
func (m *Manager) Metadata(id int) map[string]string {
	out := make(map[string]string, len(m.metadata[id]))
	for k, v := range m.metadata[id] {
		out[k] = v
	}
	return out
}

// AddMeasurements stores one or more data sets and returns their ids. Input
// is K sets of N values; an N×K matrix is transposed.
func (m *Manager) AddMeasurements(sets [][]float64) ([]int, error) {
	if len(m.configs) == 0 {
		return nil, fmt.Errorf("add measurements: %w", ErrNoConfigs)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	n := len(m.configs)
	if !rowsHaveLen(sets, n) {
		if len(sets) != n || !rowsHaveLen(sets, len(sets[0])) {
			return nil, fmt.Errorf("add measurements: %d configurations: %w", n, ErrMismatch)
		}
		sets = transpose(sets)
	}

	ids := make([]int, 0, len(sets))
	for _, s := range sets {
		id := m.next
		m.next++
		m.measurements[id] = slices.Clone(s)
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) addMeasurement(values []float64) (int, error) {
	ids, err := m.AddMeasurements([][]float64{values})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func rowsHaveLen(rows [][]float64, n int) bool {
	for _, r := range rows {
		if len(r) != n {
			return false
		}
	}
	return true
}

func transpose(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows[0]))
	for j := range out {
		out[j] = make([]float64, len(rows))
		for i := range rows {
			out[j][i] = rows[i][j]
		}
	}
	return out
}

// RemoveDuplicates keeps unique configurations in lexicographic order.
func (m *Manager) RemoveDuplicates() {
	m.configs = unique(m.configs)
}

func unique(qs []Quadpole) []Quadpole {
	out := slices.Clone(qs)
	slices.SortFunc(out, Quadpole.Compare)
	return slices.Compact(out)
}

// #endregion manager
