package invlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// #region log
// Stage summarises one stage banner pair.
type Stage struct {
	Name       string
	Ended      bool
	Reason     string
	Iterations int
	RMS        float64
}

// Log is a parsed iteration log.
type Log struct {
	Records  []Record
	Stages   []Stage
	Notes    []string
	Finished bool
}

// Iterations returns the accepted records of a stage in file order.
func (l *Log) Iterations(stage string) []Record {
	var out []Record
	for _, r := range l.Records {
		if r.Kind.Accepted() && r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// Updates returns the sub-iteration records tried for an iteration.
func (l *Log) Updates(iteration int, fpi bool) []Record {
	kind := KindUP
	if fpi {
		kind = KindPUP
	}
	var out []Record
	for _, r := range l.Records {
		if r.Kind == kind && r.Iteration == iteration {
			out = append(out, r)
		}
	}
	return out
}

// #endregion log

// #region parse
// Load parses the log file at path.
func Load(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open inversion log: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a complete log.
func Parse(r io.Reader) (*Log, error) {
	log := &Log{}
	title := Title()
	current := ""

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), " \r")
		switch {
		case line == "":
			continue
		case line == finishedLine:
			log.Finished = true
			continue
		case strings.Trim(line, "*") == "" || line == title:
			continue
		case strings.HasPrefix(line, bannerPrefix):
			st, start, err := parseBanner(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if start {
				current = st.Name
				log.Stages = append(log.Stages, st)
				continue
			}
			if n := len(log.Stages); n > 0 && log.Stages[n-1].Name == st.Name && !log.Stages[n-1].Ended {
				log.Stages[n-1] = st
			} else {
				log.Stages = append(log.Stages, st)
			}
			current = ""
			continue
		}

		rec, ok, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			log.Notes = append(log.Notes, line)
			continue
		}
		rec.Stage = current
		if rec.Stage == "" && rec.Kind.FPI() {
			rec.Stage = "fpi"
		}
		log.Records = append(log.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read inversion log: %w", err)
	}
	return log, nil
}

// parseBanner decodes "-- stage <name> start" and
// "-- stage <name> end: <reason> (<n> iterations, rms <rms>)".
func parseBanner(line string) (Stage, bool, error) {
	rest := strings.TrimPrefix(line, bannerPrefix)
	name, tail, ok := strings.Cut(rest, " ")
	if !ok || name == "" {
		return Stage{}, false, fmt.Errorf("malformed stage banner %q", line)
	}
	if tail == "start" {
		return Stage{Name: name}, true, nil
	}

	body, found := strings.CutPrefix(tail, "end: ")
	if !found {
		return Stage{}, false, fmt.Errorf("malformed stage banner %q", line)
	}
	reason, stats, ok := strings.Cut(body, " (")
	if !ok {
		return Stage{}, false, fmt.Errorf("malformed stage banner %q", line)
	}
	stats = strings.TrimSuffix(stats, ")")
	itPart, rmsPart, ok := strings.Cut(stats, " iterations, rms ")
	if !ok {
		return Stage{}, false, fmt.Errorf("malformed stage banner %q", line)
	}
	n, err := strconv.Atoi(itPart)
	if err != nil {
		return Stage{}, false, fmt.Errorf("stage banner iterations: %w", err)
	}
	rms, err := strconv.ParseFloat(rmsPart, 64)
	if err != nil {
		return Stage{}, false, fmt.Errorf("stage banner rms: %w", err)
	}
	return Stage{Name: name, Ended: true, Reason: reason, Iterations: n, RMS: rms}, false, nil
}

// #endregion parse
