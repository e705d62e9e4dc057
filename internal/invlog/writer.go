package invlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	finishedLine = "***finished***"
	bannerPrefix = "-- stage "
)

// Rule returns the header rule line.
func Rule() string {
	return strings.Repeat("*", lineWidth)
}

// #region writer
// Writer appends log lines and flushes after every line so readers can
// follow the file while it grows.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Create opens path in append mode, creating it if needed.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open inversion log: %w", err)
	}
	return &Writer{w: bufio.NewWriter(f), closer: f}, nil
}

// Close flushes and closes the underlying file, if any. Later calls are
// no-ops.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	if c := w.closer; c != nil {
		w.closer = nil
		return c.Close()
	}
	return nil
}

func (w *Writer) line(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.WriteString(s + "\n"); err != nil {
		return fmt.Errorf("write inversion log: %w", err)
	}
	return w.w.Flush()
}

// WriteHeader writes the rule, column title and rule lines.
func (w *Writer) WriteHeader() error {
	for _, s := range []string{Rule(), Title(), Rule()} {
		if err := w.line(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteRecord writes one record line.
func (w *Writer) WriteRecord(r Record) error {
	return w.line(r.Format())
}

// WriteStageStart writes the banner opening a stage.
func (w *Writer) WriteStageStart(stage string) error {
	return w.line(bannerPrefix + stage + " start")
}

// WriteStageEnd writes the banner closing a stage.
func (w *Writer) WriteStageEnd(stage, reason string, iterations int, rms float64) error {
	return w.line(fmt.Sprintf("%s%s end: %s (%d iterations, rms %.5f)", bannerPrefix, stage, reason, iterations, rms))
}

// WriteFinished writes the terminal line.
func (w *Writer) WriteFinished() error {
	return w.line(finishedLine)
}

// #endregion writer
