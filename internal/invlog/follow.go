package invlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval backs up fsnotify on filesystems that drop write events.
const pollInterval = 250 * time.Millisecond

// #region follow
// Follow tails a growing log and calls fn for every complete record line,
// existing ones first. It returns nil once the finished line is read,
// ctx.Err() when ctx is done, or the first error from fn.
func Follow(ctx context.Context, path string, fn func(Record) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("follow: watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("follow: watch %s: %w", filepath.Dir(path), err)
	}

	t := &tail{path: path, fn: fn}
	defer t.close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		done, err := t.drain()
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("follow: %w", err)
		case <-ticker.C:
		}
	}
}

// tail reads complete lines from a file that may not exist yet.
type tail struct {
	path    string
	fn      func(Record) error
	f       *os.File
	r       *bufio.Reader
	pending string
	current string
}

func (t *tail) close() {
	if t.f != nil {
		t.f.Close()
	}
}

// drain consumes every complete line currently in the file.
func (t *tail) drain() (bool, error) {
	if t.f == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("follow: open: %w", err)
		}
		t.f = f
		t.r = bufio.NewReader(f)
	}

	for {
		chunk, err := t.r.ReadString('\n')
		t.pending += chunk
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("follow: read: %w", err)
		}

		line := strings.TrimRight(t.pending, " \r\n")
		t.pending = ""
		if line == finishedLine {
			return true, nil
		}
		if strings.HasPrefix(line, bannerPrefix) {
			if st, start, err := parseBanner(line); err == nil && start {
				t.current = st.Name
			}
			continue
		}
		rec, ok, err := ParseLine(line)
		if err != nil {
			return false, fmt.Errorf("follow: %w", err)
		}
		if !ok {
			continue
		}
		rec.Stage = t.current
		if err := t.fn(rec); err != nil {
			return false, err
		}
	}
}

// #endregion follow
