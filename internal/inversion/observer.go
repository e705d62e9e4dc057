package inversion

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
)

// #region event
// EventKind tags controller events.
type EventKind string

const (
	EventStageStart EventKind = "stage_start"
	EventRecord     EventKind = "record"
	EventReject     EventKind = "reject"
	EventStageEnd   EventKind = "stage_end"
	EventFinished   EventKind = "finished"
)

// Event is one observable step of a run.
type Event struct {
	Kind       EventKind
	RunID      string
	Stage      state.Stage
	Record     invlog.Record // EventRecord and EventReject
	VersionID  string        // accepted model version, for IT/PIT records
	Decision   string        // "trial" | "commit" | "reject" | "baseline"
	Reason     string        // stop reason for EventStageEnd, veto type for EventReject
	Iterations int
	RMS        float64
}

// Observer receives every event of a run in order.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// #endregion event

// #region log-observer
// LogObserver writes events to an iteration log.
type LogObserver struct {
	w      *invlog.Writer
	header bool
}

// NewLogObserver writes to w, emitting the header before the first event.
func NewLogObserver(w *invlog.Writer) *LogObserver {
	return &LogObserver{w: w}
}

// Observe renders the event as log lines.
func (o *LogObserver) Observe(_ context.Context, ev Event) error {
	if !o.header {
		if err := o.w.WriteHeader(); err != nil {
			return err
		}
		o.header = true
	}
	switch ev.Kind {
	case EventStageStart:
		return o.w.WriteStageStart(string(ev.Stage))
	case EventRecord:
		return o.w.WriteRecord(ev.Record)
	case EventReject:
		// the trial line was already written
		return nil
	case EventStageEnd:
		return o.w.WriteStageEnd(string(ev.Stage), ev.Reason, ev.Iterations, ev.RMS)
	case EventFinished:
		return o.w.WriteFinished()
	}
	return fmt.Errorf("unknown event kind %q", ev.Kind)
}

// #endregion log-observer
