package protocol

import (
	"fmt"
	"io"

	"github.com/bryanwahyu/deeptm/internal/domain/events"
)

// Pump writes every event from evs to w through a, flushing after each
// event, and closes with a.Finish. On a write error it calls abort (which
// must make the producer stop) and keeps draining evs until it is closed.
// completed reports whether process_complete went out.
func Pump(w io.Writer, flush func() error, a Adapter, evs <-chan events.Event, abort func()) (completed bool, err error) {
	for ev := range evs {
		if err != nil {
			continue
		}
		if err = writeEvent(w, a, ev); err == nil && flush != nil {
			err = flush()
		}
		if err != nil {
			abort()
			continue
		}
		if events.IsTerminal(ev) {
			completed = true
		}
	}
	if err != nil {
		return completed, err
	}

	if fin := a.Finish(completed); len(fin) > 0 {
		if _, err := w.Write(fin); err != nil {
			return completed, fmt.Errorf("write finish frame: %w", err)
		}
		if flush != nil {
			return completed, flush()
		}
	}
	return completed, nil
}

func writeEvent(w io.Writer, a Adapter, ev events.Event) error {
	frames, err := a.Encode(ev)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if _, err := w.Write(f); err != nil {
			return fmt.Errorf("write %s frame: %w", ev.Kind(), err)
		}
	}
	return nil
}
