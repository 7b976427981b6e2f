package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/vantle/stepflow/internal/streaming"
	"github.com/vantle/stepflow/pkg/schema"
)

// startFollow subscribes to a run's events and prints one progress line per
// event until stop is called. Subscribe before the run starts, or the first
// events are missed.
func startFollow(ctx context.Context, hub streaming.EventHub, runID string, w io.Writer) (stop func(), err error) {
	pumpCtx, cancel := context.WithCancel(ctx)
	events, unsub, err := hub.Subscribe(pumpCtx, streaming.EventFilter{RunID: runID})
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				printEvent(w, ev)
			case <-pumpCtx.Done():
				// Drain events already buffered before the cancel.
				for {
					select {
					case ev, ok := <-events:
						if !ok {
							return
						}
						printEvent(w, ev)
					default:
						return
					}
				}
			}
		}
	}()

	stop = func() {
		unsub()
		cancel()
		<-done
	}
	return stop, nil
}

func printEvent(w io.Writer, ev schema.RunEvent) {
	fmt.Fprintln(w, formatEvent(ev))
}

// formatEvent renders one progress line: time, event type, subject, and
// whichever payload detail the event type carries.
func formatEvent(ev schema.RunEvent) string {
	subject := ev.StepID
	if subject == "" {
		subject = ev.RunID
	}
	line := fmt.Sprintf("%s  %-15s %s", ev.CreatedAt.Format("15:04:05"), ev.Type, subject)

	switch ev.Type {
	case schema.EventStepCompleted, schema.EventRunCompleted:
		if ms, ok := eventInt64(ev.Payload, "duration_ms"); ok {
			line += fmt.Sprintf(" (%dms)", ms)
		}
	case schema.EventStepFailed, schema.EventRunFailed:
		if msg, ok := ev.Payload["error"].(string); ok && msg != "" {
			line += ": " + msg
		}
	case schema.EventStepSkipped:
		if cond, ok := ev.Payload["condition"].(string); ok && cond != "" {
			line += fmt.Sprintf(" (skip_if: %s)", cond)
		}
	}
	return line
}

// eventInt64 reads a numeric payload value, tolerating the float64 shape
// such values take after a JSON round trip through the journal.
func eventInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
