package streaming

import (
	"context"
	"log/slog"

	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/pkg/schema"
)

// JournalWriter bridges the hub to the run event journal: every event
// published to the hub is appended to the index in publish order. Append
// failures are logged and swallowed; the index is derived data and must
// never fail a run.
type JournalWriter struct {
	journal *index.Journal
	logger  *slog.Logger
	unsub   func()
	stop    context.CancelFunc
	done    chan struct{}
}

// StartJournalWriter subscribes to the hub and starts the append pump.
func StartJournalWriter(hub EventHub, journal *index.Journal, logger *slog.Logger) (*JournalWriter, error) {
	ctx, stop := context.WithCancel(context.Background())
	ch, unsub, err := hub.Subscribe(ctx, EventFilter{})
	if err != nil {
		stop()
		return nil, err
	}

	w := &JournalWriter{
		journal: journal,
		logger:  logger,
		unsub:   unsub,
		stop:    stop,
		done:    make(chan struct{}),
	}
	go w.pump(ctx, ch)
	return w, nil
}

func (w *JournalWriter) pump(ctx context.Context, ch <-chan schema.RunEvent) {
	defer close(w.done)
	for {
		select {
		case e := <-ch:
			w.append(e)
		case <-ctx.Done():
			// Drain buffered events before stopping; Close unsubscribes
			// first, so nothing new can arrive.
			for {
				select {
				case e := <-ch:
					w.append(e)
				default:
					return
				}
			}
		}
	}
}

func (w *JournalWriter) append(e schema.RunEvent) {
	if err := w.journal.Append(context.Background(), &e); err != nil {
		w.logger.Warn("journal append failed",
			"run_id", e.RunID, "event", e.Type, "error", err)
	}
}

// Close unsubscribes from the hub, drains buffered events, and waits for the
// pump to finish.
func (w *JournalWriter) Close() {
	w.unsub()
	w.stop()
	<-w.done
}
