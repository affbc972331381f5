package notify

import (
	"context"
	"log/slog"
	"sync"

	"ore-agent/internal/logging"
)

// Multi fans an event out to several sinks. Failures are logged, never returned.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a Multi over the non-nil sinks.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	m := &Multi{logger: logging.Component(logger, "multi-notifier")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Send delivers ev to every sink concurrently.
func (m *Multi) Send(ctx context.Context, ev Event) error {
	var wg sync.WaitGroup
	for _, s := range m.sinks {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Send(ctx, ev); err != nil {
				m.logger.Warn("notifier failed", "kind", ev.Kind, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}
