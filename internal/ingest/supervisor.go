package ingest

import (
	"context"
	"log/slog"
	"time"
)

// SupervisedSource wraps a Source with automatic restart when it ends, for
// export commands that follow a change stream.
type SupervisedSource struct {
	factory     func() Source
	restartWait time.Duration
	maxRestarts int
}

// NewSupervisedSource creates a supervised wrapper around a source factory.
// When a source ends or fails to start, it waits restartWait before creating
// a new one. maxRestarts of 0 means unlimited restarts.
func NewSupervisedSource(factory func() Source, restartWait time.Duration, maxRestarts int) *SupervisedSource {
	return &SupervisedSource{
		factory:     factory,
		restartWait: restartWait,
		maxRestarts: maxRestarts,
	}
}

// Records starts the supervision loop. The returned channel receives records
// across restarts and is closed when the context is cancelled or max restarts
// are exceeded.
func (s *SupervisedSource) Records(ctx context.Context) (<-chan Record, error) {
	out := make(chan Record, 64)

	go func() {
		defer close(out)

		restarts := 0
		for {
			if s.maxRestarts > 0 && restarts >= s.maxRestarts {
				slog.Error("ingest source exceeded max restarts", "max", s.maxRestarts)
				return
			}

			src := s.factory()
			records, err := src.Records(ctx)
			if err != nil {
				slog.Error("failed to start ingest source", "error", err, "restart_count", restarts)
				if !s.wait(ctx) {
					return
				}
				restarts++
				continue
			}

			if !forward(ctx, records, out) {
				src.Stop()
				return
			}

			slog.Warn("ingest source stopped, restarting", "restart_count", restarts)
			src.Stop()
			restarts++

			if !s.wait(ctx) {
				return
			}
		}
	}()

	return out, nil
}

// forward copies records until in closes. It returns false when ctx ended.
func forward(ctx context.Context, in <-chan Record, out chan<- Record) bool {
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				return true
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (s *SupervisedSource) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.restartWait):
		return true
	}
}

// Stop implements Source. Stopping is handled via context cancellation.
func (s *SupervisedSource) Stop() {}
