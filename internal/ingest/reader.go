package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ReaderSource reads NDJSON records from a file, or from stdin when the path
// is "-".
type ReaderSource struct {
	path   string
	kind   Kind
	stdin  io.Reader
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewReaderSource creates a ReaderSource for path.
func NewReaderSource(path string, kind Kind) *ReaderSource {
	return &ReaderSource{path: path, kind: kind, stdin: os.Stdin}
}

// Records implements Source.
func (s *ReaderSource) Records(ctx context.Context) (<-chan Record, error) {
	var r io.ReadCloser
	if s.path == "-" {
		r = io.NopCloser(s.stdin)
	} else {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", s.path, err)
		}
		r = f
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ch := make(chan Record, 64)
	go func() {
		defer close(ch)
		defer r.Close()
		defer cancel()
		if err := scan(ctx, r, s.kind, ch, slog.Default()); err != nil && ctx.Err() == nil {
			slog.Warn("record reader error", "path", s.path, "error", err)
		}
	}()
	return ch, nil
}

// Stop implements Source.
func (s *ReaderSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
