package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

// PipeSource runs an export command (for example mongoexport or a
// change-stream tailer) and reads NDJSON records from its stdout.
type PipeSource struct {
	command string
	args    []string
	kind    Kind
	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
}

// NewPipeSource creates a PipeSource for the given command line.
func NewPipeSource(command string, args []string, kind Kind) *PipeSource {
	return &PipeSource{command: command, args: args, kind: kind}
}

// Records implements Source. The channel closes when the command exits.
func (p *PipeSource) Records(ctx context.Context) (<-chan Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", p.command, err)
	}

	ch := make(chan Record, 64)

	go func() {
		defer close(ch)
		defer func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				slog.Warn("ingest command exited", "command", p.command, "error", err)
			}
		}()

		if err := scan(ctx, stdout, p.kind, ch, slog.Default()); err != nil && ctx.Err() == nil {
			slog.Warn("ingest pipe scanner error", "error", err)
			cancel()
		}
	}()

	slog.Info("ingest pipe started", "command", p.command, "kind", p.kind)
	return ch, nil
}

// Stop implements Source.
func (p *PipeSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}
