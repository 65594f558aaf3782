// internal/engine/monitor.go
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
)

// maxLineSize bounds a single scanned log line. Build tools occasionally
// emit very long lines (minified stack traces); 1MB covers those without
// letting a binary blob exhaust memory.
const maxLineSize = 1 << 20

// ErrProcessExited reports that the monitored process terminated with a
// failure status, which triggers the post-mortem scan.
var ErrProcessExited = errors.New("monitored process exited")

// LineHandler receives every raw log line with its source stream.
type LineHandler func(source schemas.LogSource, line string)

// Monitor feeds the engine with the monitored process's output. It either
// spawns the configured command and scans both its streams, or tails an
// existing log file when the process is run externally.
type Monitor struct {
	logger *zap.Logger
	cfg    config.MonitorConfig
	handle LineHandler
}

// NewMonitor builds a monitor delivering lines to handle.
func NewMonitor(logger *zap.Logger, cfg config.MonitorConfig, handle LineHandler) *Monitor {
	return &Monitor{
		logger: logger.Named("monitor"),
		cfg:    cfg,
		handle: handle,
	}
}

// Run blocks until the monitored process ends or ctx is cancelled. A failure
// exit of a spawned process is reported as ErrProcessExited (wrapped) so the
// caller can distinguish it from infrastructure errors.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.LogFile != "" {
		return m.tailFile(ctx)
	}
	if len(m.cfg.Command) == 0 {
		return fmt.Errorf("monitor needs either a command or a log file")
	}
	return m.runProcess(ctx)
}

func (m *Monitor) runProcess(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Dir = m.cfg.ProjectRoot

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %q: %w", m.cfg.Command[0], err)
	}
	m.logger.Info("Monitored process started",
		zap.Strings("command", m.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	var g errgroup.Group
	g.Go(func() error { return m.scan(stdout, schemas.SourceStdout) })
	g.Go(func() error { return m.scan(stderr, schemas.SourceStderr) })

	scanErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			m.logger.Warn("Monitored process exited abnormally",
				zap.Int("exit_code", exitErr.ExitCode()))
			return fmt.Errorf("%w with code %d", ErrProcessExited, exitErr.ExitCode())
		}
		return fmt.Errorf("waiting for monitored process: %w", waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("scanning process output: %w", scanErr)
	}
	m.logger.Info("Monitored process exited cleanly")
	return nil
}

// scan delivers one stream line by line. The handler runs on this goroutine;
// it must not block (the engine's dispatch is non-blocking by construction).
func (m *Monitor) scan(r io.Reader, source schemas.LogSource) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		m.handle(source, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// tailFile follows an external log file. Rotation reopens the file.
func (m *Monitor) tailFile(ctx context.Context) error {
	t, err := tail.TailFile(m.cfg.LogFile, tail.Config{
		Follow: true,
		ReOpen: true,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tailing %s: %w", m.cfg.LogFile, err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	m.logger.Info("Tailing log file", zap.String("path", m.cfg.LogFile))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return fmt.Errorf("tail closed for %s", m.cfg.LogFile)
			}
			if line.Err != nil {
				m.logger.Warn("Tail error", zap.Error(line.Err))
				continue
			}
			// A tailed file has no stream separation; treat all as stdout.
			m.handle(schemas.SourceStdout, line.Text)
		}
	}
}
