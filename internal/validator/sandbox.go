// internal/validator/sandbox.go
package validator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/oraflow/mend/api/schemas"
)

// Directories excluded from the sandbox copy. Generated trees are large and
// the analyzer regenerates what it needs.
var sandboxSkipDirs = map[string]bool{
	".git":         true,
	".dart_tool":   true,
	"build":        true,
	"node_modules": true,
	".idea":        true,
}

// sandbox is a scratch copy of the project used to trial-apply a proposal and
// run the static analyzer against the result. The real tree is never touched.
type sandbox struct {
	logger *zap.Logger
	root   string
}

// newSandbox copies the project tree into a temp directory.
func newSandbox(logger *zap.Logger, projectRoot string) (*sandbox, error) {
	dir, err := os.MkdirTemp("", "mend-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}

	s := &sandbox{logger: logger, root: dir}
	if err := s.copyTree(projectRoot); err != nil {
		s.Remove()
		return nil, fmt.Errorf("copying project into sandbox: %w", err)
	}
	return s, nil
}

func (s *sandbox) copyTree(from string) error {
	return filepath.WalkDir(from, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if sandboxSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(s.root, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil // Symlinks and devices are not part of the build.
		}
		return copyFile(path, filepath.Join(s.root, rel))
	})
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Apply rewrites the sandbox copies of the edited files. It fails when an
// edit's recorded old content no longer matches the file, which means the
// source changed underneath the proposal and the fix is stale.
func (s *sandbox) Apply(edits []schemas.Edit) error {
	for _, edit := range edits {
		if err := s.applyOne(edit); err != nil {
			return err
		}
	}
	return nil
}

func (s *sandbox) applyOne(edit schemas.Edit) error {
	path := filepath.Join(s.root, filepath.FromSlash(edit.File))
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s in sandbox: %w", edit.File, err)
	}

	lines := strings.Split(string(raw), "\n")
	start := edit.StartLine
	end := edit.EndLine
	if end < start {
		end = start
	}
	if start < 1 || end > len(lines) {
		return fmt.Errorf("edit to %s targets line %d-%d of a %d-line file", edit.File, start, end, len(lines))
	}

	if edit.OldText != "" {
		current := strings.TrimSpace(lines[start-1])
		expected := strings.TrimSpace(edit.OldText)
		if current != expected {
			return fmt.Errorf("stale edit: %s line %d is %q, expected %q", edit.File, start, current, expected)
		}
	}

	replacement := strings.Split(edit.NewText, "\n")
	out := make([]string, 0, len(lines)-(end-start+1)+len(replacement))
	out = append(out, lines[:start-1]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)

	return os.WriteFile(path, []byte(strings.Join(out, "\n")), 0o644)
}

// Analyze runs the configured static analyzer inside the sandbox. A non-zero
// exit or reported errors fail the analysis with the analyzer's own output.
func (s *sandbox) Analyze(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no analyzer command configured")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.root
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("analyzer timed out: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("static analysis failed: %s", firstLines(output.String(), 10))
	}
	return nil
}

// Remove deletes the sandbox tree.
func (s *sandbox) Remove() {
	if err := os.RemoveAll(s.root); err != nil {
		s.logger.Warn("Failed to remove sandbox", zap.String("path", s.root), zap.Error(err))
	}
}

// firstLines truncates analyzer output to its leading lines.
func firstLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return strings.Join(lines, "\n")
}
