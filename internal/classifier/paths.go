// internal/classifier/paths.go
package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrPathNotFound is returned when a reported path cannot be mapped to a
// file inside the project, even after the fallback search.
var ErrPathNotFound = fmt.Errorf("file not found in project tree")

// Directories skipped during the basename fallback search. They hold
// generated or vendored code the engine must never try to fix.
var skippedDirs = map[string]bool{
	".git":         true,
	".dart_tool":   true,
	"build":        true,
	"node_modules": true,
	".idea":        true,
}

// PathResolver maps file paths extracted from log lines onto real files
// under the project root. Log output mixes relative paths, absolute paths
// from other machines, and platform-specific separators; resolution is
// therefore layered: literal join, separator-trimmed join, then a basename
// search of the project tree.
type PathResolver struct {
	logger      *zap.Logger
	projectRoot string
}

// NewPathResolver creates a resolver anchored at projectRoot.
func NewPathResolver(logger *zap.Logger, projectRoot string) *PathResolver {
	return &PathResolver{
		logger:      logger.Named("paths"),
		projectRoot: projectRoot,
	}
}

// Resolve returns the project-relative, slash-separated path for a reported
// file, or ErrPathNotFound (wrapped) when no unambiguous match exists.
func (p *PathResolver) Resolve(reported string) (string, error) {
	reported = filepath.FromSlash(strings.TrimSpace(reported))

	// 1. Absolute path inside the project.
	if filepath.IsAbs(reported) {
		if _, err := os.Stat(reported); err == nil {
			if rel, err := filepath.Rel(p.projectRoot, reported); err == nil && !strings.HasPrefix(rel, "..") {
				return filepath.ToSlash(rel), nil
			}
		}
	}

	// 2. Literal join against the project root.
	if ok, rel := p.tryJoin(reported); ok {
		return rel, nil
	}

	// 3. Trim leading separators and retry; build tools sometimes emit
	// "/lib/main.dart" for a project-relative file.
	trimmed := strings.TrimLeft(reported, `/\`)
	if trimmed != reported {
		if ok, rel := p.tryJoin(trimmed); ok {
			return rel, nil
		}
	}

	// 4. Basename search of the project tree.
	return p.searchByBasename(reported)
}

func (p *PathResolver) tryJoin(rel string) (bool, string) {
	abs := filepath.Join(p.projectRoot, rel)
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return true, filepath.ToSlash(rel)
	}
	return false, ""
}

func (p *PathResolver) searchByBasename(reported string) (string, error) {
	base := filepath.Base(reported)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("resolving %q: %w", reported, ErrPathNotFound)
	}

	var matches []string
	walkErr := filepath.Walk(p.projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Unreadable subtrees are skipped, not fatal.
		}
		if info.IsDir() {
			if skippedDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Name() == base {
			matches = append(matches, path)
		}
		return nil
	})
	if walkErr != nil {
		p.logger.Warn("Error during fallback path search", zap.Error(walkErr))
	}

	if len(matches) == 1 {
		rel, err := filepath.Rel(p.projectRoot, matches[0])
		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", reported, ErrPathNotFound)
		}
		p.logger.Debug("Resolved path via basename search",
			zap.String("reported", reported), zap.String("resolved", rel))
		return filepath.ToSlash(rel), nil
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("resolving %q: %d ambiguous matches: %w", reported, len(matches), ErrPathNotFound)
	}
	return "", fmt.Errorf("resolving %q: %w", reported, ErrPathNotFound)
}

// Abs converts a project-relative path back to an absolute one.
func (p *PathResolver) Abs(rel string) string {
	return filepath.Join(p.projectRoot, filepath.FromSlash(rel))
}

// Root returns the project root the resolver is anchored at.
func (p *PathResolver) Root() string { return p.projectRoot }
