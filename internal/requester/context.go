// internal/requester/context.go
package requester

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// IncidentContext is the source-level picture of one error handed to the
// prompt builder: a highlighted code window, the file's imports, and a rough
// structural role so the model knows what kind of file it is editing.
type IncidentContext struct {
	File    string
	Line    int
	Snippet string
	Imports []string
	Role    string
}

// ContextBuilder reads project source files and extracts the window the
// reasoning endpoint sees.
type ContextBuilder struct {
	logger      *zap.Logger
	projectRoot string
	windowSize  int
}

// NewContextBuilder creates a builder extracting windowSize lines of context.
func NewContextBuilder(logger *zap.Logger, projectRoot string, windowSize int) *ContextBuilder {
	return &ContextBuilder{
		logger:      logger.Named("context"),
		projectRoot: projectRoot,
		windowSize:  windowSize,
	}
}

// Build assembles the incident context for a project-relative file and line.
func (b *ContextBuilder) Build(file string, line int) (IncidentContext, error) {
	abs := filepath.Join(b.projectRoot, filepath.FromSlash(file))
	raw, err := os.ReadFile(abs)
	if err != nil {
		return IncidentContext{}, fmt.Errorf("reading source for context: %w", err)
	}
	source := string(raw)

	return IncidentContext{
		File:    file,
		Line:    line,
		Snippet: extractCodeWindow(source, line, b.windowSize),
		Imports: extractImports(source),
		Role:    classifyRole(file, source),
	}, nil
}

// extractCodeWindow returns windowSize lines centered on lineNum, each
// prefixed with an aligned line-number gutter. The error line is marked with
// an arrow so the model can anchor its edit without counting.
func extractCodeWindow(source string, lineNum, windowSize int) string {
	lines := strings.Split(source, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if lineNum <= 0 || lineNum > len(lines) {
		return "// Context unavailable: line out of range."
	}

	start := lineNum - windowSize/2 - 1
	if start < 0 {
		start = 0
	}
	end := start + windowSize
	if end > len(lines) {
		end = len(lines)
	}
	if end-start < windowSize && start > 0 {
		start = end - windowSize
		if start < 0 {
			start = 0
		}
	}
	if end == 0 {
		return ""
	}

	lineWidth := int(math.Log10(float64(end))) + 1
	out := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		current := i + 1
		var prefix string
		if current == lineNum {
			prefix = fmt.Sprintf("-> %*d: ", lineWidth, current)
		} else {
			prefix = fmt.Sprintf("   %*d: ", lineWidth, current)
		}
		out = append(out, prefix+lines[i])
	}
	return strings.Join(out, "\n")
}

// extractImports collects the file's import directives verbatim.
func extractImports(source string) []string {
	var imports []string
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "export ") {
			imports = append(imports, trimmed)
		}
	}
	return imports
}

// classifyRole labels what kind of file this is, from cheap textual cues.
// The label is advisory prompt material, never a gate.
func classifyRole(file, source string) string {
	base := strings.ToLower(filepath.Base(file))
	switch {
	case strings.Contains(source, "extends StatefulWidget") || strings.Contains(source, "extends State<"):
		return "stateful widget"
	case strings.Contains(source, "extends StatelessWidget"):
		return "stateless widget"
	case strings.Contains(source, "void main("):
		return "application entrypoint"
	case strings.Contains(base, "_test"):
		return "test"
	case strings.Contains(base, "service") || strings.Contains(base, "repository") || strings.Contains(base, "client"):
		return "service layer"
	case strings.Contains(base, "model") || strings.Contains(base, "entity") || strings.Contains(base, "dto"):
		return "data model"
	default:
		return "library code"
	}
}
