// internal/classifier/classifier.go
package classifier

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oraflow/mend/api/schemas"
)

// -- Regex Definitions --
//
// Matching is ordered and first-match-wins. The order encodes priority:
// overflow warnings and asset errors carry more specific signals than the
// compiler output that usually follows them in the same burst.
var (
	overflowRegex = regexp.MustCompile(`RenderFlex overflowed by [\d.]+ pixels`)
	// The framework usually names the error-causing widget a few tokens later.
	overflowLocRegex = regexp.MustCompile(`(\S+\.dart):(\d+):(\d+)`)

	missingAssetRegex = regexp.MustCompile(`Unable to load asset:?\s*"?([^"\s]+)"?|No file or variants found for asset:?\s*"?([^"\s]+)"?`)

	// Compiler diagnostics come in two shapes depending on the build tool:
	//   lib/main.dart:6:70: Error: Expected ';' after this.
	//   lib/main.dart(6,70): error E001: Expected ';'
	compileColonRegex = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*Error:\s*(.+)$`)
	compileParenRegex = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\):\s*error\s+[A-Za-z0-9_]+:\s*(.+)$`)

	dependencyRegex = regexp.MustCompile(`Could not resolve the package '([^']+)'|Error on line \d+.*pubspec\.yaml|version solving failed`)

	runtimeRegex = regexp.MustCompile(`Unhandled exception:|^E/flutter|NoSuchMethodError|RangeError|StateError|FormatException|type '.*' is not a subtype`)
	// Stack frames carry the best location hint for runtime failures:
	//   #0      MyWidget.build (package:myapp/main.dart:10:5)
	stackFrameRegex = regexp.MustCompile(`#\d+\s+\S+.*\(package:[^/]+/([^)]+\.dart):(\d+):(\d+)\)`)

	genericErrorRegex = regexp.MustCompile(`(?i)\berror\b`)
)

// Classifier turns raw log lines into typed ErrorEvents. It never fails:
// lines that match nothing come back as ClassUnknown and are dropped by the
// caller. A bounded ring buffer of recent lines supports post-mortem root
// cause recovery after a non-zero exit.
type Classifier struct {
	logger   *zap.Logger
	resolver *PathResolver
	buffer   *RingBuffer
}

// New initializes a Classifier rooted at the monitored project.
func New(logger *zap.Logger, projectRoot string, bufferSize int) *Classifier {
	return &Classifier{
		logger:   logger.Named("classifier"),
		resolver: NewPathResolver(logger, projectRoot),
		buffer:   NewRingBuffer(bufferSize),
	}
}

// Classify processes one line from the monitored process. It is total and
// deterministic: every line yields exactly one classification. ok is false
// when the line carries no actionable signal and should be dropped.
func (c *Classifier) Classify(source schemas.LogSource, line string) (event schemas.ErrorEvent, ok bool) {
	c.buffer.Append(line)

	event = c.classifyLine(source, line)
	if event.Classification == schemas.ClassUnknown {
		return event, false
	}

	if event.FilePath != "" {
		resolved, err := c.resolver.Resolve(event.FilePath)
		if err != nil {
			// Keep the raw path; the pipeline surfaces the resolution
			// failure when it tries to read the file.
			c.logger.Debug("Could not resolve error path",
				zap.String("path", event.FilePath), zap.Error(err))
		} else {
			event.FilePath = resolved
		}
	}
	return event, true
}

// classifyLine is the pure matching core, used by both the live path and the
// post-mortem scan.
func (c *Classifier) classifyLine(source schemas.LogSource, line string) schemas.ErrorEvent {
	event := schemas.ErrorEvent{
		Source:         source,
		Message:        strings.TrimSpace(line),
		Classification: schemas.ClassUnknown,
		Timestamp:      time.Now().UTC(),
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return event
	}

	switch {
	case overflowRegex.MatchString(trimmed):
		event.Classification = schemas.ClassUIOverflow
		if loc := overflowLocRegex.FindStringSubmatch(trimmed); loc != nil {
			event.FilePath = loc[1]
			event.Line = atoi(loc[2])
			event.Column = atoi(loc[3])
		}

	case missingAssetRegex.MatchString(trimmed):
		event.Classification = schemas.ClassMissingAsset
		m := missingAssetRegex.FindStringSubmatch(trimmed)
		asset := m[1]
		if asset == "" {
			asset = m[2]
		}
		event.FilePath = asset

	case compileColonRegex.MatchString(trimmed):
		m := compileColonRegex.FindStringSubmatch(trimmed)
		event.Classification = schemas.ClassCompilation
		event.FilePath = m[1]
		event.Line = atoi(m[2])
		event.Column = atoi(m[3])
		event.Message = strings.TrimSpace(m[4])

	case compileParenRegex.MatchString(trimmed):
		m := compileParenRegex.FindStringSubmatch(trimmed)
		event.Classification = schemas.ClassCompilation
		event.FilePath = m[1]
		event.Line = atoi(m[2])
		event.Column = atoi(m[3])
		event.Message = strings.TrimSpace(m[4])

	case dependencyRegex.MatchString(trimmed):
		event.Classification = schemas.ClassDependency

	case runtimeRegex.MatchString(trimmed):
		event.Classification = schemas.ClassRuntime
		if frame := stackFrameRegex.FindStringSubmatch(trimmed); frame != nil {
			event.FilePath = "lib/" + frame[1]
			event.Line = atoi(frame[2])
			event.Column = atoi(frame[3])
		}

	case stackFrameRegex.MatchString(trimmed):
		// A bare stack frame after an exception header.
		frame := stackFrameRegex.FindStringSubmatch(trimmed)
		event.Classification = schemas.ClassRuntime
		event.FilePath = "lib/" + frame[1]
		event.Line = atoi(frame[2])
		event.Column = atoi(frame[3])

	case genericErrorRegex.MatchString(trimmed):
		// Keyword-only hit: retained for the post-mortem scan, but too
		// weak to open a fix cycle on its own.
		event.Classification = schemas.ClassUnknown
	}

	event.Severity = schemas.SeverityFor(event.Classification)
	return event
}

// PostMortem scans the retained line buffer after the monitored process
// exits non-zero without an already-classified error. It walks newest to
// oldest looking for a classifiable root cause. When no line matches a
// specific pattern, the newest generic error-keyword line is returned as a
// last resort; such lines are too weak to act on live but after a crash
// they are the only lead left.
func (c *Classifier) PostMortem(source schemas.LogSource) (schemas.ErrorEvent, bool) {
	lines := c.buffer.Snapshot()
	for i := len(lines) - 1; i >= 0; i-- {
		event := c.classifyLine(source, lines[i])
		if event.Classification == schemas.ClassUnknown {
			continue
		}
		c.resolveEventPath(&event)
		return event, true
	}

	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || !genericErrorRegex.MatchString(trimmed) {
			continue
		}
		event := schemas.ErrorEvent{
			Source:         source,
			Message:        trimmed,
			Classification: schemas.ClassUnknown,
			Severity:       schemas.SeverityFor(schemas.ClassUnknown),
			Timestamp:      time.Now().UTC(),
		}
		if loc := overflowLocRegex.FindStringSubmatch(trimmed); loc != nil {
			event.FilePath = loc[1]
			event.Line = atoi(loc[2])
			event.Column = atoi(loc[3])
		}
		c.resolveEventPath(&event)
		return event, true
	}
	return schemas.ErrorEvent{}, false
}

func (c *Classifier) resolveEventPath(event *schemas.ErrorEvent) {
	if event.FilePath == "" {
		return
	}
	if resolved, err := c.resolver.Resolve(event.FilePath); err == nil {
		event.FilePath = resolved
	}
}

// BufferedLines exposes a copy of the retained lines, oldest first.
func (c *Classifier) BufferedLines() []string {
	return c.buffer.Snapshot()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
