// internal/validator/heuristics.go
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oraflow/mend/api/schemas"
)

// forbiddenPatterns are API calls no auto-generated fix is ever allowed to
// introduce. One match rejects the whole proposal.
var forbiddenPatterns = []string{
	"Process.run",
	"Process.start",
	"dart:mirrors",
	"dart:ffi",
	"eval(",
	"rm -rf",
	"File.delete",
	"Directory.delete",
	"deleteSync",
	"Isolate.spawnUri",
	"HttpServer.bind",
}

var tokenRegex = regexp.MustCompile(`[A-Za-z0-9_$]+`)

// checkBlacklist rejects edits introducing forbidden APIs. Patterns already
// present in the old line are tolerated; only new introductions count.
func checkBlacklist(edits []schemas.Edit, extra []string) string {
	patterns := append(append([]string{}, forbiddenPatterns...), extra...)
	for _, edit := range edits {
		for _, p := range patterns {
			if strings.Contains(edit.NewText, p) && !strings.Contains(edit.OldText, p) {
				return fmt.Sprintf("edit to %s introduces forbidden API %q", edit.File, p)
			}
		}
	}
	return ""
}

// checkChurn rejects edits replacing more than maxRatio of the original
// line's tokens. A surgical fix keeps most of the line; heavy churn means the
// model rewrote instead of repairing, which is where regressions come from.
func checkChurn(edits []schemas.Edit, maxRatio float64) string {
	for _, edit := range edits {
		oldTokens := tokenRegex.FindAllString(edit.OldText, -1)
		if len(oldTokens) == 0 {
			continue // Pure insertions have nothing to churn.
		}

		newSet := make(map[string]int)
		for _, tok := range tokenRegex.FindAllString(edit.NewText, -1) {
			newSet[tok]++
		}

		surviving := 0
		for _, tok := range oldTokens {
			if newSet[tok] > 0 {
				newSet[tok]--
				surviving++
			}
		}

		ratio := 1.0 - float64(surviving)/float64(len(oldTokens))
		if ratio > maxRatio {
			return fmt.Sprintf("edit to %s line %d replaces %.0f%% of the line (limit %.0f%%)",
				edit.File, edit.StartLine, ratio*100, maxRatio*100)
		}
	}
	return ""
}

// checkWidgetShape rejects edits that conflict with the structure of the
// file they modify: calling setState in a stateless widget, or grafting a
// lifecycle override into a single-line replacement.
func checkWidgetShape(edits []schemas.Edit, sources map[string]string) string {
	for _, edit := range edits {
		source, ok := sources[edit.File]
		if !ok {
			continue
		}
		introduces := func(needle string) bool {
			return strings.Contains(edit.NewText, needle) && !strings.Contains(edit.OldText, needle)
		}

		stateless := strings.Contains(source, "extends StatelessWidget")
		if stateless && introduces("setState(") {
			return fmt.Sprintf("edit to %s calls setState in a StatelessWidget", edit.File)
		}
		if introduces("initState(") && !strings.Contains(edit.NewText, "super.initState()") {
			return fmt.Sprintf("edit to %s overrides initState without calling super.initState", edit.File)
		}
		if introduces("dispose(") && strings.Contains(edit.NewText, "@override") && !strings.Contains(edit.NewText, "super.dispose()") {
			return fmt.Sprintf("edit to %s overrides dispose without calling super.dispose", edit.File)
		}
	}
	return ""
}

// stateManagementMarkers maps mutually incompatible state approaches to the
// textual cue that identifies them.
var stateManagementMarkers = map[string]string{
	"provider": "package:provider/",
	"riverpod": "package:flutter_riverpod/",
	"bloc":     "package:flutter_bloc/",
	"getx":     "package:get/",
	"redux":    "package:redux/",
}

// checkStateConflict rejects edits pulling in a state-management package the
// file does not already use. Mixing approaches in one file is a refactor, not
// a fix.
func checkStateConflict(edits []schemas.Edit, sources map[string]string) string {
	for _, edit := range edits {
		source, ok := sources[edit.File]
		if !ok {
			continue
		}
		for name, marker := range stateManagementMarkers {
			if strings.Contains(edit.NewText, marker) && !strings.Contains(source, marker) {
				return fmt.Sprintf("edit to %s introduces %s state management into a file that does not use it", edit.File, name)
			}
		}
	}
	return ""
}
