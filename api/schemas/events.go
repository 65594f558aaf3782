package schemas

import (
	"fmt"
	"time"
)

// -- Log Classification Schemas --

// LogSource identifies which stream of the monitored process produced a line.
type LogSource string

const (
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
)

// Classification is the typed category assigned to a log line by the
// classifier. Exactly one classification is produced per line; lines that
// match nothing are ClassUnknown and are dropped before the pipeline.
type Classification string

const (
	ClassCompilation  Classification = "compilation"
	ClassRuntime      Classification = "runtime"
	ClassUIOverflow   Classification = "ui_overflow"
	ClassMissingAsset Classification = "missing_asset"
	ClassDependency   Classification = "dependency"
	ClassUnknown      Classification = "unknown"
)

// Severity is derived deterministically from the classification.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityFor maps a classification to its severity. Pure function; the
// bridge and the lock manager both rely on it being stable.
func SeverityFor(c Classification) Severity {
	switch c {
	case ClassCompilation, ClassRuntime:
		return SeverityCritical
	case ClassMissingAsset, ClassDependency:
		return SeverityHigh
	case ClassUIOverflow:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ErrorEvent is the immutable record of one classified failure. It is created
// by the classifier, consumed by the rest of the pipeline, and discarded when
// the pipeline run completes.
type ErrorEvent struct {
	Source         LogSource      `json:"source"`
	FilePath       string         `json:"file_path"`
	Line           int            `json:"line"`
	Column         int            `json:"column,omitempty"`
	Message        string         `json:"message"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Key returns the dedupe key for the event. Two events sharing a key within
// the dedupe window are treated as the same root cause.
func (e ErrorEvent) Key() ErrorKey {
	return ErrorKey{File: e.FilePath, Line: e.Line}
}

// ErrorKey identifies a root-cause location.
type ErrorKey struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func (k ErrorKey) String() string {
	return fmt.Sprintf("%s:%d", k.File, k.Line)
}

// Zero reports whether the key is unset.
func (k ErrorKey) Zero() bool { return k.File == "" && k.Line == 0 }
