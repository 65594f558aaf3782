package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
	"github.com/oraflow/mend/internal/lockmgr"
	"github.com/oraflow/mend/internal/resource"
)

const mainSource = `import 'package:flutter/material.dart';

void main() {
  runApp(const MyApp())
}
`

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "main.dart"), []byte(mainSource), 0o644))
	return root
}

func testEngineConfig(root string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.SetMonitorProjectRoot(root)
	cfg.LockCfg.DedupeWindow = 10 * time.Millisecond
	// Long cooldown keeps post-release state observable in assertions.
	cfg.LockCfg.CooldownWindow = time.Hour
	cfg.ValidatorCfg.AnalyzerCommand = []string{"true"}
	cfg.ReasonerCfg.Timeout = time.Second
	cfg.ReasonerCfg.RatePerMinute = 6000
	return cfg
}

type scriptedReasoner struct {
	mu       sync.Mutex
	calls    int
	response string
	err      error
}

func (s *scriptedReasoner) Generate(context.Context, schemas.GenerationRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.response, s.err
}

func (s *scriptedReasoner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func compileEvent() schemas.ErrorEvent {
	return schemas.ErrorEvent{
		Source:         schemas.SourceStdout,
		FilePath:       "lib/main.dart",
		Line:           4,
		Message:        "Expected ';'",
		Classification: schemas.ClassCompilation,
		Severity:       schemas.SeverityCritical,
		Timestamp:      time.Now(),
	}
}

func validFixResponse() string {
	return `{"explanation":"Add the missing semicolon.","edits":[{"file":"lib/main.dart","line":4,"old_line_content":"  runApp(const MyApp())","new_line_content":"  runApp(const MyApp());"}]}`
}

func TestHandleEvent_PreviewsValidFix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	root := writeProject(t)
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{response: validFixResponse()})

	e.handleEvent(context.Background(), compileEvent())

	proposal := e.bridge.Outstanding()
	require.NotNil(t, proposal)
	assert.True(t, proposal.Validated)
	assert.Equal(t, "lib/main.dart:4", proposal.IncidentKey.String())
	// The lock is held until the editor's verdict.
	assert.Equal(t, lockmgr.StateLocked, e.lock.State())
}

func TestHandleEvent_RejectionReleasesLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	root := writeProject(t)
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{response: validFixResponse()})

	e.handleEvent(context.Background(), compileEvent())
	require.NotNil(t, e.bridge.Outstanding())

	e.bridge.ClearOutstanding()
	e.onDecision(false, schemas.FixDecisionMessage{Type: schemas.MsgFixRejected, ProposalID: "x"})
	assert.Equal(t, lockmgr.StateUnlocked, e.lock.State())
}

func TestHandleEvent_RequestFailureReleasesLock(t *testing.T) {
	root := writeProject(t)
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{response: "not json at all"})

	e.handleEvent(context.Background(), compileEvent())

	assert.Nil(t, e.bridge.Outstanding())
	assert.Equal(t, lockmgr.StateUnlocked, e.lock.State())
}

func TestHandleEvent_ValidatorRejectionReleasesLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	root := writeProject(t)
	response := `{"explanation":"x","edits":[{"file":"lib/main.dart","line":4,"old_line_content":"  runApp(const MyApp())","new_line_content":"  Process.run(const MyApp());"}]}`
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{response: response})

	e.handleEvent(context.Background(), compileEvent())

	assert.Nil(t, e.bridge.Outstanding())
	assert.Equal(t, lockmgr.StateUnlocked, e.lock.State())
}

func TestHandleEvent_UnresolvablePathDoesNotTripBreaker(t *testing.T) {
	root := writeProject(t)
	cfg := testEngineConfig(root)
	reasoner := &scriptedReasoner{response: validFixResponse()}
	e := New(zaptest.NewLogger(t), cfg, reasoner)

	// Distinct lines keep the dedupe window out of the way.
	for i := 0; i < cfg.AdmissionCfg.CircuitFailureLimit+1; i++ {
		ev := compileEvent()
		ev.FilePath = "lib/does_not_exist.dart"
		ev.Line = i + 1
		e.handleEvent(context.Background(), ev)
	}

	assert.Zero(t, reasoner.callCount())
	assert.False(t, e.admit.CircuitOpen())

	permit, decision := e.admit.Admit(context.Background())
	require.True(t, decision.Allowed)
	permit.Release()
}

func TestAwaitVerdict_HoldsUntilRejection(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	root := writeProject(t)
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{response: validFixResponse()})

	e.handleEvent(context.Background(), compileEvent())
	proposal := e.bridge.Outstanding()
	require.NotNil(t, proposal)

	done := make(chan struct{})
	go func() {
		e.awaitVerdict(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("awaitVerdict returned before the editor answered")
	case <-time.After(150 * time.Millisecond):
	}

	e.bridge.ClearOutstanding()
	e.onDecision(false, schemas.FixDecisionMessage{Type: schemas.MsgFixRejected, ProposalID: proposal.ID})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("awaitVerdict did not observe the verdict")
	}
	assert.Equal(t, lockmgr.StateUnlocked, e.lock.State())
}

func TestAwaitVerdict_NoOutstandingReturnsImmediately(t *testing.T) {
	root := writeProject(t)
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{})

	done := make(chan struct{})
	go func() {
		e.awaitVerdict(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("awaitVerdict blocked with nothing outstanding")
	}
}

func TestAwaitVerdict_ContextCancelUnblocks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	root := writeProject(t)
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{response: validFixResponse()})

	e.handleEvent(context.Background(), compileEvent())
	require.NotNil(t, e.bridge.Outstanding())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.awaitVerdict(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("awaitVerdict ignored context cancellation")
	}
}

func TestHandleEvent_AdmissionDenialSkipsReasoner(t *testing.T) {
	root := writeProject(t)
	reasoner := &scriptedReasoner{response: validFixResponse()}
	e := New(zaptest.NewLogger(t), testEngineConfig(root), reasoner)

	e.store.SetHostSample(resource.HostSample{RAMPercent: 99, SampledAt: time.Now()})
	e.handleEvent(context.Background(), compileEvent())

	assert.Zero(t, reasoner.callCount())
	assert.Nil(t, e.bridge.Outstanding())
	assert.Equal(t, lockmgr.StateUnlocked, e.lock.State())
}

func TestEmergencyReset(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("analyzer subprocess tests are unix-only")
	}
	root := writeProject(t)
	cfg := testEngineConfig(root)
	cfg.LockCfg.CooldownWindow = time.Hour
	e := New(zaptest.NewLogger(t), cfg, &scriptedReasoner{response: validFixResponse()})

	e.handleEvent(context.Background(), compileEvent())
	require.NotNil(t, e.bridge.Outstanding())
	require.Equal(t, lockmgr.StateLocked, e.lock.State())

	e.EmergencyReset()
	assert.Nil(t, e.bridge.Outstanding())
	assert.Equal(t, lockmgr.StateUnlocked, e.lock.State())
	assert.Zero(t, e.sched.Pending())
}

func TestDispatchLine_ClassifiesAndQueues(t *testing.T) {
	root := writeProject(t)
	e := New(zaptest.NewLogger(t), testEngineConfig(root), &scriptedReasoner{})

	e.dispatchLine(schemas.SourceStdout, "building flutter assets...")
	assert.Empty(t, e.eventCh)

	e.dispatchLine(schemas.SourceStdout, "lib/main.dart(4,24): error E001: Expected ';' after this.")
	require.Len(t, e.eventCh, 1)
	event := <-e.eventCh
	assert.Equal(t, schemas.ClassCompilation, event.Classification)
	assert.Equal(t, 4, event.Line)
}

func TestMonitor_ScansBothStreams(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tests are unix-only")
	}

	var mu sync.Mutex
	var got []string
	handler := func(source schemas.LogSource, line string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(source)+"|"+line)
	}

	cfg := config.MonitorConfig{
		ProjectRoot: t.TempDir(),
		Command:     []string{"sh", "-c", "echo out-line; echo err-line >&2"},
	}
	m := NewMonitor(zaptest.NewLogger(t), cfg, handler)
	require.NoError(t, m.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, "stdout|out-line")
	assert.Contains(t, got, "stderr|err-line")
}

func TestMonitor_FailureExitReported(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tests are unix-only")
	}

	cfg := config.MonitorConfig{
		ProjectRoot: t.TempDir(),
		Command:     []string{"sh", "-c", "echo 'Error: something broke' >&2; exit 1"},
	}
	m := NewMonitor(zaptest.NewLogger(t), cfg, func(schemas.LogSource, string) {})
	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrProcessExited)
}

func TestMonitor_TailMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tail tests are unix-only")
	}

	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.log")
	require.NoError(t, os.WriteFile(logPath, []byte("first line\n"), 0o644))

	lines := make(chan string, 16)
	m := NewMonitor(zaptest.NewLogger(t), config.MonitorConfig{LogFile: logPath}, func(_ schemas.LogSource, line string) {
		lines <- line
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case line := <-lines:
		assert.Equal(t, "first line", line)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not deliver the existing line")
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("second line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-lines:
		assert.Equal(t, "second line", line)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not deliver the appended line")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
