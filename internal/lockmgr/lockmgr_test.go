package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
	"github.com/oraflow/mend/internal/events"
	"github.com/oraflow/mend/internal/schedule"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, cfg config.LockConfig) (*Manager, *events.Bus, *schedule.Scheduler) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 16)
	sched := schedule.NewScheduler()
	t.Cleanup(func() {
		sched.CancelAll()
		bus.Close()
	})
	return New(logger, cfg, bus, sched), bus, sched
}

func event(file string, line int) schemas.ErrorEvent {
	return schemas.ErrorEvent{
		Source:         schemas.SourceStdout,
		FilePath:       file,
		Line:           line,
		Message:        "Expected ';'",
		Classification: schemas.ClassCompilation,
		Severity:       schemas.SeverityCritical,
		Timestamp:      time.Now(),
	}
}

func TestTryAcquire_LockExcludesAllEvents(t *testing.T) {
	m, _, _ := newTestManager(t, config.LockConfig{DedupeWindow: 2 * time.Second, CooldownWindow: time.Minute})

	ok, _ := m.TryAcquire(event("lib/main.dart", 6))
	require.True(t, ok)
	assert.Equal(t, StateLocked, m.State())
	assert.Equal(t, schemas.ErrorKey{File: "lib/main.dart", Line: 6}, m.ActiveKey())

	// While locked, even a completely unrelated incident is rejected.
	ok, reason := m.TryAcquire(event("lib/other.dart", 99))
	assert.False(t, ok)
	assert.Contains(t, reason, "in flight")
}

func TestTryAcquire_DedupeWindow(t *testing.T) {
	m, _, _ := newTestManager(t, config.LockConfig{DedupeWindow: 2 * time.Second, CooldownWindow: time.Millisecond})

	now := time.Now()
	m.now = func() time.Time { return now }

	ok, _ := m.TryAcquire(event("lib/main.dart", 6))
	require.True(t, ok)
	m.Release()

	require.Eventually(t, func() bool {
		return m.State() == StateUnlocked
	}, time.Second, time.Millisecond)

	// Same key inside the window: rejected.
	now = now.Add(time.Second)
	ok, reason := m.TryAcquire(event("lib/main.dart", 6))
	assert.False(t, ok)
	assert.Contains(t, reason, "duplicate")

	// Different line is a different root cause.
	ok, _ = m.TryAcquire(event("lib/main.dart", 7))
	assert.True(t, ok)
}

func TestRelease_EntersCooldownThenUnlocks(t *testing.T) {
	m, _, sched := newTestManager(t, config.LockConfig{DedupeWindow: time.Millisecond, CooldownWindow: 20 * time.Millisecond})

	ok, _ := m.TryAcquire(event("lib/main.dart", 6))
	require.True(t, ok)

	m.Release()
	assert.Equal(t, StateCooldown, m.State())
	assert.Equal(t, 1, sched.Pending())

	// During cooldown nothing is accepted.
	ok, reason := m.TryAcquire(event("lib/new.dart", 1))
	assert.False(t, ok)
	assert.Contains(t, reason, "cooling down")

	require.Eventually(t, func() bool {
		return m.State() == StateUnlocked
	}, time.Second, 5*time.Millisecond)

	ok, _ = m.TryAcquire(event("lib/new.dart", 1))
	assert.True(t, ok)
}

func TestAbort_UnlocksWithoutCooldown(t *testing.T) {
	m, _, sched := newTestManager(t, config.LockConfig{DedupeWindow: time.Hour, CooldownWindow: time.Hour})

	ok, _ := m.TryAcquire(event("lib/main.dart", 6))
	require.True(t, ok)

	m.Abort()
	assert.Equal(t, StateUnlocked, m.State())
	assert.Zero(t, sched.Pending())

	// The abandoned incident still counts toward dedupe.
	ok, reason := m.TryAcquire(event("lib/main.dart", 6))
	assert.False(t, ok)
	assert.Contains(t, reason, "duplicate")

	// A different incident is accepted right away.
	ok, _ = m.TryAcquire(event("lib/other.dart", 2))
	assert.True(t, ok)
}

func TestAbort_NoOpWhenNotLocked(t *testing.T) {
	m, _, _ := newTestManager(t, config.LockConfig{DedupeWindow: time.Second, CooldownWindow: time.Minute})

	m.Abort()
	assert.Equal(t, StateUnlocked, m.State())
}

func TestRelease_NoOpWhenNotLocked(t *testing.T) {
	m, _, sched := newTestManager(t, config.LockConfig{DedupeWindow: time.Second, CooldownWindow: time.Minute})

	m.Release()
	assert.Equal(t, StateUnlocked, m.State())
	assert.Zero(t, sched.Pending())
}

func TestEmergencyReset_CancelsCooldown(t *testing.T) {
	m, _, sched := newTestManager(t, config.LockConfig{DedupeWindow: time.Second, CooldownWindow: time.Hour})

	ok, _ := m.TryAcquire(event("lib/main.dart", 6))
	require.True(t, ok)
	m.Release()
	require.Equal(t, StateCooldown, m.State())
	require.Equal(t, 1, sched.Pending())

	m.EmergencyReset()
	assert.Equal(t, StateUnlocked, m.State())
	assert.Zero(t, sched.Pending())

	// Dedupe history was cleared: the same key is immediately accepted.
	ok, _ = m.TryAcquire(event("lib/main.dart", 6))
	assert.True(t, ok)
}

func TestTransitionsPublishedOnBus(t *testing.T) {
	m, bus, _ := newTestManager(t, config.LockConfig{DedupeWindow: time.Second, CooldownWindow: time.Hour})

	ch, cancel := bus.Subscribe(events.TypeStateTransition)
	defer cancel()

	ok, _ := m.TryAcquire(event("lib/main.dart", 6))
	require.True(t, ok)
	m.Release()

	var got []Transition
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-ch:
			got = append(got, msg.Payload.(Transition))
		case <-timeout:
			t.Fatalf("expected 2 transitions, got %d", len(got))
		}
	}

	assert.Equal(t, StateUnlocked, got[0].From)
	assert.Equal(t, StateLocked, got[0].To)
	assert.Equal(t, "lib/main.dart:6", got[0].Key.String())
	assert.Equal(t, StateLocked, got[1].From)
	assert.Equal(t, StateCooldown, got[1].To)
}
