// Package lockmgr enforces mutual exclusion across fix attempts: at most one
// incident is ever in flight, and a cooldown window follows each confirmed
// fix so it has time to take effect (and the monitored process time to
// rebuild) before the next error is considered.
package lockmgr

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
	"github.com/oraflow/mend/internal/events"
	"github.com/oraflow/mend/internal/schedule"
)

// State is the lock manager's current phase.
type State string

const (
	// StateUnlocked accepts new incidents.
	StateUnlocked State = "UNLOCKED"
	// StateLocked means a fix attempt is in flight; all events are rejected.
	StateLocked State = "LOCKED"
	// StateCooldown rejects events for a fixed window after an attempt ends.
	StateCooldown State = "COOLDOWN"
)

// Transition is the payload published on the bus for every state change.
type Transition struct {
	From   State            `json:"from"`
	To     State            `json:"to"`
	Key    schemas.ErrorKey `json:"key,omitempty"`
	Reason string           `json:"reason"`
}

// Manager is the mutual-exclusion gate in front of the fix pipeline.
// All methods are safe for concurrent use.
type Manager struct {
	logger *zap.Logger
	bus    *events.Bus
	sched  *schedule.Scheduler
	cfg    config.LockConfig

	mu        sync.Mutex
	state     State
	activeKey schemas.ErrorKey
	lastSeen  map[schemas.ErrorKey]time.Time
	cooldown  *schedule.Handle

	now func() time.Time
}

// New creates a Manager in the UNLOCKED state.
func New(logger *zap.Logger, cfg config.LockConfig, bus *events.Bus, sched *schedule.Scheduler) *Manager {
	return &Manager{
		logger:   logger.Named("lockmgr"),
		bus:      bus,
		sched:    sched,
		cfg:      cfg,
		state:    StateUnlocked,
		lastSeen: make(map[schemas.ErrorKey]time.Time),
		now:      time.Now,
	}
}

// TryAcquire attempts to take the lock for an incident. It returns false with
// a reason when the manager is not UNLOCKED or when the same root cause was
// seen inside the dedupe window. On success the manager is LOCKED for the
// event's key and the caller owns the attempt until Release.
func (m *Manager) TryAcquire(ev schemas.ErrorEvent) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ev.Key()
	switch m.state {
	case StateLocked:
		return false, "fix attempt in flight for " + m.activeKey.String()
	case StateCooldown:
		return false, "cooling down after previous attempt"
	}

	if last, seen := m.lastSeen[key]; seen && m.now().Sub(last) < m.cfg.DedupeWindow {
		return false, "duplicate of recent incident " + key.String()
	}
	m.lastSeen[key] = m.now()
	m.pruneLocked()

	m.transitionLocked(StateLocked, key, "incident accepted")
	return true, ""
}

// Release ends a confirmed attempt and starts the cooldown window, absorbing
// the reload noise that follows an applied fix. The eventual return to
// UNLOCKED runs through the shared scheduler so that an emergency reset can
// cancel it.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLocked {
		return
	}

	m.transitionLocked(StateCooldown, m.activeKey, "fix confirmed")
	m.cooldown = m.sched.After(m.cfg.CooldownWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != StateCooldown {
			return
		}
		m.cooldown = nil
		m.transitionLocked(StateUnlocked, schemas.ErrorKey{}, "cooldown elapsed")
	})
}

// Abort ends the in-flight attempt without a cooldown. It is used when the
// attempt never produced an applied fix: a denied admission, a failed request,
// a validator rejection, or the editor declining the preview. The dedupe
// window alone keeps the cascade from the still-present error at bay.
func (m *Manager) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLocked {
		return
	}
	m.lastSeen[m.activeKey] = m.now()
	m.transitionLocked(StateUnlocked, schemas.ErrorKey{}, "attempt abandoned")
}

// EmergencyReset forces the manager back to UNLOCKED immediately: the pending
// cooldown timer is cancelled and the dedupe history is cleared. The caller
// is responsible for also cancelling any in-flight work that held the lock.
func (m *Manager) EmergencyReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cooldown != nil {
		m.cooldown.Cancel()
		m.cooldown = nil
	}
	m.lastSeen = make(map[schemas.ErrorKey]time.Time)
	if m.state != StateUnlocked {
		m.transitionLocked(StateUnlocked, schemas.ErrorKey{}, "emergency reset")
	}
}

// State returns the current phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveKey returns the key of the in-flight incident, or a zero key when no
// attempt is in flight.
func (m *Manager) ActiveKey() schemas.ErrorKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeKey
}

// transitionLocked records a state change and publishes it. m.mu must be held.
func (m *Manager) transitionLocked(to State, key schemas.ErrorKey, reason string) {
	from := m.state
	m.state = to
	m.activeKey = key

	m.logger.Info("Lock state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("key", key.String()),
		zap.String("reason", reason))
	m.bus.Publish(events.TypeStateTransition, Transition{From: from, To: to, Key: key, Reason: reason})
}

// pruneLocked drops dedupe entries older than the window. m.mu must be held.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.cfg.DedupeWindow)
	for k, t := range m.lastSeen {
		if t.Before(cutoff) {
			delete(m.lastSeen, k)
		}
	}
}
