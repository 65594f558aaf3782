// internal/schedule/schedule.go
package schedule

import (
	"sync"
	"time"
)

// Handle is a cancellable reference to one scheduled callback.
type Handle struct {
	timer     *time.Timer
	scheduler *Scheduler
	mu        sync.Mutex
	done      bool
}

// Cancel stops the callback if it has not fired yet. Safe to call multiple
// times and after the callback has run.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	h.scheduler.forget(h)
}

// markFired transitions the handle to done from the timer callback. Returns
// false if the handle was cancelled first.
func (h *Handle) markFired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return true
}

// Scheduler tracks pending delayed callbacks so that they can be cancelled
// as a group. It replaces fire-and-forget timers: every cooldown, unlock,
// and reset timer goes through here, which is what makes an emergency reset
// deterministic.
type Scheduler struct {
	mu      sync.Mutex
	pending map[*Handle]struct{}
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[*Handle]struct{})}
}

// After runs fn once d has elapsed, unless the returned handle (or the whole
// scheduler) is cancelled first. fn runs on the timer goroutine.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	h := &Handle{scheduler: s}

	s.mu.Lock()
	s.pending[h] = struct{}{}
	s.mu.Unlock()

	t := time.AfterFunc(d, func() {
		if !h.markFired() {
			return
		}
		s.forget(h)
		fn()
	})

	h.mu.Lock()
	h.timer = t
	if h.done {
		// Cancelled (or CancelAll-ed) before the timer was attached.
		t.Stop()
	}
	h.mu.Unlock()
	return h
}

// CancelAll cancels every pending callback atomically with respect to new
// scheduling.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.pending))
	for h := range s.pending {
		handles = append(handles, h)
	}
	s.pending = make(map[*Handle]struct{})
	s.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		if !h.done {
			h.done = true
			if h.timer != nil {
				h.timer.Stop()
			}
		}
		h.mu.Unlock()
	}
}

// Pending returns the number of callbacks not yet fired or cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	delete(s.pending, h)
	s.mu.Unlock()
}
