// Package admission decides whether an external fix request may be issued.
// Gates are evaluated in a fixed order: circuit breaker, sliding-window rate
// limit, then host pressure and concurrency. The first failing gate denies;
// later gates are not consulted, so a denial reason is always the earliest
// applicable one.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
	"github.com/oraflow/mend/internal/resource"
)

// rateWindow is the span of the sliding request-count window.
const rateWindow = time.Minute

// Permit represents one admitted in-flight request. Release is idempotent;
// the controller's concurrency slot is returned exactly once no matter how
// many code paths (success, failure, timeout) call it.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the concurrency slot.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Controller is the admission gatekeeper. Safe for concurrent use.
type Controller struct {
	logger *zap.Logger
	cfg    config.AdmissionConfig
	store  *resource.Store
	sem    *semaphore.Weighted

	mu               sync.Mutex
	inFlight         int
	admitted         []time.Time
	failures         []time.Time
	circuitOpenUntil time.Time

	now func() time.Time
}

// NewController builds a controller reading host pressure from store.
func NewController(logger *zap.Logger, cfg config.AdmissionConfig, store *resource.Store) *Controller {
	return &Controller{
		logger: logger.Named("admission"),
		cfg:    cfg,
		store:  store,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		now:    time.Now,
	}
}

// Admit runs the gates. On success the returned Permit holds a concurrency
// slot until released and the decision is accepting; on denial the Permit is
// nil and the decision carries the reason. Admit never blocks waiting for a
// slot: a saturated engine is a denial, not a queue.
func (c *Controller) Admit(ctx context.Context) (*Permit, schemas.AdmissionDecision) {
	if err := ctx.Err(); err != nil {
		return nil, schemas.Deny(schemas.DenyResourceBlocked, "context cancelled")
	}

	c.mu.Lock()
	now := c.now()

	if now.Before(c.circuitOpenUntil) {
		remaining := c.circuitOpenUntil.Sub(now).Round(time.Second)
		c.mu.Unlock()
		return nil, schemas.Deny(schemas.DenyCircuitOpen,
			fmt.Sprintf("circuit open for another %s after repeated failures", remaining))
	}

	c.pruneAdmittedLocked(now)
	if len(c.admitted) >= c.cfg.RequestsPerMinute {
		c.mu.Unlock()
		return nil, schemas.Deny(schemas.DenyRateLimited,
			fmt.Sprintf("%d requests in the last minute (limit %d)", len(c.admitted), c.cfg.RequestsPerMinute))
	}

	if ram := c.store.Host().RAMPercent; ram >= c.cfg.RAMCriticalPercent {
		c.mu.Unlock()
		return nil, schemas.Deny(schemas.DenyResourceBlocked,
			fmt.Sprintf("RAM at %.1f%% (critical threshold %.1f%%)", ram, c.cfg.RAMCriticalPercent))
	}

	if !c.sem.TryAcquire(1) {
		c.mu.Unlock()
		return nil, schemas.Deny(schemas.DenyResourceBlocked,
			fmt.Sprintf("%d requests already in flight (limit %d)", c.cfg.MaxConcurrentRequests, c.cfg.MaxConcurrentRequests))
	}

	c.admitted = append(c.admitted, now)
	c.inFlight++
	c.mu.Unlock()

	c.logger.Debug("Request admitted", zap.Int("in_flight", c.inFlight))
	return &Permit{release: c.releaseSlot}, schemas.Allow()
}

func (c *Controller) releaseSlot() {
	c.sem.Release(1)
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

// RecordFailure feeds a failed request outcome into the circuit breaker.
// Once the trailing window holds the configured number of failures the
// circuit opens for the cooldown duration and the window is cleared.
func (c *Controller) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.failures = append(c.failures, now)
	cutoff := now.Add(-c.cfg.CircuitFailureWindow)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = kept

	if len(c.failures) >= c.cfg.CircuitFailureLimit {
		c.circuitOpenUntil = now.Add(c.cfg.CircuitCooldown)
		c.failures = nil
		c.logger.Warn("Circuit opened after repeated request failures",
			zap.Int("failure_limit", c.cfg.CircuitFailureLimit),
			zap.Duration("cooldown", c.cfg.CircuitCooldown))
	}
}

// RecordSuccess clears the failure window. A single success is treated as
// evidence the endpoint has recovered.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = nil
}

// CircuitOpen reports whether the breaker currently rejects requests.
func (c *Controller) CircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.circuitOpenUntil)
}

// Reset closes the circuit and clears the rate and failure windows. Used by
// the emergency reset path; in-flight permits remain valid and still must be
// released by their holders.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitOpenUntil = time.Time{}
	c.failures = nil
	c.admitted = nil
}

// Snapshot composes the current admission view for status reporting.
func (c *Controller) Snapshot() schemas.ResourceSnapshot {
	host := c.store.Host()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneAdmittedLocked(c.now())
	return schemas.ResourceSnapshot{
		RAMPercent:           host.RAMPercent,
		CPUPercent:           host.CPUPercent,
		ConcurrentAIRequests: c.inFlight,
		RequestsInLastMinute: len(c.admitted),
		CloudFallbackActive:  c.store.CloudFallback(),
		SampledAt:            host.SampledAt,
	}
}

// pruneAdmittedLocked drops admissions older than the window. c.mu held.
func (c *Controller) pruneAdmittedLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	kept := c.admitted[:0]
	for _, t := range c.admitted {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.admitted = kept
}
