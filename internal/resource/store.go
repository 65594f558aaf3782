// Package resource tracks host load for the admission controller. A Store
// holds the latest observations; a Sampler refreshes them from the local
// machine, and the bridge can overwrite them with samples reported by the
// editor when it has a better view (e.g. the cloud fallback flag).
package resource

import (
	"sync"
	"time"
)

// HostSample is one observation of machine-level load.
type HostSample struct {
	RAMPercent float64
	CPUPercent float64
	SampledAt  time.Time
}

// Store is the shared, last-write-wins holder of resource observations.
// Safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	host          HostSample
	cloudFallback bool
}

// NewStore returns an empty store. Until the first sample arrives the host
// figures read as zero, which the admission controller treats as "no
// pressure" rather than blocking on missing data.
func NewStore() *Store {
	return &Store{}
}

// SetHostSample records machine-level load.
func (s *Store) SetHostSample(sample HostSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = sample
}

// SetCloudFallback records whether the reasoning endpoint has fallen back to
// a remote provider, as reported over the bridge.
func (s *Store) SetCloudFallback(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cloudFallback = active
}

// Host returns the latest machine-level sample.
func (s *Store) Host() HostSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

// CloudFallback reports the current fallback flag.
func (s *Store) CloudFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloudFallback
}
