package schemas

import "time"

// ResourceSnapshot is a point-in-time view of the host and engine load that
// the admission controller consults before letting an external fix request
// proceed. It is refreshed periodically by a metrics collaborator (the local
// sampler, or resource_sample bridge messages) and consumed read-only.
type ResourceSnapshot struct {
	RAMPercent           float64   `json:"ram_percent"`
	CPUPercent           float64   `json:"cpu_percent"`
	ConcurrentAIRequests int       `json:"concurrent_ai_requests"`
	RequestsInLastMinute int       `json:"requests_in_last_minute"`
	CloudFallbackActive  bool      `json:"cloud_fallback_active"`
	SampledAt            time.Time `json:"sampled_at"`
}

// DenialReason explains why the admission controller refused a request.
type DenialReason string

const (
	DenyCircuitOpen     DenialReason = "circuit_open"
	DenyRateLimited     DenialReason = "rate_limited"
	DenyResourceBlocked DenialReason = "resource_blocked"
)

// AdmissionDecision is the structured refusal value returned by the admission
// controller. It is a value, not an error: callers surface Reason/Detail to
// the UI or protocol layer and take no further action.
type AdmissionDecision struct {
	Allowed bool         `json:"allowed"`
	Reason  DenialReason `json:"reason,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// Allow is the accepting decision.
func Allow() AdmissionDecision { return AdmissionDecision{Allowed: true} }

// Deny builds a refusal with a reason and a human-readable detail string.
func Deny(reason DenialReason, detail string) AdmissionDecision {
	return AdmissionDecision{Allowed: false, Reason: reason, Detail: detail}
}
