// Package registry holds the distributed map from subscriptionId to
// BreakerRecord: the source of truth the orchestrator scans, claims against,
// and mutates under the cluster-wide lock.
package registry

import "time"

// Status is the breaker's position in the OPEN -> CHECKING -> REPUBLISHING
// state machine. The absence of a BreakerRecord for a subscription means
// "closed" — there is deliberately no StatusClosed constant.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusChecking     Status = "CHECKING"
	StatusRepublishing Status = "REPUBLISHING"
)

// HealthCheckResult is the last probe outcome recorded against a breaker.
type HealthCheckResult struct {
	CheckedAt  time.Time `json:"checkedAt"`
	StatusCode int       `json:"statusCode"`
	Reason     string    `json:"reason"`
}

// Record is one breaker, keyed by SubscriptionID.
//
// Invariants the registry must never violate on its own:
//   - Status == StatusOpen implies AssignedOwnerID is empty or refers to a
//     member that is no longer live (the orchestrator, not the registry,
//     enforces liveness; the registry just stores what it's told).
//   - Status == StatusChecking implies AssignedOwnerID is non-empty.
type Record struct {
	SubscriptionID  string             `json:"subscriptionId"`
	Status          Status             `json:"status"`
	CallbackURL     string             `json:"callbackUrl"`
	ProbeMethod     string             `json:"probeMethod"`
	Environment     string             `json:"environment"`
	SubscriberID    string             `json:"subscriberId"`
	AssignedOwnerID string             `json:"assignedOwnerId"`
	LastHealthCheck *HealthCheckResult `json:"lastHealthCheck,omitempty"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.LastHealthCheck != nil {
		hc := *r.LastHealthCheck
		cp.LastHealthCheck = &hc
	}
	return &cp
}
