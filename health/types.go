// Package health tracks, per (callbackURL, probeMethod), the set of
// subscriptions riding on that endpoint and the endpoint's last probe
// outcome — the state the probe scheduler and loop-damping cooldown read
// and mutate.
package health

import "time"

// Key identifies a HealthEntry. Two subscriptions sharing the same callback
// URL and probe method share one entry and one probe.
type Key struct {
	CallbackURL string
	Method      string
}

// Probe is the last recorded health-check outcome for a Key.
type Probe struct {
	FirstCheckedAt time.Time
	LastCheckedAt  time.Time
	StatusCode     int
	Reason         string
}

// Entry is the mutable state kept for one Key. All mutation goes through
// Registry methods; nothing outside this package reaches into Entry.
type Entry struct {
	SubscriptionIDs map[string]bool
	LastProbe       *Probe
	ThreadOpen      bool
	RepublishCount  int
	updatedAt       time.Time
}

// Snapshot is a deep copy safe to hand to callers outside the registry.
type Snapshot struct {
	Key             Key
	SubscriptionIDs []string
	LastProbe       *Probe
	ThreadOpen      bool
	RepublishCount  int
}
