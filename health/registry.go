package health

import (
	"sync"
	"time"
)

// Registry is the in-process concurrent map described in §4.3: every
// operation is atomic per key, mirroring the teacher's compute-style
// primitives over its in-memory idempotency fallback map.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*Entry)}
}

// Add adds subID to the entry for (url,method), creating it if absent.
// Returns true iff this call flipped ThreadOpen from false to true — only
// the caller that sees true is responsible for scheduling the probe.
func (r *Registry) Add(url, method, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{CallbackURL: url, Method: method}
	e, ok := r.entries[key]
	if !ok {
		e = &Entry{SubscriptionIDs: make(map[string]bool)}
		r.entries[key] = e
	}
	e.SubscriptionIDs[subID] = true
	e.updatedAt = time.Now()
	if !e.ThreadOpen {
		e.ThreadOpen = true
		return true
	}
	return false
}

// Remove drops subID from the entry's set. An emptied set is left in place
// for the cleaner to reap once it has also gone cold.
func (r *Registry) Remove(url, method, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{CallbackURL: url, Method: method}
	e, ok := r.entries[key]
	if !ok {
		return
	}
	delete(e.SubscriptionIDs, subID)
	e.updatedAt = time.Now()
}

// CloseIfEmpty flips ThreadOpen to false if the entry's subscription set is
// already empty, without touching RepublishCount — used by the reconciler
// on deletion/delivery-type-change cleanup, which must not be conflated
// with the republish-cycle bookkeeping ClearBeforeRepublishing performs.
// Reports whether the entry was (or already is) closed.
func (r *Registry) CloseIfEmpty(url, method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{CallbackURL: url, Method: method}
	e, ok := r.entries[key]
	if !ok {
		return true
	}
	if len(e.SubscriptionIDs) == 0 {
		e.ThreadOpen = false
		return true
	}
	return false
}

// ClearBeforeRepublishing atomically removes subset (or the whole set when
// subset is nil) and returns what was removed. If the set becomes empty it
// also flips ThreadOpen to false and bumps RepublishCount — it does NOT
// cancel any probe that happens to be running concurrently.
func (r *Registry) ClearBeforeRepublishing(url, method string, subset []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{CallbackURL: url, Method: method}
	e, ok := r.entries[key]
	if !ok {
		return nil
	}

	var removed []string
	if subset == nil {
		removed = make([]string, 0, len(e.SubscriptionIDs))
		for id := range e.SubscriptionIDs {
			removed = append(removed, id)
		}
		e.SubscriptionIDs = make(map[string]bool)
	} else {
		for _, id := range subset {
			if e.SubscriptionIDs[id] {
				delete(e.SubscriptionIDs, id)
				removed = append(removed, id)
			}
		}
	}

	if len(e.SubscriptionIDs) == 0 {
		e.ThreadOpen = false
		e.RepublishCount++
	}
	e.updatedAt = time.Now()
	return removed
}

// UpdateProbeResult records a new probe outcome, preserving FirstCheckedAt
// from any prior probe on this key.
func (r *Registry) UpdateProbeResult(url, method string, statusCode int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{CallbackURL: url, Method: method}
	e, ok := r.entries[key]
	if !ok {
		e = &Entry{SubscriptionIDs: make(map[string]bool)}
		r.entries[key] = e
	}
	now := time.Now()
	first := now
	if e.LastProbe != nil {
		first = e.LastProbe.FirstCheckedAt
	}
	e.LastProbe = &Probe{FirstCheckedAt: first, LastCheckedAt: now, StatusCode: statusCode, Reason: reason}
	e.updatedAt = now
}

func (r *Registry) ResetRepublishCount(url, method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{CallbackURL: url, Method: method}
	if e, ok := r.entries[key]; ok {
		e.RepublishCount = 0
	}
}

// Snapshot returns a copy of the entry for (url,method), or false if absent.
func (r *Registry) Snapshot(url, method string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{CallbackURL: url, Method: method}
	e, ok := r.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(key, e), true
}

// SnapshotsForURL returns every entry for callbackURL regardless of probe
// method — incident capture doesn't know which method a breaker's endpoint
// uses without cross-referencing the subscription projection.
func (r *Registry) SnapshotsForURL(url string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for k, e := range r.entries {
		if k.CallbackURL == url {
			out = append(out, snapshotLocked(k, e))
		}
	}
	return out
}

// All returns a snapshot of every entry, used by the admin GET /health-checks
// handler and the idle-entry cleaner.
func (r *Registry) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, snapshotLocked(k, e))
	}
	return out
}

func snapshotLocked(key Key, e *Entry) Snapshot {
	ids := make([]string, 0, len(e.SubscriptionIDs))
	for id := range e.SubscriptionIDs {
		ids = append(ids, id)
	}
	var probe *Probe
	if e.LastProbe != nil {
		p := *e.LastProbe
		probe = &p
	}
	return Snapshot{Key: key, SubscriptionIDs: ids, LastProbe: probe, ThreadOpen: e.ThreadOpen, RepublishCount: e.RepublishCount}
}

// CleanCold removes entries with an empty subscription set whose last probe
// (or last mutation, if never probed) is older than resetAfter. Run
// periodically; it never touches an entry with live subscriptions.
func (r *Registry) CleanCold(resetAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-resetAfter)
	removed := 0
	for key, e := range r.entries {
		if len(e.SubscriptionIDs) > 0 {
			continue
		}
		last := e.updatedAt
		if e.LastProbe != nil && e.LastProbe.LastCheckedAt.After(last) {
			last = e.LastProbe.LastCheckedAt
		}
		if last.Before(cutoff) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Cooldown is the loop-damper against flapping endpoints:
// cooldown(0) = 0; cooldown(n) = min(2^n, 60) minutes for n >= 1.
func Cooldown(republishCount int) time.Duration {
	if republishCount <= 0 {
		return 0
	}
	if republishCount >= 6 {
		return 60 * time.Minute // 2^6 already exceeds the 60-minute ceiling
	}
	minutes := 1 << uint(republishCount)
	if minutes > 60 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}
