package subscription

import (
	"context"
	"time"

	"github.com/polarisfabric/polaris/health"
	"github.com/polarisfabric/polaris/messagestore"
	"github.com/polarisfabric/polaris/probe"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/republish"
	"github.com/polarisfabric/polaris/successprobe"
)

// Reconciler implements the §4.6 decision tree. It must be called under the
// cluster-wide global lock and only after the caller has claimed
// old/new.SubscriptionID — the reconciler itself does no locking or
// claiming, matching the teacher's reconciler.go taking an already-acquired
// per-agent lock as a given.
type Reconciler struct {
	health         *health.Registry
	breakers       registry.Registry
	probes         *probe.Scheduler
	messages       messagestore.Store
	republisher    *republish.Republisher
	successHandler *successprobe.Handler
	batchSize      int
	requestDelay   time.Duration
}

func NewReconciler(healthReg *health.Registry, breakers registry.Registry, probes *probe.Scheduler, messages messagestore.Store, republisher *republish.Republisher, successHandler *successprobe.Handler, batchSize int, requestDelay time.Duration) *Reconciler {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Reconciler{health: healthReg, breakers: breakers, probes: probes, messages: messages, republisher: republisher, successHandler: successHandler, batchSize: batchSize, requestDelay: requestDelay}
}

// Reconcile compares old and new; exactly one branch of §4.6 fires.
func (rc *Reconciler) Reconcile(ctx context.Context, old, new *Projection) error {
	switch {
	case new == nil:
		rc.onDeleted(old)
		return nil

	case old != nil && old.DeliveryType == DeliveryCallback && new.DeliveryType == DeliverySSE:
		rc.removeFromHealth(old.CallbackURL, string(old.ProbeMethod), new.SubscriptionID)
		return rc.spawnDeliveryTypeChange(ctx, new, DeliverySSE)

	case old != nil && old.DeliveryType == DeliverySSE && new.DeliveryType == DeliveryCallback:
		// No health registry cleanup: there was no prior entry for an SSE sub.
		return rc.spawnDeliveryTypeChange(ctx, new, DeliveryCallback)

	case new.CircuitBreakerOptOut && new.DeliveryType == DeliveryCallback && old != nil && old.DeliveryType == DeliveryCallback:
		return rc.onOptOut(ctx, old, new)

	case new.DeliveryType == DeliveryCallback && (old == nil || old.DeliveryType == DeliveryCallback) && !new.CircuitBreakerOptOut:
		return rc.onCallbackUnchangedOrChanged(old, new)

	default:
		// URL changed with no breaker, or any other combination not named
		// by the table: no-op.
		return nil
	}
}

func (rc *Reconciler) onDeleted(old *Projection) {
	if old == nil || old.DeliveryType != DeliveryCallback {
		return
	}
	rc.removeFromHealth(old.CallbackURL, string(old.ProbeMethod), old.SubscriptionID)
}

func (rc *Reconciler) removeFromHealth(url, method, subID string) {
	if url == "" {
		return
	}
	rc.health.Remove(url, method, subID)
	if rc.health.CloseIfEmpty(url, method) {
		rc.probes.Cancel(probe.Key{URL: url, Method: method})
	}
}

// onOptOut drains the subscription's backlog and closes any breaker left
// open or REPUBLISHING for its callback, by delegating to the same
// SuccessfulProbeHandler a real probe success invokes — opting out of the
// breaker is equivalent to the endpoint having just proven itself healthy.
func (rc *Reconciler) onOptOut(ctx context.Context, old, new *Projection) error {
	url := new.CallbackURL
	if url == "" && old != nil {
		url = old.CallbackURL
	}
	method := string(new.ProbeMethod)
	rc.health.Add(url, method, new.SubscriptionID)
	rc.successHandler.Run(ctx, url, method)
	return nil
}

func (rc *Reconciler) onCallbackUnchangedOrChanged(old, new *Projection) error {
	newURL, newMethod := new.CallbackURL, string(new.ProbeMethod)

	switch {
	case old == nil:
		return nil // no prior breaker/entry to compare against

	case old.CallbackURL == newURL && old.ProbeMethod == new.ProbeMethod:
		rc.health.Add(newURL, newMethod, new.SubscriptionID)
		rc.scheduleDamped(newURL, newMethod)
		return nil

	case old.CallbackURL == newURL && old.ProbeMethod != new.ProbeMethod:
		rc.removeFromHealth(old.CallbackURL, string(old.ProbeMethod), old.SubscriptionID)
		rc.health.Add(newURL, newMethod, new.SubscriptionID)
		rc.probes.Schedule(probe.Key{URL: newURL, Method: newMethod}, 0)
		return nil

	case old.CallbackURL != newURL:
		rec, err := rc.breakers.Get(context.Background(), new.SubscriptionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil // URL changed, no breaker exists: no-op
		}
		rc.removeFromHealth(old.CallbackURL, string(old.ProbeMethod), old.SubscriptionID)
		rec.CallbackURL = newURL
		if err := rc.breakers.Update(context.Background(), rec); err != nil {
			return err
		}
		rc.health.Add(newURL, newMethod, new.SubscriptionID)
		rc.scheduleDamped(newURL, newMethod)
		return nil

	default:
		return nil
	}
}

func (rc *Reconciler) scheduleDamped(url, method string) {
	snapshot, ok := rc.health.Snapshot(url, method)
	delay := rc.requestDelay
	if ok {
		delay = health.Cooldown(snapshot.RepublishCount)
		if delay == 0 {
			delay = rc.requestDelay
		}
	}
	rc.probes.Schedule(probe.Key{URL: url, Method: method}, delay)
}

func (rc *Reconciler) spawnDeliveryTypeChange(ctx context.Context, new *Projection, target DeliveryType) error {
	return RunDeliveryTypeChange(ctx, DeliveryTypeChangeDeps{
		Breakers:    rc.breakers,
		Messages:    rc.messages,
		Republisher: rc.republisher,
		BatchSize:   rc.batchSize,
	}, new.SubscriptionID, target)
}
