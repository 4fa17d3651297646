package main

import (
	"context"
	"log"
	"time"

	"github.com/polarisfabric/polaris/cluster"
	"github.com/polarisfabric/polaris/observability"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/resilience"
	"github.com/polarisfabric/polaris/subscription"
	"github.com/polarisfabric/polaris/timeline"
	"github.com/polarisfabric/polaris/workerpool"
)

// globalLockTimeout bounds how long a scan round waits for the cluster-wide
// fencing lock before abandoning the round (§5).
const globalLockTimeout = 10 * time.Second

// BreakerOrchestrator is the top-level loop: it periodically scans the
// breaker registry under the global lock, reclaims orphaned breakers on
// member departure, and replays in-flight work on startup. Grounded on the
// teacher's Scheduler (poller + worker split) and LeaderElector-gated
// Reconciler dispatch, generalized from a single-agent lock to the
// per-subscription claim map.
type BreakerOrchestrator struct {
	coord        cluster.Coordinator
	breakers     registry.Registry
	view         *subscription.View
	reconciler   *subscription.Reconciler
	pool         *workerpool.Pool
	epochs       *resilience.EpochGuard
	timeline     *timeline.Store
	stream       *BreakerStreamHub
	pollInterval time.Duration
	batchSize    int
	metrics      *observability.Metrics
}

// SetMetrics wires a Metrics collector after construction; nil-safe so
// callers that don't need observability (tests, most of all) are unaffected.
func (o *BreakerOrchestrator) SetMetrics(m *observability.Metrics) {
	o.metrics = m
}

func NewBreakerOrchestrator(coord cluster.Coordinator, breakers registry.Registry, view *subscription.View, reconciler *subscription.Reconciler, pool *workerpool.Pool, tl *timeline.Store, stream *BreakerStreamHub, pollInterval time.Duration, batchSize int) *BreakerOrchestrator {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BreakerOrchestrator{
		coord:        coord,
		breakers:     breakers,
		view:         view,
		reconciler:   reconciler,
		pool:         pool,
		epochs:       resilience.NewEpochGuard(coord),
		timeline:     tl,
		stream:       stream,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// recordTransition logs a breaker state change to the audit timeline and,
// if a stream hub is wired, pushes it to connected admin clients.
func (o *BreakerOrchestrator) recordTransition(subscriptionID, from, to, reason string) {
	o.timeline.Record(subscriptionID, from, to, reason)
	if o.metrics != nil {
		o.metrics.BreakerTransitions.WithLabelValues(from, to).Inc()
	}
	if o.stream != nil {
		o.stream.Publish(timeline.Event{SubscriptionID: subscriptionID, From: from, To: to, Reason: reason, At: time.Now()})
	}
}

// Run starts the periodic scan and the member-removed watcher. It blocks
// until ctx is cancelled.
func (o *BreakerOrchestrator) Run(ctx context.Context) {
	go o.periodicScanLoop(ctx)
	go o.memberWatchLoop(ctx)
	<-ctx.Done()
}

// StartupRecovery runs once, after the subscription projections are fully
// synced, to pick up REPUBLISHING and CHECKING breakers left behind by a
// prior incarnation of this process.
func (o *BreakerOrchestrator) StartupRecovery(ctx context.Context) {
	log.Println("orchestrator: startup recovery scan (REPUBLISHING, CHECKING)")
	for _, status := range []registry.Status{registry.StatusRepublishing, registry.StatusChecking} {
		if err := o.scanStatus(ctx, registry.Query{Status: status}); err != nil {
			log.Printf("orchestrator: startup recovery for %s failed: %v", status, err)
		}
	}
}

func (o *BreakerOrchestrator) periodicScanLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runLockedScan(ctx, registry.Query{Status: registry.StatusOpen})
		}
	}
}

func (o *BreakerOrchestrator) memberWatchLoop(ctx context.Context) {
	events := o.coord.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != cluster.MemberRemoved {
				continue
			}
			log.Printf("orchestrator: member %s removed, rescanning all statuses", ev.MemberID)
			// A removed member may have owned CHECKING or REPUBLISHING
			// breakers; scan every status, not just OPEN.
			o.runLockedScan(ctx, registry.Query{})
		}
	}
}

// runLockedScan acquires the global lock for the duration of one scan round
// and abandons the round if it can't, per the bounded-wait rule in §5.
func (o *BreakerOrchestrator) runLockedScan(ctx context.Context, q registry.Query) {
	lockCtx, cancel := context.WithTimeout(ctx, globalLockTimeout)
	defer cancel()

	waitStart := time.Now()
	acquired, err := o.coord.TryGlobalLock(lockCtx, globalLockTimeout)
	if o.metrics != nil {
		o.metrics.GlobalLockWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}
	if err != nil {
		log.Printf("orchestrator: global lock error: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := o.coord.GlobalUnlock(ctx); err != nil {
			log.Printf("orchestrator: global unlock error: %v", err)
		}
	}()

	if err := o.scanStatus(ctx, q); err != nil {
		log.Printf("orchestrator: scan failed: %v", err)
	}
	if o.metrics != nil {
		scanKind := string(q.Status)
		if scanKind == "" {
			scanKind = "all"
		}
		o.metrics.ScanCyclesTotal.WithLabelValues(scanKind).Inc()
		o.metrics.ReconcilerPoolDepth.Set(float64(o.pool.Depth()))
	}
}

// scanStatus pages through breakers matching q, claiming and dispatching
// each. When a page produces at least one successful claim, the same page
// number is re-read (pagination by status is not stable under mutation);
// otherwise the scan advances.
func (o *BreakerOrchestrator) scanStatus(ctx context.Context, q registry.Query) error {
	page := 0
	for {
		result, err := o.breakers.GetPaged(ctx, page, o.batchSize, q)
		if err != nil {
			return resilience.New(resilience.KindWorkingSetUndetermined, "getPaged failed", err)
		}
		if len(result.Records) == 0 {
			return nil
		}

		claimedAny := o.processPage(ctx, result.Records)

		if !claimedAny {
			if !result.HasMore {
				return nil
			}
			page++
		}
		// claimedAny: re-read the same page number.
	}
}

func (o *BreakerOrchestrator) processPage(ctx context.Context, records []*registry.Record) bool {
	claimedAny := false
	for _, rec := range records {
		claimed, err := o.coord.TryClaim(ctx, rec.SubscriptionID)
		if err != nil {
			log.Printf("orchestrator: claim error for %s: %v", rec.SubscriptionID, err)
			continue
		}
		if !claimed {
			if o.metrics != nil {
				o.metrics.ClaimAttempts.WithLabelValues("denied").Inc()
				o.metrics.ClaimContention.Inc()
			}
			continue
		}
		if o.metrics != nil {
			o.metrics.ClaimAttempts.WithLabelValues("claimed").Inc()
		}
		claimedAny = true
		o.dispatchClaimed(ctx, rec)
	}
	return claimedAny
}

// dispatchClaimed handles one successfully-claimed breaker: missing
// projection closes it outright, otherwise it transitions OPEN->CHECKING
// (a no-op if already CHECKING/REPUBLISHING) and enqueues a reconciliation.
func (o *BreakerOrchestrator) dispatchClaimed(ctx context.Context, rec *registry.Record) {
	proj, ok := o.view.Get(rec.SubscriptionID)
	if !ok {
		log.Printf("orchestrator: no projection for %s, closing breaker", rec.SubscriptionID)
		if err := o.breakers.Remove(ctx, rec.SubscriptionID); err != nil {
			log.Printf("orchestrator: remove failed for %s: %v", rec.SubscriptionID, err)
		}
		if err := o.coord.ReleaseClaim(ctx, rec.SubscriptionID); err != nil {
			log.Printf("orchestrator: release claim failed for %s: %v", rec.SubscriptionID, err)
		}
		o.recordTransition(rec.SubscriptionID, string(rec.Status), "absent", "projection missing")
		return
	}

	if rec.Status == registry.StatusOpen {
		rec.Status = registry.StatusChecking
		rec.AssignedOwnerID = o.coord.Self()
		err := o.epochs.Run(ctx, "claim:"+rec.SubscriptionID, func(ctx context.Context) error {
			return o.breakers.Update(ctx, rec)
		})
		if err != nil {
			log.Printf("orchestrator: transition to CHECKING failed for %s: %v", rec.SubscriptionID, err)
			return
		}
		o.recordTransition(rec.SubscriptionID, string(registry.StatusOpen), string(registry.StatusChecking), "claimed by "+o.coord.Self())
	}

	old := &subscription.Projection{
		SubscriptionID: rec.SubscriptionID,
		SubscriberID:   rec.SubscriberID,
		Environment:    rec.Environment,
		CallbackURL:    rec.CallbackURL,
		DeliveryType:   subscription.DeliveryCallback,
		ProbeMethod:    subscription.ProbeMethod(rec.ProbeMethod),
	}

	o.pool.Submit(func() {
		if err := o.reconciler.Reconcile(ctx, old, proj); err != nil {
			log.Printf("orchestrator: reconcile failed for %s: %v", rec.SubscriptionID, err)
		}
	})
}
