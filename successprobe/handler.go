// Package successprobe runs the republishing cycle triggered once a probe
// reports a healthy endpoint: drain the endpoint's queued subscriptions and
// flush their waiting events back onto the bus.
package successprobe

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polarisfabric/polaris/health"
	"github.com/polarisfabric/polaris/incident"
	"github.com/polarisfabric/polaris/messagestore"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/republish"
)

// failureSpikeThreshold is the number of failed republishes in one drain
// that's worth an operator-facing incident report, not just a log line.
const failureSpikeThreshold = 3

// Handler is the SuccessfulProbeHandler of §4.8. golang.org/x/sync/singleflight
// provides the "at most one in-flight handler per key" mutex the spec calls
// for: a second call for the same key arrives while the first is still
// running and is folded into it instead of doing the work twice.
type Handler struct {
	group              singleflight.Group
	health             *health.Registry
	breakers           registry.Registry
	messages           messagestore.Store
	republisher        *republish.Republisher
	incidents          *incident.Capturer
	republishBatchSize int
}

func New(healthReg *health.Registry, breakers registry.Registry, messages messagestore.Store, republisher *republish.Republisher, republishBatchSize int) *Handler {
	if republishBatchSize <= 0 {
		republishBatchSize = 20
	}
	return &Handler{health: healthReg, breakers: breakers, messages: messages, republisher: republisher, republishBatchSize: republishBatchSize}
}

// SetIncidentCapturer wires an incident.Capturer after construction; nil-safe
// so callers that don't need incident reports are unaffected.
func (h *Handler) SetIncidentCapturer(c *incident.Capturer) {
	h.incidents = c
}

// Run executes the handler for (url,method). Concurrent calls for the same
// key share one execution; the caller that loses the race returns once the
// winner finishes, satisfying the "skip, it will cover the intent" rule.
func (h *Handler) Run(ctx context.Context, url, method string) {
	key := url + "\x00" + method
	_, _, _ = h.group.Do(key, func() (interface{}, error) {
		h.run(ctx, url, method)
		return nil, nil
	})
}

func (h *Handler) run(ctx context.Context, url, method string) {
	if _, ok := h.health.Snapshot(url, method); !ok {
		return
	}

	subscriptionIDs := h.health.ClearBeforeRepublishing(url, method, nil)
	if len(subscriptionIDs) == 0 {
		return
	}

	now := time.Now()
	for _, subID := range subscriptionIDs {
		if err := h.breakers.UpdateStatus(ctx, subID, registry.StatusRepublishing); err != nil {
			log.Printf("successprobe: marking %s REPUBLISHING: %v", subID, err)
			continue
		}
		failed := h.drainSubscription(ctx, subID, now)
		if failed >= failureSpikeThreshold && h.incidents != nil {
			if report, err := h.incidents.Capture(ctx, subID); err != nil {
				log.Printf("successprobe: incident capture for %s: %v", subID, err)
			} else {
				log.Printf("successprobe: republish failure spike for %s (%d failed): %d health entries, %d timeline events", subID, failed, len(report.HealthEntries), len(report.RecentEvents))
			}
		}
	}

	for _, subID := range subscriptionIDs {
		rec, err := h.breakers.Get(ctx, subID)
		if err != nil || rec == nil {
			continue
		}
		// A breaker the delivery component reopened to OPEN in the meantime
		// must stay open; only close what we left REPUBLISHING.
		if rec.Status == registry.StatusRepublishing {
			if err := h.breakers.Remove(ctx, subID); err != nil {
				log.Printf("successprobe: closing breaker %s: %v", subID, err)
			}
		}
	}
}

// drainSubscription republishes every waiting message for subscriptionID and
// returns the total number of failed records across all pages, so the caller
// can decide whether the failure rate warrants an incident report.
func (h *Handler) drainSubscription(ctx context.Context, subscriptionID string, asOf time.Time) int {
	totalFailed := 0
	for {
		// Always page 0: a successful republish mutates state out of the
		// query's result set, so what was page 0 is never page 0 again.
		coords, err := h.messages.Query(ctx, messagestore.Query{
			Statuses:         []messagestore.Status{messagestore.StatusWaiting},
			FailedWithReason: messagestore.FailureCallbackURLNotFound,
			SubscriptionIDs:  []string{subscriptionID},
			TimestampBefore:  asOf,
			Page:             0,
			Size:             h.republishBatchSize,
		})
		if err != nil {
			log.Printf("successprobe: querying messages for %s: %v", subscriptionID, err)
			return totalFailed
		}
		if len(coords) == 0 {
			return totalFailed
		}
		result := h.republisher.Republish(ctx, coords)
		totalFailed += result.Failed
		if len(coords) < h.republishBatchSize {
			return totalFailed
		}
	}
}
