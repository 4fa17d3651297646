package subscription

import (
	"context"
	"log"
	"time"

	"github.com/polarisfabric/polaris/messagestore"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/republish"
)

// DeliveryTypeChangeDeps are the collaborators the task needs; kept as a
// small struct rather than the full Reconciler so it can be invoked
// standalone (tests, admin-triggered replays) without constructing a
// Reconciler.
type DeliveryTypeChangeDeps struct {
	Breakers    registry.Registry
	Messages    messagestore.Store
	Republisher *republish.Republisher
	BatchSize   int
}

// RunDeliveryTypeChange republishes a subscription's backlog after it flips
// SSE<->CALLBACK, per §4.7. The breaker is held REPUBLISHING for the
// duration and closed afterward unless something else reopened it.
func RunDeliveryTypeChange(ctx context.Context, deps DeliveryTypeChangeDeps, subscriptionID string, target DeliveryType) error {
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	if err := markRepublishing(ctx, deps.Breakers, subscriptionID); err != nil {
		return err
	}

	now := time.Now()
	for {
		var query messagestore.Query
		if target == DeliveryCallback {
			query = messagestore.Query{
				Statuses:        []messagestore.Status{messagestore.StatusProcessed},
				DeliveryType:    messagestore.DeliverySSE,
				SubscriptionIDs: []string{subscriptionID},
				Page:            0,
				Size:            batchSize,
			}
		} else {
			query = messagestore.Query{
				Statuses:         []messagestore.Status{messagestore.StatusWaiting},
				FailedWithReason: messagestore.FailureCallbackURLNotFound,
				SubscriptionIDs:  []string{subscriptionID},
				TimestampBefore:  now,
				Page:             0,
				Size:             batchSize,
			}
		}

		coords, err := deps.Messages.Query(ctx, query)
		if err != nil {
			log.Printf("delivery-type-change: querying %s: %v", subscriptionID, err)
			return err
		}
		if len(coords) == 0 {
			break
		}
		deps.Republisher.Republish(ctx, coords)
		if len(coords) < batchSize {
			break
		}
	}

	return closeIfStillRepublishing(ctx, deps.Breakers, subscriptionID)
}

func markRepublishing(ctx context.Context, breakers registry.Registry, subscriptionID string) error {
	rec, err := breakers.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &registry.Record{SubscriptionID: subscriptionID}
	}
	rec.Status = registry.StatusRepublishing
	return breakers.Update(ctx, rec)
}

func closeIfStillRepublishing(ctx context.Context, breakers registry.Registry, subscriptionID string) error {
	rec, err := breakers.Get(ctx, subscriptionID)
	if err != nil || rec == nil {
		return err
	}
	if rec.Status != registry.StatusRepublishing {
		return nil
	}
	return breakers.Remove(ctx, subscriptionID)
}
