// Package republish re-emits picked events back onto the delivery bus once
// their subscriber endpoint has recovered, failing individual poisoned
// records without failing the batch they arrived in.
package republish

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/polarisfabric/polaris/bus"
	"github.com/polarisfabric/polaris/messagestore"
	"github.com/polarisfabric/polaris/observability"
	"github.com/polarisfabric/polaris/resilience"
)

// EventMessage is the bus payload Polaris reads and re-emits. Encoding is
// JSON; a real bus adapter can translate to/from its own wire format as
// long as it preserves these fields.
type EventMessage struct {
	UUID           string            `json:"uuid"`
	SubscriptionID string            `json:"subscriptionId"`
	DeliveryType   string            `json:"deliveryType"`
	Status         string            `json:"status"`
	FailureReason  string            `json:"failureReason,omitempty"`
	EventRef       string            `json:"eventRef"`
	Timestamp      time.Time         `json:"timestamp"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// DeliveryTypeLookup resolves the current delivery type for a subscription;
// when present, it overwrites the picked message's DeliveryType per §4.5.
type DeliveryTypeLookup func(subscriptionID string) (deliveryType string, ok bool)

// RetentionTopicLookup resolves the topic a subscription's events should be
// re-emitted to; an empty return means "use the default topic".
type RetentionTopicLookup func(subscriptionID string) string

const defaultTopic = "default"

type Republisher struct {
	bus             bus.EventBus
	pickingTimeout  time.Duration
	deliveryTypeOf  DeliveryTypeLookup
	retentionTopic  RetentionTopicLookup
	metrics         *observability.Metrics
}

func New(eventBus bus.EventBus, pickingTimeout time.Duration, deliveryTypeOf DeliveryTypeLookup, retentionTopic RetentionTopicLookup) *Republisher {
	return &Republisher{bus: eventBus, pickingTimeout: pickingTimeout, deliveryTypeOf: deliveryTypeOf, retentionTopic: retentionTopic}
}

// SetMetrics wires a Metrics collector after construction; it's optional and
// nil-safe so existing callers that don't care about observability keep
// working unchanged.
func (r *Republisher) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// Result tallies what happened to a batch, for callers (SuccessfulProbeHandler,
// ScheduledScans) that need to know whether to keep iterating.
type Result struct {
	Succeeded int
	Failed    int
}

// Republish processes coords independently: one poisoned coord emits a
// FAILED record and the loop continues.
func (r *Republisher) Republish(ctx context.Context, coords []*messagestore.Coord) Result {
	var res Result
	for _, coord := range coords {
		if err := r.republishOne(ctx, coord); err != nil {
			res.Failed++
			log.Printf("republish: %s subscription=%s: %v", coord.UUID, coord.SubscriptionID, err)
		} else {
			res.Succeeded++
		}
	}
	if r.metrics != nil {
		r.metrics.RepublishBatchSize.Observe(float64(len(coords)))
		r.metrics.RepublishOutcomes.WithLabelValues("succeeded").Add(float64(res.Succeeded))
		r.metrics.RepublishOutcomes.WithLabelValues("failed").Add(float64(res.Failed))
	}
	return res
}

func (r *Republisher) republishOne(ctx context.Context, coord *messagestore.Coord) error {
	if !coord.HasCoordinate {
		r.emitFailed(ctx, coord, "no bus coordinate assigned")
		return resilience.New(resilience.KindPickFailure, "coord has no (partition,offset)", nil)
	}

	readCtx, cancel := context.WithTimeout(ctx, r.pickingTimeout)
	defer cancel()
	record, err := r.bus.ReadAt(readCtx, coord.Topic, coord.Partition, coord.Offset, r.pickingTimeout)
	if err != nil {
		r.emitFailed(ctx, coord, err.Error())
		return resilience.New(resilience.KindPickFailure, "bus read failed", err)
	}
	if record == nil {
		r.emitFailed(ctx, coord, "record not found at coordinate")
		return resilience.New(resilience.KindPickFailure, "bus read returned no record", nil)
	}

	var msg EventMessage
	if err := json.Unmarshal(record.Payload, &msg); err != nil {
		r.emitFailed(ctx, coord, "deserialization error: "+err.Error())
		return resilience.New(resilience.KindPickFailure, "deserializing picked record", err)
	}

	if r.deliveryTypeOf != nil {
		if dt, ok := r.deliveryTypeOf(coord.SubscriptionID); ok {
			msg.DeliveryType = dt
		}
	}
	msg.Status = string(messagestore.StatusProcessed)

	payload, err := json.Marshal(msg)
	if err != nil {
		r.emitFailed(ctx, coord, "re-serialization error: "+err.Error())
		return resilience.New(resilience.KindPickFailure, "serializing republished record", err)
	}

	return r.bus.Publish(ctx, r.topicFor(coord.SubscriptionID), bus.Message{Key: msg.UUID, Payload: payload})
}

func (r *Republisher) topicFor(subscriptionID string) string {
	if r.retentionTopic != nil {
		if t := r.retentionTopic(subscriptionID); t != "" {
			return t
		}
	}
	return defaultTopic
}

func (r *Republisher) emitFailed(ctx context.Context, coord *messagestore.Coord, reason string) {
	failed := EventMessage{
		UUID:           coord.UUID,
		SubscriptionID: coord.SubscriptionID,
		DeliveryType:   string(coord.DeliveryType),
		Status:         string(messagestore.StatusFailed),
		FailureReason:  reason,
		EventRef:       coord.EventRef,
		Timestamp:      time.Now(),
	}
	payload, err := json.Marshal(failed)
	if err != nil {
		log.Printf("republish: could not serialize FAILED record for %s: %v", coord.UUID, err)
		return
	}
	if err := r.bus.Publish(ctx, r.topicFor(coord.SubscriptionID), bus.Message{Key: failed.UUID, Payload: payload}); err != nil {
		log.Printf("republish: emitting FAILED record for %s: %v", coord.UUID, err)
	}
}
