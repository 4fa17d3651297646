// Package subscription tracks each subscription's routing-relevant fields
// and reconciles changes pushed by the external subscription watcher against
// Polaris' breaker and health state.
package subscription

// DeliveryType selects how events reach the subscriber.
type DeliveryType string

const (
	DeliveryCallback DeliveryType = "CALLBACK"
	DeliverySSE      DeliveryType = "SSE"
)

// ProbeMethod is the HTTP method used for health probes against a callback.
type ProbeMethod string

const (
	ProbeHead ProbeMethod = "HEAD"
	ProbeGet  ProbeMethod = "GET"
)

// Projection is the subset of a subscription's fields Polaris needs,
// mirrored from the external subscription resource by the watcher.
type Projection struct {
	SubscriptionID       string
	PublisherID          string
	SubscriberID         string
	Environment          string
	CallbackURL          string // empty when DeliveryType == SSE
	DeliveryType         DeliveryType
	ProbeMethod          ProbeMethod
	CircuitBreakerOptOut bool
}
