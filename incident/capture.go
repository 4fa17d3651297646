// Package incident assembles operator-facing snapshots for debugging a
// breaker, adapted from the teacher's incident.CaptureIncident.
package incident

import (
	"context"
	"time"

	"github.com/polarisfabric/polaris/health"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/timeline"
)

// Report is a point-in-time snapshot of everything known about one breaker,
// produced on a force-close or a republish failure spike.
type Report struct {
	SubscriptionID string
	CapturedAt     time.Time
	Breaker        *registry.Record
	HealthEntries  []health.Snapshot
	RecentEvents   []timeline.Event
}

type Capturer struct {
	breakers registry.Registry
	health   *health.Registry
	timeline *timeline.Store
}

func NewCapturer(breakers registry.Registry, healthReg *health.Registry, timelineStore *timeline.Store) *Capturer {
	return &Capturer{breakers: breakers, health: healthReg, timeline: timelineStore}
}

func (c *Capturer) Capture(ctx context.Context, subscriptionID string) (*Report, error) {
	rec, err := c.breakers.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		SubscriptionID: subscriptionID,
		CapturedAt:     time.Now(),
		Breaker:        rec,
		RecentEvents:   c.timeline.History(subscriptionID),
	}

	if rec != nil && rec.CallbackURL != "" {
		report.HealthEntries = c.health.SnapshotsForURL(rec.CallbackURL)
	}
	return report, nil
}
