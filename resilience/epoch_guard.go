package resilience

import (
	"context"
	"fmt"
	"log"
)

// EpochSource returns the current fencing epoch for the cluster-wide lock.
// A global lock acquisition bumps the epoch; losing the lock (expiry,
// preemption) bumps it again, so a stale holder can be detected after the
// fact even though the lock itself is lock-free to read.
type EpochSource interface {
	CurrentEpoch(ctx context.Context) (int64, error)
}

// EpochGuard fences a claim-and-update sequence against a concurrent loss of
// the global lock. Adapted from the teacher's dual-epoch-check reconciliation
// guard: read the epoch before the critical section, run it, then confirm the
// epoch hasn't moved before letting the caller treat the mutation as durable.
type EpochGuard struct {
	epochs EpochSource
}

func NewEpochGuard(epochs EpochSource) *EpochGuard {
	return &EpochGuard{epochs: epochs}
}

// Run executes fn only if the epoch observed at entry is still current when
// fn returns. If the epoch moved, the caller lost the fence mid-operation and
// the mutation fn performed (if any) must be treated as unsafe to trust.
func (g *EpochGuard) Run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	before, err := g.epochs.CurrentEpoch(ctx)
	if err != nil {
		return New(KindWorkingSetUndetermined, fmt.Sprintf("%s: could not read fencing epoch", label), err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	after, err := g.epochs.CurrentEpoch(ctx)
	if err != nil {
		return New(KindWorkingSetUndetermined, fmt.Sprintf("%s: could not confirm fencing epoch", label), err)
	}
	if after != before {
		log.Printf("resilience: epoch moved during %s (%d -> %d), discarding result", label, before, after)
		return New(KindFatal, fmt.Sprintf("%s: fencing epoch changed mid-operation", label), nil)
	}
	return nil
}
