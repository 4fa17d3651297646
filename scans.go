package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/polarisfabric/polaris/cluster"
	"github.com/polarisfabric/polaris/messagestore"
	"github.com/polarisfabric/polaris/republish"
)

// ScheduledScans runs the two independent periodic sweeps over the message
// store (§4.10), alongside the breaker-focused BreakerOrchestrator scan.
// Grounded on the teacher's Scheduler.poller ticker loop, split into two
// differently-guarded goroutines since the two scans use different
// reentrancy strategies.
type ScheduledScans struct {
	coord        cluster.Coordinator
	messages     messagestore.Store
	republisher  *republish.Republisher
	pollInterval time.Duration
	offset       time.Duration
	batchSize    int

	failedScanRunning atomic.Bool
}

func NewScheduledScans(coord cluster.Coordinator, messages messagestore.Store, republisher *republish.Republisher, pollInterval, deliveringStatesOffset time.Duration, batchSize int) *ScheduledScans {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &ScheduledScans{
		coord:        coord,
		messages:     messages,
		republisher:  republisher,
		pollInterval: pollInterval,
		offset:       deliveringStatesOffset,
		batchSize:    batchSize,
	}
}

func (s *ScheduledScans) Run(ctx context.Context) {
	go s.deliveringScanLoop(ctx)
	go s.failedScanLoop(ctx)
	<-ctx.Done()
}

// deliveringScanLoop picks up CALLBACK messages stuck in DELIVERING past the
// offset window. Guarded by the cluster-wide global lock so only one worker
// runs it at a time.
func (s *ScheduledScans) deliveringScanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLockedDeliveringScan(ctx)
		}
	}
}

func (s *ScheduledScans) runLockedDeliveringScan(ctx context.Context) {
	lockCtx, cancel := context.WithTimeout(ctx, globalLockTimeout)
	defer cancel()

	acquired, err := s.coord.TryGlobalLock(lockCtx, globalLockTimeout)
	if err != nil {
		log.Printf("scans: delivering scan lock error: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.coord.GlobalUnlock(ctx); err != nil {
			log.Printf("scans: delivering scan unlock error: %v", err)
		}
	}()

	before := time.Now().Add(-s.offset)
	for {
		// Always page 0: a successful republish mutates state out of the
		// query's result set, so what was page 0 is never page 0 again.
		coords, err := s.messages.Query(ctx, messagestore.Query{
			Statuses:        []messagestore.Status{messagestore.StatusDelivering},
			DeliveryType:    messagestore.DeliveryCallback,
			TimestampBefore: before,
			Page:            0,
			Size:            s.batchSize,
		})
		if err != nil {
			log.Printf("scans: delivering scan query failed: %v", err)
			return
		}
		if len(coords) == 0 {
			return
		}
		result := s.republisher.Republish(ctx, coords)
		log.Printf("scans: delivering scan batch succeeded=%d failed=%d", result.Succeeded, result.Failed)
		if len(coords) < s.batchSize {
			return
		}
	}
}

// failedScanLoop picks up FAILED messages carrying a CallbackException.
// Reentrancy is guarded by a process-local atomic flag rather than the
// global lock, since every worker can safely run its own share in parallel
// — the republish pipeline is itself idempotent per coordinate.
func (s *ScheduledScans) failedScanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runFailedScan(ctx)
		}
	}
}

func (s *ScheduledScans) runFailedScan(ctx context.Context) {
	if !s.failedScanRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.failedScanRunning.Store(false)

	for {
		// Always page 0: see runLockedDeliveringScan.
		coords, err := s.messages.Query(ctx, messagestore.Query{
			FailedWithReason: messagestore.FailureCallbackException,
			Page:             0,
			Size:             s.batchSize,
		})
		if err != nil {
			log.Printf("scans: failed scan query failed: %v", err)
			return
		}
		if len(coords) == 0 {
			return
		}
		result := s.republisher.Republish(ctx, coords)
		log.Printf("scans: failed scan batch succeeded=%d failed=%d", result.Succeeded, result.Failed)
		if len(coords) < s.batchSize {
			return
		}
	}
}
