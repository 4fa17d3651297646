// Package cluster provides the cluster-wide coordination primitives Polaris
// serializes breaker reclaim and reconciliation decisions on: a single
// advisory lock, a key-to-owner claim map, and cluster membership with
// presence/heartbeat tracking.
package cluster

import (
	"context"
	"time"
)

// MemberEventKind distinguishes membership transitions.
type MemberEventKind string

const (
	MemberAdded   MemberEventKind = "ADDED"
	MemberRemoved MemberEventKind = "REMOVED"
)

// MemberEvent is published whenever the membership set changes.
type MemberEvent struct {
	Kind     MemberEventKind
	MemberID string
}

// Coordinator is the narrow interface every component programs against; no
// caller holds a live pointer into the backing map, only these operations.
type Coordinator interface {
	// TryGlobalLock acquires the cluster-wide fencing lock, waiting up to
	// timeout. Returns false (never an error) when the backend is reachable
	// but the lock is held elsewhere, or when the backend itself could not
	// be reached — either way the caller skips this round.
	TryGlobalLock(ctx context.Context, timeout time.Duration) (bool, error)
	// GlobalUnlock releases the lock if this process still owns it.
	GlobalUnlock(ctx context.Context) error

	// TryClaim atomically assigns key to this member if unclaimed. Returns
	// true only when this member now owns key. Calling it again for a key
	// already owned by this member is a no-op that also returns true.
	TryClaim(ctx context.Context, key string) (bool, error)
	// ReleaseClaim drops this member's claim on key, if held.
	ReleaseClaim(ctx context.Context, key string) error

	// OnMemberRemoved releases every claim held by memberID and returns the
	// keys that were released, so the orchestrator can re-scan just those.
	OnMemberRemoved(ctx context.Context, memberID string) ([]string, error)

	// Members lists the currently live member IDs.
	Members(ctx context.Context) ([]string, error)
	// Self returns this process's member identity.
	Self() string

	// Events delivers MemberEvent notifications. Closed on Close.
	Events() <-chan MemberEvent

	// CurrentEpoch exposes the fencing epoch for resilience.EpochGuard.
	CurrentEpoch(ctx context.Context) (int64, error)

	Close() error
}

// ErrLockUnavailable is returned by nothing directly; TryGlobalLock reports
// unavailability via its bool return per spec: the caller never distinguishes
// "contended" from "backend down" at the call site, only at the log line.
