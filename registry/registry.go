package registry

import "context"

// Page is a stable-ordered slice of a getPaged query plus whether more
// records follow. Ordering is by SubscriptionID so repeated reads of the
// same page number return the same window unless the underlying set shrank.
type Page struct {
	Records []*Record
	HasMore bool
}

// Query narrows getPaged by status and/or owner; zero values mean "any".
type Query struct {
	Status  Status
	OwnerID string
}

// Registry is the narrow interface every component programs against, per
// the teacher's practice of never letting a caller hold a live pointer into
// a shared map: Get returns a copy, Update writes a full copy back.
type Registry interface {
	Get(ctx context.Context, subscriptionID string) (*Record, error)
	GetPaged(ctx context.Context, page, size int, q Query) (Page, error)
	// Update is an idempotent full-record write; last-writer-wins, because
	// writes are already serialized by the global lock plus the per-key
	// claim, so no CAS token is needed here.
	Update(ctx context.Context, record *Record) error
	Remove(ctx context.Context, subscriptionID string) error
	UpdateStatus(ctx context.Context, subscriptionID string, status Status) error
}
