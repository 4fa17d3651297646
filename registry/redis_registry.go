package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "polaris:breakers:record:"
	allIndexKey     = "polaris:breakers:index:all"
	statusIndexFmt  = "polaris:breakers:index:status:%s"
	ownerIndexFmt   = "polaris:breakers:index:owner:%s"
)

// RedisRegistry is the default Registry, grounded on the teacher's
// RedisStore: a JSON blob per key plus sorted-set secondary indices for the
// predicate-paged queries the teacher's PostgresStore.ListStatesByStatus
// gives for free with SQL and Redis must build by hand.
type RedisRegistry struct {
	client *redis.Client
	seq    *redis.Client // same client; kept distinct for readability at call sites
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, seq: client}
}

func recordKey(id string) string { return recordKeyPrefix + id }

func (r *RedisRegistry) Get(ctx context.Context, subscriptionID string) (*Record, error) {
	raw, err := r.client.Get(ctx, recordKey(subscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisRegistry) Update(ctx context.Context, record *Record) error {
	old, err := r.Get(ctx, record.SubscriptionID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, recordKey(record.SubscriptionID), data, 0).Err(); err != nil {
		return err
	}

	seq, err := r.seq.Incr(ctx, "polaris:breakers:seq").Result()
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, allIndexKey, redis.Z{Score: float64(seq), Member: record.SubscriptionID})
	if old != nil && old.Status != record.Status {
		pipe.ZRem(ctx, fmt.Sprintf(statusIndexFmt, old.Status), record.SubscriptionID)
	}
	pipe.ZAdd(ctx, fmt.Sprintf(statusIndexFmt, record.Status), redis.Z{Score: float64(seq), Member: record.SubscriptionID})
	if old != nil && old.AssignedOwnerID != "" && old.AssignedOwnerID != record.AssignedOwnerID {
		pipe.ZRem(ctx, fmt.Sprintf(ownerIndexFmt, old.AssignedOwnerID), record.SubscriptionID)
	}
	if record.AssignedOwnerID != "" {
		pipe.ZAdd(ctx, fmt.Sprintf(ownerIndexFmt, record.AssignedOwnerID), redis.Z{Score: float64(seq), Member: record.SubscriptionID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) UpdateStatus(ctx context.Context, subscriptionID string, status Status) error {
	rec, err := r.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("registry: no breaker for %s", subscriptionID)
	}
	rec.Status = status
	return r.Update(ctx, rec)
}

func (r *RedisRegistry) Remove(ctx context.Context, subscriptionID string) error {
	rec, err := r.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, recordKey(subscriptionID))
	pipe.ZRem(ctx, allIndexKey, subscriptionID)
	if rec != nil {
		pipe.ZRem(ctx, fmt.Sprintf(statusIndexFmt, rec.Status), subscriptionID)
		if rec.AssignedOwnerID != "" {
			pipe.ZRem(ctx, fmt.Sprintf(ownerIndexFmt, rec.AssignedOwnerID), subscriptionID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetPaged returns a stable-ordered window. Ordering is by SubscriptionID
// (not insertion sequence) so that repeated reads of the same page number
// are reproducible regardless of write order, matching the "re-read the same
// page" contract the orchestrator relies on.
func (r *RedisRegistry) GetPaged(ctx context.Context, page, size int, q Query) (Page, error) {
	if size <= 0 {
		size = 50
	}

	var ids []string
	var err error
	switch {
	case q.Status != "" && q.OwnerID != "":
		ids, err = r.intersectIDs(ctx, fmt.Sprintf(statusIndexFmt, q.Status), fmt.Sprintf(ownerIndexFmt, q.OwnerID))
	case q.Status != "":
		ids, err = r.client.ZRange(ctx, fmt.Sprintf(statusIndexFmt, q.Status), 0, -1).Result()
	case q.OwnerID != "":
		ids, err = r.client.ZRange(ctx, fmt.Sprintf(ownerIndexFmt, q.OwnerID), 0, -1).Result()
	default:
		ids, err = r.client.ZRange(ctx, allIndexKey, 0, -1).Result()
	}
	if err != nil {
		return Page{}, err
	}

	sort.Strings(ids)

	start := page * size
	if start >= len(ids) {
		return Page{Records: nil, HasMore: false}, nil
	}
	end := start + size
	hasMore := end < len(ids)
	if end > len(ids) {
		end = len(ids)
	}

	records := make([]*Record, 0, end-start)
	for _, id := range ids[start:end] {
		rec, err := r.Get(ctx, id)
		if err != nil {
			return Page{}, err
		}
		if rec == nil {
			continue // mutated out from under us between index read and record read
		}
		records = append(records, rec)
	}
	return Page{Records: records, HasMore: hasMore}, nil
}

func (r *RedisRegistry) intersectIDs(ctx context.Context, statusKey, ownerKey string) ([]string, error) {
	statusIDs, err := r.client.ZRange(ctx, statusKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ownerSet := make(map[string]bool)
	ownerIDs, err := r.client.ZRange(ctx, ownerKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ownerIDs {
		ownerSet[id] = true
	}
	out := make([]string, 0, len(statusIDs))
	for _, id := range statusIDs {
		if ownerSet[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

var _ Registry = (*RedisRegistry)(nil)
