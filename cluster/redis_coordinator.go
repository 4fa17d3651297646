package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	globalLockKey   = "polaris:global_lock"
	globalEpochKey  = "polaris:global_lock:epoch"
	claimKeyPrefix  = "polaris:claims:"
	membersKey      = "polaris:members"
	lockPollBackoff = 100 * time.Millisecond
)

// unlockScript only deletes the lock if this process still owns it, the same
// check-then-delete discipline the teacher's RedisStore uses for releasing
// advisory locks.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// claimScript makes TryClaim idempotent: owning the key already counts as
// success, claiming an unclaimed key succeeds, anything else fails.
var claimScript = redis.NewScript(`
local owner = redis.call("get", KEYS[1])
if owner == false then
	redis.call("set", KEYS[1], ARGV[1])
	return 1
elseif owner == ARGV[1] then
	return 1
else
	return 0
end
`)

// RedisCoordinator is the default Coordinator, grounded on the teacher's
// RedisStore (SETNX+Lua fencing) and LeaderElector (acquire/renew loop) and
// AgentMonitor (heartbeat staleness).
type RedisCoordinator struct {
	client *redis.Client
	self   string

	lockTTL           time.Duration
	heartbeatTTL      time.Duration
	heartbeatInterval time.Duration

	mu        sync.Mutex
	lockToken string // non-empty while this process holds the global lock

	events chan MemberEvent
	known  map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRedisCoordinator(client *redis.Client, self string, lockTTL, heartbeatTTL, heartbeatInterval time.Duration) *RedisCoordinator {
	return &RedisCoordinator{
		client:            client,
		self:              self,
		lockTTL:           lockTTL,
		heartbeatTTL:      heartbeatTTL,
		heartbeatInterval: heartbeatInterval,
		events:            make(chan MemberEvent, 64),
		known:             make(map[string]bool),
		stopCh:            make(chan struct{}),
	}
}

// Run starts the background heartbeat-announce and membership-watch loops.
// Call once after construction; Close stops both.
func (c *RedisCoordinator) Run(ctx context.Context) {
	c.wg.Add(2)
	go c.heartbeatLoop(ctx)
	go c.membershipWatchLoop(ctx)
}

func (c *RedisCoordinator) Self() string { return c.self }

func (c *RedisCoordinator) Events() <-chan MemberEvent { return c.events }

func (c *RedisCoordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	c.announce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.announce(ctx)
		}
	}
}

func (c *RedisCoordinator) announce(ctx context.Context) {
	now := float64(time.Now().Unix())
	if err := c.client.ZAdd(ctx, membersKey, redis.Z{Score: now, Member: c.self}).Err(); err != nil {
		log.Printf("cluster: heartbeat announce failed for %s: %v", c.self, err)
	}
}

func (c *RedisCoordinator) membershipWatchLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.reconcileMembership(ctx)
		}
	}
}

func (c *RedisCoordinator) reconcileMembership(ctx context.Context) {
	cutoff := float64(time.Now().Add(-c.heartbeatTTL).Unix())
	if err := c.client.ZRemRangeByScore(ctx, membersKey, "-inf", fmt.Sprintf("(%f", cutoff)).Err(); err != nil {
		log.Printf("cluster: stale member sweep failed: %v", err)
		return
	}
	live, err := c.client.ZRange(ctx, membersKey, 0, -1).Result()
	if err != nil {
		log.Printf("cluster: membership list failed: %v", err)
		return
	}
	liveSet := make(map[string]bool, len(live))
	for _, m := range live {
		liveSet[m] = true
		if !c.known[m] {
			c.known[m] = true
			c.emit(MemberEvent{Kind: MemberAdded, MemberID: m})
		}
	}
	for m := range c.known {
		if !liveSet[m] {
			delete(c.known, m)
			if _, err := c.OnMemberRemoved(ctx, m); err != nil {
				log.Printf("cluster: claim release for removed member %s failed: %v", m, err)
			}
			c.emit(MemberEvent{Kind: MemberRemoved, MemberID: m})
		}
	}
}

func (c *RedisCoordinator) emit(ev MemberEvent) {
	select {
	case c.events <- ev:
	default:
		log.Printf("cluster: member event channel full, dropping %v %s", ev.Kind, ev.MemberID)
	}
}

func (c *RedisCoordinator) TryGlobalLock(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	token := c.self + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
	for {
		ok, err := c.client.SetNX(ctx, globalLockKey, token, c.lockTTL).Result()
		if err != nil {
			return false, nil // unreachable backend: caller skips this round, no partial state
		}
		if ok {
			c.mu.Lock()
			c.lockToken = token
			c.mu.Unlock()
			if err := c.client.Incr(ctx, globalEpochKey).Err(); err != nil {
				log.Printf("cluster: epoch increment failed: %v", err)
			}
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(lockPollBackoff):
		}
	}
}

func (c *RedisCoordinator) GlobalUnlock(ctx context.Context) error {
	c.mu.Lock()
	token := c.lockToken
	c.lockToken = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	return unlockScript.Run(ctx, c.client, []string{globalLockKey}, token).Err()
}

func (c *RedisCoordinator) TryClaim(ctx context.Context, key string) (bool, error) {
	res, err := claimScript.Run(ctx, c.client, []string{claimKeyPrefix + key}, c.self).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (c *RedisCoordinator) ReleaseClaim(ctx context.Context, key string) error {
	return unlockScript.Run(ctx, c.client, []string{claimKeyPrefix + key}, c.self).Err()
}

func (c *RedisCoordinator) OnMemberRemoved(ctx context.Context, memberID string) ([]string, error) {
	var released []string
	iter := c.client.Scan(ctx, 0, claimKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		owner, err := c.client.Get(ctx, fullKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return released, err
		}
		if owner != memberID {
			continue
		}
		if err := unlockScript.Run(ctx, c.client, []string{fullKey}, memberID).Err(); err != nil {
			log.Printf("cluster: releasing claim %s from removed member %s: %v", fullKey, memberID, err)
			continue
		}
		released = append(released, fullKey[len(claimKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return released, err
	}
	return released, nil
}

func (c *RedisCoordinator) Members(ctx context.Context) ([]string, error) {
	cutoff := float64(time.Now().Add(-c.heartbeatTTL).Unix())
	all, err := c.client.ZRangeByScore(ctx, membersKey, &redis.ZRangeBy{Min: fmt.Sprintf("%f", cutoff), Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (c *RedisCoordinator) CurrentEpoch(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, globalEpochKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *RedisCoordinator) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	close(c.events)
	return nil
}

var _ Coordinator = (*RedisCoordinator)(nil)
