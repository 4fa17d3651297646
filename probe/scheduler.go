// Package probe runs the single scheduled-task executor responsible for
// health-checking subscriber callbacks: at most one outstanding probe per
// (url,method), cooperative cancellation, and loop-damped rescheduling.
package probe

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polarisfabric/polaris/health"
	"github.com/polarisfabric/polaris/observability"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/token"
)

// Key identifies a probe target, mirroring health.Key.
type Key struct {
	URL    string
	Method string
}

// Identity resolves the subscriber/publisher headers and environment for a
// sample subscription currently bound to a probed key, so the probe request
// carries identity headers and an environment-scoped bearer token.
type Identity func(subscriptionID string) (subscriberID, publisherID, environment string, ok bool)

// SuccessHandler is invoked once a probe succeeds; it's the hook into the
// successprobe package without an import cycle.
type SuccessHandler func(ctx context.Context, url, method string)

type handle struct {
	timer      *time.Timer
	generation uint64
}

// Scheduler is the delayed-task executor described in §4.4 and §9: a
// (url,method) -> handle map is the only cancellation state it needs,
// adapted from the teacher's queue.PushDelayed use of time.AfterFunc.
type Scheduler struct {
	mu      sync.Mutex
	handles map[Key]*handle

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	httpClient   *http.Client
	tokens       token.Provider
	health       *health.Registry
	breakers     registry.Registry
	identity     Identity
	onSuccess    SuccessHandler
	successCodes map[int]bool
	metrics      *observability.Metrics

	// rateLimit/burst cap how often a single callback host can be probed
	// even if a caller manually requests a shorter delay than the cooldown
	// — a flapping endpoint cannot be hammered by a misconfigured caller.
	rateLimit rate.Limit
	burst     int
}

type Config struct {
	HTTPTimeout       time.Duration
	MaxConnections    int
	SuccessfulCodes   []int
	PerHostRateLimit  rate.Limit
	PerHostBurst      int
}

func NewScheduler(cfg Config, tokens token.Provider, healthReg *health.Registry, breakers registry.Registry, identity Identity, onSuccess SuccessHandler) *Scheduler {
	codes := make(map[int]bool, len(cfg.SuccessfulCodes))
	for _, c := range cfg.SuccessfulCodes {
		codes[c] = true
	}
	if len(codes) == 0 {
		for _, c := range []int{200, 201, 202, 204} {
			codes[c] = true
		}
	}
	transport := &http.Transport{MaxConnsPerHost: cfg.MaxConnections}
	return &Scheduler{
		handles:      make(map[Key]*handle),
		limiters:     make(map[string]*rate.Limiter),
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout, Transport: transport},
		tokens:       tokens,
		health:       healthReg,
		breakers:     breakers,
		identity:     identity,
		onSuccess:    onSuccess,
		successCodes: codes,
		rateLimit:    cfg.PerHostRateLimit,
		burst:        cfg.PerHostBurst,
	}
}

// SetMetrics wires a Metrics collector after construction; nil-safe so
// callers that don't need observability (tests, most of all) are unaffected.
func (s *Scheduler) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

func (s *Scheduler) limiterFor(url string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[url]
	if !ok {
		limit := s.rateLimit
		burst := s.burst
		if limit <= 0 {
			limit = rate.Every(time.Second)
		}
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		s.limiters[url] = l
	}
	return l
}

// Schedule cancels any pending probe for key and schedules a new one after
// delay. A delay of zero runs (almost) immediately via the timer, matching
// the teacher's use of time.AfterFunc(0, ...) for "run now but off this
// goroutine".
func (s *Scheduler) Schedule(key Key, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[key]; ok {
		h.timer.Stop()
		h.generation++
		s.runAfter(key, delay, h)
		return
	}
	h := &handle{}
	s.handles[key] = h
	s.runAfter(key, delay, h)
}

func (s *Scheduler) runAfter(key Key, delay time.Duration, h *handle) {
	gen := h.generation
	h.timer = time.AfterFunc(delay, func() {
		s.run(key, gen)
	})
}

// Cancel removes a pending probe for key if it hasn't started yet. A probe
// already in flight runs to completion; its result is discarded except for
// marking ThreadOpen=false, which the health.Registry already does once its
// subscription set empties out independently of this scheduler.
func (s *Scheduler) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[key]
	if !ok {
		return
	}
	h.timer.Stop()
	h.generation++
}

func (s *Scheduler) currentGeneration(key Key) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[key]
	if !ok {
		return 0, false
	}
	return h.generation, true
}

func (s *Scheduler) run(key Key, gen uint64) {
	if cur, ok := s.currentGeneration(key); !ok || cur != gen {
		log.Printf("probe: superseded run for %s %s, discarding", key.Method, key.URL)
		return
	}

	if err := s.limiterFor(key.URL).Wait(context.Background()); err != nil {
		log.Printf("probe: rate limiter wait for %s: %v", key.URL, err)
	}

	snapshot, ok := s.health.Snapshot(key.URL, key.Method)
	if !ok || len(snapshot.SubscriptionIDs) == 0 {
		// Entry vanished or emptied out from under us (e.g. opt-out, delete).
		return
	}

	started := time.Now()
	statusCode, reason := s.probe(key, snapshot.SubscriptionIDs[0])
	if s.metrics != nil {
		s.metrics.ProbeDuration.Observe(time.Since(started).Seconds())
	}

	if cur, ok := s.currentGeneration(key); !ok || cur != gen {
		log.Printf("probe: result for %s %s discarded, superseded mid-flight", key.Method, key.URL)
		return
	}

	s.health.UpdateProbeResult(key.URL, key.Method, statusCode, reason)
	now := time.Now()
	for _, subID := range snapshot.SubscriptionIDs {
		rec, err := s.breakers.Get(context.Background(), subID)
		if err != nil || rec == nil {
			continue
		}
		rec.LastHealthCheck = &registry.HealthCheckResult{CheckedAt: now, StatusCode: statusCode, Reason: reason}
		if err := s.breakers.Update(context.Background(), rec); err != nil {
			log.Printf("probe: recording result on breaker %s: %v", subID, err)
		}
	}

	if s.successCodes[statusCode] {
		if s.metrics != nil {
			s.metrics.ProbesTotal.WithLabelValues("success").Inc()
		}
		if s.onSuccess != nil {
			s.onSuccess(context.Background(), key.URL, key.Method)
		}
		return
	}

	cooldown := health.Cooldown(snapshot.RepublishCount)
	if s.metrics != nil {
		s.metrics.ProbesTotal.WithLabelValues("failure").Inc()
		s.metrics.CooldownMinutes.Observe(cooldown.Minutes())
	}
	s.Schedule(key, cooldown)
}

// probe executes the HTTP HEAD/GET and returns (statusCode, reason); a
// network error or nil response is "not successful, no status" (0, reason).
func (s *Scheduler) probe(key Key, sampleSubscriptionID string) (int, string) {
	subscriberID, publisherID, environment := "", "", ""
	if s.identity != nil {
		if sid, pid, env, ok := s.identity(sampleSubscriptionID); ok {
			subscriberID, publisherID, environment = sid, pid, env
		}
	}

	req, err := http.NewRequest(key.Method, key.URL, nil)
	if err != nil {
		return 0, err.Error()
	}
	if subscriberID != "" {
		req.Header.Set("X-Subscriber-Id", subscriberID)
	}
	if publisherID != "" {
		req.Header.Set("X-Publisher-Id", publisherID)
	}
	if s.tokens != nil {
		tok, err := s.tokens.Token(req.Context(), environment)
		if err == nil && tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Status
}
