package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polarisfabric/polaris/bus"
	"github.com/polarisfabric/polaris/cluster"
	"github.com/polarisfabric/polaris/health"
	"github.com/polarisfabric/polaris/idempotency"
	"github.com/polarisfabric/polaris/incident"
	"github.com/polarisfabric/polaris/messagestore"
	"github.com/polarisfabric/polaris/probe"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/republish"
	"github.com/polarisfabric/polaris/resilience"
	"github.com/polarisfabric/polaris/subscription"
	"github.com/polarisfabric/polaris/timeline"
)

type fakeRegistry struct {
	mu      sync.Mutex
	records map[string]*registry.Record
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]*registry.Record)}
}

func (f *fakeRegistry) Get(ctx context.Context, subscriptionID string) (*registry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[subscriptionID].Clone(), nil
}

func (f *fakeRegistry) GetPaged(ctx context.Context, page, size int, q registry.Query) (registry.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*registry.Record
	for _, r := range f.records {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	return registry.Page{Records: out}, nil
}

func (f *fakeRegistry) Update(ctx context.Context, record *registry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.SubscriptionID] = record.Clone()
	return nil
}

func (f *fakeRegistry) Remove(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, subscriptionID)
	return nil
}

func (f *fakeRegistry) UpdateStatus(ctx context.Context, subscriptionID string, status registry.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[subscriptionID]; ok {
		r.Status = status
	}
	return nil
}

type fakeStore struct{}

func (f *fakeStore) Query(ctx context.Context, q messagestore.Query) ([]*messagestore.Coord, error) {
	return nil, nil
}

// fakeCoordinator is shared by the admin, orchestrator, and scans tests.
// Every gate defaults open (lock always granted, every claim succeeds) so a
// test only needs to set the field it cares about denying.
type fakeCoordinator struct {
	mu          sync.Mutex
	members     []string
	lockDenied  bool
	deniedKeys  map[string]bool
	claimed     map[string]bool
	released    []string
	eventsCh    chan cluster.MemberEvent
}

func (f *fakeCoordinator) TryGlobalLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return !f.lockDenied, nil
}
func (f *fakeCoordinator) GlobalUnlock(ctx context.Context) error { return nil }
func (f *fakeCoordinator) TryClaim(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deniedKeys[key] {
		return false, nil
	}
	if f.claimed == nil {
		f.claimed = make(map[string]bool)
	}
	f.claimed[key] = true
	return true, nil
}
func (f *fakeCoordinator) ReleaseClaim(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, key)
	f.released = append(f.released, key)
	return nil
}
func (f *fakeCoordinator) OnMemberRemoved(ctx context.Context, memberID string) ([]string, error) {
	return nil, nil
}
func (f *fakeCoordinator) Members(ctx context.Context) ([]string, error) { return f.members, nil }
func (f *fakeCoordinator) Self() string                                  { return "self" }
func (f *fakeCoordinator) Events() <-chan cluster.MemberEvent {
	if f.eventsCh == nil {
		return make(chan cluster.MemberEvent)
	}
	return f.eventsCh
}
func (f *fakeCoordinator) CurrentEpoch(ctx context.Context) (int64, error) {
	return 1, nil
}
func (f *fakeCoordinator) Close() error { return nil }

func newTestAdminAPI(breakers *fakeRegistry) (*AdminAPI, *health.Registry) {
	healthReg := health.NewRegistry()
	republisher := republish.New(bus.NewLogBus(), time.Second, nil, nil)
	scheduler := probe.NewScheduler(probe.Config{HTTPTimeout: 10 * time.Millisecond}, nil, healthReg, breakers, nil, nil)
	view := subscription.NewView()
	idem := idempotency.NewStore(nil, time.Minute)
	coord := &fakeCoordinator{members: []string{"pod-1"}}
	incidents := incident.NewCapturer(breakers, healthReg, timeline.NewStore())
	epochGuard := resilience.NewEpochGuard(coord)
	admin := NewAdminAPI(breakers, healthReg, scheduler, &fakeStore{}, republisher, view, coord, idem, incidents, epochGuard, 20)
	return admin, healthReg
}

func TestHandleListCircuitBreakers(t *testing.T) {
	breakers := newFakeRegistry()
	breakers.records["sub-1"] = &registry.Record{SubscriptionID: "sub-1", Status: registry.StatusOpen}
	admin, _ := newTestAdminAPI(breakers)

	req := httptest.NewRequest(http.MethodGet, "/circuit-breakers", nil)
	w := httptest.NewRecorder()
	admin.HandleListCircuitBreakers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var page registry.Page
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(page.Records) != 1 {
		t.Errorf("len(Records) = %d, want 1", len(page.Records))
	}
}

func TestHandleGetCircuitBreakerNotFound(t *testing.T) {
	admin, _ := newTestAdminAPI(newFakeRegistry())

	req := httptest.NewRequest(http.MethodGet, "/circuit-breakers/sub-1", nil)
	w := httptest.NewRecorder()
	admin.HandleGetCircuitBreaker(w, req, "sub-1")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleGetCircuitBreakerFound(t *testing.T) {
	breakers := newFakeRegistry()
	breakers.records["sub-1"] = &registry.Record{SubscriptionID: "sub-1", Status: registry.StatusOpen}
	admin, _ := newTestAdminAPI(breakers)

	req := httptest.NewRequest(http.MethodGet, "/circuit-breakers/sub-1", nil)
	w := httptest.NewRecorder()
	admin.HandleGetCircuitBreaker(w, req, "sub-1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleForceCloseNotFoundShortCircuits(t *testing.T) {
	breakers := newFakeRegistry()
	admin, _ := newTestAdminAPI(breakers)

	body := `{"subscriptionIds":["missing"]}`
	req := httptest.NewRequest(http.MethodDelete, "/circuit-breakers", strings.NewReader(body))
	w := httptest.NewRecorder()
	admin.HandleForceClose(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleForceCloseOpenBreakerTooEarly(t *testing.T) {
	breakers := newFakeRegistry()
	breakers.records["sub-1"] = &registry.Record{SubscriptionID: "sub-1", Status: registry.StatusOpen}
	admin, _ := newTestAdminAPI(breakers)

	body := `{"subscriptionIds":["sub-1"]}`
	req := httptest.NewRequest(http.MethodDelete, "/circuit-breakers", strings.NewReader(body))
	w := httptest.NewRecorder()
	admin.HandleForceClose(w, req)

	if w.Code != http.StatusTooEarly {
		t.Errorf("status = %d, want 425", w.Code)
	}
}

func TestHandleForceCloseRepublishingConflict(t *testing.T) {
	breakers := newFakeRegistry()
	breakers.records["sub-1"] = &registry.Record{SubscriptionID: "sub-1", Status: registry.StatusRepublishing}
	admin, _ := newTestAdminAPI(breakers)

	body := `{"subscriptionIds":["sub-1"]}`
	req := httptest.NewRequest(http.MethodDelete, "/circuit-breakers", strings.NewReader(body))
	w := httptest.NewRecorder()
	admin.HandleForceClose(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestHandleForceCloseValidatesAllBeforeMutatingAny(t *testing.T) {
	breakers := newFakeRegistry()
	breakers.records["sub-1"] = &registry.Record{SubscriptionID: "sub-1", Status: registry.StatusChecking}
	breakers.records["sub-2"] = &registry.Record{SubscriptionID: "sub-2", Status: registry.StatusOpen}
	admin, _ := newTestAdminAPI(breakers)

	body := `{"subscriptionIds":["sub-1","sub-2"]}`
	req := httptest.NewRequest(http.MethodDelete, "/circuit-breakers", strings.NewReader(body))
	w := httptest.NewRecorder()
	admin.HandleForceClose(w, req)

	if w.Code != http.StatusTooEarly {
		t.Fatalf("status = %d, want 425 (sub-2 is still OPEN)", w.Code)
	}
	rec, _ := breakers.Get(context.Background(), "sub-1")
	if rec.Status != registry.StatusChecking {
		t.Error("sub-1 must be untouched: validation of the whole batch must happen before any mutation")
	}
}

func TestHandleForceCloseSucceedsAndReportsMissingFromCache(t *testing.T) {
	breakers := newFakeRegistry()
	breakers.records["sub-1"] = &registry.Record{SubscriptionID: "sub-1", Status: registry.StatusChecking, CallbackURL: "http://callback.example/hook"}
	admin, healthReg := newTestAdminAPI(breakers)
	healthReg.Add("http://callback.example/hook", "", "sub-1")

	body := `{"subscriptionIds":["sub-1"]}`
	req := httptest.NewRequest(http.MethodDelete, "/circuit-breakers", strings.NewReader(body))
	w := httptest.NewRecorder()
	admin.HandleForceClose(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp forceCloseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.SubscriberIDsNotFoundInSubscriptionCache) != 1 || resp.SubscriberIDsNotFoundInSubscriptionCache[0] != "sub-1" {
		t.Errorf("expected sub-1 reported as missing from the subscription cache, got %v", resp.SubscriberIDsNotFoundInSubscriptionCache)
	}
	if rec, _ := breakers.Get(context.Background(), "sub-1"); rec != nil {
		t.Errorf("breaker should be closed after a successful force-close, got %+v", rec)
	}
}

func TestHandleHealthChecksBadMethod(t *testing.T) {
	admin, _ := newTestAdminAPI(newFakeRegistry())

	req := httptest.NewRequest(http.MethodGet, "/health-checks?httpMethod=POST", nil)
	w := httptest.NewRecorder()
	admin.HandleHealthChecks(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleHealthChecksNotFound(t *testing.T) {
	admin, _ := newTestAdminAPI(newFakeRegistry())

	req := httptest.NewRequest(http.MethodGet, "/health-checks", nil)
	w := httptest.NewRecorder()
	admin.HandleHealthChecks(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleHealthChecksReturnsMatches(t *testing.T) {
	admin, healthReg := newTestAdminAPI(newFakeRegistry())
	healthReg.Add("http://callback.example/hook", "GET", "sub-1")

	req := httptest.NewRequest(http.MethodGet, "/health-checks?callbackUrl=http://callback.example/hook&httpMethod=GET", nil)
	w := httptest.NewRecorder()
	admin.HandleHealthChecks(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandlePods(t *testing.T) {
	admin, _ := newTestAdminAPI(newFakeRegistry())

	req := httptest.NewRequest(http.MethodGet, "/pods", nil)
	w := httptest.NewRecorder()
	admin.HandlePods(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var members []string
	if err := json.Unmarshal(w.Body.Bytes(), &members); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(members) != 1 || members[0] != "pod-1" {
		t.Errorf("members = %v, want [pod-1]", members)
	}
}

func TestWithIdempotencyReplaysCachedResponse(t *testing.T) {
	admin, _ := newTestAdminAPI(newFakeRegistry())
	calls := 0
	handler := admin.WithIdempotency(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, map[string]int{"calls": calls})
	})

	req1 := httptest.NewRequest(http.MethodDelete, "/circuit-breakers", nil)
	req1.Header.Set("X-Polaris-Idempotency-Key", "key-1")
	w1 := httptest.NewRecorder()
	handler(w1, req1)

	req2 := httptest.NewRequest(http.MethodDelete, "/circuit-breakers", nil)
	req2.Header.Set("X-Polaris-Idempotency-Key", "key-1")
	w2 := httptest.NewRecorder()
	handler(w2, req2)

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1: the second call should replay the cached response", calls)
	}
	if w1.Body.String() != w2.Body.String() {
		t.Errorf("replayed body %q does not match original %q", w2.Body.String(), w1.Body.String())
	}
}

func TestWithIdempotencyWithoutKeyAlwaysRuns(t *testing.T) {
	admin, _ := newTestAdminAPI(newFakeRegistry())
	calls := 0
	handler := admin.WithIdempotency(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/circuit-breakers", nil))
	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/circuit-breakers", nil))

	if calls != 2 {
		t.Errorf("handler ran %d times, want 2: without an idempotency key every request runs", calls)
	}
}
