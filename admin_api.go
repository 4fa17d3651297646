package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

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
)

// AdminAPI is the thin REST surface of §6: every handler's body is a direct
// call into the core packages, with no business logic of its own, grounded
// on the teacher's API struct and its withIdempotency wrapper.
type AdminAPI struct {
	breakers    registry.Registry
	health      *health.Registry
	probes      *probe.Scheduler
	messages    messagestore.Store
	republisher *republish.Republisher
	view        *subscription.View
	coord       cluster.Coordinator
	idempotency *idempotency.Store
	incidents   *incident.Capturer
	epochGuard  *resilience.EpochGuard
	republishBatchSize int
}

func NewAdminAPI(breakers registry.Registry, healthReg *health.Registry, probes *probe.Scheduler, messages messagestore.Store, republisher *republish.Republisher, view *subscription.View, coord cluster.Coordinator, idem *idempotency.Store, incidents *incident.Capturer, epochGuard *resilience.EpochGuard, republishBatchSize int) *AdminAPI {
	if republishBatchSize <= 0 {
		republishBatchSize = 20
	}
	return &AdminAPI{breakers: breakers, health: healthReg, probes: probes, messages: messages, republisher: republisher, view: view, coord: coord, idempotency: idem, incidents: incidents, epochGuard: epochGuard, republishBatchSize: republishBatchSize}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// HandleListCircuitBreakers serves GET /circuit-breakers, filterable by
// status and paged by page/size.
func (a *AdminAPI) HandleListCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	result, err := a.breakers.GetPaged(r.Context(), page, size, registry.Query{Status: registry.Status(q.Get("status"))})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleGetCircuitBreaker serves GET /circuit-breakers/{subscriptionId}.
func (a *AdminAPI) HandleGetCircuitBreaker(w http.ResponseWriter, r *http.Request, subscriptionID string) {
	rec, err := a.breakers.Get(r.Context(), subscriptionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "no breaker for subscription", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type forceCloseRequest struct {
	SubscriptionIDs []string `json:"subscriptionIds"`
}

type forceCloseResponse struct {
	SubscriberIDsNotFoundInSubscriptionCache []string `json:"subscriberIdsNotFoundInSubscriptionCache"`
}

// HandleForceClose serves DELETE /circuit-breakers. See §6 for the exact
// status-code contract: 404/409/425 short-circuit the whole batch before
// any breaker is touched, so a partial failure never leaves some breakers
// closed and others untouched.
func (a *AdminAPI) HandleForceClose(w http.ResponseWriter, r *http.Request) {
	var req forceCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	records := make(map[string]*registry.Record, len(req.SubscriptionIDs))
	for _, id := range req.SubscriptionIDs {
		rec, err := a.breakers.Get(ctx, id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "no breaker for "+id, http.StatusNotFound)
			return
		}
		if rec.Status == registry.StatusRepublishing {
			http.Error(w, id+" is already REPUBLISHING", http.StatusConflict)
			return
		}
		if rec.Status == registry.StatusOpen {
			http.Error(w, id+" is still OPEN (not yet claimed)", http.StatusTooEarly)
			return
		}
		records[id] = rec
	}

	var notFoundInCache []string
	for id, rec := range records {
		proj, ok := a.view.Get(id)
		if !ok {
			proj = &subscription.Projection{
				SubscriptionID: id,
				SubscriberID:   rec.SubscriberID,
				Environment:    rec.Environment,
				CallbackURL:    rec.CallbackURL,
				DeliveryType:   subscription.DeliveryCallback,
				ProbeMethod:    subscription.ProbeMethod(rec.ProbeMethod),
			}
			notFoundInCache = append(notFoundInCache, id)
		}
		a.forceCloseOne(ctx, rec, proj)
	}

	writeJSON(w, http.StatusOK, forceCloseResponse{SubscriberIDsNotFoundInSubscriptionCache: notFoundInCache})
}

// forceCloseOne republishes subscriptionID's waiting backlog and closes its
// breaker, bypassing the probe scheduler entirely — an admin force-close is
// an assertion that the endpoint is already known-good.
func (a *AdminAPI) forceCloseOne(ctx context.Context, rec *registry.Record, proj *subscription.Projection) {
	if a.incidents != nil {
		if report, err := a.incidents.Capture(ctx, rec.SubscriptionID); err != nil {
			log.Printf("admin: force-close incident capture for %s: %v", rec.SubscriptionID, err)
		} else {
			log.Printf("admin: force-close incident for %s: %d health entries, %d timeline events", rec.SubscriptionID, len(report.HealthEntries), len(report.RecentEvents))
		}
	}

	err := a.epochGuard.Run(ctx, "forceClose:"+rec.SubscriptionID, func(ctx context.Context) error {
		if err := a.breakers.UpdateStatus(ctx, rec.SubscriptionID, registry.StatusRepublishing); err != nil {
			return err
		}

		asOf := time.Now()
		for {
			coords, err := a.messages.Query(ctx, messagestore.Query{
				Statuses:         []messagestore.Status{messagestore.StatusWaiting},
				FailedWithReason: messagestore.FailureCallbackURLNotFound,
				SubscriptionIDs:  []string{rec.SubscriptionID},
				TimestampBefore:  asOf,
				Page:             0,
				Size:             a.republishBatchSize,
			})
			if err != nil {
				return err
			}
			if len(coords) == 0 {
				break
			}
			a.republisher.Republish(ctx, coords)
			if len(coords) < a.republishBatchSize {
				break
			}
		}

		if cur, err := a.breakers.Get(ctx, rec.SubscriptionID); err == nil && cur != nil && cur.Status == registry.StatusRepublishing {
			if err := a.breakers.Remove(ctx, rec.SubscriptionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("admin: force-close for %s: %v", rec.SubscriptionID, err)
		return
	}

	url, method := proj.CallbackURL, string(proj.ProbeMethod)
	a.health.ClearBeforeRepublishing(url, method, []string{rec.SubscriptionID})
	if a.health.CloseIfEmpty(url, method) {
		a.probes.Cancel(probe.Key{URL: url, Method: method})
	}
}

// HandleHealthChecks serves GET /health-checks[?callbackUrl][&httpMethod].
func (a *AdminAPI) HandleHealthChecks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	method := q.Get("httpMethod")
	if method != "" && method != "HEAD" && method != "GET" {
		http.Error(w, "httpMethod must be HEAD or GET", http.StatusBadRequest)
		return
	}

	url := q.Get("callbackUrl")
	var snapshots []health.Snapshot
	switch {
	case url != "" && method != "":
		if snap, ok := a.health.Snapshot(url, method); ok {
			snapshots = []health.Snapshot{snap}
		}
	case url != "":
		snapshots = a.health.SnapshotsForURL(url)
	default:
		snapshots = a.health.All()
	}

	if len(snapshots) == 0 {
		http.Error(w, "no matching health checks", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// HandlePods serves GET /pods.
func (a *AdminAPI) HandlePods(w http.ResponseWriter, r *http.Request) {
	members, err := a.coord.Members(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// responseRecorder buffers a handler's response so it can be replayed
// verbatim for a retried request, adapted from the teacher's api.go.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.body = append(rr.body, b...)
	return rr.ResponseWriter.Write(b)
}

// WithIdempotency replays a cached response for a retried request carrying
// the same idempotency key — force-close must not trigger a second
// republish cycle for a request the caller re-sends after a timeout.
func (a *AdminAPI) WithIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Polaris-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		if cached, found := a.idempotency.Get(r.Context(), key); found {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(cached))
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		if rec.statusCode == http.StatusOK {
			a.idempotency.SetNX(r.Context(), key, string(rec.body))
		}
	}
}
