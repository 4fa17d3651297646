package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/polarisfabric/polaris/auth"
	"github.com/polarisfabric/polaris/bus"
	"github.com/polarisfabric/polaris/cluster"
	"github.com/polarisfabric/polaris/config"
	"github.com/polarisfabric/polaris/health"
	"github.com/polarisfabric/polaris/idempotency"
	"github.com/polarisfabric/polaris/incident"
	"github.com/polarisfabric/polaris/messagestore"
	"github.com/polarisfabric/polaris/middleware"
	"github.com/polarisfabric/polaris/observability"
	"github.com/polarisfabric/polaris/probe"
	"github.com/polarisfabric/polaris/registry"
	"github.com/polarisfabric/polaris/republish"
	"github.com/polarisfabric/polaris/resilience"
	"github.com/polarisfabric/polaris/subscription"
	"github.com/polarisfabric/polaris/successprobe"
	"github.com/polarisfabric/polaris/timeline"
	"github.com/polarisfabric/polaris/token"
	"github.com/polarisfabric/polaris/workerpool"
)

func generateMemberID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + fmt.Sprintf("%d", os.Getpid())
}

func main() {
	configPath := os.Getenv("POLARIS_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	log.Printf("connecting to Redis at %s for coordination and breaker storage", redisAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := generateMemberID()
	coord := cluster.NewRedisCoordinator(redisClient, self, 15*time.Second, 15*time.Second, 5*time.Second)
	coord.Run(ctx)
	log.Printf("member %s joined the cluster (pod %d/%d)", self, cfg.PodIndex, cfg.PodCount)

	breakers := registry.NewRedisRegistry(redisClient)

	messageDSN := os.Getenv("MESSAGE_STORE_DSN")
	var messages messagestore.Store
	if messageDSN != "" {
		pg, err := messagestore.NewPostgresStore(ctx, messageDSN)
		if err != nil {
			log.Fatalf("failed to connect to message store: %v", err)
		}
		defer pg.Close()
		messages = pg
	} else {
		log.Println("MESSAGE_STORE_DSN unset; message-store queries will error until configured")
	}

	eventBus := bus.NewLogBus()

	view := subscription.NewView()
	healthRegistry := health.NewRegistry()
	metrics := observability.NewMetrics()
	timelineStore := timeline.NewStore()
	idemStore := idempotency.NewStore(redisClient, 24*time.Hour)
	tokens := token.NewClientCredentialsProvider(cfg.TokenEnvironments())

	republisher := republish.New(eventBus, cfg.PickingTimeout(), view.DeliveryTypeOf, func(subscriptionID string) string { return "" })

	successHandler := successprobe.New(healthRegistry, breakers, messages, republisher, cfg.RepublishingBatchSize)
	incidentCapturer := incident.NewCapturer(breakers, healthRegistry, timelineStore)
	successHandler.SetIncidentCapturer(incidentCapturer)

	identity := func(subscriptionID string) (subscriberID, publisherID, environment string, ok bool) {
		proj, found := view.Get(subscriptionID)
		if !found {
			return "", "", "", false
		}
		return proj.SubscriberID, proj.PublisherID, proj.Environment, true
	}

	probeScheduler := probe.NewScheduler(probe.Config{
		HTTPTimeout:      cfg.MaxTimeout(),
		MaxConnections:   cfg.MaxConnections,
		SuccessfulCodes:  cfg.SuccessfulStatusCodes,
		PerHostRateLimit: 1,
		PerHostBurst:     1,
	}, tokens, healthRegistry, breakers, identity, successHandler.Run)
	probeScheduler.SetMetrics(metrics)
	republisher.SetMetrics(metrics)

	reconciler := subscription.NewReconciler(healthRegistry, breakers, probeScheduler, messages, republisher, successHandler, cfg.RepublishingBatchSize, cfg.RequestDelay())

	reconcilerPool := workerpool.New(cfg.ReconcilerPool.CoreSize, cfg.ReconcilerPool.QueueCapacity)
	defer reconcilerPool.Close()

	stream := NewBreakerStreamHub()
	go stream.Run(ctx)

	orchestrator := NewBreakerOrchestrator(coord, breakers, view, reconciler, reconcilerPool, timelineStore, stream, cfg.PollingInterval(), cfg.PollingBatchSize)
	orchestrator.SetMetrics(metrics)
	go orchestrator.Run(ctx)

	// Startup recovery waits for the subscription watcher (out of core
	// scope) to finish its initial sync before replaying in-flight work.
	go func() {
		time.Sleep(5 * time.Second)
		orchestrator.StartupRecovery(ctx)
	}()

	scans := NewScheduledScans(coord, messages, republisher, cfg.PollingInterval(), cfg.DeliveringStatesOffset(), cfg.RepublishingBatchSize)
	go scans.Run(ctx)

	go tokenRefreshLoop(ctx, tokens)

	// A second, independent EpochGuard: the orchestrator's own (o.epochs)
	// fences its scan-loop claim sequence, this one fences the admin API's
	// force-close sequence, which runs on a request goroutine outside the
	// orchestrator's control entirely.
	adminEpochGuard := resilience.NewEpochGuard(coord)

	admin := NewAdminAPI(breakers, healthRegistry, probeScheduler, messages, republisher, view, coord, idemStore, incidentCapturer, adminEpochGuard, cfg.RepublishingBatchSize)

	mux := http.NewServeMux()
	registerRoutes(mux, admin, stream)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := middleware.CORSMiddleware(mux)

	srv := &http.Server{Addr: ":8080", Handler: handler}

	go func() {
		log.Println("Polaris admin surface listening on :8080")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown signal received: draining in-flight work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.MaxTimeout()+cfg.RepublishingTimeout())
	defer cancel()
	srv.Shutdown(shutdownCtx)

	reconcilerPool.Close()

	if err := coord.GlobalUnlock(shutdownCtx); err != nil {
		log.Printf("releasing global lock on shutdown: %v", err)
	}
	coord.Close()
}

func registerRoutes(mux *http.ServeMux, admin *AdminAPI, stream *BreakerStreamHub) {
	authGate := func(h http.Handler) http.Handler { return middleware.AuthMiddleware(h) }

	mux.Handle("/circuit-breakers", authGate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			admin.HandleListCircuitBreakers(w, r)
		case http.MethodDelete:
			middleware.RequireRole(auth.RoleOperator, admin.WithIdempotency(admin.HandleForceClose)).ServeHTTP(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	mux.Handle("/circuit-breakers/", authGate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subscriptionID := strings.TrimPrefix(r.URL.Path, "/circuit-breakers/")
		if subscriptionID == "" || r.Method != http.MethodGet {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		admin.HandleGetCircuitBreaker(w, r, subscriptionID)
	})))

	mux.Handle("/circuit-breakers/stream", authGate(http.HandlerFunc(stream.HandleStream)))

	mux.Handle("/health-checks", authGate(http.HandlerFunc(admin.HandleHealthChecks)))
	mux.Handle("/pods", authGate(http.HandlerFunc(admin.HandlePods)))
}

func tokenRefreshLoop(ctx context.Context, tokens *token.ClientCredentialsProvider) {
	ticker := time.NewTicker(4 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens.RefreshAll(ctx)
		}
	}
}
