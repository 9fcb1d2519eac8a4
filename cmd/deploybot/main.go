package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/deploybot/internal/api"
	"github.com/jordanhubbard/deploybot/internal/auth"
	"github.com/jordanhubbard/deploybot/internal/bindings"
	"github.com/jordanhubbard/deploybot/internal/cache"
	"github.com/jordanhubbard/deploybot/internal/config"
	"github.com/jordanhubbard/deploybot/internal/dispatcher"
	"github.com/jordanhubbard/deploybot/internal/events"
	"github.com/jordanhubbard/deploybot/internal/logbroker"
	"github.com/jordanhubbard/deploybot/internal/metrics"
	"github.com/jordanhubbard/deploybot/internal/queue"
	"github.com/jordanhubbard/deploybot/internal/registry"
	"github.com/jordanhubbard/deploybot/internal/store"
	"github.com/jordanhubbard/deploybot/internal/telemetry"
	"github.com/jordanhubbard/deploybot/internal/webhook"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("deploybot v%s\n", version)
		return
	}

	// .env is optional; explicit environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	st, err := store.Open(store.Options{
		Type:            cfg.Database.Type,
		Path:            cfg.Database.Path,
		DSN:             cfg.Database.DSN,
		LogRetentionCap: cfg.Logs.PerJobRetentionCap,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	// Optional tracing.
	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("Warning: failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Optional job event bus.
	var eventPublisher dispatcher.EventPublisher
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewPublisher(events.Config{
			URL:        cfg.Events.NATSURL,
			StreamName: cfg.Events.StreamName,
		})
		if err != nil {
			log.Printf("Warning: job event bus disabled: %v", err)
		} else {
			defer pub.Close()
			eventPublisher = pub
		}
	}

	loader, err := bindings.NewLoader(cfg.Webhook.BindingsPath)
	if err != nil {
		log.Fatalf("failed to load bindings from %s: %v", cfg.Webhook.BindingsPath, err)
	}
	defer loader.Close()

	broker := logbroker.New(st, logbroker.Options{
		RingSize:         cfg.Logs.RingSize,
		SubscriberBuffer: cfg.Logs.SubscriberBuffer,
		DropHook:         func(string) { m.LogSubsDroppedTotal.Inc() },
	})

	q := queueFromStore(st)
	disp := dispatcher.New(st, q, broker, m, dispatcher.Options{
		OrphanTimeout:     cfg.Jobs.OrphanTimeout,
		SweepInterval:     cfg.Jobs.OrphanSweepInterval,
		AgentOfflineAfter: cfg.Agents.OfflineAfter,
		Events:            eventPublisher,
	})
	disp.Start()
	defer disp.Stop()

	var tokens *auth.Manager
	if cfg.Agents.TokenSecret != "" {
		tokens = auth.NewManager(cfg.Agents.TokenSecret, 0)
	}

	reg := registry.New(st, tokens, disp, m, registry.Options{
		StaleAfter:    cfg.Agents.StaleAfter,
		OfflineAfter:  cfg.Agents.OfflineAfter,
		SweepInterval: cfg.Agents.SweepInterval,
	})
	reg.Start()
	defer reg.Stop()

	translator := webhook.NewTranslator(cfg.Webhook.Secret, loader, disp)

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		backend, err := cacheBackend(cfg)
		if err != nil {
			log.Printf("Warning: response cache disabled: %v", err)
		} else {
			responseCache = cache.New(backend, cfg.Cache.TTL)
		}
	}

	apiServer := api.NewServer(st, reg, disp, translator, broker, m, tokens, responseCache, api.Options{
		HeartbeatDeadline:  cfg.Agents.HeartbeatDeadline,
		RequireAgentTokens: cfg.Agents.RequireTokens,
	})
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "deploybot-http")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] deploybot v%s listening on %s", version, httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server failed: %v", err)
	case sig := <-stop:
		log.Printf("[Server] Received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Forced shutdown: %v", err)
	}
	log.Printf("[Server] Shutdown complete")
}

// queueFromStore builds the in-memory queue and reinjects persisted pending
// jobs so a restart resumes exactly where it left off.
func queueFromStore(st *store.Store) *queue.Queue {
	q := queue.New(st)
	if err := q.Load(); err != nil {
		log.Fatalf("failed to rebuild queue from store: %v", err)
	}
	return q
}

func cacheBackend(cfg *config.Config) (cache.Backend, error) {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedisBackend(cfg.Cache.RedisURL)
	}
	return cache.NewMemoryBackend(), nil
}
