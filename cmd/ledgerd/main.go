// Command ledgerd runs the verifiable append-only ledger service: storage
// dialect selection, the single-writer append service, the background
// integrity monitor, and the HTTP/JSON binding, wired together and served
// until SIGTERM the same way the corpus's cmd/api/main.go does.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/ledger/internal/api"
	"github.com/ocx/ledger/internal/config"
	"github.com/ocx/ledger/internal/events"
	"github.com/ocx/ledger/internal/identity"
	"github.com/ocx/ledger/internal/ledger"
	"github.com/ocx/ledger/internal/monitor"
	"github.com/ocx/ledger/internal/storage"
	"github.com/ocx/ledger/internal/webhooks"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, continuing with process environment")
	}

	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	bus, closeBus := buildEventBus(cfg)
	if closeBus != nil {
		defer closeBus()
	}

	hookRegistry := webhooks.NewRegistry()
	hookEmitter := buildWebhookDispatcher(cfg, hookRegistry)
	defer hookEmitter.Shutdown()

	// svc and the websocket alert stream are both filled in after
	// construction — the monitor needs an emitter and a tree-invalidation
	// hook before either exists, and the server needs svc before its
	// AlertStream exists — so both closures read through a pointer set
	// later in this function instead of requiring a strict build order.
	var svc *ledger.Service
	var alertStream *api.AlertStream
	emitter := fanoutEmitter{targets: []events.EventEmitter{bus, lazyEmitter{func() events.EventEmitter {
		if alertStream == nil {
			return nil
		}
		return alertStream
	}}}}

	mon := monitor.New(store, emitter, hookEmitter, time.Duration(cfg.Monitor.ScanIntervalSec)*time.Second, func(ledgerID string) {
		if svc != nil {
			svc.InvalidateTree(ledgerID)
		}
	})
	svc = ledger.New(store, mon)

	var authProvider ledger.AuthContextProvider
	if socketPath := os.Getenv("SPIFFE_ENDPOINT_SOCKET"); socketPath != "" {
		provider, err := identity.NewSPIFFEAuthContextProvider(socketPath)
		if err != nil {
			slog.Warn("SPIFFE identity unavailable, falling back to X-Tenant-ID header", "error", err)
		} else {
			authProvider = provider
			defer provider.Close()
		}
	}

	server := api.NewServer(svc, authProvider, cfg.Server.CORSAllowOrigins)
	alertStream = server.AlertStream()

	go mon.Run(ctx)

	addr := ":" + cfg.Server.Port
	readTimeout := time.Duration(cfg.Server.ReadTimeoutSec) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeoutSec) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeoutSec) * time.Second

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("received shutdown signal, shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("ledger service starting", "addr", addr, "storage_dialect", cfg.Storage.Dialect)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("ledger service stopped")
}

// fanoutEmitter broadcasts every event to both the event bus and the
// websocket alert stream, so an operator connected to /v1/alerts/stream
// sees the same CRITICAL/WARNING findings that get published as CloudEvents.
type fanoutEmitter struct {
	targets []events.EventEmitter
}

func (f fanoutEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	for _, t := range f.targets {
		if t != nil {
			t.Emit(eventType, source, subject, data)
		}
	}
}

// lazyEmitter resolves its target on every call instead of at construction,
// so a forward reference (the server's AlertStream, built after the monitor
// that needs to target it) can be wired without a setter on Monitor.
type lazyEmitter struct {
	resolve func() events.EventEmitter
}

func (l lazyEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	if target := l.resolve(); target != nil {
		target.Emit(eventType, source, subject, data)
	}
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Storage, func() error, error) {
	var base storage.Storage
	var closeFn func() error

	switch cfg.Storage.Dialect {
	case "postgres":
		sqlStore, err := storage.NewSQL(ctx, cfg.Storage.Postgres.DSN, time.Duration(cfg.Storage.Postgres.ConnectTimeout)*time.Second)
		if err != nil {
			return nil, nil, err
		}
		base, closeFn = sqlStore, sqlStore.Close
	case "spanner":
		spannerStore, err := storage.NewSpanner(ctx, cfg.Storage.Spanner.ProjectID, cfg.Storage.Spanner.InstanceID, cfg.Storage.Spanner.DatabaseID)
		if err != nil {
			return nil, nil, err
		}
		base, closeFn = spannerStore, func() error { spannerStore.Close(); return nil }
	default:
		base = storage.NewMemory()
	}

	if cfg.Storage.Blob.Enabled {
		base = storage.NewBlob(base, cfg.Storage.Blob.SupabaseURL, cfg.Storage.Blob.SupabaseAPIKey, cfg.Storage.Blob.Bucket, cfg.Storage.Blob.HotWatermark)
	}

	if cfg.Storage.Cache.Backend == "redis" {
		cached, err := storage.NewCached(ctx, base, cfg.Storage.Cache.Addr, time.Duration(cfg.Storage.Cache.TTLSeconds)*time.Second, time.Duration(cfg.Storage.Cache.TimeoutMs)*time.Millisecond)
		if err != nil {
			slog.Warn("redis cache unavailable, continuing without it", "error", err)
		} else {
			prevClose := closeFn
			closeFn = func() error {
				cached.Close()
				if prevClose != nil {
					return prevClose()
				}
				return nil
			}
			base = cached
		}
	}

	return base, closeFn, nil
}

func buildEventBus(cfg *config.Config) (events.EventEmitter, func() error) {
	if cfg.PubSub.Enabled {
		psBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err == nil {
			return psBus, psBus.Close
		}
		slog.Warn("pub/sub event bus unavailable, falling back to in-memory bus", "error", err)
	}
	bus := events.NewEventBus()
	return bus, nil
}

func buildWebhookDispatcher(cfg *config.Config, registry *webhooks.Registry) webhooks.WebhookEmitter {
	if cfg.CloudTasks.Enabled {
		dispatcher, err := webhooks.NewCloudDispatcher(registry, cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, cfg.Webhook.WorkerCount)
		if err == nil {
			return dispatcher
		}
		slog.Warn("cloud tasks dispatcher unavailable, falling back to in-memory dispatcher", "error", err)
	}
	return webhooks.NewDispatcher(registry, cfg.Webhook.WorkerCount)
}
