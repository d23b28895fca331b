package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/eventrelay/internal/adapter/http"
	"github.com/Strob0t/eventrelay/internal/adapter/memory"
	cfnats "github.com/Strob0t/eventrelay/internal/adapter/nats"
	"github.com/Strob0t/eventrelay/internal/adapter/natskv"
	cfotel "github.com/Strob0t/eventrelay/internal/adapter/otel"
	"github.com/Strob0t/eventrelay/internal/adapter/postgres"
	redislog "github.com/Strob0t/eventrelay/internal/adapter/redis"
	cfristretto "github.com/Strob0t/eventrelay/internal/adapter/ristretto"
	"github.com/Strob0t/eventrelay/internal/adapter/tiered"
	"github.com/Strob0t/eventrelay/internal/adapter/ws"
	"github.com/Strob0t/eventrelay/internal/config"
	"github.com/Strob0t/eventrelay/internal/logger"
	"github.com/Strob0t/eventrelay/internal/middleware"
	"github.com/Strob0t/eventrelay/internal/port/cache"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
	"github.com/Strob0t/eventrelay/internal/resilience"
	"github.com/Strob0t/eventrelay/internal/service"
)

// JetStream KeyValue buckets.
const (
	bucketReplayCache = "REPLAY_CACHE"
	bucketIdempotency = "IDEMPOTENCY"
)

// sessionDrainTimeout bounds how long shutdown waits for sessions to write
// their bus-closed frame.
const sessionDrainTimeout = 2 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"log_backend", cfg.Log.Backend,
		"log_max_len", cfg.Log.MaxLen,
		"nats_enabled", cfg.NATS.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOtel, err := cfotel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	eventLog, err := openLog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	defer func() { _ = eventLog.Close() }()
	slog.Info("event log ready", "backend", cfg.Log.Backend, "available", eventLog.IsAvailable())

	var queue *cfnats.Queue
	if cfg.NATS.Enabled {
		queue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	// --- Services ---

	bus := service.NewBus(cfg.Stream.QueueSize)
	bus.SetMetrics(metrics)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to resilience.State) {
		slog.Warn("event log breaker state changed", "from", from.String(), "to", to.String())
	})

	publisher := service.NewPublisher(eventLog, bus, breaker)
	publisher.SetMetrics(metrics)

	replayCache, local, err := openReplayCache(ctx, cfg, queue)
	if err != nil {
		return fmt.Errorf("replay cache: %w", err)
	}
	if local != nil {
		defer local.Close()
	}

	replayer := service.NewReplayer(eventLog, replayCache, cfg.Cache.TTL)
	replayer.SetPool(resilience.NewPool(cfg.Stream.ReplayConcurrency))
	sessions := service.NewSessions(bus, replayer, cfg.Stream)
	sessions.SetMetrics(metrics)
	hub := ws.NewHub(sessions)

	if queue != nil {
		ingest := service.NewIngest(queue, publisher, cfg.NATS.Subject)
		ingest.SetMetrics(metrics)
		cancelIngest, err := ingest.Start(ctx)
		if err != nil {
			return fmt.Errorf("ingest subscriber: %w", err)
		}
		defer cancelIngest()
	}

	// --- HTTP ---

	var publishMW []cfhttp.Middleware
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		stopCleanup := limiter.StartCleanup(cfg.RateLimit.CleanupInterval, cfg.RateLimit.MaxIdle)
		defer stopCleanup()
		publishMW = append(publishMW, limiter.Handler)
	}
	if queue != nil {
		kv, err := queue.KeyValue(ctx, bucketIdempotency, cfg.NATS.IdempotencyTTL)
		if err != nil {
			return fmt.Errorf("idempotency bucket: %w", err)
		}
		publishMW = append(publishMW, middleware.Idempotency(kv))
	}

	handlers := &cfhttp.Handlers{
		Publisher:   publisher,
		Streamer:    sessions,
		Replay:      replayer,
		Log:         eventLog,
		Backend:     cfg.Log.Backend,
		Subscribers: bus.SubscriberCount,
		Sessions:    sessions.Active,
		WSConns:     hub.ConnectionCount,
	}
	if queue != nil {
		handlers.NATS = queue.IsConnected
	}
	if local != nil {
		handlers.CacheHitRatio = local.HitRatio
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cfhttp.Logger)
	r.Use(cfotel.HTTPMiddleware(cfg.Logging.Service))

	cfhttp.MountRoutes(r, handlers, hub.HandleWS, cfg.Server.RequestTimeout, publishMW...)

	addr := ":" + cfg.Server.Port

	// Request contexts derive from baseCtx so that shutdown can end open streams.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second, // streams clear their own deadline
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server", "sessions", sessions.Active())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Live sessions get an error frame telling them to reconnect. Their
		// contexts are cancelled only once every frame is written.
		bus.Close()
		hub.CloseAll()
		drainCtx, cancelDrain := context.WithTimeout(shutdownCtx, sessionDrainTimeout)
		if err := sessions.Drain(drainCtx); err != nil {
			slog.Warn("sessions not drained", "error", err)
		}
		cancelDrain()
		cancelBase()

		if queue != nil {
			if err := queue.Drain(); err != nil {
				slog.Warn("nats drain failed", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openLog builds the configured durable log backend.
func openLog(ctx context.Context, cfg *config.Config) (eventlog.Log, error) {
	switch cfg.Log.Backend {
	case config.BackendRedis:
		l, err := redislog.Connect(ctx, cfg.Redis, cfg.Log.MaxLen)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		return l, nil

	case config.BackendPostgres:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewLog(pool, cfg.Log.MaxLen, cfg.Log.TrimEvery, cfg.Postgres.PingInterval), nil

	default:
		slog.Warn("using in-memory event log, events are lost on restart")
		return memory.NewLog(int(cfg.Log.MaxLen)), nil
	}
}

// openReplayCache returns the replay batch cache and its in-process level.
// The shared JetStream bucket is layered underneath only when NATS is up and
// the log outlives the process. Both are nil when caching is disabled.
func openReplayCache(ctx context.Context, cfg *config.Config, queue *cfnats.Queue) (cache.Cache, *cfristretto.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil, nil
	}

	local, err := cfristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return nil, nil, fmt.Errorf("ristretto: %w", err)
	}
	if queue == nil || cfg.Log.Backend == config.BackendMemory {
		return local, local, nil
	}

	kv, err := queue.KeyValue(ctx, bucketReplayCache, cfg.Cache.TTL)
	if err != nil {
		local.Close()
		return nil, nil, fmt.Errorf("replay bucket: %w", err)
	}
	return tiered.New(local, natskv.New(kv), cfg.Cache.TTL), local, nil
}
