package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/WoodrowLove/advisorygate/internal/adapter/advisory"
	"github.com/WoodrowLove/advisorygate/internal/adapter/discord"
	"github.com/WoodrowLove/advisorygate/internal/adapter/email"
	aghttp "github.com/WoodrowLove/advisorygate/internal/adapter/http"
	agnats "github.com/WoodrowLove/advisorygate/internal/adapter/nats"
	"github.com/WoodrowLove/advisorygate/internal/adapter/natskv"
	"github.com/WoodrowLove/advisorygate/internal/adapter/otel"
	"github.com/WoodrowLove/advisorygate/internal/adapter/postgres"
	"github.com/WoodrowLove/advisorygate/internal/adapter/ristretto"
	"github.com/WoodrowLove/advisorygate/internal/adapter/slack"
	"github.com/WoodrowLove/advisorygate/internal/adapter/tiered"
	"github.com/WoodrowLove/advisorygate/internal/adapter/ws"
	"github.com/WoodrowLove/advisorygate/internal/config"
	"github.com/WoodrowLove/advisorygate/internal/domain/decision"
	"github.com/WoodrowLove/advisorygate/internal/logger"
	"github.com/WoodrowLove/advisorygate/internal/middleware"
	"github.com/WoodrowLove/advisorygate/internal/port/messagequeue"
	"github.com/WoodrowLove/advisorygate/internal/port/notifier"
	"github.com/WoodrowLove/advisorygate/internal/ratelimit"
	"github.com/WoodrowLove/advisorygate/internal/resilience"
	"github.com/WoodrowLove/advisorygate/internal/service"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"auth_enabled", cfg.Auth.Enabled,
		"backend_url", cfg.Backend.URL,
	)

	ctx := context.Background()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := agnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	kv, err := queue.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	idem := tiered.New(l1, natskv.New(kv), 5*time.Minute)

	store := postgres.NewStore(pool)

	// --- Policy ---

	snapshot := decision.DefaultSnapshot(cfg.Policy.ConfidenceThreshold)
	if cfg.Policy.RulesFile != "" {
		snapshot, err = decision.LoadSnapshot(cfg.Policy.RulesFile, cfg.Policy.ConfidenceThreshold)
		if err != nil {
			return fmt.Errorf("policy rules: %w", err)
		}
	}
	rules := decision.NewStore(snapshot)
	slog.Info("policy loaded", "version", snapshot.Version)

	// --- Resilience ---

	limiter := ratelimit.New(cfg.Rate.Limit, cfg.Rate.Window, cfg.Rate.MaxCallers)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown, cfg.Breaker.ProbeSuccesses)

	client := advisory.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.HTTPTimeout)
	client.SetBreaker(breaker)

	// --- Notification channels ---

	notifiers := notifier.NewRegistry()
	if cfg.Notify.SlackWebhook != "" {
		notifiers.Register(slack.NewNotifier(cfg.Notify.SlackWebhook))
	}
	if cfg.Notify.DiscordWebhook != "" {
		notifiers.Register(discord.NewNotifier(cfg.Notify.DiscordWebhook))
	}
	if cfg.Notify.SMTPHost != "" && len(cfg.Notify.EmailTo) > 0 {
		notifiers.Register(email.NewNotifier(email.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			From:     cfg.Notify.SMTPFrom,
			Password: cfg.Notify.SMTPPassword,
			To:       cfg.Notify.EmailTo,
		}))
	}
	slog.Info("notification channels registered", "count", notifiers.Len())

	// --- Services ---

	hub := ws.NewHub()

	gw := service.NewGateway(store, idem, limiter, breaker, rules, hub, cfg.Idempotency.TTL)
	hil := service.NewHILService(store, gw, notifiers, hub, cfg.HIL)
	hil.SetActionTokenSecret(cfg.Notify.TokenSecret)
	gw.SetApprovals(hil)

	health := service.NewHealthService(store, breaker, limiter, rules, hub, client, queue.IsConnected)
	gw.SetHealth(health)

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	gw.SetMetrics(metrics)
	hil.SetMetrics(metrics)

	breaker.SetOnTransition(func(from, to resilience.State, failures int) {
		slog.Warn("breaker transition", "from", from, "to", to, "consecutive_failures", failures)
		if to == resilience.StateOpen {
			metrics.BreakerTrips.Add(ctx, 1)
		}
		hub.BroadcastEvent(ctx, ws.EventBreakerState, ws.BreakerStateEvent{
			State:    string(to),
			Failures: failures,
		})
	})

	dispatcher := service.NewDispatcher(gw, store, queue, client, breaker,
		cfg.Dispatch.MaxInflight, cfg.Dispatch.Interval, cfg.Dispatch.SweepInterval, cfg.Backend.PollInterval)

	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	cancelResponses, err := queue.Subscribe(runCtx, messagequeue.SubjectResponses, gw.HandleResponseMessage)
	if err != nil {
		return fmt.Errorf("response subscriber: %w", err)
	}
	defer cancelResponses()

	if err := dispatcher.Reload(runCtx); err != nil {
		return fmt.Errorf("dispatch reload: %w", err)
	}
	go dispatcher.Run(runCtx)
	go hil.Run(runCtx)

	// --- HTTP ---

	handlers := aghttp.NewHandlers(gw, hil, health, hub)

	r := chi.NewRouter()
	r.Use(aghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(aghttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(aghttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.Auth(store, cfg.Auth.Enabled))

	aghttp.MountRoutes(r, handlers, cfg.Backend.APIKey)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
