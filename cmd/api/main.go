package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"membership-reconciler/internal/approval"
	"membership-reconciler/internal/audit"
	"membership-reconciler/internal/auth"
	"membership-reconciler/internal/config"
	"membership-reconciler/internal/events"
	"membership-reconciler/internal/ingest"
	"membership-reconciler/internal/matching"
	"membership-reconciler/internal/metrics"
	"membership-reconciler/internal/registry"
	"membership-reconciler/internal/renewal"
	"membership-reconciler/internal/staging"
	"membership-reconciler/pkg/logger"
	"membership-reconciler/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local runs read .env; deployed environments set real env vars.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env load failed", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	stagingDB, err := utils.OpenPostgres(rootCtx, "pgx", cfg.DB.DSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("staging postgres init failed", "err", err)
		os.Exit(1)
	}
	defer stagingDB.Close()

	registryDB, err := utils.OpenPostgres(rootCtx, "pgx", cfg.RegistryDB.DSN(), utils.PostgresPoolConfig{MaxOpenConns: 10})
	if err != nil {
		log.Error("registry postgres init failed", "err", err)
		os.Exit(1)
	}
	defer registryDB.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	var publisher events.Publisher = events.NoopPublisher{Log: log}
	if cfg.AMQP.URL != "" {
		p, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			// Outcome events are best-effort; the service runs without a broker.
			log.Warn("amqp unavailable; outcome events disabled", "err", err)
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	reg := registry.NewPostgres(registryDB, registry.Options{
		Cards: renewal.RandomCardNumbers{Prefix: cfg.Membership.CardPrefix},
		OnCardCollision: func(cardNo string) {
			m.IncCardCollision()
			log.Debug("card number collision", "card_no", cardNo)
		},
	})
	store := staging.NewPostgresStore(stagingDB)

	engine := approval.New(approval.Deps{
		Staging:  store,
		Registry: reg,
		Audit:    audit.NewService(audit.NewPostgresRepo(stagingDB)),
		Matcher:  matching.NewMatcher(reg),
		Events:   publisher,
		Metrics:  m,
		Log:      log,
		Location: cfg.Location(),
	})
	orders := ingest.NewAdapter(store, ingest.Options{
		Category: cfg.Membership.Category,
		Dedupe:   ingest.NewRedisDeduper(rdb, cfg.Webhook.DedupeTTL),
		Metrics:  m,
		Log:      log,
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		engine:        engine,
		orders:        orders,
		webhookSecret: cfg.Webhook.Secret,
		authMW:        auth.RequireAccessToken(authManager),
		gatherer:      promReg,
		ready: func(ctx context.Context) error {
			return errors.Join(
				utils.HealthCheck(ctx, stagingDB, 2*time.Second),
				utils.HealthCheck(ctx, registryDB, 2*time.Second),
			)
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
