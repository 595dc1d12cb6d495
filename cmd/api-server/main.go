package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/api"
	"github.com/hackgods/waitlist-fulfillment/internal/appointment"
	"github.com/hackgods/waitlist-fulfillment/internal/audit"
	"github.com/hackgods/waitlist-fulfillment/internal/config"
	"github.com/hackgods/waitlist-fulfillment/internal/db"
	"github.com/hackgods/waitlist-fulfillment/internal/directory"
	"github.com/hackgods/waitlist-fulfillment/internal/gateway"
	"github.com/hackgods/waitlist-fulfillment/internal/logger"
	"github.com/hackgods/waitlist-fulfillment/internal/metrics"
	"github.com/hackgods/waitlist-fulfillment/internal/ratelimit"
	redisclient "github.com/hackgods/waitlist-fulfillment/internal/redis"
	"github.com/hackgods/waitlist-fulfillment/internal/waitlist"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logger.New(cfg.Env, "api-server")
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("audit_sink", cfg.AuditSink).
		Dur("hold_ttl", cfg.HoldTTL).
		Dur("lock_ttl", cfg.LockTTL).
		Msg("api-server starting up")

	metrics.Init()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN,
		db.WithMaxConns(cfg.PostgresMaxConn),
		db.WithApplicationName("waitlist-api"),
	)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	if cfg.AutoMigrate {
		n, err := db.Migrate(rootCtx, pgPool)
		if err != nil {
			log.Fatal().Err(err).Msg("migration error")
		}
		log.Info().Int("applied", n).Msg("migrations complete")
	}

	rdb, err := redisclient.Connect(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	var sink audit.Sink
	switch cfg.AuditSink {
	case "kafka":
		ks := audit.NewKafkaSink(audit.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaAuditTopic))
		defer func() {
			if err := ks.Close(); err != nil {
				log.Error().Err(err).Msg("error closing kafka writer")
			}
		}()
		sink = ks
	default:
		sink = audit.NewPgSink(pgPool)
	}
	recorder := audit.NewRecorder(sink, log)

	var gw waitlist.NotificationGateway
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayToken)
	} else {
		log.Warn().Msg("GATEWAY_URL not set, notifications are logged only")
		gw = gateway.NewLogGateway(log)
	}

	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisStore(redisclient.NewSlidingWindow(rdb)),
		ratelimit.Rules{
			MaxPerHour: cfg.RateMaxPerHour,
			MaxPerDay:  cfg.RateMaxPerDay,
			Cooldown:   cfg.RateCooldown,
		},
	)
	rules := limiter.Rules()
	log.Info().
		Int("max_per_hour", rules.MaxPerHour).
		Int("max_per_day", rules.MaxPerDay).
		Dur("cooldown", rules.Cooldown).
		Msg("notification rate limits")

	loc := cfg.Location()
	repo := waitlist.NewPgRepository(pgPool)
	dir := directory.NewPgDirectory(pgPool)

	dispatcher := waitlist.NewDispatcher(repo, dir, limiter, gw, recorder, log, loc)
	tx := db.NewTxRunner(pgPool)
	holds := waitlist.NewHoldManager(waitlist.HoldManagerDeps{
		Repo:     repo,
		Tx:       tx,
		Locker:   redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		Matcher:  waitlist.NewSlotMatcher(repo, loc),
		Notifier: dispatcher,
		Booker:   appointment.NewPgBooker(pgPool),
		Audit:    recorder,
		Log:      log,
	}, cfg.HoldTTL)
	replies := waitlist.NewReplyResolver(repo, dir, holds, tx, recorder, log, cfg.ReplyLookback)

	router := api.NewRouter(api.RouterConfig{
		Holds:         holds,
		Replies:       replies,
		Postgres:      pgPool,
		Redis:         rdb,
		Log:           log,
		Env:           cfg.Env,
		Version:       version,
		DefaultTenant: cfg.DefaultTenant,
		MaxMatches:    cfg.MaxMatches,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
