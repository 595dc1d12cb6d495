package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/audit"
	"github.com/hackgods/waitlist-fulfillment/internal/config"
	"github.com/hackgods/waitlist-fulfillment/internal/db"
	"github.com/hackgods/waitlist-fulfillment/internal/logger"
	redisclient "github.com/hackgods/waitlist-fulfillment/internal/redis"
	"github.com/hackgods/waitlist-fulfillment/internal/waitlist"
)

// The API expires holds lazily on read. This worker sweeps the rest so
// entries go back to active even when nobody touches them.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logger.New(cfg.Env, "expiry-worker")
	log.Info().Dur("interval", cfg.WorkerInterval).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.WithMaxConns(2), db.WithApplicationName("waitlist-expiry"))
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.Connect(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 2,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()

	var sink audit.Sink = audit.NewPgSink(pgPool)
	if cfg.AuditSink == "kafka" {
		ks := audit.NewKafkaSink(audit.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaAuditTopic))
		defer ks.Close()
		sink = ks
	}

	holds := waitlist.NewHoldManager(waitlist.HoldManagerDeps{
		Repo:   waitlist.NewPgRepository(pgPool),
		Tx:     db.NewTxRunner(pgPool),
		Locker: redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		Audit:  audit.NewRecorder(sink, log),
		Log:    log,
	}, cfg.HoldTTL)

	runOnce(rootCtx, log, holds)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, log, holds)
		}
	}
}

func runOnce(ctx context.Context, log zerolog.Logger, holds *waitlist.HoldManager) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := holds.ExpireHolds(runCtx)
	if err != nil {
		log.Error().Err(err).Int("expired", n).Msg("expiry run error")
		return
	}
	log.Info().Int("expired", n).Dur("took", time.Since(start)).Msg("expiry run complete")
}
