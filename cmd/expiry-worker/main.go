package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/booking"
	"github.com/hackgods/portal-scheduling/internal/config"
	"github.com/hackgods/portal-scheduling/internal/db"
	"github.com/hackgods/portal-scheduling/internal/logging"
	"github.com/hackgods/portal-scheduling/internal/metrics"
	redisclient "github.com/hackgods/portal-scheduling/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalLog := logging.New("info", true)
		fatalLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.LogLevel, cfg.Dev())
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("pending_grace", cfg.PendingGrace).
		Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
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

	svc := booking.NewService(booking.Deps{
		Repo:      appointment.NewPgRepository(pgPool),
		Locker:    redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL, cfg.LockWait),
		Publisher: redisclient.NewRedisPublisher(rdb),
		Metrics:   metrics.NewServerMetrics(prometheus.NewRegistry()),
		Log:       log,
	}, cfg)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.ExpireStalePending(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("expiry run error")
		return
	}
	log.Info().Int("expired", n).Dur("duration", time.Since(start)).Msg("expiry run complete")
}
