package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/portal-scheduling/internal/api"
	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/booking"
	"github.com/hackgods/portal-scheduling/internal/config"
	"github.com/hackgods/portal-scheduling/internal/db"
	"github.com/hackgods/portal-scheduling/internal/logging"
	"github.com/hackgods/portal-scheduling/internal/metrics"
	redisclient "github.com/hackgods/portal-scheduling/internal/redis"
	"github.com/hackgods/portal-scheduling/internal/session"
)

var version = "dev"

func main() {
	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	cfg, err := config.Load()
	if err != nil {
		fatalLog := logging.New("info", true)
		fatalLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.LogLevel, cfg.Dev())
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres setup error")
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

	hours, err := config.LoadWorkingHours(cfg.WorkingHoursFile)
	if err != nil {
		log.Fatal().Err(err).Msg("working hours error")
	}

	serverMetrics := metrics.NewServerMetrics(prometheus.DefaultRegisterer)

	svc := booking.NewService(booking.Deps{
		Repo:      appointment.NewPgRepository(pgPool),
		Locker:    redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL, cfg.LockWait),
		Publisher: redisclient.NewRedisPublisher(rdb),
		Hours:     hours,
		Metrics:   serverMetrics,
		Log:       log.With().Str("component", "booking").Logger(),
	}, cfg)

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Sessions: session.NewIssuer(cfg.JWTSecret, 0),
		Redis:    rdb,
		Postgres: api.PostgresPinger(pgPool),
		Metrics:  serverMetrics,
		Log:      log.With().Str("component", "http").Logger(),
		Location: cfg.Location,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("http server error")
	}

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if serveErr != nil {
		exitCode = 1
	}
}
