package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/geo"
	httpapi "github.com/example/ride-booking/internal/http"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/location"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	health := map[string]httpapi.HealthCheck{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if pg, ok := store.(*storage.PostgresStore); ok {
		health["postgres"] = pg.Ping
	}

	var redisGeo *geo.RedisGeo
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		redisGeo = geo.NewRedisGeo(rc, cfg.RedisGeoKey, 0)
		health["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	locOpts := []location.Option{location.WithLogger(logger)}
	if redisGeo != nil {
		locOpts = append(locOpts, location.WithMirror(redisGeo))
	}
	locations := location.NewService(store, cfg.Region, locOpts...)

	wsReg := dispatch.NewWSRegistry()
	notifiers := []dispatch.Notifier{wsReg}
	if cfg.DispatchWebhookURL != "" {
		notifiers = append(notifiers, dispatch.NewWebhookDispatcher(cfg.DispatchWebhookURL))
	}

	estimator := &eta.Cached{Fallback: eta.Naive{SpeedMps: cfg.DefaultSpeedMps}, Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMURL != "" {
		estimator.Primary = eta.NewOSRMClient(cfg.OSRMURL)
	}

	svc := &matcher.Service{
		Locations: locations,
		Geo:       matcher.StoreGeo{Fleet: store},
		Store:     store,
		Dispatch:  dispatch.NewFanout(logger, notifiers...),
		ETA:       estimator,
		Fares:     &cfg.Fares,
		TopN:      cfg.MatcherTopN,
		Logger:    logger,
	}
	if cfg.CandidateSource == config.CandidateSourceRedis && redisGeo != nil {
		svc.Geo = redisGeo
	}
	rides := &matcher.RideService{Store: store, Logger: logger}
	if cfg.StripeAPIKey != "" {
		stripeClient := payments.NewStripeClient(cfg.StripeAPIKey, cfg.PaymentCurrency)
		svc.Payments = stripeClient
		rides.Payments = stripeClient
	}

	srv := &httpapi.Server{
		Locations:   locations,
		Matcher:     svc,
		Rides:       rides,
		Fleet:       store,
		WSReg:       wsReg,
		Health:      health,
		RiderPrefix: cfg.RouteVocabulary,
	}
	if redisGeo != nil {
		srv.Index = redisGeo
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		defer producer.Close()
		svc.Events = producer
		srv.Events = producer
	}
	if cfg.JWTSecret != "" {
		srv.Auth = auth.NewVerifier(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set; API authentication disabled")
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(srv, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-booking listening", "addr", cfg.HTTPAddr, "candidate_source", cfg.CandidateSource)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore connects to Postgres when PG_DSN is set and otherwise falls back
// to the in-memory store.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := storage.NewPostgresStore(connectCtx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		path := filepath.Join(cfg.MigrationsDir, "001_init.sql")
		script, err := os.ReadFile(path)
		if err != nil {
			pg.Close()
			return nil, nil, err
		}
		if err := pg.Migrate(connectCtx, string(script)); err != nil {
			pg.Close()
			return nil, nil, err
		}
		logger.Info("migration applied", "file", path)
	}
	return pg, func() { _ = pg.Close() }, nil
}
