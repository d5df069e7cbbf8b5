package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/location"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_booking_consumer",
		Name:      "messages_consumed_total",
		Help:      "Driver location messages consumed.",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_booking_consumer",
		Name:      "messages_invalid_total",
		Help:      "Messages that failed to decode or validate.",
	})
	indexUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_booking_consumer",
		Name:      "redis_updates_total",
		Help:      "Successful geo index updates.",
	})
	indexErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_booking_consumer",
		Name:      "redis_errors_total",
		Help:      "Geo index updates that failed after retries.",
	})
	storeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_booking_consumer",
		Name:      "store_errors_total",
		Help:      "Driver location writes that failed in the store.",
	})
)

// LocationSink moves a driver inside the geo index. *geo.RedisGeo implements it.
type LocationSink interface {
	Move(ctx context.Context, driverID int64, loc models.Coord) error
}

type locationWriter interface {
	Set(ctx context.Context, id int64, role models.Role, loc models.Location) error
}

// handler applies one driver location message to the store and the geo index.
type handler struct {
	store    locationWriter // nil when no database is configured
	index    LocationSink
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (h *handler) handle(ctx context.Context, value []byte) error {
	msgsConsumed.Inc()
	ev, err := ingest.DecodeLocation(value)
	if err != nil {
		msgsInvalid.Inc()
		return fmt.Errorf("invalid message: %w", err)
	}
	if h.store != nil {
		loc := models.Location{Latitude: ev.Loc.Lat, Longitude: ev.Loc.Lon, Label: ev.Label}
		if err := h.store.Set(ctx, ev.DriverID, models.RoleDriver, loc); err != nil {
			storeErrors.Inc()
			h.logger.Warn("store update failed", "driver_id", ev.DriverID, "err", err)
		}
	}
	if err := updateRedisWithRetry(ctx, h.index, ev, h.attempts, h.delay); err != nil {
		indexErrors.Inc()
		return fmt.Errorf("redis update failed for driver=%d: %w", ev.DriverID, err)
	}
	indexUpdates.Inc()
	return nil
}

// updateRedisWithRetry moves the driver in the index, doubling delay between attempts.
func updateRedisWithRetry(ctx context.Context, sink LocationSink, ev models.DriverLocationEvent, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.Move(ctx, ev.DriverID, ev.Loc); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	h := &handler{
		index:    geo.NewRedisGeo(rc, cfg.RedisGeoKey, 0),
		attempts: cfg.RetryAttempts,
		delay:    cfg.RetryDelay,
		logger:   logger,
	}
	var pg *storage.PostgresStore
	if cfg.PGDSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err = storage.NewPostgresStore(connectCtx, cfg.PGDSN)
		cancel()
		if err != nil {
			logger.Error("postgres connect failed", "err", err)
			os.Exit(1)
		}
		defer pg.Close()
		h.store = location.NewService(pg, cfg.Region, location.WithLogger(logger))
	}

	go serveMetrics(cfg.MetricsAddr, rc, pg, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if err := h.handle(ctx, m.Value); err != nil {
			logger.Warn("message dropped", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

func serveMetrics(addr string, rc *redis.Client, pg *storage.PostgresStore, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		if pg != nil {
			if err := pg.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics server stopped", "err", err)
	}
}
