package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/matcher"
)

const (
	CandidateSourceStore = "store"
	CandidateSourceRedis = "redis"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults are overlaid by an optional YAML file (CONFIG_FILE) and then by
// environment variables, so the binary runs locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisGeoKey     string `yaml:"redis_geo_key" validate:"required"`
	CandidateSource string `yaml:"candidate_source" validate:"oneof=store redis"`

	KafkaBrokers       []string `yaml:"kafka_brokers" validate:"dive,hostname_port"`
	KafkaLocationTopic string   `yaml:"kafka_location_topic" validate:"required"`
	KafkaRideTopic     string   `yaml:"kafka_ride_topic" validate:"required"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrations_dir"`

	MatcherTopN     int                  `yaml:"matcher_top_n" validate:"gt=0"`
	Fares           matcher.FareSchedule `yaml:"fares"`
	Region          geo.Region           `yaml:"region"`
	DefaultSpeedMps float64              `yaml:"default_speed_mps" validate:"gt=0"`
	OSRMURL         string               `yaml:"osrm_url" validate:"omitempty,url"`
	ETACacheTTL     time.Duration        `yaml:"eta_cache_ttl" validate:"gte=0"`

	DispatchWebhookURL string `yaml:"dispatch_webhook_url" validate:"omitempty,url"`
	JWTSecret          string `yaml:"jwt_secret"`
	StripeAPIKey       string `yaml:"stripe_api_key"`
	PaymentCurrency    string `yaml:"payment_currency" validate:"len=3"`
	RouteVocabulary    string `yaml:"route_vocabulary" validate:"oneof=riders customers"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
}

// ConsumerConfig is the driver-location consumer process.
type ConsumerConfig struct {
	MetricsAddr   string        `yaml:"metrics_addr" validate:"required"`
	KafkaBrokers  []string      `yaml:"kafka_brokers" validate:"min=1,dive,hostname_port"`
	KafkaTopic    string        `yaml:"kafka_location_topic" validate:"required"`
	KafkaGroup    string        `yaml:"kafka_group" validate:"required"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisGeoKey   string        `yaml:"redis_geo_key" validate:"required"`
	PGDSN         string        `yaml:"pg_dsn"`
	Region        geo.Region    `yaml:"region"`
	RetryAttempts int           `yaml:"retry_attempts" validate:"gt=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gt=0"`
	LogLevel      string        `yaml:"log_level" validate:"oneof=debug info warn warning error"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		CandidateSource:    CandidateSourceStore,
		KafkaLocationTopic: "driver-locations",
		KafkaRideTopic:     "ride-events",
		MigrationsDir:      "migrations",
		MatcherTopN:        matcher.DefaultTopN,
		Fares:              matcher.DefaultFares(),
		Region:             geo.Bengaluru(),
		DefaultSpeedMps:    10,
		ETACacheTTL:        time.Minute,
		PaymentCurrency:    "inr",
		RouteVocabulary:    "riders",
		LogLevel:           "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-booking-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		Region:        geo.Bengaluru(),
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	loadFile(&cfg, &errs)

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisPassword, "REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.CandidateSource, "CANDIDATE_SOURCE")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.Fares.Base, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.Fares.PerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.Fares.Default, "FARE_DEFAULT", &errs)
	setRegionFromEnv(&cfg.Region, &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.DispatchWebhookURL, "DISPATCH_WEBHOOK_URL")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	setStringFromEnv(&cfg.RouteVocabulary, "ROUTE_VOCABULARY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.CandidateSource = strings.ToLower(cfg.CandidateSource)
	cfg.PaymentCurrency = strings.ToLower(cfg.PaymentCurrency)

	validate(&cfg, &errs)
	if cfg.CandidateSource == CandidateSourceRedis && cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("CANDIDATE_SOURCE=redis requires REDIS_ADDR"))
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	loadFile(&cfg, &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisPassword, "REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setRegionFromEnv(&cfg.Region, &errs)
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	validate(&cfg, &errs)
	return cfg, errors.Join(errs...)
}

// loadFile overlays the YAML file named by CONFIG_FILE, if any.
func loadFile(target any, errs *[]error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("read CONFIG_FILE: %w", err))
		return
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		*errs = append(*errs, fmt.Errorf("parse CONFIG_FILE: %w", err))
	}
}

func validate(target any, errs *[]error) {
	if err := validator.New().Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				*errs = append(*errs, fmt.Errorf("invalid %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return
		}
		*errs = append(*errs, err)
	}
}

func setRegionFromEnv(r *geo.Region, errs *[]error) {
	setFloatFromEnv(&r.MinLat, "REGION_MIN_LAT", errs)
	setFloatFromEnv(&r.MaxLat, "REGION_MAX_LAT", errs)
	setFloatFromEnv(&r.MinLon, "REGION_MIN_LON", errs)
	setFloatFromEnv(&r.MaxLon, "REGION_MAX_LON", errs)
	if places := os.Getenv("REGION_PLACES"); places != "" {
		r.Places = splitAndTrim(places)
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
