package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/app"
	"github.com/vladislavdragonenkov/repairdesk/internal/version"
)

const (
	envHTTPAddr    = "REPAIRDESK_HTTP_ADDR"
	envGRPCAddr    = "REPAIRDESK_GRPC_ADDR"
	envMetricsAddr = "REPAIRDESK_METRICS_ADDR"
	envLogLevel    = "REPAIRDESK_LOG_LEVEL"
	envLogFormat   = "REPAIRDESK_LOG_FORMAT"

	envStorageDriver       = "REPAIRDESK_STORAGE_DRIVER"
	envPostgresDSN         = "REPAIRDESK_POSTGRES_DSN"
	envPostgresAutoMigrate = "REPAIRDESK_POSTGRES_AUTO_MIGRATE"
	envMongoURI            = "REPAIRDESK_MONGO_URI"
	envMongoDatabase       = "REPAIRDESK_MONGO_DATABASE"

	envNotifier       = "REPAIRDESK_NOTIFIER"
	envKafkaBrokers   = "REPAIRDESK_KAFKA_BROKERS"
	envKafkaTopic     = "REPAIRDESK_KAFKA_TOPIC"
	envRabbitURL      = "REPAIRDESK_RABBITMQ_URL"
	envRabbitExchange = "REPAIRDESK_RABBITMQ_EXCHANGE"

	envOutboxPollInterval = "REPAIRDESK_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "REPAIRDESK_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "REPAIRDESK_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "REPAIRDESK_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending   = "REPAIRDESK_OUTBOX_MAX_PENDING"

	envEphemeralCleanupInterval  = "REPAIRDESK_EPHEMERAL_CLEANUP_INTERVAL"
	envEphemeralCleanupBatchSize = "REPAIRDESK_EPHEMERAL_CLEANUP_BATCH_SIZE"
	envIdempotencyTTL            = "REPAIRDESK_IDEMPOTENCY_TTL"

	envGeofenceRadius     = "REPAIRDESK_GEOFENCE_RADIUS_METERS"
	envForceStatusEnabled = "REPAIRDESK_FORCE_STATUS_ENABLED"
	envDisplayTimeZone    = "REPAIRDESK_DISPLAY_TIMEZONE"
	envMediaLimits        = "REPAIRDESK_MEDIA_LIMITS"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования.
func setupLogger(lookup envLookup) {
	if format, _ := lookup(envLogFormat); strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok {
		if level, err := log.ParseLevel(strings.TrimSpace(raw)); err == nil {
			log.SetLevel(level)
		}
	}
}

// readConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения не применяются и возвращаются как предупреждения.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v, using default", key, err))
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	lower := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			parsed, err := parseBool(v)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int, valid func(int) bool, rule string) {
		if v, ok := lookup(key); ok {
			parsed, err := parseInt(v, valid, rule)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		if v, ok := lookup(key); ok {
			parsed, err := parseDuration(v, valid, rule)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)

	lower(envStorageDriver, &cfg.StorageDriver)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	str(envMongoURI, &cfg.MongoURI)
	str(envMongoDatabase, &cfg.MongoDatabase)

	lower(envNotifier, &cfg.Notifier)
	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envKafkaTopic, &cfg.KafkaTopic)
	str(envRabbitURL, &cfg.RabbitURL)
	str(envRabbitExchange, &cfg.RabbitExchange)

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	integer(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")

	duration(envEphemeralCleanupInterval, &cfg.EphemeralCleanupInterval, positiveDuration, "must be > 0")
	integer(envEphemeralCleanupBatchSize, &cfg.EphemeralCleanupBatchSize, positive, "must be > 0")
	duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")

	if v, ok := lookup(envGeofenceRadius); ok {
		radius, err := parseFloat(v, func(f float64) bool { return f > 0 }, "must be > 0")
		if err != nil {
			warn(envGeofenceRadius, err)
		} else {
			cfg.GeofenceRadiusMeters = radius
		}
	}
	boolean(envForceStatusEnabled, &cfg.ForceStatusEnabled)
	str(envDisplayTimeZone, &cfg.DisplayTimeZone)
	str(envMediaLimits, &cfg.MediaLimits)

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if !valid(v) {
		return 0, fmt.Errorf("value %d %s", v, rule)
	}
	return v, nil
}

func parseFloat(raw string, valid func(float64) bool, rule string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	if !valid(v) {
		return 0, fmt.Errorf("value %v %s", v, rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if !valid(v) {
		return 0, fmt.Errorf("value %s %s", v, rule)
	}
	return v, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":      version.GetVersion(),
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"notifier":     cfg.Notifier,
	}).Info("starting repair service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("repair service exited with error")
	}

	log.Info("repair service stopped")
}
