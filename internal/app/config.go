package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/geo"
	"github.com/vladislavdragonenkov/repairdesk/internal/service/lifecycle"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverMongo    = "mongo"

	NotifierNone   = "none"
	NotifierKafka  = "kafka"
	NotifierRabbit = "rabbitmq"
)

// Config описывает настройки запуска сервиса заявок.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	MongoURI            string
	MongoDatabase       string

	Notifier       string
	KafkaBrokers   string
	KafkaTopic     string
	RabbitURL      string
	RabbitExchange string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	EphemeralCleanupInterval  time.Duration
	EphemeralCleanupBatchSize int
	IdempotencyTTL            time.Duration

	GeofenceRadiusMeters float64
	ForceStatusEnabled   bool
	DisplayTimeZone      string
	// MediaLimits переопределяет максимум по категориям медиа: "site=3,finish=2".
	MediaLimits string
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		MongoDatabase:       "repairdesk",

		Notifier:       NotifierNone,
		KafkaTopic:     "repairdesk.order.events",
		RabbitExchange: "repairdesk.order_events",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		EphemeralCleanupInterval:  10 * time.Minute,
		EphemeralCleanupBatchSize: 500,
		IdempotencyTTL:            24 * time.Hour,

		GeofenceRadiusMeters: geo.DefaultRadiusMeters,
		ForceStatusEnabled:   true,
		DisplayTimeZone:      "UTC",
	}
}

// Validate проверяет согласованность настроек до открытия соединений.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires a DSN"))
		}
	case StorageDriverMongo:
		if strings.TrimSpace(c.MongoURI) == "" || strings.TrimSpace(c.MongoDatabase) == "" {
			errs = append(errs, errors.New("mongo storage requires a URI and a database"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.Notifier {
	case NotifierNone, "":
	case NotifierKafka:
		if len(splitList(c.KafkaBrokers)) == 0 {
			errs = append(errs, errors.New("kafka notifier requires brokers"))
		}
	case NotifierRabbit:
		if strings.TrimSpace(c.RabbitURL) == "" {
			errs = append(errs, errors.New("rabbitmq notifier requires a URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported notifier %q", c.Notifier))
	}

	if c.GeofenceRadiusMeters < 0 {
		errs = append(errs, errors.New("geofence radius must not be negative"))
	}
	if _, err := c.displayLocation(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseMediaLimits(c.MediaLimits); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LifecycleConfig переводит настройки в правила сервиса жизненного цикла.
func (c Config) LifecycleConfig() (lifecycle.Config, error) {
	loc, err := c.displayLocation()
	if err != nil {
		return lifecycle.Config{}, err
	}
	media, err := parseMediaLimits(c.MediaLimits)
	if err != nil {
		return lifecycle.Config{}, err
	}
	cfg := lifecycle.DefaultConfig()
	cfg.MediaRequirement = media
	if c.GeofenceRadiusMeters > 0 {
		cfg.GeofenceRadiusMeters = c.GeofenceRadiusMeters
	}
	cfg.ForceStatusEnabled = c.ForceStatusEnabled
	cfg.DisplayLocation = loc
	return cfg, nil
}

func (c Config) displayLocation() (*time.Location, error) {
	name := strings.TrimSpace(c.DisplayTimeZone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("display time zone %q: %w", name, err)
	}
	return loc, nil
}

// parseMediaLimits накладывает переопределения максимума на требования по умолчанию.
func parseMediaLimits(raw string) (domain.MediaRequirement, error) {
	req := domain.DefaultMediaRequirement()
	for _, pair := range splitList(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("media limit %q: expected category=max", pair)
		}
		cat := domain.MediaCategory(strings.ToLower(strings.TrimSpace(name)))
		limit, known := req[cat]
		if !known {
			return nil, fmt.Errorf("media limit %q: unknown category", pair)
		}
		maxItems, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || maxItems < limit.Min {
			return nil, fmt.Errorf("media limit %q: max must be an integer >= %d", pair, limit.Min)
		}
		limit.Max = maxItems
		req[cat] = limit
	}
	return req, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
