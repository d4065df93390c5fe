package app

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":50051" {
		t.Errorf("expected GRPCAddr :50051, got %s", cfg.GRPCAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr :9090, got %s", cfg.MetricsAddr)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Errorf("expected StorageDriver %s, got %s", StorageDriverMemory, cfg.StorageDriver)
	}
	if cfg.Notifier != NotifierNone {
		t.Errorf("expected Notifier %s, got %s", NotifierNone, cfg.Notifier)
	}
	if !cfg.PostgresAutoMigrate {
		t.Error("expected PostgresAutoMigrate to be true")
	}
	if !cfg.ForceStatusEnabled {
		t.Error("expected ForceStatusEnabled to be true")
	}
	if cfg.GeofenceRadiusMeters != 200 {
		t.Errorf("expected geofence radius 200, got %v", cfg.GeofenceRadiusMeters)
	}
	if cfg.OutboxPollInterval <= 0 || cfg.OutboxBatchSize <= 0 || cfg.OutboxMaxAttempts <= 0 {
		t.Error("expected positive outbox settings")
	}
	if cfg.EphemeralCleanupInterval <= 0 || cfg.EphemeralCleanupBatchSize <= 0 {
		t.Error("expected positive ephemeral cleanup settings")
	}
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "postgres without dsn", mutate: func(c *Config) { c.StorageDriver = StorageDriverPostgres }, wantErr: "requires a DSN"},
		{name: "mongo without uri", mutate: func(c *Config) { c.StorageDriver = StorageDriverMongo }, wantErr: "requires a URI"},
		{name: "unknown storage", mutate: func(c *Config) { c.StorageDriver = "sqlite" }, wantErr: "unsupported storage driver"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Notifier = NotifierKafka; c.KafkaBrokers = " , " }, wantErr: "requires brokers"},
		{name: "rabbit without url", mutate: func(c *Config) { c.Notifier = NotifierRabbit }, wantErr: "requires a URL"},
		{name: "unknown notifier", mutate: func(c *Config) { c.Notifier = "sqs" }, wantErr: "unsupported notifier"},
		{name: "negative radius", mutate: func(c *Config) { c.GeofenceRadiusMeters = -1 }, wantErr: "radius"},
		{name: "bad time zone", mutate: func(c *Config) { c.DisplayTimeZone = "Mars/Olympus" }, wantErr: "display time zone"},
		{name: "unknown media category", mutate: func(c *Config) { c.MediaLimits = "roof=2" }, wantErr: "unknown category"},
		{name: "malformed media limit", mutate: func(c *Config) { c.MediaLimits = "site" }, wantErr: "expected category=max"},
		{name: "media max below min", mutate: func(c *Config) { c.MediaLimits = "site=0" }, wantErr: "max must be"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestConfig_ValidateAccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.Notifier = NotifierRabbit

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DSN")
	require.Contains(t, err.Error(), "rabbitmq")
}

func TestConfig_LifecycleConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GeofenceRadiusMeters = 350
	cfg.ForceStatusEnabled = false
	cfg.DisplayTimeZone = "Asia/Shanghai"

	lc, err := cfg.LifecycleConfig()
	require.NoError(t, err)
	require.Equal(t, 350.0, lc.GeofenceRadiusMeters)
	require.False(t, lc.ForceStatusEnabled)
	require.Equal(t, "Asia/Shanghai", lc.DisplayLocation.String())
	require.Len(t, lc.MediaRequirement, 5)

	at := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)
	require.Equal(t, "2024-03-01 09:00", at.In(lc.DisplayLocation).Format("2006-01-02 15:04"))
}

func TestParseMediaLimits(t *testing.T) {
	req, err := parseMediaLimits(" Site=3, finish=2 ")
	require.NoError(t, err)
	require.Equal(t, domain.MediaLimit{Min: 1, Max: 3}, req[domain.MediaSite])
	require.Equal(t, domain.MediaLimit{Min: 1, Max: 2}, req[domain.MediaFinish])
	require.Equal(t, domain.MediaLimit{Min: 1, Max: 1}, req[domain.MediaFront])

	req, err = parseMediaLimits("")
	require.NoError(t, err)
	require.Equal(t, domain.DefaultMediaRequirement(), req)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a:9092", "b:9092"}, splitList(" a:9092, ,b:9092 "))
	require.Empty(t, splitList(""))
}
