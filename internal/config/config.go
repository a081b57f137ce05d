package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Config is the top-level configuration tree, unmarshaled from YAML and then
// overlaid with environment variables.
type Config struct {
	Base      BaseConfig      `koanf:"base"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Retention RetentionConfig `koanf:"retention"`
}

type BaseConfig struct {
	StatsIntervalSeconds         int    `koanf:"stats_interval"`
	ConsumerThreads              int    `koanf:"consumer_threads"`
	HeartbeatMaxAgeMinutes       int    `koanf:"heartbeat_max_age"`
	WriterMaxThreadsPerType      int    `koanf:"writer_max_threads_per_type"`
	WriterAllowedOverQueueTimes  int    `koanf:"writer_allowed_over_queue_times"`
	WriterSecondsThreadScaleBack int    `koanf:"writer_seconds_thread_scale_back"`
	WriterRebalanceSeconds       int    `koanf:"writer_rebalance_seconds"`
	WriterQueueSize              int    `koanf:"writer_queue_size"`
	ConsumerQueueSize            int    `koanf:"consumer_queue_size"`
	HTTPListen                   string `koanf:"http_listen"`
	LogLevel                     string `koanf:"log_level"`
	ShutdownTimeoutSeconds       int    `koanf:"shutdown_timeout_seconds"`
	InstanceID                   string `koanf:"instance_id"`
}

type PostgresConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	DBName          string `koanf:"db_name"`
	Username        string `koanf:"username"`
	Password        string `koanf:"password"`
	SSLEnable       bool   `koanf:"ssl_enable"`
	SSLMode         string `koanf:"ssl_mode"`
	MaxConns        int32  `koanf:"max_conns"`
	MinConns        int32  `koanf:"min_conns"`
	BatchRecords    int    `koanf:"batch_records"`
	BatchTimeMillis int    `koanf:"batch_time_millis"`
	Retries         int    `koanf:"retries"`
}

type KafkaConfig struct {
	Brokers                    []string   `koanf:"brokers"`
	ClientID                   string     `koanf:"client_id"`
	TLS                        TLSConfig  `koanf:"tls"`
	SASL                       SASLConfig `koanf:"sasl"`
	TopicSubscribeDelayMillis  int        `koanf:"topic_subscribe_delay_millis"`
	SubscriptionTimeoutSeconds int        `koanf:"subscription_timeout_seconds"`
	SubscribeTopicPatterns     []string   `koanf:"subscribe_topic_patterns"`
	NotificationTopic          string     `koanf:"notification_topic"`
	FetchMaxBytes              int32      `koanf:"fetch_max_bytes"`
}

// IngestConfig tunes the attribute dedup cache sitting in front of the
// base_attrs writer: a base attribute hash seen again within the TTL is
// suppressed rather than re-written, since BGP churn repeats the same
// attribute set across many prefixes.
type IngestConfig struct {
	AttrDedupTTLMillis           int  `koanf:"attr_dedup_ttl_millis"`
	AttrDedupPurgeIntervalMillis int  `koanf:"attr_dedup_purge_interval_millis"`
	StoreRawPayload              bool `koanf:"store_raw_payload"`
	StoreRawPayloadCompress      bool `koanf:"store_raw_payload_compress"`
	PoolResetDeadlineMillis      int  `koanf:"pool_reset_deadline_millis"`
}

// RetentionConfig bounds the unbounded-growth history tables: bmp_stats
// accumulates one row per report rather than upserting in place, so it needs
// a sweep to drop rows older than the retention window.
type RetentionConfig struct {
	Days              int    `koanf:"days"`
	Timezone          string `koanf:"timezone"`
	SweepIntervalSecs int    `koanf:"sweep_interval_seconds"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// DSN builds a libpq-style connection string from the discrete Postgres fields.
func (p PostgresConfig) DSN() string {
	sslmode := p.SSLMode
	if !p.SSLEnable {
		sslmode = "disable"
	} else if sslmode == "" {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.Username, p.Password, p.Host, p.Port, p.DBName, sslmode)
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPWATCH_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("BGPWATCH_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPWATCH_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Base: BaseConfig{
			StatsIntervalSeconds:         30,
			ConsumerThreads:              1,
			HeartbeatMaxAgeMinutes:       5,
			WriterMaxThreadsPerType:      4,
			WriterAllowedOverQueueTimes:  3,
			WriterSecondsThreadScaleBack: 300,
			WriterRebalanceSeconds:       60,
			WriterQueueSize:              5000,
			ConsumerQueueSize:            10000,
			HTTPListen:                   ":8080",
			LogLevel:                     "info",
			ShutdownTimeoutSeconds:       30,
			InstanceID:                   "bgpwatch-aggregator-1",
		},
		Postgres: PostgresConfig{
			Port:            5432,
			MaxConns:        20,
			MinConns:        2,
			BatchRecords:    3000,
			BatchTimeMillis: 300,
			Retries:         5,
		},
		Kafka: KafkaConfig{
			ClientID:                   "bgpwatch-aggregator",
			FetchMaxBytes:              52428800,
			TopicSubscribeDelayMillis:  10000,
			SubscriptionTimeoutSeconds: 3600,
			NotificationTopic:          "bgpdata.parsed.notification",
		},
		Ingest: IngestConfig{
			AttrDedupTTLMillis:           1200000,
			AttrDedupPurgeIntervalMillis: 10000,
			StoreRawPayloadCompress:      true,
			PoolResetDeadlineMillis:      5000,
		},
		Retention: RetentionConfig{
			Days:              30,
			Timezone:          "UTC",
			SweepIntervalSecs: 3600,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// The spec's legacy environment names take precedence over the YAML
	// postgres.* keys without going through the generic BGPWATCH_ overlay.
	applyLegacyPostgresEnv(&cfg.Postgres)

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.SubscribeTopicPatterns) == 1 && strings.Contains(cfg.Kafka.SubscribeTopicPatterns[0], ",") {
		cfg.Kafka.SubscribeTopicPatterns = strings.Split(cfg.Kafka.SubscribeTopicPatterns[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLegacyPostgresEnv honors the POSTGRES_* environment variables named
// explicitly in the external interface contract, independent of the
// BGPWATCH_ overlay prefix used for everything else.
func applyLegacyPostgresEnv(p *PostgresConfig) {
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		p.Host = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		p.DBName = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		p.Username = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		p.Password = v
	}
	if v := os.Getenv("POSTGRES_SSL_ENABLE"); v != "" {
		p.SSLEnable = v == "true" || v == "1"
	}
	if v := os.Getenv("POSTGRES_SSL_MODE"); v != "" {
		p.SSLMode = v
	}
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if len(c.Kafka.SubscribeTopicPatterns) == 0 {
		return fmt.Errorf("config: kafka.subscribe_topic_patterns is required")
	}
	if c.Postgres.Host == "" {
		return fmt.Errorf("config: postgres.host is required")
	}
	if c.Postgres.DBName == "" {
		return fmt.Errorf("config: postgres.db_name is required")
	}
	if c.Postgres.BatchRecords <= 0 {
		return fmt.Errorf("config: postgres.batch_records must be > 0 (got %d)", c.Postgres.BatchRecords)
	}
	if c.Postgres.BatchTimeMillis <= 0 {
		return fmt.Errorf("config: postgres.batch_time_millis must be > 0 (got %d)", c.Postgres.BatchTimeMillis)
	}
	if c.Postgres.Retries < 0 {
		return fmt.Errorf("config: postgres.retries must be >= 0 (got %d)", c.Postgres.Retries)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Base.WriterMaxThreadsPerType <= 0 {
		return fmt.Errorf("config: base.writer_max_threads_per_type must be > 0 (got %d)", c.Base.WriterMaxThreadsPerType)
	}
	if c.Base.WriterQueueSize <= 0 {
		return fmt.Errorf("config: base.writer_queue_size must be > 0 (got %d)", c.Base.WriterQueueSize)
	}
	if c.Base.ConsumerQueueSize <= 0 {
		return fmt.Errorf("config: base.consumer_queue_size must be > 0 (got %d)", c.Base.ConsumerQueueSize)
	}
	if c.Base.WriterAllowedOverQueueTimes <= 0 {
		return fmt.Errorf("config: base.writer_allowed_over_queue_times must be > 0 (got %d)", c.Base.WriterAllowedOverQueueTimes)
	}
	if c.Base.WriterSecondsThreadScaleBack <= 0 {
		return fmt.Errorf("config: base.writer_seconds_thread_scale_back must be > 0 (got %d)", c.Base.WriterSecondsThreadScaleBack)
	}
	if c.Base.WriterRebalanceSeconds <= 0 {
		return fmt.Errorf("config: base.writer_rebalance_seconds must be > 0 (got %d)", c.Base.WriterRebalanceSeconds)
	}
	if c.Base.StatsIntervalSeconds <= 0 {
		return fmt.Errorf("config: base.stats_interval must be > 0 (got %d)", c.Base.StatsIntervalSeconds)
	}
	if c.Base.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: base.shutdown_timeout_seconds must be > 0 (got %d)", c.Base.ShutdownTimeoutSeconds)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Kafka.TopicSubscribeDelayMillis < 0 {
		return fmt.Errorf("config: kafka.topic_subscribe_delay_millis must be >= 0 (got %d)", c.Kafka.TopicSubscribeDelayMillis)
	}
	if c.Kafka.SubscriptionTimeoutSeconds <= 0 {
		return fmt.Errorf("config: kafka.subscription_timeout_seconds must be > 0 (got %d)", c.Kafka.SubscriptionTimeoutSeconds)
	}
	if c.Kafka.NotificationTopic == "" {
		return fmt.Errorf("config: kafka.notification_topic is required")
	}
	if c.Ingest.AttrDedupTTLMillis <= 0 {
		return fmt.Errorf("config: ingest.attr_dedup_ttl_millis must be > 0 (got %d)", c.Ingest.AttrDedupTTLMillis)
	}
	if c.Ingest.AttrDedupPurgeIntervalMillis <= 0 {
		return fmt.Errorf("config: ingest.attr_dedup_purge_interval_millis must be > 0 (got %d)", c.Ingest.AttrDedupPurgeIntervalMillis)
	}
	if c.Ingest.PoolResetDeadlineMillis <= 0 {
		return fmt.Errorf("config: ingest.pool_reset_deadline_millis must be > 0 (got %d)", c.Ingest.PoolResetDeadlineMillis)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Retention.SweepIntervalSecs <= 0 {
		return fmt.Errorf("config: retention.sweep_interval_seconds must be > 0 (got %d)", c.Retention.SweepIntervalSecs)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
