package main

import (
	"fmt"
	"os"
	"time"

	"judgedispatch/internal/common/cache"
	"judgedispatch/internal/common/db"
	"judgedispatch/internal/common/mq"
	"judgedispatch/internal/common/storage"
	"judgedispatch/internal/dispatcher/judgeclient"
	"judgedispatch/internal/dispatcher/semaphore"
	"judgedispatch/internal/dispatcher/service"
	"judgedispatch/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// ConsumerConfig mirrors mq.SubscribeOptions for YAML.
type ConsumerConfig struct {
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
}

func (c ConsumerConfig) toSubscribeOptions() mq.SubscribeOptions {
	return mq.SubscribeOptions{
		ConsumerGroup:   c.ConsumerGroup,
		Concurrency:     c.Concurrency,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		DeadLetterTopic: c.DeadLetterTopic,
	}
}

// KafkaSection enables the task topic and final status events when brokers are set.
type KafkaSection struct {
	mq.KafkaConfig `yaml:",inline"`
	TaskTopic      string         `yaml:"taskTopic"`
	StatusTopic    string         `yaml:"statusTopic"`
	TaskConsumer   ConsumerConfig `yaml:"taskConsumer"`
}

// Enabled reports whether any broker is configured.
func (k KafkaSection) Enabled() bool {
	return len(k.Brokers) > 0
}

// CacheConfig holds read-through cache settings of problem and contest settings.
type CacheConfig struct {
	ProblemTTL time.Duration `yaml:"problemTTL"`
	ContestTTL time.Duration `yaml:"contestTTL"`
}

// StandingsConfig names the standings cache keys owned by the web layer.
type StandingsConfig struct {
	KeyPrefix string `yaml:"keyPrefix"`
}

// HealthConfig controls node health probing.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RejudgeConfig controls bulk rejudge.
type RejudgeConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// AppConfig holds dispatcher configuration.
type AppConfig struct {
	Server    ServerConfig           `yaml:"server"`
	Logger    logger.Config          `yaml:"logger"`
	Database  db.MySQLConfig         `yaml:"database"`
	Redis     cache.RedisConfig      `yaml:"redis"`
	MinIO     storage.MinIOConfig    `yaml:"minio"`
	Kafka     KafkaSection           `yaml:"kafka"`
	Cache     CacheConfig            `yaml:"cache"`
	Dispatch  service.DispatchConfig `yaml:"dispatch"`
	Semaphore semaphore.Config       `yaml:"semaphore"`
	Judge     judgeclient.Config     `yaml:"judge"`
	Sync      service.SyncConfig     `yaml:"sync"`
	Ingest    service.IngestConfig   `yaml:"ingest"`
	Sweep     service.SweepConfig    `yaml:"sweep"`
	Health    HealthConfig           `yaml:"health"`
	Rejudge   RejudgeConfig          `yaml:"rejudge"`
	Standings StandingsConfig        `yaml:"standings"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	if cfg.Kafka.TaskTopic == "" {
		cfg.Kafka.TaskTopic = "judge.dispatch"
	}
	if cfg.Kafka.StatusTopic == "" {
		cfg.Kafka.StatusTopic = "judge.status.final"
	}
	if cfg.Kafka.TaskConsumer.ConsumerGroup == "" {
		cfg.Kafka.TaskConsumer.ConsumerGroup = "judge-dispatcher"
	}

	if cfg.Cache.ProblemTTL == 0 {
		cfg.Cache.ProblemTTL = 10 * time.Minute
	}
	if cfg.Cache.ContestTTL == 0 {
		cfg.Cache.ContestTTL = time.Minute
	}
	if cfg.Semaphore.Name == "" {
		cfg.Semaphore.Name = "judge"
	}
	// a lease must outlive the longest judge request it guards
	if cfg.Semaphore.LeaseTimeout == 0 {
		cfg.Semaphore.LeaseTimeout = time.Hour + 5*time.Minute
	}
	if cfg.Sync.Bucket == "" {
		cfg.Sync.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
}

func validate(cfg AppConfig) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.MinIO.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if cfg.Sync.Bucket == "" {
		return fmt.Errorf("testdata bucket is required")
	}
	if cfg.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch maxAttempts must not be negative")
	}
	if cfg.Dispatch.AdmissionWait < 0 {
		return fmt.Errorf("dispatch admissionWait must not be negative")
	}
	if cfg.Kafka.Enabled() && cfg.Kafka.TaskTopic == cfg.Kafka.StatusTopic {
		return fmt.Errorf("kafka task and status topics must differ")
	}
	return nil
}
