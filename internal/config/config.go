package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Store      StoreConfig      `mapstructure:"store"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Inbox      InboxConfig      `mapstructure:"inbox"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Outcomes   OutcomesConfig   `mapstructure:"outcomes"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	BodyLimit       string        `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Enabled         bool     `mapstructure:"enabled"` // off: dead letters are archived in-process
	Brokers         []string `mapstructure:"brokers"`
	GroupID         string   `mapstructure:"group_id"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	MinBytes        int      `mapstructure:"min_bytes"`
	MaxBytes        int      `mapstructure:"max_bytes"`
	CommitInterval  int      `mapstructure:"commit_interval_ms"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"` // mysql | memory
	Retention time.Duration `mapstructure:"retention"`
}

type QueueConfig struct {
	Driver     string `mapstructure:"driver"` // redis | memory
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxReceive int    `mapstructure:"max_receive"`
}

type DeliveryConfig struct {
	Embedded          bool            `mapstructure:"embedded"`
	WorkerCount       int             `mapstructure:"worker_count"`
	BatchSize         int             `mapstructure:"batch_size"`
	IdleDelay         time.Duration   `mapstructure:"idle_delay"`
	VisibilityTimeout time.Duration   `mapstructure:"visibility_timeout"`
	NotifyTimeout     time.Duration   `mapstructure:"notify_timeout"`
	MaxAttempts       int             `mapstructure:"max_attempts"`
	Schedule          []time.Duration `mapstructure:"schedule"`
	Window            time.Duration   `mapstructure:"window"`
	SweepInterval     time.Duration   `mapstructure:"sweep_interval"`
	SweepGrace        time.Duration   `mapstructure:"sweep_grace"`
	SweepBatch        int             `mapstructure:"sweep_batch"`
	ReapInterval      time.Duration   `mapstructure:"reap_interval"`
	ReapBatch         int             `mapstructure:"reap_batch"`
	OpAttempts        int             `mapstructure:"op_attempts"`
	OpBaseDelay       time.Duration   `mapstructure:"op_base_delay"`
}

type IngestConfig struct {
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
	MaxTypeLength   int `mapstructure:"max_type_length"`
}

type InboxConfig struct {
	DefaultLimit int    `mapstructure:"default_limit"`
	MaxLimit     int    `mapstructure:"max_limit"`
	CursorSecret string `mapstructure:"cursor_secret"`
}

type AuthConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type RateLimitConfig struct {
	RPS    int           `mapstructure:"rps"`
	Window time.Duration `mapstructure:"window"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type EndpointConfig struct {
	Name      string        `mapstructure:"name"`
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type NotifierConfig struct {
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
}

type OutcomesConfig struct {
	ClickHouse bool          `mapstructure:"clickhouse"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchWait  time.Duration `mapstructure:"batch_wait"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (EVGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			// a missing file keeps the defaults, anything else is a broken config
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	// env override (EVGW_MYSQL_DSN -> mysql.dsn)
	v.SetEnvPrefix("EVGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMySQL, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown %q", c.Store.Driver))
	}
	switch c.Queue.Driver {
	case DriverRedis, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unknown %q", c.Queue.Driver))
	}
	if c.Store.Retention <= 0 {
		errs = append(errs, errors.New("store.retention must be positive"))
	}
	if strings.TrimSpace(c.Inbox.CursorSecret) == "" {
		errs = append(errs, errors.New("inbox.cursor_secret is required"))
	}
	if c.Inbox.MaxLimit <= 0 || c.Inbox.DefaultLimit <= 0 || c.Inbox.DefaultLimit > c.Inbox.MaxLimit {
		errs = append(errs, errors.New("inbox limits: need 0 < default_limit <= max_limit"))
	}
	if c.Ingest.MaxPayloadBytes <= 0 || c.Ingest.MaxTypeLength <= 0 {
		errs = append(errs, errors.New("ingest limits must be positive"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.max_attempts must be positive"))
	}
	if len(c.Delivery.Schedule) == 0 {
		errs = append(errs, errors.New("delivery.schedule must not be empty"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.DeadLetterTopic == "") {
		errs = append(errs, errors.New("kafka: brokers and dead_letter_topic are required when enabled"))
	}
	if c.Queue.MaxReceive > 0 && c.Queue.MaxReceive <= c.Delivery.MaxAttempts {
		errs = append(errs, errors.New("queue.max_receive must exceed delivery.max_attempts"))
	}
	return errors.Join(errs...)
}
