package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DB struct {
	User     string `validate:"required"`
	Pass     string
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	Name     string `validate:"required"`
	MaxConns int32  `validate:"gte=1"`
	Migrate  bool   // run embedded migrations on startup
}

type NSQ struct {
	NsqdTCPAddr     string `validate:"required"` // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, used by the backlog monitor
	LookupHTTPAddr  string // e.g. nsqlookupd:4161
	DeliveriesTopic string `validate:"required"`
	WorkerChannel   string `validate:"required"`
	MaxInFlight     int    `validate:"gte=1"`
}

type Redis struct {
	Addr                string
	Password            string
	DB                  int
	EventsStream        string `validate:"required"`
	StreamMaxLen        int64  `validate:"gte=0"`
	ConsumerGroup       string // stable per-process group name; empty uses a throwaway group
	InvalidationChannel string `validate:"required"`
}

type Worker struct {
	MaxAttempts     int             `validate:"gte=1"`                // default for subscriptions without their own
	BackoffSchedule []time.Duration `validate:"min=1,dive,gt=0"`      // retry delays indexed by attempt-1
	JitterPercent   float64         `validate:"gte=0,lte=1"`          // 0 keeps the schedule exact
	Concurrency     int             `validate:"gte=1"`                // NSQ handlers per worker process
	HTTPTimeout     time.Duration   `validate:"gt=0"`                 // outbound webhook call bound
	Lease           time.Duration   `validate:"gt=0"`                 // claim lease on an attempting delivery
	SweepInterval   time.Duration   `validate:"gt=0"`
	SweepGrace      time.Duration   `validate:"gt=0"`
	SweepBatch      int             `validate:"gte=1"`
	HTTPPort        string          `validate:"required"`
	BacklogInterval time.Duration   `validate:"gt=0"`
}

type Dispatcher struct {
	DedupWindow time.Duration `validate:"gt=0"`
	CacheTTL    time.Duration `validate:"gte=0"`
}

type DLQ struct {
	RetryPolicy string `validate:"oneof=retain remove"`
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string // RS256 verification key
	HMACSecret   string // HS256 shared secret, used when no public key is set
	Issuer       string `validate:"required"`
	Audience     string `validate:"required"`
}

type FakeReceiver struct {
	FailFirstN      int
	EndpointSecret  string
	ResponseDelayMS int
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName           string `validate:"required"`
	Version           string
	LogLevel          string `validate:"oneof=debug info warn error"`
	HTTPPort          string `validate:"required"` // :8080
	GRPCPort          string // :50051, empty disables the gRPC health server
	BusMode           string `validate:"oneof=local redis"`
	StoreMode         string `validate:"oneof=postgres memory"`
	SubscriptionsFile string // JSON subscription seed, upserted at startup
	AllowedOrigins    []string
	DB                DB
	NSQ               NSQ
	Redis             Redis
	Worker            Worker
	Dispatcher        Dispatcher
	DLQ               DLQ
	Auth              Auth
	FakeReceiver      FakeReceiver
}

var defaults = map[string]any{
	"app_name":                    "eventhook",
	"service_version":             "dev",
	"log_level":                   "info",
	"http_port":                   ":8080",
	"grpc_port":                   ":50051",
	"bus_mode":                    "local",
	"store_mode":                  "postgres",
	"subscriptions_file":          "",
	"cors_allowed_origins":        "*",
	"db_user":                     "postgres",
	"db_pass":                     "postgres",
	"db_host":                     "postgres",
	"db_port":                     "5432",
	"db_name":                     "eventhook",
	"db_max_conns":                10,
	"db_migrate":                  false,
	"nsqd_tcp_addr":               "nsqd:4150",
	"nsqd_http_addr":              "nsqd:4151",
	"nsq_lookup_http_addr":        "nsqlookupd:4161",
	"nsq_deliveries_topic":        "deliveries",
	"nsq_worker_channel":          "workers",
	"nsq_max_in_flight":           200,
	"redis_addr":                  "redis:6379",
	"redis_password":              "",
	"redis_db":                    0,
	"redis_events_stream":         "eventhook:events",
	"redis_stream_maxlen":         100000,
	"redis_consumer_group":        "",
	"redis_invalidation_channel":  "eventhook:subscriptions:changed",
	"max_attempts":                5,
	"backoff_schedule":            "1s,2s,4s,8s,16s",
	"backoff_jitter_pct":          0.0,
	"worker_concurrency":          10,
	"worker_http_timeout":         "15s",
	"worker_lease":                "1m",
	"sweep_interval":              "30s",
	"sweep_grace":                 "1m",
	"sweep_batch":                 500,
	"worker_http_port":            ":8082",
	"backlog_interval":            "15s",
	"dedup_window":                "60s",
	"subscription_cache_ttl":      "30s",
	"dlq_retry_policy":            "retain",
	"auth_enabled":                true,
	"jwt_public_key":              "",
	"jwt_hmac_secret":             "",
	"jwt_issuer":                  "eventhook",
	"jwt_audience":                "eventhook-admin",
	"fail_first_n":                0,
	"endpoint_secret":             "",
	"response_delay_ms":           0,
	"fake_receiver_port":          ":8081",
	"fake_receiver_read_timeout":  "10s",
	"fake_receiver_write_timeout": "10s",
	"fake_receiver_idle_timeout":  "60s",
}

// Load reads configuration from an optional .env file, an optional config
// file named by EVENTHOOK_CONFIG, and the environment, then validates it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, def := range defaults {
		v.SetDefault(k, def)
	}
	v.AutomaticEnv()

	if path := os.Getenv("EVENTHOOK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (Config, error) {
	schedule, err := ParseBackoffSchedule(v.GetString("backoff_schedule"))
	if err != nil {
		return Config{}, err
	}

	return Config{
		AppName:           v.GetString("app_name"),
		Version:           v.GetString("service_version"),
		LogLevel:          strings.ToLower(v.GetString("log_level")),
		HTTPPort:          v.GetString("http_port"),
		GRPCPort:          v.GetString("grpc_port"),
		BusMode:           strings.ToLower(v.GetString("bus_mode")),
		StoreMode:         strings.ToLower(v.GetString("store_mode")),
		SubscriptionsFile: v.GetString("subscriptions_file"),
		AllowedOrigins:    splitList(v.GetString("cors_allowed_origins")),
		DB: DB{
			User:     v.GetString("db_user"),
			Pass:     v.GetString("db_pass"),
			Host:     v.GetString("db_host"),
			Port:     v.GetString("db_port"),
			Name:     v.GetString("db_name"),
			MaxConns: v.GetInt32("db_max_conns"),
			Migrate:  v.GetBool("db_migrate"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     v.GetString("nsqd_tcp_addr"),
			NsqdHTTPAddr:    v.GetString("nsqd_http_addr"),
			LookupHTTPAddr:  v.GetString("nsq_lookup_http_addr"),
			DeliveriesTopic: v.GetString("nsq_deliveries_topic"),
			WorkerChannel:   v.GetString("nsq_worker_channel"),
			MaxInFlight:     v.GetInt("nsq_max_in_flight"),
		},
		Redis: Redis{
			Addr:                v.GetString("redis_addr"),
			Password:            v.GetString("redis_password"),
			DB:                  v.GetInt("redis_db"),
			EventsStream:        v.GetString("redis_events_stream"),
			StreamMaxLen:        v.GetInt64("redis_stream_maxlen"),
			ConsumerGroup:       v.GetString("redis_consumer_group"),
			InvalidationChannel: v.GetString("redis_invalidation_channel"),
		},
		Worker: Worker{
			MaxAttempts:     v.GetInt("max_attempts"),
			BackoffSchedule: schedule,
			JitterPercent:   v.GetFloat64("backoff_jitter_pct"),
			Concurrency:     v.GetInt("worker_concurrency"),
			HTTPTimeout:     v.GetDuration("worker_http_timeout"),
			Lease:           v.GetDuration("worker_lease"),
			SweepInterval:   v.GetDuration("sweep_interval"),
			SweepGrace:      v.GetDuration("sweep_grace"),
			SweepBatch:      v.GetInt("sweep_batch"),
			HTTPPort:        v.GetString("worker_http_port"),
			BacklogInterval: v.GetDuration("backlog_interval"),
		},
		Dispatcher: Dispatcher{
			DedupWindow: v.GetDuration("dedup_window"),
			CacheTTL:    v.GetDuration("subscription_cache_ttl"),
		},
		DLQ: DLQ{
			RetryPolicy: strings.ToLower(v.GetString("dlq_retry_policy")),
		},
		Auth: Auth{
			Enabled:      v.GetBool("auth_enabled"),
			PublicKeyPEM: v.GetString("jwt_public_key"),
			HMACSecret:   v.GetString("jwt_hmac_secret"),
			Issuer:       v.GetString("jwt_issuer"),
			Audience:     v.GetString("jwt_audience"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      v.GetInt("fail_first_n"),
			EndpointSecret:  v.GetString("endpoint_secret"),
			ResponseDelayMS: v.GetInt("response_delay_ms"),
			Port:            v.GetString("fake_receiver_port"),
			ReadTimeout:     v.GetDuration("fake_receiver_read_timeout"),
			WriteTimeout:    v.GetDuration("fake_receiver_write_timeout"),
			IdleTimeout:     v.GetDuration("fake_receiver_idle_timeout"),
		},
	}, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Enabled && c.Auth.PublicKeyPEM == "" && c.Auth.HMACSecret == "" {
		return errors.New("invalid config: auth enabled but neither JWT_PUBLIC_KEY nor JWT_HMAC_SECRET is set")
	}
	// an attempt must finish while its claim is held, or a second worker may send it too
	if c.Worker.Lease <= c.Worker.HTTPTimeout {
		return fmt.Errorf("invalid config: WORKER_LEASE (%s) must be longer than WORKER_HTTP_TIMEOUT (%s)",
			c.Worker.Lease, c.Worker.HTTPTimeout)
	}
	return nil
}

// ParseBackoffSchedule parses a comma separated list of durations.
func ParseBackoffSchedule(schedule string) ([]time.Duration, error) {
	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff schedule entry %q: %w", part, err)
		}
		durations = append(durations, d)
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("backoff schedule %q has no entries", schedule)
	}
	return durations, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
