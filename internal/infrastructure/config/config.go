package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	HotState  HotStateConfig  `koanf:"hotstate"`
	EventBus  EventBusConfig  `koanf:"eventbus"`
	Auth      AuthConfig      `koanf:"auth"`
	Bidding   BiddingConfig   `koanf:"bidding"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	ListenAddress   string        `koanf:"listen_address" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxConns        int           `koanf:"max_conns" validate:"gt=0"`
	MinConns        int           `koanf:"min_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	QueryTimeout    time.Duration `koanf:"query_timeout"`
}

type HotStateConfig struct {
	URL          string        `koanf:"url" validate:"required"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type EventBusConfig struct {
	URL               string        `koanf:"url" validate:"required"`
	Password          string        `koanf:"password"`
	DB                int           `koanf:"db"`
	Group             string        `koanf:"group"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
	MaxDeliveries     int64         `koanf:"max_deliveries" validate:"gt=0"`
	BlockInterval     time.Duration `koanf:"block_interval"`
}

type AuthConfig struct {
	JWTSigningKey string        `koanf:"jwt_signing_key" validate:"required"`
	SessionTTL    time.Duration `koanf:"session_ttl"`
}

type BiddingConfig struct {
	RateLimitCount int           `koanf:"rate_limit_count" validate:"gt=0"`
	RateWindow     time.Duration `koanf:"rate_window"`
	MaxBidAmount   string        `koanf:"max_bid_amount"`
	MinIncrement   string        `koanf:"min_increment"`
	RetryAttempts  int           `koanf:"retry_attempts"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
}

type GatewayConfig struct {
	ConnectionInflightCap int           `koanf:"connection_inflight_cap" validate:"gt=0"`
	SendBufferSize        int           `koanf:"send_buffer_size" validate:"gt=0"`
	MaxMessageSize        int64         `koanf:"max_message_size"`
	PingInterval          time.Duration `koanf:"ping_interval"`
	PongTimeout           time.Duration `koanf:"pong_timeout"`
	WriteTimeout          time.Duration `koanf:"write_timeout"`
}

type SchedulerConfig struct {
	Tick time.Duration `koanf:"tick"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Load builds configuration from defaults, an optional YAML file, and
// AUC_-prefixed environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			MaxConns:        25,
			MinConns:        5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		HotState: HotStateConfig{
			PoolSize:     20,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		},
		EventBus: EventBusConfig{
			Group:             "auction-backend",
			VisibilityTimeout: 30 * time.Second,
			MaxDeliveries:     5,
			BlockInterval:     5 * time.Second,
		},
		Auth: AuthConfig{
			SessionTTL: 2 * time.Hour,
		},
		Bidding: BiddingConfig{
			RateLimitCount: 5,
			RateWindow:     30 * time.Second,
			MaxBidAmount:   "10000000",
			MinIncrement:   "0",
			RetryAttempts:  3,
			RetryBackoff:   50 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			ConnectionInflightCap: 10,
			SendBufferSize:        256,
			MaxMessageSize:        64 * 1024,
			PingInterval:          30 * time.Second,
			PongTimeout:           60 * time.Second,
			WriteTimeout:          10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Tick: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Double underscore separates nesting levels so key names may contain
	// single underscores: AUC_AUTH__JWT_SIGNING_KEY -> auth.jwt_signing_key.
	if err := k.Load(env.Provider("AUC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, "AUC_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
