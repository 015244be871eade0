package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	API    API
	Redis  Redis
	Store  Store
	Worker Worker
	Auth   Auth
	Client Client
}

type API struct {
	Port               int           `env:"API_Port" envDefault:"8080" validate:"gte=1,lte=65535"`
	CORSAllowedOrigins []string      `env:"API_CORSAllowedOrigins" envSeparator:","`
	ShutdownTimeout    time.Duration `env:"API_ShutdownTimeout" envDefault:"30s" validate:"gt=0"`
}

type Redis struct {
	Addr          string        `env:"Redis_Address" envDefault:"localhost:6379" validate:"required"`
	Password      string        `env:"Redis_Password"`
	DB            int           `env:"Redis_DB" validate:"gte=0"`
	StreamKey     string        `env:"Redis_StreamKey" envDefault:"taskrelay:jobs" validate:"required"`
	Group         string        `env:"Redis_Group" envDefault:"taskrelay-workers" validate:"required"`
	ScheduledZSet string        `env:"Redis_ScheduledZSet" envDefault:"taskrelay:scheduled" validate:"required"`
	DLQStreamKey  string        `env:"Redis_DLQStreamKey" envDefault:"taskrelay:dlq" validate:"required"`
	KeyPrefix     string        `env:"Redis_KeyPrefix" envDefault:"taskrelay:"`
	EventPrefix   string        `env:"Redis_EventPrefix" envDefault:"taskrelay:events:" validate:"required"`
	Retention     time.Duration `env:"Redis_Retention" envDefault:"168h"`
}

type Store struct {
	Driver string `env:"Store_Driver" envDefault:"redis" validate:"oneof=redis sqlite postgres"`
	DSN    string `env:"Store_DSN" envDefault:"file:taskrelay.db?_pragma=busy_timeout(5000)"`
}

type Worker struct {
	Slots             int           `env:"Worker_Slots" envDefault:"4" validate:"gte=1"`
	MaxQueueLength    int64         `env:"Worker_MaxQueueLength" envDefault:"10000" validate:"gte=1"`
	MaxRetries        int           `env:"Worker_MaxRetries" envDefault:"3" validate:"gte=0"`
	BaseBackoff       time.Duration `env:"Worker_BaseBackoff" envDefault:"1s" validate:"gt=0"`
	MaxBackoff        time.Duration `env:"Worker_MaxBackoff" envDefault:"5m" validate:"gtefield=BaseBackoff"`
	Jitter            float64       `env:"Worker_Jitter" envDefault:"0.2" validate:"gte=0,lt=1"`
	CancelGrace       time.Duration `env:"Worker_CancelGrace" envDefault:"5s" validate:"gt=0"`
	HeartbeatInterval time.Duration `env:"Worker_HeartbeatInterval" envDefault:"1s" validate:"gt=0"`
	LeaseTimeout      time.Duration `env:"Worker_LeaseTimeout" envDefault:"2m" validate:"gtfield=HeartbeatInterval"`
	ReaperInterval    time.Duration `env:"Worker_ReaperInterval" envDefault:"30s" validate:"gt=0"`
	SchedulerInterval time.Duration `env:"Worker_SchedulerInterval" envDefault:"1s" validate:"gt=0"`
	ClaimBlock        time.Duration `env:"Worker_ClaimBlock" envDefault:"2s" validate:"gt=0"`
}

type Auth struct {
	JWTSecret string        `env:"Auth_JWTSecret" envDefault:"dev-secret-change-me-please-32-bytes" validate:"required,min=32"`
	TokenTTL  time.Duration `env:"Auth_TokenTTL" envDefault:"24h" validate:"gt=0"`
}

type Client struct {
	BaseURL       string        `env:"Client_BaseURL" envDefault:"http://localhost:8080" validate:"required,url"`
	Token         string        `env:"Client_Token"`
	BaseBackoff   time.Duration `env:"Client_BaseBackoff" envDefault:"500ms" validate:"gt=0"`
	MaxBackoff    time.Duration `env:"Client_MaxBackoff" envDefault:"30s" validate:"gtefield=BaseBackoff"`
	FallbackAfter int           `env:"Client_FallbackAfter" envDefault:"3" validate:"gte=1"`
	PollInterval  time.Duration `env:"Client_PollInterval" envDefault:"5s" validate:"gt=0"`
}

// Parse reads .env (if present) and the environment, then validates.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	return c
}
