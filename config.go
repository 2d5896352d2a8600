package tapak

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

var validate = validator.New()

// Config is the file/environment form of the client options, plus the
// backend selection used by the tapak command.
type Config struct {
	BaseURL          string        `yaml:"base_url" env:"TAPAK_BASE_URL" env-default:"https://zjzpdlofbddf.sealoshzh.site/api/v1" validate:"required,url"`
	Timeout          time.Duration `yaml:"timeout" env:"TAPAK_TIMEOUT" env-default:"10s" validate:"gt=0"`
	MinInterval      time.Duration `yaml:"min_interval" env:"TAPAK_MIN_INTERVAL" env-default:"100ms" validate:"gte=0"`
	MaxRetries       int           `yaml:"max_retries" env:"TAPAK_MAX_RETRIES" env-default:"2" validate:"gte=0,lte=100"`
	RateLimitDelay   time.Duration `yaml:"rate_limit_delay" env:"TAPAK_RATE_LIMIT_DELAY" env-default:"1s" validate:"gte=0"`
	Backoff          string        `yaml:"backoff" env:"TAPAK_BACKOFF" env-default:"linear" validate:"oneof=linear exponential decorrelated"`
	ExpiryBuffer     time.Duration `yaml:"expiry_buffer" env:"TAPAK_EXPIRY_BUFFER" env-default:"5m" validate:"gte=0"`
	ProactiveRefresh bool          `yaml:"proactive_refresh" env:"TAPAK_PROACTIVE_REFRESH" env-default:"false"`
	RefreshPath      string        `yaml:"refresh_path" env:"TAPAK_REFRESH_PATH" env-default:"/auth/refresh" validate:"startswith=/"`
	UploadPath       string        `yaml:"upload_path" env:"TAPAK_UPLOAD_PATH" env-default:"/upload/single" validate:"startswith=/"`
	Debug            bool          `yaml:"debug" env:"TAPAK_DEBUG" env-default:"false"`

	SessionBackend string `yaml:"session_backend" env:"TAPAK_SESSION_BACKEND" env-default:"bolt" validate:"oneof=memory bolt redis"`
	BoltPath       string `yaml:"bolt_path" env:"TAPAK_BOLT_PATH"`
	RedisAddr      string `yaml:"redis_addr" env:"TAPAK_REDIS_ADDR" env-default:"localhost:6379" validate:"required_if=SessionBackend redis"`
	RedisPrefix    string `yaml:"redis_prefix" env:"TAPAK_REDIS_PREFIX" env-default:"tapak:session"`
	NATSURL        string `yaml:"nats_url" env:"TAPAK_NATS_URL"`
	NATSPrefix     string `yaml:"nats_prefix" env:"TAPAK_NATS_PREFIX" env-default:"tapak"`
	MetricsAddr    string `yaml:"metrics_addr" env:"TAPAK_METRICS_ADDR"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfigFile reads a YAML, JSON, TOML or env file; environment variables
// override file values.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return &ClientError{
			Kind:    ErrorKindValidation,
			Message: ErrValidation.Message,
			Cause:   err,
		}
	}
	return nil
}

func (cfg Config) strategy() BackoffStrategy {
	switch strings.ToLower(cfg.Backoff) {
	case "exponential":
		return ExponentialJitter
	case "decorrelated":
		return DecorrelatedJitter
	default:
		return Linear
	}
}
