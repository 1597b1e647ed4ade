package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

type Config struct {
	App    AppConfig
	DB     DBConfig
	Bus    BusConfig
	FCM    FCMConfig
	Worker WorkerConfig
	HTTP   HTTPConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env       string `envconfig:"APP_ENV" default:"production"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	DebugMode bool   `envconfig:"DEBUG_MODE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	URL              string        `envconfig:"DATABASE_URL" required:"true" validate:"url"`
	MaxOpenConns     int           `envconfig:"DB_MAX_OPEN_CONNS" default:"5" validate:"gte=2"`
	MaxIdleConns     int           `envconfig:"DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime  time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
	StatementTimeout time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"30s"`
	AutoMigrate      bool          `envconfig:"AUTO_MIGRATE" default:"false"`
}

type BusConfig struct {
	URL          string        `envconfig:"WEBSOCKET_BUS_URL" validate:"omitempty,url"`
	ServiceToken string        `envconfig:"SERVICE_TOKEN"`
	Timeout      time.Duration `envconfig:"BUS_TIMEOUT" default:"5s"`
}

// Enabled reports whether the realtime bus transport is configured.
func (b BusConfig) Enabled() bool {
	return b.URL != "" && b.ServiceToken != ""
}

type FCMConfig struct {
	ProjectID       string        `envconfig:"FCM_PROJECT_ID"`
	CredentialsPath string        `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`
	SendTimeout     time.Duration `envconfig:"FCM_SEND_TIMEOUT" default:"10s"`
	TokenTimeout    time.Duration `envconfig:"FCM_TOKEN_TIMEOUT" default:"10s"`
}

// Enabled reports whether the push transport is configured.
func (f FCMConfig) Enabled() bool {
	return f.ProjectID != "" && f.CredentialsPath != ""
}

type WorkerConfig struct {
	PollIntervalSecs  int `envconfig:"WORKER_POLL_INTERVAL_SECS" default:"60" validate:"gt=0"`
	BatchSize         int `envconfig:"WORKER_BATCH_SIZE" default:"100" validate:"gt=0"`
	MaxRetries        int `envconfig:"MAX_RETRIES" default:"3" validate:"gt=0"`
	Parallelism       int `envconfig:"WORKER_PARALLELISM" default:"0" validate:"gte=0"`
	ShutdownGraceSecs int `envconfig:"SHUTDOWN_GRACE_SECS" default:"15" validate:"gte=0"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSecs) * time.Second
}

func (w WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceSecs) * time.Second
}

// EffectiveParallelism resolves the default (0) to fully-parallel batches.
func (w WorkerConfig) EffectiveParallelism() int {
	if w.Parallelism <= 0 {
		return w.BatchSize
	}
	return w.Parallelism
}

type HTTPConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"WEBSOCKET_PORT" default:"8080" validate:"gt=0,lte=65535"`
}

func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if c.App.DebugMode && c.App.IsProd() {
		return fmt.Errorf("DEBUG_MODE is not allowed when APP_ENV=%s", c.App.Env)
	}
	if c.App.IsProd() {
		if !c.Bus.Enabled() {
			return fmt.Errorf("WEBSOCKET_BUS_URL and SERVICE_TOKEN are required in production")
		}
		if !c.FCM.Enabled() {
			return fmt.Errorf("FCM_PROJECT_ID and GOOGLE_APPLICATION_CREDENTIALS are required in production")
		}
	}
	return nil
}
