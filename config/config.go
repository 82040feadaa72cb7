// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"recurpay/ledger"
	"recurpay/scheduler"
)

const (
	SignerModeRemote  = "remote"
	SignerModeKeypair = "keypair"

	minJWTSecretLength = 32
)

// Config holds all configuration for the API process.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	NetworkName       string  `mapstructure:"NETWORK"`
	HorizonURL        string  `mapstructure:"HORIZON_URL"`
	NetworkPassphrase string  `mapstructure:"NETWORK_PASSPHRASE"`
	HorizonRPS        float64 `mapstructure:"HORIZON_RPS"`

	SignerMode    string        `mapstructure:"SIGNER_MODE"`
	SignerURL     string        `mapstructure:"SIGNER_URL"`
	SignerAPIKey  string        `mapstructure:"SIGNER_API_KEY"`
	SignerSecret  string        `mapstructure:"SIGNER_SECRET"`
	SignerTimeout time.Duration `mapstructure:"SIGNER_TIMEOUT"`

	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	ChallengeTTL    time.Duration `mapstructure:"CHALLENGE_TTL"`
	OperatorKeyHash string        `mapstructure:"OPERATOR_KEY_HASH"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	SchedulerEnabled    bool   `mapstructure:"SCHEDULER_ENABLED"`
	ExecuteJobSchedule  string `mapstructure:"EXECUTE_JOB_SCHEDULE"`
	ReminderJobSchedule string `mapstructure:"REMINDER_JOB_SCHEDULE"`
	SchedulerWorkers    int    `mapstructure:"SCHEDULER_WORKERS"`

	ExecuteRatePerMinute float64  `mapstructure:"EXECUTE_RATE_PER_MINUTE"`
	CORSAllowedOrigins   []string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogEnv               string   `mapstructure:"LOG_ENV"`
}

var keys = []string{
	"SERVER_PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"NETWORK", "HORIZON_URL", "NETWORK_PASSPHRASE", "HORIZON_RPS",
	"SIGNER_MODE", "SIGNER_URL", "SIGNER_API_KEY", "SIGNER_SECRET", "SIGNER_TIMEOUT",
	"JWT_SECRET", "CHALLENGE_TTL", "OPERATOR_KEY_HASH",
	"REDIS_URL", "LOCK_TTL",
	"RABBITMQ_URL", "EVENTS_EXCHANGE",
	"SCHEDULER_ENABLED", "EXECUTE_JOB_SCHEDULE", "REMINDER_JOB_SCHEDULE", "SCHEDULER_WORKERS",
	"EXECUTE_RATE_PER_MINUTE", "CORS_ALLOWED_ORIGINS", "LOG_ENV",
}

// Load reads envFile (".env" when empty) if it exists, then the process
// environment, which wins over the file.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("NETWORK", ledger.Testnet.Name)
	v.SetDefault("HORIZON_RPS", 10)
	v.SetDefault("SIGNER_MODE", SignerModeRemote)
	v.SetDefault("SIGNER_TIMEOUT", "2m")
	v.SetDefault("CHALLENGE_TTL", "5m")
	v.SetDefault("LOCK_TTL", "2m")
	v.SetDefault("EVENTS_EXCHANGE", "recurpay.events")
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("EXECUTE_JOB_SCHEDULE", scheduler.DefaultExecuteSchedule)
	v.SetDefault("REMINDER_JOB_SCHEDULE", scheduler.DefaultReminderSchedule)
	v.SetDefault("SCHEDULER_WORKERS", scheduler.DefaultWorkers)
	v.SetDefault("EXECUTE_RATE_PER_MINUTE", 6)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("LOG_ENV", "production")
	v.AutomaticEnv()

	// Keys without a default only reach Unmarshal when bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.ServerPort = port
	}
	cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		problems = append(problems, "DB_MIN_CONNS must be between 0 and DB_MAX_CONNS")
	}
	if _, err := ledger.NetworkByName(c.NetworkName); err != nil {
		problems = append(problems, "NETWORK must be testnet or public")
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		problems = append(problems, fmt.Sprintf("JWT_SECRET must be at least %d characters", minJWTSecretLength))
	}
	switch c.SignerMode {
	case SignerModeRemote:
		if strings.TrimSpace(c.SignerURL) == "" {
			problems = append(problems, "SIGNER_URL is required when SIGNER_MODE=remote")
		}
	case SignerModeKeypair:
		if strings.TrimSpace(c.SignerSecret) == "" {
			problems = append(problems, "SIGNER_SECRET is required when SIGNER_MODE=keypair")
		}
	default:
		problems = append(problems, "SIGNER_MODE must be remote or keypair")
	}
	if c.ChallengeTTL <= 0 || c.LockTTL <= 0 {
		problems = append(problems, "CHALLENGE_TTL and LOCK_TTL must be positive")
	}
	if c.SchedulerWorkers <= 0 {
		problems = append(problems, "SCHEDULER_WORKERS must be positive")
	}
	if c.SchedulerEnabled {
		for key, expr := range map[string]string{
			"EXECUTE_JOB_SCHEDULE":  c.ExecuteJobSchedule,
			"REMINDER_JOB_SCHEDULE": c.ReminderJobSchedule,
		} {
			if err := scheduler.ValidateSchedule(expr); err != nil {
				problems = append(problems, key+" is not a valid cron expression")
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Network resolves the ledger network, applying the Horizon URL and
// passphrase overrides.
func (c *Config) Network() (ledger.Network, error) {
	n, err := ledger.NetworkByName(c.NetworkName)
	if err != nil {
		return ledger.Network{}, err
	}
	if u := strings.TrimSpace(c.HorizonURL); u != "" {
		n.HorizonURL = u
	}
	if p := strings.TrimSpace(c.NetworkPassphrase); p != "" {
		n.Passphrase = p
	}
	return n, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
