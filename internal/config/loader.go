package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "advisorygate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "ADVISORYGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "ADVISORYGATE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ADVISORYGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ADVISORYGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ADVISORYGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ADVISORYGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ADVISORYGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Backend.URL, "ADVISORYGATE_BACKEND_URL")
	setString(&cfg.Backend.APIKey, "ADVISORYGATE_BACKEND_API_KEY")
	setDuration(&cfg.Backend.PollInterval, "ADVISORYGATE_BACKEND_POLL_INTERVAL")
	setDuration(&cfg.Backend.HTTPTimeout, "ADVISORYGATE_BACKEND_HTTP_TIMEOUT")
	setString(&cfg.Logging.Level, "ADVISORYGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ADVISORYGATE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "ADVISORYGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Cooldown, "ADVISORYGATE_BREAKER_COOLDOWN")
	setInt(&cfg.Breaker.ProbeSuccesses, "ADVISORYGATE_BREAKER_PROBE_SUCCESSES")
	setInt(&cfg.Rate.Limit, "ADVISORYGATE_RATE_LIMIT")
	setDuration(&cfg.Rate.Window, "ADVISORYGATE_RATE_WINDOW")
	setInt(&cfg.Rate.MaxCallers, "ADVISORYGATE_RATE_MAX_CALLERS")
	setString(&cfg.Idempotency.Bucket, "ADVISORYGATE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "ADVISORYGATE_IDEMPOTENCY_TTL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "ADVISORYGATE_CACHE_L1_SIZE_MB")
	setFloat64(&cfg.Policy.ConfidenceThreshold, "ADVISORYGATE_POLICY_CONFIDENCE")
	setString(&cfg.Policy.RulesFile, "ADVISORYGATE_POLICY_RULES_FILE")
	setDuration(&cfg.HIL.Tick, "ADVISORYGATE_HIL_TICK")
	setDuration(&cfg.HIL.SLACritical, "ADVISORYGATE_HIL_SLA_CRITICAL")
	setDuration(&cfg.HIL.SLAHigh, "ADVISORYGATE_HIL_SLA_HIGH")
	setDuration(&cfg.HIL.SLAStandard, "ADVISORYGATE_HIL_SLA_STANDARD")
	setDuration(&cfg.HIL.SLALow, "ADVISORYGATE_HIL_SLA_LOW")
	setInt64(&cfg.Dispatch.MaxInflight, "ADVISORYGATE_DISPATCH_MAX_INFLIGHT")
	setDuration(&cfg.Dispatch.Interval, "ADVISORYGATE_DISPATCH_INTERVAL")
	setDuration(&cfg.Dispatch.SweepInterval, "ADVISORYGATE_DISPATCH_SWEEP_INTERVAL")
	setBool(&cfg.Auth.Enabled, "ADVISORYGATE_AUTH_ENABLED")
	setString(&cfg.Notify.TokenSecret, "ADVISORYGATE_NOTIFY_TOKEN_SECRET")
	setString(&cfg.Notify.SlackWebhook, "ADVISORYGATE_NOTIFY_SLACK_WEBHOOK")
	setString(&cfg.Notify.DiscordWebhook, "ADVISORYGATE_NOTIFY_DISCORD_WEBHOOK")
	setString(&cfg.Notify.SMTPHost, "ADVISORYGATE_NOTIFY_SMTP_HOST")
	setInt(&cfg.Notify.SMTPPort, "ADVISORYGATE_NOTIFY_SMTP_PORT")
	setString(&cfg.Notify.SMTPFrom, "ADVISORYGATE_NOTIFY_SMTP_FROM")
	setString(&cfg.Notify.SMTPPassword, "ADVISORYGATE_NOTIFY_SMTP_PASSWORD")
	setBool(&cfg.Telemetry.Enabled, "ADVISORYGATE_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "ADVISORYGATE_TELEMETRY_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Breaker.ProbeSuccesses < 1 {
		return errors.New("breaker.probe_successes must be >= 1")
	}
	if cfg.Rate.Limit < 1 {
		return errors.New("rate.limit must be >= 1")
	}
	if cfg.Rate.Window <= 0 {
		return errors.New("rate.window must be > 0")
	}
	if cfg.Policy.ConfidenceThreshold < 0 || cfg.Policy.ConfidenceThreshold > 1 {
		return errors.New("policy.confidence_threshold must be in [0,1]")
	}
	if cfg.Dispatch.MaxInflight < 1 {
		return errors.New("dispatch.max_inflight must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
