package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr              string        `yaml:"addr"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL       string `yaml:"url"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`
	Stripe struct {
		SecretKey        string        `yaml:"secret_key"`
		WebhookSecret    string        `yaml:"webhook_secret"`
		BasePriceID      string        `yaml:"base_price_id"`
		AddOnPriceID     string        `yaml:"add_on_price_id"`
		APIBaseURL       string        `yaml:"api_base_url"`
		APITimeout       time.Duration `yaml:"api_timeout"`
		WebhookTolerance time.Duration `yaml:"webhook_tolerance"`
		TrialDays        int64         `yaml:"trial_days"`
	} `yaml:"stripe"`
	Reconcile struct {
		RejectStale    bool `yaml:"reject_stale"`
		SweepBatch     int  `yaml:"sweep_batch"`
		SweepOnlyDrift bool `yaml:"sweep_only_drift"`
	} `yaml:"reconcile"`
	Worker struct {
		Count        int           `yaml:"count"`
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
		MaxBackoff   time.Duration `yaml:"max_backoff"`
		PollTimeout  time.Duration `yaml:"poll_timeout"`
		// Lease bounds how long a popped task or a queued ledger entry may go
		// unsettled before it is handed out again.
		Lease time.Duration `yaml:"lease"`
	} `yaml:"worker"`
	Notify struct {
		Provider      string `yaml:"provider"`
		From          string `yaml:"from"`
		PostmarkToken string `yaml:"postmark_token"`
	} `yaml:"notify"`
	Auth struct {
		SigningKey  string `yaml:"signing_key"`
		Issuer      string `yaml:"issuer"`
		Audience    string `yaml:"audience"`
		AdminAPIKey string `yaml:"admin_api_key"`
	} `yaml:"auth"`
	Actions struct {
		RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	} `yaml:"actions"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8090"
	cfg.HTTP.ReadHeaderTimeout = 10 * time.Second
	cfg.HTTP.ShutdownTimeout = 15 * time.Second
	cfg.Database.Driver = "postgres"
	cfg.Redis.KeyPrefix = "billingsync"
	cfg.Stripe.APITimeout = 20 * time.Second
	cfg.Stripe.WebhookTolerance = 5 * time.Minute
	cfg.Stripe.TrialDays = 30
	cfg.Reconcile.RejectStale = true
	cfg.Reconcile.SweepBatch = 500
	cfg.Worker.Count = 4
	cfg.Worker.MaxAttempts = 8
	cfg.Worker.RetryBackoff = 2 * time.Second
	cfg.Worker.MaxBackoff = 5 * time.Minute
	cfg.Worker.PollTimeout = 5 * time.Second
	cfg.Worker.Lease = 5 * time.Minute
	cfg.Notify.Provider = "log"
	cfg.Notify.From = "billing@localhost"
	cfg.Actions.RateLimitPerMinute = 30
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Metrics.Enabled = true
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings every binary needs before it can touch billing state.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return errors.New("database.driver must be postgres or sqlite (or BS_DB_DRIVER)")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("missing database.dsn (or BS_DB_DSN)")
	}
	if strings.TrimSpace(c.Stripe.BasePriceID) == "" {
		return errors.New("missing stripe.base_price_id (or BS_STRIPE_BASE_PRICE_ID)")
	}
	if strings.TrimSpace(c.Stripe.AddOnPriceID) == "" {
		return errors.New("missing stripe.add_on_price_id (or BS_STRIPE_ADD_ON_PRICE_ID)")
	}
	if c.Stripe.APITimeout <= 0 {
		return errors.New("stripe.api_timeout must be positive")
	}
	if c.Worker.Count <= 0 || c.Worker.MaxAttempts <= 0 {
		return errors.New("worker.count and worker.max_attempts must be positive")
	}
	if c.Worker.Lease < time.Second {
		return errors.New("worker.lease must be at least 1s")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("BS_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("BS_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BS_REDIS_KEY_PREFIX"); v != "" {
		cfg.Redis.KeyPrefix = v
	}
	if v := os.Getenv("BS_STRIPE_SECRET_KEY"); v != "" {
		cfg.Stripe.SecretKey = v
	}
	if v := os.Getenv("BS_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("BS_STRIPE_BASE_PRICE_ID"); v != "" {
		cfg.Stripe.BasePriceID = v
	}
	if v := os.Getenv("BS_STRIPE_ADD_ON_PRICE_ID"); v != "" {
		cfg.Stripe.AddOnPriceID = v
	}
	if v := os.Getenv("BS_STRIPE_API_BASE_URL"); v != "" {
		cfg.Stripe.APIBaseURL = v
	}
	if v := os.Getenv("BS_STRIPE_API_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stripe.APITimeout = d
		}
	}
	if v := os.Getenv("BS_STRIPE_WEBHOOK_TOLERANCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stripe.WebhookTolerance = d
		}
	}
	if v := os.Getenv("BS_STRIPE_TRIAL_DAYS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Stripe.TrialDays = n
		}
	}
	if v := os.Getenv("BS_RECONCILE_REJECT_STALE"); v != "" {
		cfg.Reconcile.RejectStale = parseBool(v, cfg.Reconcile.RejectStale)
	}
	if v := os.Getenv("BS_RECONCILE_SWEEP_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Reconcile.SweepBatch = n
		}
	}
	if v := os.Getenv("BS_RECONCILE_SWEEP_ONLY_DRIFT"); v != "" {
		cfg.Reconcile.SweepOnlyDrift = parseBool(v, cfg.Reconcile.SweepOnlyDrift)
	}
	if v := os.Getenv("BS_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Count = n
		}
	}
	if v := os.Getenv("BS_WORKER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxAttempts = n
		}
	}
	if v := os.Getenv("BS_WORKER_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.RetryBackoff = d
		}
	}
	if v := os.Getenv("BS_WORKER_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.MaxBackoff = d
		}
	}
	if v := os.Getenv("BS_WORKER_LEASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.Lease = d
		}
	}
	if v := os.Getenv("BS_NOTIFY_PROVIDER"); v != "" {
		cfg.Notify.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("BS_NOTIFY_FROM"); v != "" {
		cfg.Notify.From = v
	}
	if v := os.Getenv("BS_POSTMARK_TOKEN"); v != "" {
		cfg.Notify.PostmarkToken = v
	}
	if v := os.Getenv("BS_AUTH_SIGNING_KEY"); v != "" {
		cfg.Auth.SigningKey = v
	}
	if v := os.Getenv("BS_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("BS_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("BS_ADMIN_API_KEY"); v != "" {
		cfg.Auth.AdminAPIKey = v
	}
	if v := os.Getenv("BS_ACTIONS_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Actions.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("BS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BS_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled)
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
