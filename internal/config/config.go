package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

const envPrefix = "FULFILLMENT_"

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	App struct {
		Name     string `koanf:"name"`
		Env      string `koanf:"env"`
		HTTPAddr string `koanf:"http_addr"`
	} `koanf:"app"`

	HTTP struct {
		ReadTimeout     time.Duration `koanf:"read_timeout"`
		WriteTimeout    time.Duration `koanf:"write_timeout"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	} `koanf:"http"`

	Log struct {
		File string `koanf:"file"`
	} `koanf:"log"`

	Storage struct {
		Driver string `koanf:"driver"`
	} `koanf:"storage"`

	Postgres struct {
		DSN      string `koanf:"dsn"`
		MaxConns int32  `koanf:"max_conns"`
	} `koanf:"postgres"`

	Redis struct {
		Addr     string        `koanf:"addr"`
		Password string        `koanf:"password"`
		DB       int           `koanf:"db"`
		CartTTL  time.Duration `koanf:"cart_ttl"`
	} `koanf:"redis"`

	Kafka struct {
		Brokers    []string `koanf:"brokers"`
		EmailTopic string   `koanf:"email_topic"`
	} `koanf:"kafka"`

	Order struct {
		PaymentWindow    time.Duration `koanf:"payment_window"`
		CleanupRetention time.Duration `koanf:"cleanup_retention"`
	} `koanf:"order"`

	Reconciliation struct {
		ExpiryInterval time.Duration `koanf:"expiry_interval"`
		CleanupHour    int           `koanf:"cleanup_hour"`
	} `koanf:"reconciliation"`

	Outbox struct {
		BatchSize      int           `koanf:"batch_size"`
		RetryBackoff   time.Duration `koanf:"retry_backoff"`
		MaxAttempts    int           `koanf:"max_attempts"`
		PollInterval   time.Duration `koanf:"poll_interval"`
		ClaimLease     time.Duration `koanf:"claim_lease"`
		Workers        int           `koanf:"workers"`
		HandlerTimeout time.Duration `koanf:"handler_timeout"`
	} `koanf:"outbox"`

	PayPal struct {
		BaseURL      string        `koanf:"base_url"`
		ClientID     string        `koanf:"client_id"`
		ClientSecret string        `koanf:"client_secret"`
		Currency     string        `koanf:"currency"`
		VNDToUSDRate float64       `koanf:"vnd_to_usd_rate"`
		WebhookID    string        `koanf:"webhook_id"`
		Timeout      time.Duration `koanf:"timeout"`
	} `koanf:"paypal"`

	PayOS struct {
		BaseURL     string        `koanf:"base_url"`
		ClientID    string        `koanf:"client_id"`
		APIKey      string        `koanf:"api_key"`
		ChecksumKey string        `koanf:"checksum_key"`
		Timeout     time.Duration `koanf:"timeout"`
	} `koanf:"payos"`

	Email struct {
		From           string `koanf:"from"`
		FrontendURL    string `koanf:"frontend_url"`
		SupportEmail   string `koanf:"support_email"`
		OrderDetailURL string `koanf:"order_detail_url"`
	} `koanf:"email"`

	Webhooks struct {
		MockEnabled bool `koanf:"mock_enabled"`
	} `koanf:"webhooks"`
}

// Load reads <dir>/base.yaml, overlays <dir>/<envName>.yaml when present and
// finally FULFILLMENT_* environment variables (nested with "__"), e.g.
// FULFILLMENT_POSTGRES__DSN or FULFILLMENT_PAYOS__CHECKSUM_KEY.
func Load(dir, envName string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(fmt.Sprintf("%s/base.yaml", dir)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}

	if envName != "" {
		overlay := fmt.Sprintf("%s/%s.yaml", dir, envName)
		if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s overlay: %w", envName, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if envName != "" {
		cfg.App.Env = envName
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.App.HTTPAddr == "" {
		return fmt.Errorf("app.http_addr required")
	}
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Storage.Driver)
	}
	if c.Order.PaymentWindow <= 0 {
		return fmt.Errorf("order.payment_window must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.batch_size and outbox.max_attempts must be positive")
	}
	if c.Outbox.RetryBackoff <= 0 || c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.retry_backoff and outbox.poll_interval must be positive")
	}
	if c.Reconciliation.CleanupHour < 0 || c.Reconciliation.CleanupHour > 23 {
		return fmt.Errorf("reconciliation.cleanup_hour must be within 0..23")
	}
	if c.PayPal.VNDToUSDRate < 0 {
		return fmt.Errorf("paypal.vnd_to_usd_rate must not be negative")
	}
	return nil
}

// PaymentMinutes is the payment window reported to clients.
func (c Config) PaymentMinutes() int {
	return int(c.Order.PaymentWindow / time.Minute)
}

// VNDRate returns the PayPal conversion rate as a decimal.
func (c Config) VNDRate() decimal.Decimal {
	return decimal.NewFromFloat(c.PayPal.VNDToUSDRate)
}
