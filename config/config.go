/*
Package config loads the server configuration.

PRECEDENCE (lowest first):
  1. DefaultConfig()
  2. TOML file (--config, optional)
  3. .env file in the working directory (best effort)
  4. Process environment (HOSTING_*, STRIPE_*)
  5. Command-line flags, applied by cmd/server

EXAMPLE hosting.toml:
  [server]
  port = 8080

  [database]
  path = "./data/hosting.db"

  [scheduler]
  interval = "15m"
  renew_ahead = "24h"

  [eko]
  points_per_currency_unit = 10
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/logging"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Log       LogConfig       `toml:"log"`
	Auth      AuthConfig      `toml:"auth"`
	Stripe    StripeConfig    `toml:"stripe"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Eko       EkoConfig       `toml:"eko"`
}

type ServerConfig struct {
	Port           int           `toml:"port"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	IdleTimeout    time.Duration `toml:"idle_timeout"`
	AllowedOrigins []string      `toml:"allowed_origins"`
	PublicURL      string        `toml:"public_url"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

type StripeConfig struct {
	APIKey        string `toml:"api_key"`
	WebhookSecret string `toml:"webhook_secret"`
	SuccessURL    string `toml:"success_url"`
	CancelURL     string `toml:"cancel_url"`
	Currency      string `toml:"currency"`
}

type SchedulerConfig struct {
	Enabled    bool          `toml:"enabled"`
	Interval   time.Duration `toml:"interval"`
	RenewAhead time.Duration `toml:"renew_ahead"`
}

// EkoConfig seeds EkoGlobalSettings when the database holds none.
type EkoConfig struct {
	PointsPerCurrencyUnit  int64 `toml:"points_per_currency_unit"`
	PointsToPlantTree      int64 `toml:"points_to_plant_tree"`
	PointsForDarkMode      int64 `toml:"points_for_dark_mode"`
	PointsFor2FA           int64 `toml:"points_for_2fa"`
	PointsForAutoRenew     int64 `toml:"points_for_auto_renew"`
	PointsForYearlyPayment int64 `toml:"points_for_yearly_payment"`
}

func (e EkoConfig) Settings() eko.Settings {
	return eko.Settings{
		PointsPerCurrencyUnit:  e.PointsPerCurrencyUnit,
		PointsToPlantTree:      e.PointsToPlantTree,
		PointsForDarkMode:      e.PointsForDarkMode,
		PointsFor2FA:           e.PointsFor2FA,
		PointsForAutoRenew:     e.PointsForAutoRenew,
		PointsForYearlyPayment: e.PointsForYearlyPayment,
	}
}

func DefaultConfig() Config {
	d := eko.DefaultSettings()
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
			PublicURL:      "http://localhost:8080",
		},
		Database: DatabaseConfig{Path: "hosting.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Auth:     AuthConfig{Issuer: "hosting-panel"},
		Stripe: StripeConfig{
			Currency:   "pln",
			SuccessURL: "http://localhost:8080/billing/success",
			CancelURL:  "http://localhost:8080/billing/cancel",
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Interval:   15 * time.Minute,
			RenewAhead: 24 * time.Hour,
		},
		Eko: EkoConfig{
			PointsPerCurrencyUnit:  d.PointsPerCurrencyUnit,
			PointsToPlantTree:      d.PointsToPlantTree,
			PointsForDarkMode:      d.PointsForDarkMode,
			PointsFor2FA:           d.PointsFor2FA,
			PointsForAutoRenew:     d.PointsForAutoRenew,
			PointsForYearlyPayment: d.PointsForYearlyPayment,
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, a .env file and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Best-effort .env loading (not required). Existing variables win.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	setString(&c.Database.Path, "HOSTING_DB_PATH")
	setString(&c.Log.Level, "HOSTING_LOG_LEVEL")
	setString(&c.Log.Format, "HOSTING_LOG_FORMAT")
	setString(&c.Auth.JWTSecret, "HOSTING_JWT_SECRET")
	setString(&c.Auth.Issuer, "HOSTING_JWT_ISSUER")
	setString(&c.Server.PublicURL, "HOSTING_PUBLIC_URL")
	setString(&c.Stripe.APIKey, "STRIPE_API_KEY")
	setString(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.Stripe.SuccessURL, "HOSTING_STRIPE_SUCCESS_URL")
	setString(&c.Stripe.CancelURL, "HOSTING_STRIPE_CANCEL_URL")
	setString(&c.Stripe.Currency, "HOSTING_STRIPE_CURRENCY")

	if v := envValue("HOSTING_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := envValue("HOSTING_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HOSTING_PORT must be an integer, got %q", v))
		}
		c.Server.Port = port
	}
	if v := envValue("HOSTING_SCHEDULER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HOSTING_SCHEDULER_ENABLED must be a boolean, got %q", v))
		}
		c.Scheduler.Enabled = enabled
	}
	errs = append(errs,
		setDuration(&c.Scheduler.Interval, "HOSTING_SCHEDULER_INTERVAL"),
		setDuration(&c.Scheduler.RenewAhead, "HOSTING_RENEW_AHEAD"),
	)
	return errors.Join(errs...)
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if v := envValue(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := envValue(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate names every invalid setting.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if !logging.ValidLevel(c.Log.Level) {
		problems = append(problems, fmt.Sprintf("log.level %q is not a level", c.Log.Level))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		problems = append(problems, "scheduler.interval must be positive")
	}
	if c.Scheduler.RenewAhead < 0 {
		problems = append(problems, "scheduler.renew_ahead must not be negative")
	}
	if err := c.Eko.Settings().Validate(); err != nil {
		problems = append(problems, "eko: "+err.Error())
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
