package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values come from env (or a .env file loaded by main).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	RegistryDB DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Webhook    WebhookConfig
	AMQP       AMQPConfig
	Membership MembershipConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig describes one Postgres database. The staging database and the
// customer registry are configured independently.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type WebhookConfig struct {
	// Secret verifies X-WC-Webhook-Signature. Empty disables verification outside production.
	Secret string
	// DedupeTTL bounds how long an order id is remembered for redelivery suppression.
	DedupeTTL time.Duration
}

type AMQPConfig struct {
	// URL is optional; outcome events are dropped when empty.
	URL      string
	Exchange string
}

type MembershipConfig struct {
	// Category is the order line-item category slug/name that marks a membership product.
	Category   string
	CardPrefix string
	Timezone   string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = appendParseErr(parseErrs)(mustInt("APP_PORT"))

	c.DB, parseErrs = loadDB("DB", parseErrs)
	c.RegistryDB, parseErrs = loadDB("REGISTRY_DB", parseErrs)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = appendParseErr(parseErrs)(mustInt("REDIS_PORT"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optionalDuration("JWT_ACCESS_TTL")

	c.Webhook.Secret = os.Getenv("WEBHOOK_SECRET")
	c.Webhook.DedupeTTL = optionalDuration("ORDER_DEDUPE_TTL")

	c.AMQP.URL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	c.AMQP.Exchange = strings.TrimSpace(os.Getenv("AMQP_EXCHANGE"))

	c.Membership.Category = strings.TrimSpace(os.Getenv("MEMBERSHIP_CATEGORY"))
	c.Membership.CardPrefix = strings.TrimSpace(os.Getenv("CARD_PREFIX"))
	c.Membership.Timezone = strings.TrimSpace(os.Getenv("BUSINESS_TIMEZONE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	errs = append(errs, c.validateDB("DB", &c.DB)...)
	errs = append(errs, c.validateDB("REGISTRY_DB", &c.RegistryDB)...)

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Operators work in shifts; one token per shift.
		c.Auth.AccessTokenTTL = 8 * time.Hour
	}

	if c.Webhook.DedupeTTL <= 0 {
		c.Webhook.DedupeTTL = 72 * time.Hour
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "membership.events"
	}

	if c.Membership.Category == "" {
		c.Membership.Category = "membership"
	}
	if c.Membership.CardPrefix == "" {
		c.Membership.CardPrefix = "M"
	}
	if c.Membership.Timezone == "" {
		c.Membership.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Membership.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("BUSINESS_TIMEZONE is not a known location: %q", c.Membership.Timezone))
	}

	return joinErrors(errs)
}

func (c *Config) validateDB(prefix string, db *DBConfig) []error {
	var errs []error
	if db.Host == "" {
		errs = append(errs, fmt.Errorf("%s_HOST is required", prefix))
	}
	if db.Port <= 0 || db.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s_PORT must be a valid port, got %d", prefix, db.Port))
	}
	if db.User == "" {
		errs = append(errs, fmt.Errorf("%s_USER is required", prefix))
	}
	if db.Name == "" {
		errs = append(errs, fmt.Errorf("%s_NAME is required", prefix))
	}
	if db.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, fmt.Errorf("%s_SSLMODE is required in production", prefix))
		} else {
			// Local-friendly default; production must be explicit.
			db.SSLMode = "disable"
		}
	}
	if db.SSLMode != "" && !isValidSSLMode(db.SSLMode) {
		errs = append(errs, fmt.Errorf("%s_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", prefix, db.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// Location returns the business timezone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Membership.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN renders a keyword/value connection string. Never log it.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func loadDB(prefix string, errs []error) (DBConfig, []error) {
	var d DBConfig
	d.Host = strings.TrimSpace(os.Getenv(prefix + "_HOST"))
	d.Port, errs = appendParseErr(errs)(mustInt(prefix + "_PORT"))
	d.User = strings.TrimSpace(os.Getenv(prefix + "_USER"))
	d.Password = os.Getenv(prefix + "_PASSWORD")
	d.Name = strings.TrimSpace(os.Getenv(prefix + "_NAME"))
	d.SSLMode = strings.TrimSpace(os.Getenv(prefix + "_SSLMODE"))
	return d, errs
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalDuration returns 0 for unset or unparseable values; Validate applies defaults.
func optionalDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return n, errs
	}
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
