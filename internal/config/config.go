package config

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "SOMEDAY"
	DriverSQLite          = "sqlite"
	DriverPostgres        = "postgres"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DriverSQLite
	defaultDatabasePath   = "someday.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultIssuer         = "tauth"
	defaultFeedPageSize   = 50
	maxFeedPageSize       = 200
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	LogLevel        string
	RedisURL        string
	FeedPageSize    int
	AllowSelfCheer  bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("feed.page_size", defaultFeedPageSize)
	configViper.SetDefault("relations.allow_self_cheer", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  splitList(configViper.GetString("http.allowed_origins")),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		RedisURL:        strings.TrimSpace(configViper.GetString("redis.url")),
		FeedPageSize:    configViper.GetInt("feed.page_size"),
		AllowSelfCheer:  configViper.GetBool("relations.allow_self_cheer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var values []string
	for _, value := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func (c AppConfig) validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HTTPAddress, validation.Required.Error("http.address is required")),
		validation.Field(&c.TAuthSigningKey, validation.Required.Error("tauth.signing_secret is required")),
		validation.Field(&c.TAuthCookieName, validation.Required.Error("tauth.cookie_name is required")),
		validation.Field(&c.DatabaseDriver,
			validation.Required.Error("database.driver is required"),
			validation.In(DriverSQLite, DriverPostgres).Error("database.driver must be sqlite or postgres")),
		validation.Field(&c.DatabasePath,
			validation.When(c.DatabaseDriver == DriverSQLite, validation.Required.Error("database.path is required"))),
		validation.Field(&c.DatabaseDSN,
			validation.When(c.DatabaseDriver == DriverPostgres, validation.Required.Error("database.dsn is required"))),
		validation.Field(&c.FeedPageSize,
			validation.Min(1).Error("feed.page_size must be positive"),
			validation.Max(maxFeedPageSize).Error("feed.page_size must be at most 200")),
	)
}
