package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "TANDEM"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "tandem.db"
	defaultLogLevel             = "info"
	defaultCookieName           = "app_session"
	defaultSessionIssuer        = "tauth"
	defaultInviteTTLMinutes     = 7 * 24 * 60
	defaultCountdownMinutes     = 20
	defaultSweepIntervalSeconds = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	TAuthSigningKey   string
	TAuthCookieName   string
	TAuthIssuer       string
	InviteSigningKey  string
	InviteTTL         time.Duration
	DatabasePath      string
	LogLevel          string
	AllowedOrigins    []string
	CountdownDuration time.Duration
	SweepInterval     time.Duration
	QuestionPrompts   []string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("invite.ttl_minutes", defaultInviteTTLMinutes)
	configViper.SetDefault("exercise.countdown_minutes", defaultCountdownMinutes)
	configViper.SetDefault("exercise.sweep_interval_seconds", defaultSweepIntervalSeconds)
	configViper.SetDefault("exercise.questions", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		TAuthSigningKey:   configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:   configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:       configViper.GetString("tauth.issuer"),
		InviteSigningKey:  configViper.GetString("invite.signing_secret"),
		InviteTTL:         time.Duration(configViper.GetInt("invite.ttl_minutes")) * time.Minute,
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AllowedOrigins:    listSetting(configViper, "http.allowed_origins", ","),
		CountdownDuration: time.Duration(configViper.GetInt("exercise.countdown_minutes")) * time.Minute,
		SweepInterval:     time.Duration(configViper.GetInt("exercise.sweep_interval_seconds")) * time.Second,
		QuestionPrompts:   listSetting(configViper, "exercise.questions", "|"),
	}
	if strings.TrimSpace(cfg.InviteSigningKey) == "" {
		cfg.InviteSigningKey = cfg.TAuthSigningKey
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("invite.ttl_minutes must be positive")
	}
	if c.CountdownDuration <= 0 {
		return fmt.Errorf("exercise.countdown_minutes must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("exercise.sweep_interval_seconds must be positive")
	}
	return nil
}

// listSetting reads a list key that may arrive as a real list (config file, Set) or as a single
// env string joined by separator. Prompts use "|" since they may contain commas.
func listSetting(configViper *viper.Viper, key, separator string) []string {
	var raw []string
	switch value := configViper.Get(key).(type) {
	case string:
		raw = strings.Split(value, separator)
	case []string:
		raw = value
	case []interface{}:
		for _, item := range value {
			raw = append(raw, fmt.Sprint(item))
		}
	}
	var result []string
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
