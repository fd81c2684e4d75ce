package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "BRIDGE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "bridge.db"
	defaultLogLevel     = "info"
	defaultProviderName = "firebase"
	defaultSessionTTL   = 30
	defaultTimeoutSecs  = 10
)

// AppConfig captures runtime configuration for the bridge service.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	VerifierAudience string
	VerifierJWKSURL  string
	VerifierIssuers  []string
	ProviderName     string
	SessionSecret    string
	SessionIssuer    string
	SessionAudience  string
	SessionTTL       time.Duration
	RequestTimeout   time.Duration
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
	configViper.SetDefault("http.timeout_seconds", defaultTimeoutSecs)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("verifier.provider_name", defaultProviderName)
	configViper.SetDefault("session.issuer", "identity-bridge")
	configViper.SetDefault("session.audience", "identity-bridge-clients")
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		VerifierAudience: configViper.GetString("verifier.audience"),
		VerifierJWKSURL:  configViper.GetString("verifier.jwks_url"),
		VerifierIssuers:  configViper.GetStringSlice("verifier.issuers"),
		ProviderName:     configViper.GetString("verifier.provider_name"),
		SessionSecret:    configViper.GetString("session.signing_secret"),
		SessionIssuer:    configViper.GetString("session.issuer"),
		SessionAudience:  configViper.GetString("session.audience"),
		SessionTTL:       time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		RequestTimeout:   time.Duration(configViper.GetInt("http.timeout_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.VerifierAudience) == "" {
		return fmt.Errorf("verifier.audience is required")
	}
	if strings.TrimSpace(c.VerifierJWKSURL) == "" {
		return fmt.Errorf("verifier.jwks_url is required")
	}
	if len(c.VerifierIssuers) == 0 {
		return fmt.Errorf("verifier.issuers is required")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
