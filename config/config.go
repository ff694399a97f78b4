package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go.pilab.hu/oidc/client"
	serrors "go.pilab.hu/oidc/errors"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort  string `mapstructure:"HTTP_PORT"`
	Issuer    string `mapstructure:"ISSUER"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Signing key material: inline PEM wins over the file path.
	SigningKeyID   string `mapstructure:"SIGNING_KEY_ID"`
	SigningKeyPEM  string `mapstructure:"SIGNING_KEY_PEM"`
	SigningKeyFile string `mapstructure:"SIGNING_KEY_FILE"`

	// ClientsFile is a JSON file with the static client list.
	ClientsFile string `mapstructure:"CLIENTS_FILE"`

	// Redis backs the grant store when set; empty means in-memory.
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RedisPrefix string `mapstructure:"REDIS_PREFIX"`

	AccessTokenTTLMin   int `mapstructure:"ACCESS_TOKEN_TTL_MIN"`
	IDTokenTTLMin       int `mapstructure:"ID_TOKEN_TTL_MIN"`
	AuthCodeTTLMin      int `mapstructure:"AUTH_CODE_TTL_MIN"`
	InteractionTTLMin   int `mapstructure:"INTERACTION_TTL_MIN"`
	RefreshTokenTTLHour int `mapstructure:"REFRESH_TOKEN_TTL_HOUR"`

	IssueRefreshTokens bool `mapstructure:"ISSUE_REFRESH_TOKENS"`
	RequirePKCEForAll  bool `mapstructure:"REQUIRE_PKCE_FOR_ALL"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/oidc/")
	v.AddConfigPath("$HOME/.oidc")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("ISSUER", "http://localhost:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "oidc-server")
	v.SetDefault("SIGNING_KEY_ID", "1")
	v.SetDefault("CLIENTS_FILE", "clients.json")
	v.SetDefault("REDIS_PREFIX", "oidc")
	v.SetDefault("ACCESS_TOKEN_TTL_MIN", 60)
	v.SetDefault("ID_TOKEN_TTL_MIN", 60)
	v.SetDefault("AUTH_CODE_TTL_MIN", 10)
	v.SetDefault("INTERACTION_TTL_MIN", 10)
	v.SetDefault("REFRESH_TOKEN_TTL_HOUR", 720) // 30 days
	v.SetDefault("ISSUE_REFRESH_TOKENS", true)
	v.SetDefault("REQUIRE_PKCE_FOR_ALL", false)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}

// TTL helpers.
func (c *ServerConfig) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMin) * time.Minute
}

func (c *ServerConfig) IDTokenTTL() time.Duration {
	return time.Duration(c.IDTokenTTLMin) * time.Minute
}

func (c *ServerConfig) AuthCodeTTL() time.Duration {
	return time.Duration(c.AuthCodeTTLMin) * time.Minute
}

func (c *ServerConfig) InteractionTTL() time.Duration {
	return time.Duration(c.InteractionTTLMin) * time.Minute
}

func (c *ServerConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLHour) * time.Hour
}

// LoadClients reads the static client list from the configured JSON file.
func (c *ServerConfig) LoadClients() ([]client.Client, error) {
	data, err := os.ReadFile(c.ClientsFile)
	if err != nil {
		return nil, serrors.NewFatalConfig("reading clients file %q: %v", c.ClientsFile, err)
	}
	var clients []client.Client
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, serrors.NewFatalConfig("parsing clients file %q: %v", c.ClientsFile, err)
	}
	return clients, nil
}
