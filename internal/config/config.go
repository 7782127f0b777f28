package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CYCLELINK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "cyclelink.db"
	defaultLogLevel     = "info"
	defaultTokenIssuer  = "cyclelink-auth"
	defaultAudience     = "cyclelink-chat"

	defaultMaxBodyBytes     = 4096
	defaultPageSize         = 50
	defaultMaxPageSize      = 100
	defaultHandshakeSeconds = 10
	defaultSendBuffer       = 32
)

// AppConfig captures runtime configuration for the chat API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	MaxBodyBytes     int
	DefaultPageSize  int
	MaxPageSize      int
	EchoToSender     bool
	HandshakeTimeout time.Duration
	SendBuffer       int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("token.ttl_minutes", 30)
	configViper.SetDefault("chat.max_body_bytes", defaultMaxBodyBytes)
	configViper.SetDefault("chat.default_page_size", defaultPageSize)
	configViper.SetDefault("chat.max_page_size", defaultMaxPageSize)
	configViper.SetDefault("chat.echo_to_sender", false)
	configViper.SetDefault("chat.handshake_timeout_seconds", defaultHandshakeSeconds)
	configViper.SetDefault("chat.send_buffer", defaultSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenIssuer:      configViper.GetString("auth.issuer"),
		TokenAudience:    configViper.GetString("auth.audience"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		MaxBodyBytes:     configViper.GetInt("chat.max_body_bytes"),
		DefaultPageSize:  configViper.GetInt("chat.default_page_size"),
		MaxPageSize:      configViper.GetInt("chat.max_page_size"),
		EchoToSender:     configViper.GetBool("chat.echo_to_sender"),
		HandshakeTimeout: time.Duration(configViper.GetInt("chat.handshake_timeout_seconds")) * time.Second,
		SendBuffer:       configViper.GetInt("chat.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("chat.max_body_bytes must be positive")
	}
	if c.MaxPageSize <= 0 || c.DefaultPageSize <= 0 {
		return fmt.Errorf("chat page sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("chat.default_page_size must not exceed chat.max_page_size")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("chat.handshake_timeout_seconds must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("chat.send_buffer must be positive")
	}
	return nil
}
