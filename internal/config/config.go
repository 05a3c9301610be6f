package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Client   ClientConfig   `yaml:"client"`
	Backend  BackendConfig  `yaml:"backend"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

// ProviderConfig describes the identity provider. When DomainURL is empty the
// authorization, token and userinfo endpoints are taken from the discovery
// document instead of the configured paths.
type ProviderConfig struct {
	DomainURL              string        `yaml:"domain_url"`
	IssuerURL              string        `yaml:"issuer_url"`
	ClientID               string        `yaml:"client_id"`
	ClientSecret           string        `yaml:"client_secret"`
	Scopes                 []string      `yaml:"scopes"`
	LoginPath              string        `yaml:"login_path"`
	LogoutPath             string        `yaml:"logout_path"`
	TokenPath              string        `yaml:"token_path"`
	UserInfoPath           string        `yaml:"userinfo_path"`
	OpenIDConfigurationURL string        `yaml:"openid_configuration_url"`
	JWKSURL                string        `yaml:"jwks_url"`
	VerifyIDToken          *bool         `yaml:"verify_id_token"`
	PKCE                   bool          `yaml:"pkce"`
	Timeout                time.Duration `yaml:"timeout"`
}

type ClientConfig struct {
	CallbackPath       string        `yaml:"callback_path"`
	LogoutCallbackPath string        `yaml:"logout_callback_path"`
	ErrorPath          string        `yaml:"error_path"`
	DefaultReturnTo    string        `yaml:"default_return_to"`
	UserInfoTTL        time.Duration `yaml:"user_info_ttl"`
	NonceTTL           time.Duration `yaml:"nonce_ttl"`
}

type BackendConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	PreserveHost bool          `yaml:"preserve_host"`

	// HeaderMappings maps userinfo claims to request headers sent to the backend.
	HeaderMappings map[string]string `yaml:"header_mappings"`
}

type StorageConfig struct {
	Type      string         `yaml:"type"`
	Namespace string         `yaml:"namespace"`
	Redis     *RedisConfig   `yaml:"redis,omitempty"`
	File      *FileConfig    `yaml:"file,omitempty"`
	Keyring   *KeyringConfig `yaml:"keyring,omitempty"`
}

type RedisConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
}

type FileConfig struct {
	Path string `yaml:"path"`
}

type KeyringConfig struct {
	Service string `yaml:"service"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document and applies defaults and environment secrets.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	if err := cfg.loadSecretsFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load secrets from environment: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.BaseURL = strings.TrimSuffix(c.Server.BaseURL, "/")

	p := &c.Provider
	p.DomainURL = strings.TrimSuffix(p.DomainURL, "/")
	p.IssuerURL = strings.TrimSuffix(p.IssuerURL, "/")
	if len(p.Scopes) == 0 {
		p.Scopes = []string{"openid", "profile"}
	}
	if p.LoginPath == "" {
		p.LoginPath = "/login"
	}
	if p.LogoutPath == "" {
		p.LogoutPath = "/logout"
	}
	if p.TokenPath == "" {
		p.TokenPath = "/oauth2/token"
	}
	if p.UserInfoPath == "" {
		p.UserInfoPath = "/oauth2/userInfo"
	}
	if p.OpenIDConfigurationURL == "" && p.IssuerURL != "" {
		p.OpenIDConfigurationURL = p.IssuerURL + "/.well-known/openid-configuration"
	}
	if p.JWKSURL == "" && p.IssuerURL != "" {
		p.JWKSURL = p.IssuerURL + "/.well-known/jwks.json"
	}
	if p.VerifyIDToken == nil {
		verify := true
		p.VerifyIDToken = &verify
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}

	if c.Client.CallbackPath == "" {
		c.Client.CallbackPath = "/callback"
	}
	if c.Client.LogoutCallbackPath == "" {
		c.Client.LogoutCallbackPath = "/logout"
	}
	if c.Client.ErrorPath == "" {
		c.Client.ErrorPath = "/error"
	}
	if c.Client.DefaultReturnTo == "" {
		c.Client.DefaultReturnTo = "/"
	}
	if c.Client.UserInfoTTL == 0 {
		c.Client.UserInfoTTL = 5 * time.Minute
	}
	if c.Client.NonceTTL == 0 {
		c.Client.NonceTTL = 10 * time.Minute
	}

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Backend.URL != "" && c.Backend.HeaderMappings == nil {
		c.Backend.HeaderMappings = map[string]string{
			"sub":   "X-User-Sub",
			"email": "X-User-Email",
			"name":  "X-User-Name",
		}
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}

	if c.Storage.Type == "redis" && c.Storage.Redis != nil {
		if c.Storage.Redis.PoolSize == 0 {
			c.Storage.Redis.PoolSize = 10
		}
		if c.Storage.Redis.MaxRetries == 0 {
			c.Storage.Redis.MaxRetries = 3
		}
	}

	if c.Storage.Type == "keyring" {
		if c.Storage.Keyring == nil {
			c.Storage.Keyring = &KeyringConfig{}
		}
		if c.Storage.Keyring.Service == "" {
			c.Storage.Keyring.Service = "sso-client"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	return nil
}

func (c *Config) loadSecretsFromEnv() error {
	if envClientID := os.Getenv("SSO_CLIENT_ID"); envClientID != "" {
		c.Provider.ClientID = envClientID
	}
	if envClientSecret := os.Getenv("SSO_CLIENT_SECRET"); envClientSecret != "" {
		c.Provider.ClientSecret = envClientSecret
	}

	if c.Storage.Type == "redis" && c.Storage.Redis != nil {
		if envPassword := os.Getenv("REDIS_PASSWORD"); envPassword != "" {
			c.Storage.Redis.Password = envPassword
		}
	}

	return nil
}

// VerifyIDTokens reports whether identity tokens returned by the provider are verified.
func (c *Config) VerifyIDTokens() bool {
	return c.Provider.VerifyIDToken == nil || *c.Provider.VerifyIDToken
}

func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}
