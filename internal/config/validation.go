package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateProvider(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if err := c.validateClient(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.validateBackend(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.validateStorage(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if err := validateAbsoluteURL(c.Server.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}

	return nil
}

func (c *Config) validateProvider() error {
	p := c.Provider

	if p.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}

	if err := validateAbsoluteURL(p.IssuerURL); err != nil {
		return fmt.Errorf("invalid issuer_url: %w", err)
	}

	if p.DomainURL != "" {
		if err := validateAbsoluteURL(p.DomainURL); err != nil {
			return fmt.Errorf("invalid domain_url: %w", err)
		}
	}

	if err := validateAbsoluteURL(p.OpenIDConfigurationURL); err != nil {
		return fmt.Errorf("invalid openid_configuration_url: %w", err)
	}

	if err := validateAbsoluteURL(p.JWKSURL); err != nil {
		return fmt.Errorf("invalid jwks_url: %w", err)
	}

	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	if len(p.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}

	for name, path := range map[string]string{
		"login_path":    p.LoginPath,
		"logout_path":   p.LogoutPath,
		"token_path":    p.TokenPath,
		"userinfo_path": p.UserInfoPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/': %s", name, path)
		}
	}

	if p.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

func (c *Config) validateClient() error {
	cl := c.Client

	paths := map[string]string{
		"callback_path":        cl.CallbackPath,
		"logout_callback_path": cl.LogoutCallbackPath,
		"error_path":           cl.ErrorPath,
	}
	for name, path := range paths {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/': %s", name, path)
		}
	}

	if cl.CallbackPath == cl.LogoutCallbackPath {
		return fmt.Errorf("callback_path and logout_callback_path must differ")
	}

	if cl.UserInfoTTL < time.Second {
		return fmt.Errorf("user_info_ttl must be at least 1 second")
	}

	if cl.NonceTTL < time.Minute {
		return fmt.Errorf("nonce_ttl must be at least 1 minute")
	}

	return nil
}

func (c *Config) validateBackend() error {
	if c.Backend.URL == "" {
		return nil
	}

	if err := validateAbsoluteURL(c.Backend.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if c.Backend.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Type {
	case "memory":
	case "redis":
		if c.Storage.Redis == nil {
			return fmt.Errorf("redis config is required when type is redis")
		}
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	case "file":
		if c.Storage.File == nil || c.Storage.File.Path == "" {
			return fmt.Errorf("file path is required when type is file")
		}
	case "keyring":
		if c.Storage.Keyring == nil || c.Storage.Keyring.Service == "" {
			return fmt.Errorf("keyring service is required when type is keyring")
		}
	default:
		return fmt.Errorf("invalid type: %s (must be memory, redis, file, or keyring)", c.Storage.Type)
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" {
		return fmt.Errorf("invalid level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "json" && format != "text" {
		return fmt.Errorf("invalid format: %s (must be json or text)", c.Logging.Format)
	}

	output := strings.ToLower(c.Logging.Output)
	if output != "stdout" && output != "stderr" {
		return fmt.Errorf("invalid output: %s (must be stdout or stderr)", c.Logging.Output)
	}

	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required: %q", raw)
	}
	return nil
}
