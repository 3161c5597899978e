// Package config loads the remailer command configuration from YAML.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/connection"
	"github.com/alexisbouchez/remailer/internal/logging"
)

// Environment variables that override secrets from the file.
const (
	EnvSMTPPassword  = "REMAILER_SMTP_PASSWORD"
	EnvProxyPassword = "REMAILER_PROXY_PASSWORD"
)

// Config is the top-level configuration file.
type Config struct {
	SMTP  SMTPConfig      `yaml:"smtp"`
	Proxy *ProxyConfig    `yaml:"proxy"`
	Log   logging.Options `yaml:"log"`
}

// SMTPConfig describes the relay messages are submitted to.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	TLS                bool `yaml:"tls"`
	RequireTLS         bool `yaml:"require_tls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	Timeout time.Duration `yaml:"timeout"`
}

// ProxyConfig describes an optional SOCKS5 proxy.
type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		SMTP: SMTPConfig{
			Port:    remailer.SMTPPort,
			TLS:     true,
			Timeout: connection.DefaultTimeout,
		},
		Log: logging.Options{Level: "info", Format: "text"},
	}
}

// Load reads the file at path over the defaults. An empty path yields the
// defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv(EnvProxyPassword); v != "" && c.Proxy != nil {
		c.Proxy.Password = v
	}
}

// Validate reports the first inconsistency found.
func (c *Config) Validate() error {
	switch {
	case c.SMTP.Port <= 0 || c.SMTP.Port > 65535:
		return fmt.Errorf("config: smtp.port %d out of range", c.SMTP.Port)
	case c.SMTP.Timeout <= 0:
		return fmt.Errorf("config: smtp.timeout must be positive")
	case c.SMTP.Password != "" && c.SMTP.Username == "":
		return errors.New("config: smtp.password set without smtp.username")
	}
	if p := c.Proxy; p != nil {
		if p.Host == "" {
			return errors.New("config: proxy.host is required")
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("config: proxy.port %d out of range", p.Port)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ConnectionOptions translates the configuration into connection options.
func (c *Config) ConnectionOptions() []connection.Option {
	s := c.SMTP
	opts := []connection.Option{
		connection.WithPort(s.Port),
		connection.WithTimeout(s.Timeout),
		connection.WithTLS(s.TLS),
		connection.WithRequireTLS(s.RequireTLS),
	}
	if s.Hostname != "" {
		opts = append(opts, connection.WithHostname(s.Hostname))
	}
	if s.Username != "" {
		opts = append(opts, connection.WithCredentials(s.Username, s.Password))
	}
	if s.InsecureSkipVerify {
		opts = append(opts, connection.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	if p := c.Proxy; p != nil {
		opts = append(opts, connection.WithProxy(remailer.ProxyParameters{
			Host:     p.Host,
			Port:     p.Port,
			Username: p.Username,
			Password: p.Password,
		}))
	}
	return opts
}
