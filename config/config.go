package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		WSEndpoint              string `yaml:"ws_endpoint"`
		RESTEndpoint            string `yaml:"rest_endpoint"`
		HandshakeTimeoutSeconds int    `yaml:"handshake_timeout_seconds"`
		ReadTimeoutSeconds      int    `yaml:"read_timeout_seconds"`
		RequestTimeoutSeconds   int    `yaml:"request_timeout_seconds"`
	} `yaml:"exchange"`
	Book struct {
		PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
		FallbackEnabled     bool     `yaml:"fallback_enabled"`
		DepthLimit          int      `yaml:"depth_limit"`
		Symbols             []string `yaml:"symbols"`
	} `yaml:"book"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

func Default() Config {
	var c Config
	c.Exchange.HandshakeTimeoutSeconds = 5
	c.Exchange.ReadTimeoutSeconds = 30
	c.Exchange.RequestTimeoutSeconds = 10
	c.Book.PollIntervalSeconds = 3
	c.Book.FallbackEnabled = true
	c.Book.DepthLimit = 100
	c.Logging.Level = "info"
	c.Metrics.Addr = ":8080"
	return c
}

// Load reads the yaml file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error; the environment
// alone may carry the endpoints.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &c); err != nil {
				return c, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c.applyEnv()

	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BOOKSYNC_WS_ENDPOINT"); v != "" {
		c.Exchange.WSEndpoint = v
	}
	if v := os.Getenv("BOOKSYNC_REST_ENDPOINT"); v != "" {
		c.Exchange.RESTEndpoint = v
	}
	if v := os.Getenv("BOOKSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Exchange.WSEndpoint == "" {
		return fmt.Errorf("exchange.ws_endpoint is required")
	}
	if c.Exchange.RESTEndpoint == "" {
		return fmt.Errorf("exchange.rest_endpoint is required")
	}
	if c.Book.PollIntervalSeconds <= 0 {
		return fmt.Errorf("book.poll_interval_seconds must be positive")
	}
	return nil
}
