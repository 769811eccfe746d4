package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/outagewatch/internal/core/directory"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.applyDefaults()
	return &cfg
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.User.ID == "" {
		c.User.ID = "local"
	}

	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = 60 * time.Second
	}
	if c.Monitor.MinPollInterval == 0 {
		c.Monitor.MinPollInterval = 60 * time.Second
	}
	if c.Monitor.ReportThreshold == 0 {
		c.Monitor.ReportThreshold = 10
	}
	if c.Monitor.PollTimeout == 0 {
		c.Monitor.PollTimeout = 10 * time.Second
	}
	// a shared SQL store can be written by other processes
	if c.Monitor.SummaryRefresh == 0 && c.Database.Enabled() {
		c.Monitor.SummaryRefresh = 5 * time.Minute
	}

	c.Signal.Type = strings.ToLower(strings.TrimSpace(c.Signal.Type))
	if c.Signal.Type == "" {
		c.Signal.Type = SignalStatic
	}
	if c.Signal.Name == "" {
		c.Signal.Name = c.Signal.Type
	}
	if c.Signal.Timeout == 0 {
		c.Signal.Timeout = 10 * time.Second
	}

	if len(c.Providers) == 0 {
		c.Providers = directory.Default()
	}
}

func (c *AppConfig) validate() error {
	switch c.Signal.Type {
	case SignalStatic:
	case SignalHTTP, SignalGRPC:
		if c.Signal.URL == "" {
			return fmt.Errorf("signal.url is required for %s source", c.Signal.Type)
		}
	default:
		return fmt.Errorf("unknown signal type %q", c.Signal.Type)
	}

	if c.Monitor.ReportThreshold < 1 {
		return fmt.Errorf("monitor.report_threshold must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}
