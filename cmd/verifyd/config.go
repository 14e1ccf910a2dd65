package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/optimode/verifyd/internal/ratelimit"
)

// config is the YAML file shape. Every field has a working default, so an
// empty file (or none at all) starts a usable server.
type config struct {
	Listen string `yaml:"listen"`

	// Development switches zap to its human-readable console encoder.
	Development bool `yaml:"development"`

	SMTP struct {
		HeloDomain string        `yaml:"heloDomain"`
		MailFrom   string        `yaml:"mailFrom"`
		Port       string        `yaml:"port"`
		Timeout    time.Duration `yaml:"timeout"`
		HostRate   float64       `yaml:"hostRate"`
	} `yaml:"smtp"`

	DNS struct {
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cacheTTL"`
	} `yaml:"dns"`

	Workers int `yaml:"workers"`

	RateLimit ratelimit.Config `yaml:"rateLimit"`

	Jobs struct {
		// Path is the SQLite file for async bulk jobs. Empty disables the
		// async path; bulk requests are then always verified inline.
		Path string `yaml:"path"`

		// InlineThreshold is the largest bulk request verified within the
		// request when the async path is enabled.
		InlineThreshold int `yaml:"inlineThreshold"`
	} `yaml:"jobs"`
}

func defaultConfig() config {
	var c config
	c.Listen = ":8080"
	c.RateLimit = ratelimit.DefaultConfig()
	return c
}

// loadConfig reads path over the defaults. An empty path keeps defaults.
func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}
