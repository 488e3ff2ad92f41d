// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads planner configuration from a YAML file with
// environment overrides for secrets.
//
// The loaded Config is passed by value into the components that need
// it; there is no process-wide mutable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Search   SearchConfig   `yaml:"search"`
	Geocode  GeocodeConfig  `yaml:"geocode"`
	Approval ApprovalConfig `yaml:"approval"`
	Research ResearchConfig `yaml:"research"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Language is the output language for documents and prompts.
	Language string `yaml:"language" validate:"oneof=en pt-br es fr"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
}

type SearchConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url,omitempty"`
	RPS     float64 `yaml:"rps" validate:"gt=0"` // request rate limit
}

type GeocodeConfig struct {
	BaseURL     string `yaml:"base_url,omitempty"`
	Parallelism int    `yaml:"parallelism" validate:"gte=1,lte=16"`
}

type ApprovalConfig struct {
	MaxRounds    int `yaml:"max_rounds" validate:"gte=1,lte=20"`
	MaxReprompts int `yaml:"max_reprompts" validate:"gte=1,lte=10"`
}

type ResearchConfig struct {
	Parallelism int `yaml:"parallelism" validate:"gte=1,lte=16"`
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=5"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"omitempty,email"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
		Search: SearchConfig{RPS: 2},
		Geocode: GeocodeConfig{
			BaseURL:     "https://nominatim.openstreetmap.org",
			Parallelism: 4,
		},
		Approval: ApprovalConfig{MaxRounds: 5, MaxReprompts: 3},
		Research: ResearchConfig{Parallelism: 3, MaxAttempts: 3},
		SMTP:     SMTPConfig{Port: 587},
		Logging:  LoggingConfig{Level: "info"},
		Language: "en",
	}
}

// Load reads path (when non-empty) over the defaults, applies
// environment overrides, and validates the result.
//
// # Inputs
//
//   - path: YAML file path. Empty means defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and endpoints from the environment. File
// values lose to the environment so keys never need to live on disk.
func (c *Config) applyEnv() {
	overlay(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	overlay(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	overlay(&c.Search.APIKey, "TAVILY_API_KEY")
	overlay(&c.SMTP.Host, "ITINERA_SMTP_HOST")
	overlay(&c.SMTP.Username, "ITINERA_SMTP_USERNAME")
	overlay(&c.SMTP.Password, "ITINERA_SMTP_PASSWORD")
	overlay(&c.SMTP.From, "ITINERA_SMTP_FROM")

	if v := os.Getenv("ITINERA_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the structural constraints on the loaded values.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
