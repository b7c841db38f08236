// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyze wires the scan pipeline, storage, and HTTP surface of
// the SkillGate analysis service.
package analyze

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// maxConfigFileSize bounds the YAML config file (1MB).
const maxConfigFileSize = 1024 * 1024

// Config holds service configuration.
//
// Values come from an optional YAML file overlaid with environment
// variables; the environment wins.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir is the directory for the embedded database.
	DataDir string `yaml:"data_dir"`

	// CronSecret guards the rescan endpoint. Empty disables the check.
	CronSecret string `yaml:"cron_secret"`

	// SkillBaseDir confines permission extraction to one directory tree.
	SkillBaseDir string `yaml:"skill_base_dir"`

	// AllowedDownloadDomains overrides the tarball download allow-list.
	AllowedDownloadDomains []string `yaml:"allowed_download_domains"`

	// Storage holds object storage credentials for signed tarball URLs.
	Storage StorageConfig `yaml:"storage"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// StorageConfig holds the object storage endpoint and service key.
type StorageConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// DefaultConfig returns the local-development defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8098",
		DataDir:      "./data/skillgate",
		SkillBaseDir: "/workspace/skills",
		LogLevel:     "info",
	}
}

// LoadConfig builds the effective configuration: defaults, then the
// YAML file at path (when non-empty), then environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if info.Size() > maxConfigFileSize {
			return Config{}, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SKILLGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SKILLGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.CronSecret = v
	}
	if v := os.Getenv("SKILL_BASE_DIR"); v != "" {
		cfg.SkillBaseDir = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Storage.URL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); v != "" {
		cfg.Storage.ServiceKey = v
	}
	if v := os.Getenv("SKILLGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
