// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyze

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8098", cfg.ListenAddr)
	assert.Equal(t, "./data/skillgate", cfg.DataDir)
	assert.Equal(t, "/workspace/skills", cfg.SkillBaseDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.CronSecret)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `listen_addr: ":9999"
data_dir: /var/lib/skillgate
log_level: debug
allowed_download_domains:
  - storage.internal.example
storage:
  url: https://proj.supabase.co
  service_key: key-123
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/skillgate", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"storage.internal.example"}, cfg.AllowedDownloadDomains)
	assert.Equal(t, "https://proj.supabase.co", cfg.Storage.URL)
	assert.Equal(t, "key-123", cfg.Storage.ServiceKey)
	// Unset keys keep their defaults.
	assert.Equal(t, "/workspace/skills", cfg.SkillBaseDir)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\n"), 0o600))

	t.Setenv("SKILLGATE_LISTEN_ADDR", ":7777")
	t.Setenv("CRON_SECRET", "env-secret")
	t.Setenv("SKILLGATE_LOG_LEVEL", "error")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, "env-secret", cfg.CronSecret)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
