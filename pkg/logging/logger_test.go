// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := tt.level.toSlogLevel()
			if got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"  Error  ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Constructor Tests
// =============================================================================

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
	defer logger.Close()
}

func TestNew_AllLevels(t *testing.T) {
	levels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			logger := New(Config{Level: level, Quiet: true})
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			defer logger.Close()
		})
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "analyze",
		Quiet:   true,
	})
	logger.Info("scan complete", "verdict", "pass")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	filename := "analyze_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "scan complete") {
		t.Errorf("log file missing message, got: %s", data)
	}
	if !strings.Contains(string(data), `"service":"analyze"`) {
		t.Errorf("log file missing service attribute, got: %s", data)
	}
}

func TestNew_FileLogging_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")

	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("hello")
	logger.Close()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("log directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log path is not a directory")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
	if logger.config.Service != "skillgate" {
		t.Errorf("Default() service = %q, want skillgate", logger.config.Service)
	}
	defer logger.Close()
}

// =============================================================================
// Logging and With Tests
// =============================================================================

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "filter",
		Quiet:   true,
	})
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")
	logger.Close()

	filename := "filter_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	content := string(data)

	if strings.Contains(content, "debug message") {
		t.Error("debug message should be filtered at LevelWarn")
	}
	if strings.Contains(content, "info message") {
		t.Error("info message should be filtered at LevelWarn")
	}
	if !strings.Contains(content, "warn message") {
		t.Error("warn message missing")
	}
	if !strings.Contains(content, "error message") {
		t.Error("error message missing")
	}
}

func TestLogger_With(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		LogDir:  dir,
		Service: "with",
		Quiet:   true,
	})

	child := logger.With("request_id", "req-123")
	child.Info("processing")
	logger.Info("no request context")
	logger.Close()

	filename := "with_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "req-123") {
		t.Error("child logger line missing request_id")
	}
	if strings.Contains(lines[1], "req-123") {
		t.Error("parent logger line should not carry request_id")
	}
}

func TestLogger_Slog(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()

	if logger.Slog() == nil {
		t.Fatal("Slog() returned nil")
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger := New(Config{Level: LevelInfo, Quiet: true, LogDir: t.TempDir(), Service: "conc"})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent", "goroutine", n, "iteration", j)
			}
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestLogger_Export(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "export",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Info("scan stored", "scan_id", "abc", "verdict", "fail")
	logger.Debug("below threshold")

	// Export runs on a goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exporter.Entries()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	logger.Close()

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "scan stored" {
		t.Errorf("Message = %q, want 'scan stored'", entry.Message)
	}
	if entry.Service != "export" {
		t.Errorf("Service = %q, want export", entry.Service)
	}
	if entry.Attrs["scan_id"] != "abc" {
		t.Errorf("Attrs[scan_id] = %v, want abc", entry.Attrs["scan_id"])
	}
	if entry.Level != LevelInfo {
		t.Errorf("Level = %v, want LevelInfo", entry.Level)
	}
}

func TestNopExporter(t *testing.T) {
	e := &NopExporter{}
	ctx := context.Background()
	if err := e.Export(ctx, LogEntry{}); err != nil {
		t.Errorf("Export() error = %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestBufferedExporter_EntriesIsCopy(t *testing.T) {
	e := NewBufferedExporter()
	_ = e.Export(context.Background(), LogEntry{Message: "original"})

	entries := e.Entries()
	entries[0].Message = "mutated"

	if got := e.Entries()[0].Message; got != "original" {
		t.Errorf("internal buffer mutated, got %q", got)
	}
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)

	err := e.Export(context.Background(), LogEntry{
		Timestamp: time.Now(),
		Level:     LevelWarn,
		Message:   "disk almost full",
		Attrs:     map[string]any{"free_mb": 12},
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "WARN") {
		t.Errorf("output missing level: %s", out)
	}
	if !strings.Contains(out, "disk almost full") {
		t.Errorf("output missing message: %s", out)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	tests := []struct {
		input string
		want  string
	}{
		{"~/.skillgate/logs", filepath.Join(home, ".skillgate/logs")},
		{"/var/log/skillgate", "/var/log/skillgate"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := expandPath(tt.input)
			if got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestArgsToMap(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{
			name: "pairs",
			args: []any{"key1", "value1", "key2", 123},
			want: map[string]any{"key1": "value1", "key2": 123},
		},
		{
			name: "odd trailing value dropped",
			args: []any{"key1", "value1", "dangling"},
			want: map[string]any{"key1": "value1"},
		},
		{
			name: "non-string key skipped",
			args: []any{42, "value", "key", "ok"},
			want: map[string]any{"key": "ok"},
		},
		{
			name: "empty",
			args: nil,
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsToMap(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("argsToMap() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("argsToMap()[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FanOut(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&buf1, nil),
		slog.NewJSONHandler(&buf2, nil),
	}}

	logger := slog.New(h)
	logger.Info("fan out", "key", "value")

	for i, buf := range []*bytes.Buffer{&buf1, &buf2} {
		if !strings.Contains(buf.String(), "fan out") {
			t.Errorf("handler %d missing record: %s", i, buf.String())
		}
	}
}

func TestMultiHandler_EnabledRespectsLevels(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	logger := slog.New(h)
	logger.Info("info only")

	if !strings.Contains(debugBuf.String(), "info only") {
		t.Error("debug handler should receive info record")
	}
	if errorBuf.Len() != 0 {
		t.Errorf("error handler should filter info record, got: %s", errorBuf.String())
	}
}
