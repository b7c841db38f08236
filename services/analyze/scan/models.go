// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scan implements the staged security pipeline for skill packages.
//
// A scan downloads a gzipped tarball, extracts it into a sandbox directory,
// and runs six analysis stages over the extracted tree:
//
//	stage0  ingest       download, archive hardening, extraction, hashing
//	stage1  structure    layout, Unicode safety, encoding, hidden files
//	stage2  static       AST + regex analysis of Python/JS/shell sources
//	stage3  injection    prompt-injection and hidden-instruction detection
//	stage4  secrets      credential and key material detection
//	stage5  supply       dependency manifests, typosquats, known CVEs
//
// Stages never throw across their boundary: failures are data, carried as
// findings and stage statuses. The orchestrator composes the stages,
// deduplicates findings across tools, and resolves the final verdict.
package scan

// Verdict is the overall outcome of a scan, ordered from best to worst.
type Verdict string

const (
	VerdictPass          Verdict = "pass"
	VerdictPassWithNotes Verdict = "pass_with_notes"
	VerdictFlagged       Verdict = "flagged"
	VerdictFail          Verdict = "fail"
)

// Severity levels for findings, ordered from worst to least severe.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Stage execution statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusErrored = "errored"
	StatusSkipped = "skipped"
)

// DefaultConfidence is assumed by the deduplicator when a finding carries
// no confidence score.
const DefaultConfidence = 0.8

// severityRank orders severities for sorting and verdict arithmetic.
// Lower rank is more severe.
var severityRank = map[string]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Finding is a single observation emitted by exactly one stage.
//
// Findings are value types. Once emitted by a stage they are never
// mutated; the deduplicator builds new records when it merges.
type Finding struct {
	// Stage that produced this finding (stage0..stage5, orchestrator).
	Stage string `json:"stage"`

	// Severity is one of critical, high, medium, low.
	Severity string `json:"severity"`

	// Type is a machine-readable category, e.g. "shell_injection".
	Type string `json:"type"`

	// Description is a human-readable one-line summary.
	Description string `json:"description"`

	// Location is an optional "path" or "path:line" reference.
	// Lines are 1-based.
	Location string `json:"location,omitempty"`

	// Confidence in [0,1]. Zero means unset; the deduplicator
	// treats unset as DefaultConfidence.
	Confidence float64 `json:"confidence,omitempty"`

	// Tool names the producing rule or library. The deduplicator may
	// concatenate tool names with " + " when merging.
	Tool string `json:"tool,omitempty"`

	// Evidence is a raw matched snippet, truncated by producers.
	Evidence string `json:"evidence,omitempty"`

	// Corroborated is set by the deduplicator when independent tools
	// reported the same underlying issue.
	Corroborated bool `json:"corroborated,omitempty"`

	// CorroborationCount is the number of distinct tools that reported
	// the issue. Only set when Corroborated is true.
	CorroborationCount int `json:"corroboration_count,omitempty"`
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Findings   []Finding `json:"findings"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// IngestResult is the shared sandbox handed from stage 0 to later stages.
//
// Invariants:
//   - every path in FileHashes appears in FileList (not vice versa)
//   - no path in FileList is absolute, contains "..", or resolves
//     outside TempDir
//   - TotalSize never exceeds the extraction cap
type IngestResult struct {
	// TempDir is the absolute extraction root, or empty when
	// ingestion failed before extraction.
	TempDir string `json:"temp_dir"`

	// FileHashes maps relative file path to hex SHA-256.
	FileHashes map[string]string `json:"file_hashes"`

	// FileList holds relative file paths in sorted order.
	FileList []string `json:"file_list"`

	// TotalSize is the sum of extracted file sizes in bytes.
	TotalSize int64 `json:"total_size"`

	// StageResult is the stage 0 outcome.
	StageResult StageResult `json:"stage_result"`
}

// ScanRequest asks for a full pipeline run over a skill tarball.
type ScanRequest struct {
	// TarballURL is a signed URL to the gzipped tar of the skill.
	TarballURL string `json:"tarball_url" binding:"required,url"`

	// VersionID identifies the skill version being scanned.
	VersionID string `json:"version_id" binding:"required"`

	// Manifest is the declared skill manifest.
	Manifest map[string]any `json:"manifest" binding:"required"`

	// Permissions is the declared permission set. Recognised keys:
	// "network" (object with an "outbound" domain list),
	// "subprocess" (bool), "filesystem" (object with "read"/"write"
	// path lists).
	Permissions map[string]any `json:"permissions" binding:"required"`
}

// ScanResponse is the full pipeline result returned to the caller.
type ScanResponse struct {
	// ScanID is the stored scan identifier, or empty when persistence
	// was unavailable. A missing scan id never fails the scan.
	ScanID string `json:"scan_id,omitempty"`

	Verdict      Verdict           `json:"verdict"`
	Findings     []Finding         `json:"findings"`
	StageResults []StageResult     `json:"stage_results"`
	DurationMS   int64             `json:"duration_ms"`
	FileHashes   map[string]string `json:"file_hashes"`
}

// DeclaredPermissions is the typed view of ScanRequest.Permissions used by
// the stage 2 cross-check.
type DeclaredPermissions struct {
	// NetworkOutbound lists declared outbound domains. Empty means no
	// network access was declared.
	NetworkOutbound []string

	// Subprocess is true when subprocess execution is declared.
	Subprocess bool

	// FilesystemRead and FilesystemWrite list declared paths.
	FilesystemRead  []string
	FilesystemWrite []string
}

// ParsePermissions converts the raw permission map from a request into the
// typed view. Unknown keys and malformed values are ignored rather than
// rejected; an undeclared capability is simply absent.
func ParsePermissions(raw map[string]any) DeclaredPermissions {
	var p DeclaredPermissions
	if raw == nil {
		return p
	}

	if network, ok := raw["network"].(map[string]any); ok {
		p.NetworkOutbound = stringList(network["outbound"])
	}

	if b, ok := raw["subprocess"].(bool); ok {
		p.Subprocess = b
	}

	if fs, ok := raw["filesystem"].(map[string]any); ok {
		p.FilesystemRead = stringList(fs["read"])
		p.FilesystemWrite = stringList(fs["write"])
	}

	return p
}

func stringList(v any) []string {
	var out []string
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range list {
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// truncateEvidence bounds evidence snippets so findings stay small enough
// to persist and render.
func truncateEvidence(s string) string {
	const maxEvidence = 300
	if len(s) <= maxEvidence {
		return s
	}
	return s[:maxEvidence] + "..."
}
