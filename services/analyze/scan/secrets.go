// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scan

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// secretSignature is one regex signature for a well-known credential
// shape. Matches are reported with masked evidence.
type secretSignature struct {
	Pattern     string
	Severity    string
	Description string
}

// customSecretSignatures cover credential formats with distinctive
// shapes. The high-entropy catch-all sits last and is only medium: long
// base64 runs are common in lockfiles and sourcemaps.
var customSecretSignatures = []secretSignature{
	{`AIza[0-9A-Za-z_-]{35}`, SeverityCritical, "Google Cloud API key"},
	{`(api[_-]?key|apikey|api[_-]?secret)\s*[:=]\s*['"][a-zA-Z0-9]{16,}['"]`, SeverityCritical, "API key in config"},
	{`(postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:[^\s'"]+@[^\s'"]+`, SeverityCritical, "Database connection string with credentials"},
	{`-----BEGIN\s+(RSA\s+|DSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`, SeverityCritical, "SSH private key"},
	{`['"][a-zA-Z0-9+/=]{40,}['"]`, SeverityMedium, "High-entropy string (potential secret)"},
	{`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`, SeverityCritical, "JWT token"},
	{`-----BEGIN\s+ENCRYPTED\s+PRIVATE\s+KEY-----`, SeverityCritical, "Encrypted private key"},
	{`https://hooks\.slack\.com/services/T[a-zA-Z0-9]+/B[a-zA-Z0-9]+/[a-zA-Z0-9]+`, SeverityCritical, "Slack webhook URL"},
	{`https://discord(?:app)?\.com/api/webhooks/\d+/[a-zA-Z0-9_-]+`, SeverityCritical, "Discord webhook URL"},
	{`https?://[^\s'"]+/webhook/[^\s'"]*[a-f0-9]{16,}`, SeverityHigh, "Webhook URL with secret"},
}

var compiledSecretSignatures = func() []struct {
	re          *regexp.Regexp
	severity    string
	description string
} {
	out := make([]struct {
		re          *regexp.Regexp
		severity    string
		description string
	}, 0, len(customSecretSignatures))
	for _, s := range customSecretSignatures {
		out = append(out, struct {
			re          *regexp.Regexp
			severity    string
			description string
		}{regexp.MustCompile(s.Pattern), s.Severity, s.Description})
	}
	return out
}()

// secretDetector is a named line detector in the fixed detector suite.
// Most are plain regexes; the entropy detectors add a threshold check on
// the matched token.
type secretDetector struct {
	Name         string
	re           *regexp.Regexp
	entropyLimit float64 // 0 disables the entropy gate
}

// secretDetectors is the fixed line-detector suite run over every
// scannable file.
var secretDetectors = []secretDetector{
	{Name: "AWS Access Key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{Name: "Azure Storage Account access key", re: regexp.MustCompile(`AccountKey=[A-Za-z0-9+/=]{88}`)},
	{Name: "Basic Auth Credentials", re: regexp.MustCompile(`://[^\s:@/]+:[^\s:@/]+@`)},
	{Name: "GitHub Token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`)},
	{Name: "Base64 High Entropy String", re: regexp.MustCompile(`[A-Za-z0-9+/=]{20,}`), entropyLimit: 4.5},
	{Name: "Hex High Entropy String", re: regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`), entropyLimit: 3.0},
	{Name: "Private Key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{Name: "Slack Token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{Name: "Stripe Access Key", re: regexp.MustCompile(`\b[rs]k_live_[0-9a-zA-Z]{24,}\b`)},
	{Name: "Twilio API Key", re: regexp.MustCompile(`\b(AC|SK)[0-9a-fA-F]{32}\b`)},
	{Name: "Secret Keyword", re: regexp.MustCompile(`(?i)\b(password|passwd|secret|token)\s*[:=]\s*['"][^'"]{8,}['"]`)},
	{Name: "JSON Web Token", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9._-]{10,}\b`)},
}

// skipSecretExtensions are binary or media formats never scanned for
// secrets.
var skipSecretExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {}, ".svg": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {},
	".mp3": {}, ".mp4": {}, ".wav": {}, ".avi": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {},
	".pdf": {}, ".doc": {}, ".docx": {},
}

// SecretsScanner implements stage 4: credential and key detection.
type SecretsScanner struct{}

// NewSecretsScanner creates a stage 4 scanner.
func NewSecretsScanner() *SecretsScanner {
	return &SecretsScanner{}
}

// Run scans every extracted text file with the detector suite and the
// signature table, checks .env files for live values, and deduplicates
// on (location, type) within the stage.
func (s *SecretsScanner) Run(ingest IngestResult) StageResult {
	start := time.Now()
	var findings []Finding

	if ingest.TempDir == "" {
		return StageResult{
			Stage:  "stage4",
			Status: StatusErrored,
			Findings: []Finding{{
				Stage:       "stage4",
				Severity:    SeverityCritical,
				Type:        "no_temp_dir",
				Description: "No temp directory from Stage 0",
				Confidence:  1.0,
				Tool:        "stage4_secrets",
			}},
			DurationMS: time.Since(start).Milliseconds(),
			Error:      "Stage 0 did not provide temp directory",
		}
	}

	for _, rel := range ingest.FileList {
		ext := strings.ToLower(filepath.Ext(rel))
		if _, skip := skipSecretExtensions[ext]; skip {
			continue
		}
		full := filepath.Join(ingest.TempDir, filepath.FromSlash(rel))
		raw, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		lines := strings.Split(string(raw), "\n")
		findings = append(findings, runSecretDetectors(lines, rel)...)
		findings = append(findings, runSecretSignatures(lines, rel)...)
	}

	findings = append(findings, checkEnvFiles(ingest.TempDir, ingest.FileList)...)

	findings = dedupSecretFindings(findings)

	status := StatusPassed
	if hasCritical(findings) {
		status = StatusFailed
	}

	return StageResult{
		Stage:      "stage4",
		Status:     status,
		Findings:   findings,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// runSecretDetectors applies the fixed detector suite line by line.
func runSecretDetectors(lines []string, rel string) []Finding {
	var findings []Finding

	for i, line := range lines {
		for _, d := range secretDetectors {
			match := d.re.FindString(line)
			if match == "" {
				continue
			}
			if d.entropyLimit > 0 && shannonEntropy(match) < d.entropyLimit {
				continue
			}
			findings = append(findings, Finding{
				Stage:       "stage4",
				Severity:    SeverityCritical,
				Type:        "secret_" + strings.ReplaceAll(strings.ToLower(d.Name), " ", "_"),
				Description: fmt.Sprintf("Secret detected: %s", d.Name),
				Location:    fmt.Sprintf("%s:%d", rel, i+1),
				Confidence:  0.9,
				Tool:        "stage4_detectors",
				Evidence:    truncateComment(strings.TrimSpace(line)),
			})
		}
	}
	return findings
}

// runSecretSignatures applies the signature table line by line with
// masked evidence.
func runSecretSignatures(lines []string, rel string) []Finding {
	var findings []Finding

	for _, sig := range compiledSecretSignatures {
		for i, line := range lines {
			for _, match := range sig.re.FindAllString(line, -1) {
				findings = append(findings, Finding{
					Stage:       "stage4",
					Severity:    sig.severity,
					Type:        "custom_secret_pattern",
					Description: fmt.Sprintf("Potential secret detected: %s", sig.description),
					Location:    fmt.Sprintf("%s:%d", rel, i+1),
					Confidence:  0.85,
					Tool:        "stage4_custom",
					Evidence:    fmt.Sprintf("Pattern match: %s", maskSecret(match)),
				})
			}
		}
	}
	return findings
}

// maskSecret keeps a short identifying prefix of a matched secret.
func maskSecret(s string) string {
	if len(s) > 10 {
		return s[:10] + "..."
	}
	return s
}

// shannonEntropy computes bits of entropy per character over the
// matched token. The hex alphabet maxes out lower than base64, hence the
// separate thresholds on the detectors.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	length := float64(len(s))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// checkEnvFiles flags committed .env files carrying live values.
// Example files and files whose values are all empty or templated
// ("${VAR}") are fine.
func checkEnvFiles(tempDir string, fileList []string) []Finding {
	var findings []Finding

	for _, rel := range fileList {
		name := filepath.Base(rel)
		isEnv := name == ".env" ||
			(strings.HasPrefix(name, ".env.") && !strings.HasSuffix(name, ".example"))
		if !isEnv {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(tempDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		values, err := godotenv.Unmarshal(string(raw))
		if err != nil {
			continue
		}

		hasValues := false
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v != "" && !strings.HasPrefix(v, "${") {
				hasValues = true
				break
			}
		}
		if hasValues {
			findings = append(findings, Finding{
				Stage:       "stage4",
				Severity:    SeverityHigh,
				Type:        "env_file_with_values",
				Description: ".env file with actual values detected",
				Location:    rel,
				Confidence:  0.9,
				Tool:        "stage4_secrets",
			})
		}
	}
	return findings
}

// dedupSecretFindings collapses repeated reports of the same secret at
// the same location. Unlike the cross-stage deduplicator this is exact:
// one (location, type) pair, one finding.
func dedupSecretFindings(findings []Finding) []Finding {
	type key struct{ location, findingType string }
	seen := make(map[key]struct{}, len(findings))
	unique := make([]Finding, 0, len(findings))

	for _, f := range findings {
		k := key{f.Location, f.Type}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, f)
	}
	return unique
}
