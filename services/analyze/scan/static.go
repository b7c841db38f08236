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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// regexRule is one line-oriented detection rule for JS/TS or shell.
type regexRule struct {
	Pattern     string
	Severity    string
	Description string

	re   *regexp.Regexp
	once sync.Once
}

// compiled returns the lazily compiled regex for this rule.
func (r *regexRule) compiled() *regexp.Regexp {
	r.once.Do(func() {
		r.re = regexp.MustCompile(r.Pattern)
	})
	return r.re
}

// jsDangerousRules is the regex rulebook for the JS/TS family.
var jsDangerousRules = []*regexRule{
	{Pattern: `\beval\s*\(`, Severity: SeverityCritical, Description: "eval() usage - code injection risk"},
	{Pattern: `\bFunction\s*\(`, Severity: SeverityCritical, Description: "Function() constructor - code injection risk"},
	{Pattern: `new\s+Function\s*\(`, Severity: SeverityCritical, Description: "new Function() - code injection risk"},
	{Pattern: `child_process\.exec\s*\(`, Severity: SeverityCritical, Description: "child_process.exec() - shell injection"},
	{Pattern: `child_process\.spawn\s*\(.*shell\s*:\s*true`, Severity: SeverityCritical, Description: "spawn with shell:true"},
	{Pattern: `require\s*\(\s*['"]child_process['"]\s*\)`, Severity: SeverityHigh, Description: "child_process imported"},
	{Pattern: `\bfetch\s*\(`, Severity: SeverityHigh, Description: "fetch() - network request"},
	{Pattern: `\bXMLHttpRequest\s*\(`, Severity: SeverityHigh, Description: "XMLHttpRequest - network request"},
	{Pattern: `require\s*\(\s*['"]https?['"]\s*\)`, Severity: SeverityHigh, Description: "http/https module imported"},
	{Pattern: `process\.env\b`, Severity: SeverityMedium, Description: "process.env access"},
	{Pattern: `require\s*\(\s*['"]dotenv['"]\s*\)`, Severity: SeverityMedium, Description: "dotenv imported"},
	{Pattern: `fs\.readFileSync\s*\(\s*['"].*(?:\.ssh|\.aws|\.env|\.config)`, Severity: SeverityCritical, Description: "Sensitive file read"},
	{Pattern: `fs\.readFile\s*\(\s*['"].*(?:\.ssh|\.aws|\.env|\.config)`, Severity: SeverityCritical, Description: "Sensitive file read"},
}

// shellDangerousRules is the regex rulebook for shell scripts.
var shellDangerousRules = []*regexRule{
	{Pattern: `curl\s+[^|]*\|\s*(?:bash|sh)`, Severity: SeverityCritical, Description: "curl | bash pattern - remote code execution"},
	{Pattern: `wget\s+[^|]*\|\s*(?:bash|sh)`, Severity: SeverityCritical, Description: "wget | bash pattern - remote code execution"},
	{Pattern: `chmod\s+777`, Severity: SeverityHigh, Description: "chmod 777 - overly permissive"},
	{Pattern: `chmod\s+\+x`, Severity: SeverityMedium, Description: "chmod +x - making file executable"},
	{Pattern: `eval\s+`, Severity: SeverityCritical, Description: "eval usage in shell"},
	{Pattern: `\bexport\s+\w+\s*=\s*\$`, Severity: SeverityMedium, Description: "Environment variable export"},
}

// Obfuscation detectors run over whole Python sources, not lines:
// the decode and the exec may sit far apart.
var (
	base64ExecRe = regexp.MustCompile(`(?s)base64\.b64decode\s*\([^)]*\).*exec\s*\(`)
	rot13Re      = regexp.MustCompile(`codecs\.decode\s*\([^,]+,\s*['"]rot13['"]`)
)

var (
	pythonExtensions = map[string]struct{}{".py": {}}
	jsExtensions     = map[string]struct{}{
		".js": {}, ".ts": {}, ".mjs": {}, ".cjs": {}, ".jsx": {}, ".tsx": {},
	}
	shellExtensions = map[string]struct{}{".sh": {}, ".bash": {}, ".zsh": {}}
)

// StaticAnalyzer implements stage 2: per-language static analysis plus the
// declared-permission cross-check.
type StaticAnalyzer struct{}

// NewStaticAnalyzer creates a stage 2 analyzer.
func NewStaticAnalyzer() *StaticAnalyzer {
	return &StaticAnalyzer{}
}

// Run dispatches each extracted file to its language analyzer and then
// cross-checks the collected findings against declared permissions.
func (s *StaticAnalyzer) Run(ctx context.Context, ingest IngestResult, manifest map[string]any, permissions DeclaredPermissions) StageResult {
	start := time.Now()
	var findings []Finding

	if ingest.TempDir == "" {
		return StageResult{
			Stage:  "stage2",
			Status: StatusErrored,
			Findings: []Finding{{
				Stage:       "stage2",
				Severity:    SeverityCritical,
				Type:        "no_temp_dir",
				Description: "No temp directory from Stage 0",
				Confidence:  1.0,
				Tool:        "stage2_static",
			}},
			DurationMS: time.Since(start).Milliseconds(),
			Error:      "Stage 0 did not provide temp directory",
		}
	}

	for _, rel := range ingest.FileList {
		ext := strings.ToLower(filepath.Ext(rel))
		switch {
		case hasKey(pythonExtensions, ext):
			findings = append(findings, analyzePythonFile(ctx, ingest.TempDir, rel)...)
		case hasKey(jsExtensions, ext):
			findings = append(findings, analyzeWithRules(ingest.TempDir, rel, jsDangerousRules, "js_pattern", "stage2_js_regex")...)
		case hasKey(shellExtensions, ext):
			findings = append(findings, analyzeWithRules(ingest.TempDir, rel, shellDangerousRules, "shell_pattern", "stage2_shell_regex")...)
		}
	}

	findings = append(findings, crossCheckPermissions(findings, permissions)...)

	status := StatusPassed
	if hasCritical(findings) {
		status = StatusFailed
	}

	return StageResult{
		Stage:      "stage2",
		Status:     status,
		Findings:   findings,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func hasKey(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// analyzePythonFile runs the AST walker and source-level obfuscation
// checks over one Python file.
func analyzePythonFile(ctx context.Context, tempDir, rel string) []Finding {
	full := filepath.Join(tempDir, filepath.FromSlash(rel))
	raw, err := os.ReadFile(full)
	if err != nil {
		return []Finding{analysisError("Could not analyze Python file", rel, err)}
	}

	var findings []Finding
	astFindings, err := analyzePythonSource(ctx, raw, rel)
	if err != nil {
		findings = append(findings, analysisError("Could not analyze Python file", rel, err))
	} else {
		findings = append(findings, astFindings...)
	}

	findings = append(findings, detectObfuscation(string(raw), rel)...)
	return findings
}

// detectObfuscation flags encode-then-execute constructions in source.
func detectObfuscation(source, filePath string) []Finding {
	var findings []Finding

	if base64ExecRe.MatchString(source) {
		findings = append(findings, Finding{
			Stage:       "stage2",
			Severity:    SeverityCritical,
			Type:        "obfuscation",
			Description: "Base64 decode followed by exec - obfuscated code execution",
			Location:    filePath,
			Confidence:  0.9,
			Tool:        "stage2_obfuscation",
		})
	}

	if rot13Re.MatchString(source) {
		findings = append(findings, Finding{
			Stage:       "stage2",
			Severity:    SeverityHigh,
			Type:        "obfuscation",
			Description: "ROT13 encoding detected - potential obfuscation",
			Location:    filePath,
			Confidence:  0.7,
			Tool:        "stage2_obfuscation",
		})
	}

	return findings
}

// analyzeWithRules scans a file line by line against a regex rulebook.
func analyzeWithRules(tempDir, rel string, rules []*regexRule, findingType, tool string) []Finding {
	full := filepath.Join(tempDir, filepath.FromSlash(rel))
	raw, err := os.ReadFile(full)
	if err != nil {
		return []Finding{analysisError("Could not analyze file", rel, err)}
	}

	var findings []Finding
	lines := strings.Split(string(raw), "\n")
	for _, rule := range rules {
		re := rule.compiled()
		for i, line := range lines {
			if re.MatchString(line) {
				findings = append(findings, Finding{
					Stage:       "stage2",
					Severity:    rule.Severity,
					Type:        findingType,
					Description: rule.Description,
					Location:    fmt.Sprintf("%s:%d", rel, i+1),
					Confidence:  0.8,
					Tool:        tool,
				})
			}
		}
	}
	return findings
}

func analysisError(msg, rel string, err error) Finding {
	return Finding{
		Stage:       "stage2",
		Severity:    SeverityLow,
		Type:        "analysis_error",
		Description: fmt.Sprintf("%s: %v", msg, err),
		Location:    rel,
		Confidence:  0.5,
		Tool:        "stage2_static",
	}
}

// crossCheckPermissions compares observed capabilities against the
// declared permission set and reports the gaps.
func crossCheckPermissions(findings []Finding, permissions DeclaredPermissions) []Finding {
	var additional []Finding

	networkSeen := false
	for _, f := range findings {
		if f.Type == "network_access" {
			networkSeen = true
			break
		}
		if f.Type == "js_pattern" {
			desc := f.Description
			if strings.Contains(desc, "fetch") || strings.Contains(desc, "request") ||
				strings.Contains(desc, "http") || strings.Contains(desc, "XMLHttpRequest") {
				networkSeen = true
				break
			}
		}
	}
	if networkSeen && len(permissions.NetworkOutbound) == 0 {
		additional = append(additional, Finding{
			Stage:       "stage2",
			Severity:    SeverityHigh,
			Type:        "undeclared_network",
			Description: "Code makes network requests but no network.outbound permission declared",
			Confidence:  0.8,
			Tool:        "stage2_permission_check",
		})
	}

	subprocessSeen := false
	for _, f := range findings {
		lowDesc := strings.ToLower(f.Description)
		if strings.Contains(strings.ToLower(f.Type), "shell") ||
			strings.Contains(lowDesc, "subprocess") ||
			strings.Contains(lowDesc, "child_process") {
			subprocessSeen = true
			break
		}
	}
	if subprocessSeen && !permissions.Subprocess {
		additional = append(additional, Finding{
			Stage:       "stage2",
			Severity:    SeverityHigh,
			Type:        "undeclared_subprocess",
			Description: "Code runs subprocesses but subprocess permission is false/undeclared",
			Confidence:  0.8,
			Tool:        "stage2_permission_check",
		})
	}

	return additional
}
