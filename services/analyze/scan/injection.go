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
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// injectionPattern is one prompt-injection detection rule. Weight feeds
// the per-file suspicion score; severity is emitted on each match.
type injectionPattern struct {
	Pattern  string
	Severity string
	Weight   float64
}

// The pattern library is partitioned into families. Every pattern is
// matched case-insensitively over the whole file.

var directOverridePatterns = []injectionPattern{
	{`ignore\s+(all|any)?\s*(previous|prior|above|earlier)\s*(instructions?|prompts?|rules?|guidelines?)`, SeverityCritical, 1.0},
	{`disregard\s+(above|previous|prior|all|everything)`, SeverityCritical, 1.0},
	{`override\s+(system|safety|security)\s*(prompt|rules?|instructions?|guidelines?)`, SeverityCritical, 1.0},
	{`forget\s+(everything|all|your)\s*(you\s*)?(were|was)?\s*(told|instructed|said)`, SeverityCritical, 1.0},
	{`your\s+(new|real|actual|true)\s*(role|purpose|instructions?|identity)`, SeverityCritical, 0.95},
	{`this\s+(is|was)\s+(the|your)?\s*(real|actual|true)\s*(system\s*)?(prompt|instruction)`, SeverityCritical, 1.0},
}

var roleHijackingPatterns = []injectionPattern{
	{`you\s+are\s+now\s+(a|an|my)?`, SeverityCritical, 0.9},
	{`act\s+as\s+(if\s+you\s+are|though\s+you\s+are|a|an)`, SeverityCritical, 0.9},
	{`pretend\s+(you\s+are|to\s+be|that\s+you)`, SeverityCritical, 0.9},
	{`pretending\s+to\s+be`, SeverityCritical, 0.85},
	{`role[\s-]?play\s+as`, SeverityCritical, 0.85},
	{`simulate\s+(being|a|an)`, SeverityCritical, 0.85},
	{`from\s+now\s+on[,.]?\s+you\s+are`, SeverityCritical, 0.9},
	{`switch\s+to\s+(developer|admin|root)\s+mode`, SeverityCritical, 0.95},
}

var contextManipulationPatterns = []injectionPattern{
	{`the\s+(following|real|actual|true)\s+(is|are)\s+(the|your)?\s*(real|actual|true)?\s*(system\s*)?(prompt|instructions?)`, SeverityHigh, 0.9},
	{`actually[,.]?\s*(the\s+user|I)\s+want`, SeverityHigh, 0.85},
	{`(the|this)\s*(above|previous)\s*(was|were)\s*(just\s*)?(a\s+test|fake|not\s+real)`, SeverityHigh, 0.85},
	{`that\s+was\s+(just\s+)?(a\s+)?(test|joke|example)`, SeverityHigh, 0.75},
	{`never\s+mind\s*(what|that|the)`, SeverityHigh, 0.7},
	{`new\s+instructions?\s*:`, SeverityHigh, 0.8},
	{`updated\s+instructions?\s*:`, SeverityHigh, 0.8},
}

var exfiltrationPatterns = []injectionPattern{
	{`send\s+(to|it\s+to|this\s+to|the\s+contents\s+to|data\s+to)`, SeverityHigh, 0.9},
	{`post\s+(to|this\s+to|the\s+data\s+to)`, SeverityHigh, 0.9},
	{`include\s+in\s+your\s+response\s+(the\s+contents\s+of|all|every)`, SeverityHigh, 0.95},
	{`(output|print|display|show|reveal)\s+(the|your|all)\s*(system\s+prompt|instructions?|context|environment|secrets?)`, SeverityCritical, 1.0},
	{`repeat\s+(the\s+)?(above|previous|last|following)`, SeverityMedium, 0.6},
	{`copy\s+(and\s+paste\s+)?(the\s+)?(following|above|text)`, SeverityMedium, 0.6},
	{`forward\s+(this|the|all)\s*(to|data|information)`, SeverityHigh, 0.8},
}

var privilegeEscalationPatterns = []injectionPattern{
	{`run\s+as\s+root`, SeverityCritical, 1.0},
	{`sudo\s+`, SeverityHigh, 0.85},
	{`chmod\s+777`, SeverityHigh, 0.8},
	{`disable\s+(safety|security|restrictions?|guardrails?|filters?)`, SeverityCritical, 0.95},
	{`enable\s+(admin|root|superuser|unrestricted)\s+mode`, SeverityCritical, 0.95},
	{`(ignore|bypass|skip|disable)\s+(all\s+)?(safety|security|content)\s*(checks?|filters?|restrictions?)`, SeverityCritical, 1.0},
	{`elevated\s+privileges?`, SeverityHigh, 0.85},
}

// hostFormatPatterns target control-format markup that tries to smuggle
// turns or tool calls into an agent transcript.
var hostFormatPatterns = []injectionPattern{
	{`<tool_use>`, SeverityCritical, 1.0},
	{`<function_calls?>`, SeverityCritical, 1.0},
	{`<system>`, SeverityCritical, 0.95},
	{`<human>`, SeverityCritical, 0.9},
	{`<assistant>`, SeverityCritical, 0.9},
	{`<\|im_(start|end)\|>`, SeverityCritical, 1.0},
	{`\[SYSTEM\]`, SeverityCritical, 0.85},
	{`\[HUMAN\]`, SeverityHigh, 0.8},
	{`\[ASSISTANT\]`, SeverityHigh, 0.8},
}

var imperativePatterns = []injectionPattern{
	{`\byou\s+must\b`, SeverityMedium, 0.5},
	{`\byou\s+have\s+to\b`, SeverityMedium, 0.5},
	{`\bdo\s+not\s+(forget|ignore|skip)`, SeverityMedium, 0.55},
	{`\balways\s+(do|say|respond|act)`, SeverityMedium, 0.5},
	{`\bnever\s+(do|say|mention|reveal)`, SeverityMedium, 0.5},
	{`\bmake\s+sure\s+(to|that)\b`, SeverityLow, 0.3},
	{`\bbe\s+sure\s+to\b`, SeverityLow, 0.3},
}

var authorityPatterns = []injectionPattern{
	{`I\s+am\s+(the\s+)?(developer|admin|creator|owner|author)`, SeverityHigh, 0.85},
	{`this\s+(skill|package|code)\s+has\s+been\s+(approved|verified|trusted)`, SeverityHigh, 0.9},
	{`(official|verified|trusted)\s+(developer|source|package)`, SeverityHigh, 0.8},
	{`trust\s+me`, SeverityMedium, 0.6},
	{`I\s+promise`, SeverityLow, 0.4},
}

// compiledInjectionPattern pairs a compiled regex with its metadata.
type compiledInjectionPattern struct {
	re       *regexp.Regexp
	severity string
	weight   float64
}

var (
	allInjectionPatterns     []compiledInjectionPattern
	allInjectionPatternsOnce sync.Once
)

// injectionPatterns compiles the full library once.
func injectionPatterns() []compiledInjectionPattern {
	allInjectionPatternsOnce.Do(func() {
		families := [][]injectionPattern{
			directOverridePatterns,
			roleHijackingPatterns,
			contextManipulationPatterns,
			exfiltrationPatterns,
			privilegeEscalationPatterns,
			hostFormatPatterns,
			imperativePatterns,
			authorityPatterns,
		}
		for _, family := range families {
			for _, p := range family {
				allInjectionPatterns = append(allInjectionPatterns, compiledInjectionPattern{
					re:       regexp.MustCompile(`(?i)` + p.Pattern),
					severity: p.Severity,
					weight:   p.Weight,
				})
			}
		}
	})
	return allInjectionPatterns
}

// Hidden-content detectors.
var (
	htmlCommentRe     = regexp.MustCompile(`(?s)<!--(.*?)-->`)
	mdCommentRes      = []*regexp.Regexp{regexp.MustCompile(`(?s)\[//\]:\s*#\s*\((.*?)\)`), regexp.MustCompile(`(?s)\[comment\]:\s*#\s*\((.*?)\)`)}
	base64InCommentRe = regexp.MustCompile(`<!--\s*([A-Za-z0-9+/=]{20,})\s*-->`)
	imperativeWordRe  = regexp.MustCompile(`(?i)\b(do|must|should|need|have to|always|never)\b`)
)

// hiddenInstructionKeywords mark an HTML comment as instruction-like.
var hiddenInstructionKeywords = []string{
	"ignore", "forget", "override", "send", "post",
	"you are", "act as", "pretend", "role", "system",
}

// InjectionDetector implements stage 3: prompt-injection scanning over
// markdown content.
type InjectionDetector struct{}

// NewInjectionDetector creates a stage 3 detector.
func NewInjectionDetector() *InjectionDetector {
	return &InjectionDetector{}
}

// Run scans every .md file in the extracted tree for injection patterns,
// hidden comment instructions, and elevated heuristic suspicion.
func (d *InjectionDetector) Run(ingest IngestResult) StageResult {
	start := time.Now()
	var findings []Finding

	if ingest.TempDir == "" {
		return StageResult{
			Stage:  "stage3",
			Status: StatusErrored,
			Findings: []Finding{{
				Stage:       "stage3",
				Severity:    SeverityCritical,
				Type:        "no_temp_dir",
				Description: "No temp directory from Stage 0",
				Confidence:  1.0,
				Tool:        "stage3_injection",
			}},
			DurationMS: time.Since(start).Milliseconds(),
			Error:      "Stage 0 did not provide temp directory",
		}
	}

	for _, rel := range ingest.FileList {
		if strings.ToLower(filepath.Ext(rel)) != ".md" {
			continue
		}
		findings = append(findings, analyzeMarkdownFile(ingest.TempDir, rel)...)
	}

	status := StatusPassed
	if hasCritical(findings) {
		status = StatusFailed
	}

	return StageResult{
		Stage:      "stage3",
		Status:     status,
		Findings:   findings,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// analyzeMarkdownFile runs the full pattern library plus hidden-content
// and suspicion checks over one markdown file.
func analyzeMarkdownFile(tempDir, rel string) []Finding {
	full := filepath.Join(tempDir, filepath.FromSlash(rel))
	raw, err := os.ReadFile(full)
	if err != nil {
		return []Finding{{
			Stage:       "stage3",
			Severity:    SeverityLow,
			Type:        "analysis_error",
			Description: fmt.Sprintf("Could not analyze file: %v", err),
			Location:    rel,
			Confidence:  0.5,
			Tool:        "stage3_injection",
		}}
	}
	return analyzeMarkdownContent(string(raw), rel)
}

// AnalyzeMarkdownContent runs the stage 3 checks over in-memory skill
// content. Used by the standalone content analysis endpoint, which has
// no extracted tree.
func AnalyzeMarkdownContent(content string) []Finding {
	return analyzeMarkdownContent(content, "SKILL.md")
}

func analyzeMarkdownContent(content, rel string) []Finding {
	var findings []Finding
	var matchedWeights []float64

	for _, p := range injectionPatterns() {
		for _, loc := range p.re.FindAllStringIndex(content, -1) {
			matched := content[loc[0]:loc[1]]
			lineNum := 1 + strings.Count(content[:loc[0]], "\n")

			shortMatch := matched
			if len(shortMatch) > 50 {
				shortMatch = shortMatch[:50]
			}

			findings = append(findings, Finding{
				Stage:       "stage3",
				Severity:    p.severity,
				Type:        "prompt_injection_pattern",
				Description: fmt.Sprintf("Matched injection pattern: %s...", shortMatch),
				Location:    fmt.Sprintf("%s:%d", rel, lineNum),
				Confidence:  p.weight,
				Tool:        "stage3_regex",
				Evidence:    truncateEvidence(matched),
			})
			matchedWeights = append(matchedWeights, p.weight)
		}
	}

	findings = append(findings, detectHiddenContent(content, rel)...)
	findings = append(findings, detectBase64InComments(content, rel)...)

	score := computeSuspicionScore(content, matchedWeights)
	if score > 0.7 {
		severity := SeverityHigh
		if score < 0.9 {
			severity = SeverityMedium
		}
		findings = append(findings, Finding{
			Stage:       "stage3",
			Severity:    severity,
			Type:        "elevated_suspicion",
			Description: fmt.Sprintf("Content has elevated suspicion score: %.2f", score),
			Location:    rel,
			Confidence:  score,
			Tool:        "stage3_heuristic",
		})
	}

	return findings
}

// detectHiddenContent flags instruction-like text tucked into HTML and
// markdown comments, which renders invisibly but still reaches an agent.
func detectHiddenContent(content, rel string) []Finding {
	var findings []Finding

	for _, m := range htmlCommentRe.FindAllStringSubmatchIndex(content, -1) {
		commentText := strings.TrimSpace(content[m[2]:m[3]])
		if len(commentText) <= 10 {
			continue
		}
		lower := strings.ToLower(commentText)
		for _, keyword := range hiddenInstructionKeywords {
			if strings.Contains(lower, keyword) {
				lineNum := 1 + strings.Count(content[:m[0]], "\n")
				findings = append(findings, Finding{
					Stage:       "stage3",
					Severity:    SeverityHigh,
					Type:        "hidden_instruction",
					Description: fmt.Sprintf("Hidden instruction in HTML comment contains '%s'", keyword),
					Location:    fmt.Sprintf("%s:%d", rel, lineNum),
					Confidence:  0.85,
					Tool:        "stage3_hidden",
					Evidence:    truncateComment(commentText),
				})
				break
			}
		}
	}

	for _, re := range mdCommentRes {
		for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
			commentText := strings.TrimSpace(content[m[2]:m[3]])
			if len(commentText) <= 10 {
				continue
			}
			lineNum := 1 + strings.Count(content[:m[0]], "\n")
			findings = append(findings, Finding{
				Stage:       "stage3",
				Severity:    SeverityMedium,
				Type:        "hidden_markdown_comment",
				Description: "Hidden content in markdown comment",
				Location:    fmt.Sprintf("%s:%d", rel, lineNum),
				Confidence:  0.7,
				Tool:        "stage3_hidden",
				Evidence:    truncateComment(commentText),
			})
		}
	}

	return findings
}

func truncateComment(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}

// detectBase64InComments flags long base64 runs inside HTML comments.
func detectBase64InComments(content, rel string) []Finding {
	var findings []Finding
	for _, loc := range base64InCommentRe.FindAllStringIndex(content, -1) {
		lineNum := 1 + strings.Count(content[:loc[0]], "\n")
		findings = append(findings, Finding{
			Stage:       "stage3",
			Severity:    SeverityHigh,
			Type:        "base64_in_comment",
			Description: "Base64-encoded content in HTML comment - potential obfuscated instruction",
			Location:    fmt.Sprintf("%s:%d", rel, lineNum),
			Confidence:  0.8,
			Tool:        "stage3_hidden",
		})
	}
	return findings
}

// computeSuspicionScore blends pattern weight (70%) with imperative
// language density (30%). Both components are clamped to [0,1].
func computeSuspicionScore(content string, matchedWeights []float64) float64 {
	if content == "" {
		return 0
	}

	var patternScore float64
	if len(matchedWeights) > 0 {
		var sum float64
		for _, w := range matchedWeights {
			sum += w
		}
		patternScore = sum / float64(len(matchedWeights))
		if patternScore > 1 {
			patternScore = 1
		}
	}

	imperativeCount := len(imperativeWordRe.FindAllString(content, -1))
	wordCount := len(strings.Fields(content))
	if wordCount < 1 {
		wordCount = 1
	}
	densityScore := float64(imperativeCount) / float64(wordCount) * 50
	if densityScore > 1 {
		densityScore = 1
	}

	total := patternScore*0.7 + densityScore*0.3
	if total > 1 {
		total = 1
	}
	return total
}
