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
	"strconv"
	"strings"
	"time"
)

// sarifLevel maps finding severities onto the three SARIF levels.
var sarifLevel = map[string]string{
	SeverityCritical: "error",
	SeverityHigh:     "error",
	SeverityMedium:   "warning",
	SeverityLow:      "note",
}

const sarifSchema = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/main/sarif-2.1/schema/sarif-schema-2.1.0.json"

// SARIFReport is a SARIF v2.1.0 document. Only the subset of the format
// the scanner emits is modeled.
type SARIFReport struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []SARIFRun `json:"runs"`
}

type SARIFRun struct {
	Tool        SARIFTool         `json:"tool"`
	Results     []SARIFResult     `json:"results"`
	Invocations []SARIFInvocation `json:"invocations"`
	Properties  map[string]any    `json:"properties,omitempty"`
}

type SARIFTool struct {
	Driver SARIFDriver `json:"driver"`
}

type SARIFDriver struct {
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	InformationURI string      `json:"informationUri,omitempty"`
	Rules          []SARIFRule `json:"rules"`
	Organization   string      `json:"organization,omitempty"`
	Product        string      `json:"product,omitempty"`
}

type SARIFRule struct {
	ID                   string         `json:"id"`
	ShortDescription     SARIFMessage   `json:"shortDescription"`
	DefaultConfiguration SARIFConfig    `json:"defaultConfiguration"`
	Properties           map[string]any `json:"properties,omitempty"`
}

type SARIFConfig struct {
	Level string `json:"level"`
}

type SARIFMessage struct {
	Text string `json:"text"`
}

type SARIFResult struct {
	RuleID     string          `json:"ruleId"`
	Level      string          `json:"level"`
	Message    SARIFMessage    `json:"message"`
	Locations  []SARIFLocation `json:"locations,omitempty"`
	CodeFlows  []SARIFCodeFlow `json:"codeFlows,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
}

type SARIFLocation struct {
	PhysicalLocation SARIFPhysicalLocation `json:"physicalLocation"`
}

type SARIFPhysicalLocation struct {
	ArtifactLocation SARIFArtifactLocation `json:"artifactLocation"`
	Region           *SARIFRegion          `json:"region,omitempty"`
}

type SARIFArtifactLocation struct {
	URI string `json:"uri"`
}

type SARIFRegion struct {
	StartLine int `json:"startLine"`
}

type SARIFCodeFlow struct {
	Message     SARIFMessage      `json:"message"`
	ThreadFlows []SARIFThreadFlow `json:"threadFlows"`
}

type SARIFThreadFlow struct {
	Locations []SARIFThreadFlowLocation `json:"locations"`
}

type SARIFThreadFlowLocation struct {
	Location SARIFMessageLocation `json:"location"`
}

type SARIFMessageLocation struct {
	Message SARIFMessage `json:"message"`
}

type SARIFInvocation struct {
	ExecutionSuccessful bool           `json:"executionSuccessful"`
	StartTimeUTC        string         `json:"startTimeUtc"`
	Properties          map[string]any `json:"properties,omitempty"`
}

// ToSARIF converts scan findings into a SARIF v2.1.0 document suitable
// for GitHub Code Scanning and similar consumers. Rules are derived from
// finding types, one rule per distinct type.
func ToSARIF(findings []Finding, durationMS int64, skillName string) SARIFReport {
	ruleIndex := make(map[string]int)
	var rules []SARIFRule
	results := make([]SARIFResult, 0, len(findings))

	for _, f := range findings {
		ruleID := f.Type
		if ruleID == "" {
			ruleID = "unknown"
		}
		level, ok := sarifLevel[f.Severity]
		if !ok {
			level = "warning"
		}

		if _, seen := ruleIndex[ruleID]; !seen {
			ruleIndex[ruleID] = len(rules)
			confidence := f.Confidence
			if confidence == 0 {
				confidence = DefaultConfidence
			}
			rules = append(rules, SARIFRule{
				ID:                   ruleID,
				ShortDescription:     SARIFMessage{Text: formatRuleDescription(ruleID)},
				DefaultConfiguration: SARIFConfig{Level: level},
				Properties: map[string]any{
					"tags":      sarifTags(f),
					"precision": sarifPrecision(confidence),
				},
			})
		}

		desc := f.Description
		if desc == "" {
			desc = "No description"
		}
		result := SARIFResult{
			RuleID:  ruleID,
			Level:   level,
			Message: SARIFMessage{Text: desc},
			Properties: map[string]any{
				"confidence":  f.Confidence,
				"source_tool": toolOrUnknown(f.Tool),
			},
		}

		if f.Location != "" {
			result.Locations = []SARIFLocation{sarifLocationFor(f.Location)}
		}

		if f.Corroborated {
			result.Properties["corroborated"] = true
			count := f.CorroborationCount
			if count == 0 {
				count = 1
			}
			result.Properties["corroboration_count"] = count
		}

		if f.Evidence != "" {
			evidence := f.Evidence
			if len(evidence) > 500 {
				evidence = evidence[:500]
			}
			result.CodeFlows = []SARIFCodeFlow{{
				Message: SARIFMessage{Text: "Evidence"},
				ThreadFlows: []SARIFThreadFlow{{
					Locations: []SARIFThreadFlowLocation{{
						Location: SARIFMessageLocation{Message: SARIFMessage{Text: evidence}},
					}},
				}},
			}}
		}

		results = append(results, result)
	}

	invocation := SARIFInvocation{
		ExecutionSuccessful: true,
		StartTimeUTC:        time.Now().UTC().Format(time.RFC3339),
	}
	if durationMS > 0 {
		invocation.Properties = map[string]any{"duration_ms": durationMS}
	}

	return SARIFReport{
		Schema:  sarifSchema,
		Version: "2.1.0",
		Runs: []SARIFRun{{
			Tool: SARIFTool{Driver: SARIFDriver{
				Name:           "skillgate-scanner",
				Version:        "2.0.0",
				InformationURI: "https://aleutian.ai",
				Rules:          rules,
				Organization:   "Aleutian AI",
				Product:        "SkillGate Security Scanner",
			}},
			Results:     results,
			Invocations: []SARIFInvocation{invocation},
			Properties:  map[string]any{"skill": skillName},
		}},
	}
}

// formatRuleDescription turns a rule id like "shell_injection" into
// "Shell Injection".
func formatRuleDescription(ruleID string) string {
	text := strings.NewReplacer("/", ": ", "_", " ", "-", " ").Replace(ruleID)
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// sarifTags categorizes a finding for SARIF consumers.
func sarifTags(f Finding) []string {
	var tags []string

	tool := strings.ToLower(f.Tool)
	findingType := strings.ToLower(f.Type)

	if strings.Contains(tool, "ast") {
		tags = append(tags, "static-analysis")
	}
	if strings.Contains(tool, "secret") || strings.Contains(tool, "detector") {
		tags = append(tags, "secrets")
	}
	if strings.Contains(tool, "osv") {
		tags = append(tags, "dependency")
	}

	if strings.Contains(findingType, "injection") {
		tags = append(tags, "injection")
	}
	if strings.Contains(findingType, "secret") || strings.Contains(findingType, "credential") {
		tags = append(tags, "credentials")
	}
	if strings.Contains(findingType, "exfiltration") {
		tags = append(tags, "data-exfiltration")
	}
	if strings.Contains(findingType, "exec") {
		tags = append(tags, "code-execution")
	}

	if f.Severity != "" {
		tags = append(tags, "severity:"+f.Severity)
	}
	return tags
}

// sarifPrecision buckets a confidence score into SARIF precision levels.
func sarifPrecision(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return "very-high"
	case confidence >= 0.8:
		return "high"
	case confidence >= 0.7:
		return "medium"
	case confidence >= 0.5:
		return "low"
	default:
		return "very-low"
	}
}

func sarifLocationFor(location string) SARIFLocation {
	if idx := strings.LastIndex(location, ":"); idx > 0 {
		if line, err := strconv.Atoi(location[idx+1:]); err == nil {
			return SARIFLocation{PhysicalLocation: SARIFPhysicalLocation{
				ArtifactLocation: SARIFArtifactLocation{URI: location[:idx]},
				Region:           &SARIFRegion{StartLine: line},
			}}
		}
	}
	return SARIFLocation{PhysicalLocation: SARIFPhysicalLocation{
		ArtifactLocation: SARIFArtifactLocation{URI: location},
	}}
}

func toolOrUnknown(tool string) string {
	if tool == "" {
		return "unknown"
	}
	return tool
}
