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
	"strings"
	"testing"
)

func TestToSARIF_Structure(t *testing.T) {
	findings := []Finding{
		{
			Stage: "stage2", Severity: SeverityCritical, Type: "shell_injection",
			Description: "Shell injection via os.system", Location: "run.py:12",
			Confidence: 0.95, Tool: "stage2_ast",
		},
		{
			Stage: "stage1", Severity: SeverityLow, Type: "hidden_file",
			Description: "Hidden dotfile detected", Location: ".secret",
			Confidence: 0.5, Tool: "stage1_structure",
		},
	}

	report := ToSARIF(findings, 1234, "weather-skill")

	if report.Version != "2.1.0" {
		t.Errorf("Version = %s, want 2.1.0", report.Version)
	}
	if !strings.Contains(report.Schema, "sarif-schema-2.1.0") {
		t.Errorf("Schema = %s", report.Schema)
	}
	if len(report.Runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(report.Runs))
	}

	run := report.Runs[0]
	if run.Tool.Driver.Name != "skillgate-scanner" {
		t.Errorf("driver name = %s", run.Tool.Driver.Name)
	}
	if got := run.Properties["skill"]; got != "weather-skill" {
		t.Errorf("run skill property = %v", got)
	}
	if len(run.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(run.Results))
	}
	if len(run.Invocations) != 1 || !run.Invocations[0].ExecutionSuccessful {
		t.Errorf("bad invocations: %+v", run.Invocations)
	}
	if got := run.Invocations[0].Properties["duration_ms"]; got != int64(1234) {
		t.Errorf("duration_ms = %v", got)
	}
}

func TestToSARIF_Levels(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{SeverityCritical, "error"},
		{SeverityHigh, "error"},
		{SeverityMedium, "warning"},
		{SeverityLow, "note"},
		{"bogus", "warning"},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			report := ToSARIF([]Finding{{Severity: tt.severity, Type: "t"}}, 0, "s")
			if got := report.Runs[0].Results[0].Level; got != tt.want {
				t.Errorf("level = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestToSARIF_OneRulePerType(t *testing.T) {
	findings := []Finding{
		{Severity: SeverityHigh, Type: "secret_leak", Location: "a.py:1"},
		{Severity: SeverityHigh, Type: "secret_leak", Location: "b.py:2"},
		{Severity: SeverityLow, Type: "hidden_file", Location: ".x"},
	}

	report := ToSARIF(findings, 0, "s")
	rules := report.Runs[0].Tool.Driver.Rules
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d: %+v", len(rules), rules)
	}
	if len(report.Runs[0].Results) != 3 {
		t.Errorf("expected 3 results, got %d", len(report.Runs[0].Results))
	}
}

func TestToSARIF_LocationSplit(t *testing.T) {
	report := ToSARIF([]Finding{
		{Severity: SeverityHigh, Type: "t", Location: "dir/run.py:42"},
	}, 0, "s")

	locs := report.Runs[0].Results[0].Locations
	if len(locs) != 1 {
		t.Fatalf("expected 1 location, got %d", len(locs))
	}
	phys := locs[0].PhysicalLocation
	if phys.ArtifactLocation.URI != "dir/run.py" {
		t.Errorf("URI = %s", phys.ArtifactLocation.URI)
	}
	if phys.Region == nil || phys.Region.StartLine != 42 {
		t.Errorf("Region = %+v, want startLine 42", phys.Region)
	}
}

func TestToSARIF_LocationWithoutLine(t *testing.T) {
	report := ToSARIF([]Finding{
		{Severity: SeverityHigh, Type: "t", Location: ".env"},
	}, 0, "s")

	phys := report.Runs[0].Results[0].Locations[0].PhysicalLocation
	if phys.ArtifactLocation.URI != ".env" {
		t.Errorf("URI = %s", phys.ArtifactLocation.URI)
	}
	if phys.Region != nil {
		t.Errorf("Region should be nil, got %+v", phys.Region)
	}
}

func TestToSARIF_EvidenceCodeFlow(t *testing.T) {
	long := strings.Repeat("x", 600)
	report := ToSARIF([]Finding{
		{Severity: SeverityHigh, Type: "t", Evidence: long},
	}, 0, "s")

	flows := report.Runs[0].Results[0].CodeFlows
	if len(flows) != 1 {
		t.Fatalf("expected 1 code flow, got %d", len(flows))
	}
	text := flows[0].ThreadFlows[0].Locations[0].Location.Message.Text
	if len(text) != 500 {
		t.Errorf("evidence length = %d, want truncated to 500", len(text))
	}
}

func TestToSARIF_CorroborationProperties(t *testing.T) {
	report := ToSARIF([]Finding{
		{Severity: SeverityHigh, Type: "t", Corroborated: true, CorroborationCount: 2},
	}, 0, "s")

	props := report.Runs[0].Results[0].Properties
	if props["corroborated"] != true {
		t.Errorf("corroborated = %v", props["corroborated"])
	}
	if props["corroboration_count"] != 2 {
		t.Errorf("corroboration_count = %v", props["corroboration_count"])
	}
}

func TestFormatRuleDescription(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"shell_injection", "Shell Injection"},
		{"secret_aws_access_key", "Secret Aws Access Key"},
		{"typosquatting", "Typosquatting"},
		{"loose-version-range", "Loose Version Range"},
	}

	for _, tt := range tests {
		if got := formatRuleDescription(tt.in); got != tt.want {
			t.Errorf("formatRuleDescription(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSarifPrecision(t *testing.T) {
	tests := []struct {
		confidence float64
		want       string
	}{
		{0.95, "very-high"},
		{0.9, "very-high"},
		{0.85, "high"},
		{0.75, "medium"},
		{0.6, "low"},
		{0.3, "very-low"},
	}

	for _, tt := range tests {
		if got := sarifPrecision(tt.confidence); got != tt.want {
			t.Errorf("sarifPrecision(%f) = %s, want %s", tt.confidence, got, tt.want)
		}
	}
}

func TestSarifTags(t *testing.T) {
	tags := sarifTags(Finding{
		Severity: SeverityCritical, Type: "shell_injection", Tool: "stage2_ast",
	})

	want := map[string]bool{"static-analysis": false, "injection": false, "severity:critical": false}
	for _, tag := range tags {
		if _, ok := want[tag]; ok {
			want[tag] = true
		}
	}
	for tag, seen := range want {
		if !seen {
			t.Errorf("missing tag %q in %v", tag, tags)
		}
	}
}
