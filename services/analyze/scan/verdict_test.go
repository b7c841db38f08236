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
	"reflect"
	"testing"
)

// resultWith builds a stage result holding findings of the given severities.
func resultWith(stage string, severities ...string) StageResult {
	findings := make([]Finding, 0, len(severities))
	for _, s := range severities {
		findings = append(findings, Finding{Stage: stage, Severity: s, Type: "t"})
	}
	return StageResult{Stage: stage, Status: StatusPassed, Findings: findings}
}

func TestComputeVerdict(t *testing.T) {
	tests := []struct {
		name    string
		results []StageResult
		want    Verdict
	}{
		{
			name:    "no findings",
			results: []StageResult{resultWith("stage1")},
			want:    VerdictPass,
		},
		{
			name:    "single critical fails",
			results: []StageResult{resultWith("stage2", SeverityCritical)},
			want:    VerdictFail,
		},
		{
			name: "critical wins over everything",
			results: []StageResult{
				resultWith("stage1", SeverityLow),
				resultWith("stage4", SeverityCritical, SeverityHigh),
			},
			want: VerdictFail,
		},
		{
			name:    "four highs fail",
			results: []StageResult{resultWith("stage3", SeverityHigh, SeverityHigh, SeverityHigh, SeverityHigh)},
			want:    VerdictFail,
		},
		{
			name:    "three highs flagged",
			results: []StageResult{resultWith("stage3", SeverityHigh, SeverityHigh, SeverityHigh)},
			want:    VerdictFlagged,
		},
		{
			name:    "one high flagged",
			results: []StageResult{resultWith("stage2", SeverityHigh)},
			want:    VerdictFlagged,
		},
		{
			name: "highs counted across stages",
			results: []StageResult{
				resultWith("stage2", SeverityHigh, SeverityHigh),
				resultWith("stage4", SeverityHigh, SeverityHigh),
			},
			want: VerdictFail,
		},
		{
			name:    "medium only",
			results: []StageResult{resultWith("stage1", SeverityMedium)},
			want:    VerdictPassWithNotes,
		},
		{
			name:    "low only",
			results: []StageResult{resultWith("stage1", SeverityLow)},
			want:    VerdictPassWithNotes,
		},
		{
			name:    "empty input",
			results: nil,
			want:    VerdictPass,
		},
		{
			name: "errored stage without findings does not fail",
			results: []StageResult{
				{Stage: "stage5", Status: StatusErrored, Error: "boom"},
			},
			want: VerdictPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeVerdict(tt.results)
			if got != tt.want {
				t.Errorf("ComputeVerdict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeVerdict_Pure(t *testing.T) {
	results := []StageResult{resultWith("stage2", SeverityHigh, SeverityMedium)}

	first := ComputeVerdict(results)
	for i := 0; i < 10; i++ {
		if got := ComputeVerdict(results); got != first {
			t.Fatalf("verdict changed between calls: %v then %v", first, got)
		}
	}
}

func TestCountSeverities(t *testing.T) {
	results := []StageResult{
		resultWith("stage1", SeverityCritical, SeverityLow),
		resultWith("stage2", SeverityHigh, SeverityMedium, SeverityMedium),
		{Stage: "stage3", Status: StatusPassed, Findings: []Finding{{Severity: "bogus"}}},
	}

	counts := CountSeverities(results)
	if counts.Total != 6 {
		t.Errorf("Total = %d, want 6", counts.Total)
	}
	if counts.Critical != 1 || counts.High != 1 || counts.Medium != 2 || counts.Low != 1 {
		t.Errorf("counts = %+v, want 1/1/2/1", counts)
	}
}

func TestStagesRun(t *testing.T) {
	results := []StageResult{
		{Stage: "stage0", Status: StatusPassed},
		{Stage: "stage1", Status: StatusFailed},
		{Stage: "stage2", Status: StatusErrored},
		{Stage: "stage3", Status: StatusSkipped},
		{Stage: "stage4", Status: StatusPassed},
	}

	got := StagesRun(results)
	want := []string{"stage0", "stage1", "stage4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("StagesRun() = %v, want %v", got, want)
	}
}

func TestParsePermissions(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want DeclaredPermissions
	}{
		{
			name: "nil map",
			raw:  nil,
			want: DeclaredPermissions{},
		},
		{
			name: "full declaration",
			raw: map[string]any{
				"network":    map[string]any{"outbound": []any{"api.example.com", "cdn.example.com"}},
				"subprocess": true,
				"filesystem": map[string]any{"read": []any{"./data"}, "write": []any{"./out"}},
			},
			want: DeclaredPermissions{
				NetworkOutbound: []string{"api.example.com", "cdn.example.com"},
				Subprocess:      true,
				FilesystemRead:  []string{"./data"},
				FilesystemWrite: []string{"./out"},
			},
		},
		{
			name: "malformed values ignored",
			raw: map[string]any{
				"network":    "everything",
				"subprocess": "yes",
				"filesystem": []any{"read"},
			},
			want: DeclaredPermissions{},
		},
		{
			name: "empty strings dropped",
			raw: map[string]any{
				"network": map[string]any{"outbound": []any{"", "api.example.com", 42}},
			},
			want: DeclaredPermissions{NetworkOutbound: []string{"api.example.com"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePermissions(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePermissions() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
