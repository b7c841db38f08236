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

// SeverityCounts aggregates finding counts per severity across stages.
type SeverityCounts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// ComputeVerdict resolves the final verdict from all stage results.
//
// Rules, applied in order:
//   - any critical finding: fail
//   - four or more high findings: fail
//   - one to three high findings: flagged
//   - any medium or low finding: pass_with_notes
//   - otherwise: pass
//
// The function is pure: it reads findings and counts, nothing else.
// Stage statuses do not influence the verdict directly; an errored stage
// affects the verdict only through the findings it produced.
func ComputeVerdict(stageResults []StageResult) Verdict {
	counts := CountSeverities(stageResults)

	switch {
	case counts.Critical > 0:
		return VerdictFail
	case counts.High >= 4:
		return VerdictFail
	case counts.High > 0:
		return VerdictFlagged
	case counts.Medium > 0 || counts.Low > 0:
		return VerdictPassWithNotes
	default:
		return VerdictPass
	}
}

// CountSeverities tallies findings by severity across all stages.
func CountSeverities(stageResults []StageResult) SeverityCounts {
	var c SeverityCounts
	for _, sr := range stageResults {
		for _, f := range sr.Findings {
			c.Total++
			switch f.Severity {
			case SeverityCritical:
				c.Critical++
			case SeverityHigh:
				c.High++
			case SeverityMedium:
				c.Medium++
			case SeverityLow:
				c.Low++
			}
		}
	}
	return c
}

// StagesRun lists the stages that actually executed their analysis,
// meaning status passed or failed. Skipped and errored stages are omitted.
func StagesRun(stageResults []StageResult) []string {
	var run []string
	for _, sr := range stageResults {
		if sr.Status == StatusPassed || sr.Status == StatusFailed {
			run = append(run, sr.Stage)
		}
	}
	return run
}
