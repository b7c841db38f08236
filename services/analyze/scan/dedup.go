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
	"sort"
	"strconv"
	"strings"
)

// securityKeywords is the closed set of category words that let findings
// of nominally different types corroborate each other. Two findings at the
// same location merge when their type tokens overlap directly or both
// intersect this set.
var securityKeywords = map[string]struct{}{
	"injection": {}, "xss": {}, "sqli": {}, "rce": {}, "execution": {},
	"deserialization": {}, "credential": {}, "secret": {}, "password": {},
	"key": {}, "token": {}, "auth": {}, "exfiltration": {}, "network": {},
	"shell": {}, "command": {}, "eval": {}, "exec": {}, "obfuscation": {},
	"typosquat": {}, "vulnerability": {}, "cve": {},
}

// DeduplicateFindings merges findings that independent tools reported for
// the same underlying issue.
//
// The input is sorted by severity (critical first) then confidence
// (highest first); each finding then absorbs later duplicates. The merged
// record keeps the primary's severity and location, concatenates the
// sorted distinct tool names with " + ", boosts confidence by 0.1 per
// absorbed duplicate (capped at 1.0), and records corroboration.
//
// Two findings are duplicates when both carry a location, the path part
// (before the last colon) matches, the line numbers are within 3 of each
// other (or unparseable), and their type tokens overlap as described on
// securityKeywords.
//
// The function is idempotent: running it over its own output changes
// nothing, because merged findings keep their location and type.
func DeduplicateFindings(findings []Finding) []Finding {
	if len(findings) <= 1 {
		return findings
	}

	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rankOf(sorted[i].Severity), rankOf(sorted[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return confidenceOf(sorted[i]) > confidenceOf(sorted[j])
	})

	merged := make([]Finding, 0, len(sorted))
	consumed := make([]bool, len(sorted))

	for i := range sorted {
		if consumed[i] {
			continue
		}
		primary := sorted[i]

		var duplicates []Finding
		for j := i + 1; j < len(sorted); j++ {
			if consumed[j] {
				continue
			}
			if isDuplicate(primary, sorted[j]) {
				duplicates = append(duplicates, sorted[j])
				consumed[j] = true
			}
		}

		if len(duplicates) > 0 {
			tools := map[string]struct{}{toolOf(primary): {}}
			for _, d := range duplicates {
				tools[toolOf(d)] = struct{}{}
			}
			names := make([]string, 0, len(tools))
			for name := range tools {
				names = append(names, name)
			}
			sort.Strings(names)

			conf := confidenceOf(primary) + 0.1*float64(len(duplicates))
			if conf > 1.0 {
				conf = 1.0
			}

			primary.Confidence = conf
			primary.Tool = strings.Join(names, " + ")
			primary.Corroborated = true
			primary.CorroborationCount = len(tools)
		}

		merged = append(merged, primary)
	}

	return merged
}

func rankOf(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return severityRank[SeverityLow]
}

func confidenceOf(f Finding) float64 {
	if f.Confidence == 0 {
		return DefaultConfidence
	}
	return f.Confidence
}

func toolOf(f Finding) string {
	if f.Tool == "" {
		return "unknown"
	}
	return f.Tool
}

// isDuplicate reports whether b is the same underlying issue as a.
func isDuplicate(a, b Finding) bool {
	if a.Location == "" || b.Location == "" {
		return false
	}

	pathA, lineA, hasLineA := splitLocation(a.Location)
	pathB, lineB, hasLineB := splitLocation(b.Location)
	if pathA != pathB {
		return false
	}

	if hasLineA && hasLineB {
		delta := lineA - lineB
		if delta < 0 {
			delta = -delta
		}
		if delta > 3 {
			return false
		}
	}

	wordsA := typeTokens(a.Type)
	wordsB := typeTokens(b.Type)

	overlap := false
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			overlap = true
			break
		}
	}
	if overlap {
		return true
	}

	// No direct token overlap; corroborate via the shared keyword set.
	keyedA := false
	for w := range wordsA {
		if _, ok := securityKeywords[w]; ok {
			keyedA = true
			break
		}
	}
	if !keyedA {
		return false
	}
	for w := range wordsB {
		if _, ok := securityKeywords[w]; ok {
			return true
		}
	}
	return false
}

// splitLocation splits "path:line" into its parts. The path is everything
// before the last colon; hasLine is false when the suffix is not an
// integer (e.g. a bare path, or a Windows drive path with no line).
func splitLocation(loc string) (path string, line int, hasLine bool) {
	idx := strings.LastIndex(loc, ":")
	if idx < 0 {
		return loc, 0, false
	}
	n, err := strconv.Atoi(loc[idx+1:])
	if err != nil {
		// Non-numeric suffixes still separate the path from a qualifier.
		return loc[:idx], 0, false
	}
	return loc[:idx], n, true
}

func typeTokens(t string) map[string]struct{} {
	t = strings.ToLower(t)
	for _, sep := range []string{"/", "_", "-"} {
		t = strings.ReplaceAll(t, sep, " ")
	}
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(t) {
		tokens[w] = struct{}{}
	}
	return tokens
}
