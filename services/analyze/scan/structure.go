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
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"
)

// Unicode codepoints that can hide or reorder instructions in rendered
// text. Bidirectional controls are the classic trojan-source vector.
var bidiOverrides = map[rune]struct{}{
	'\u202a': {}, // LEFT-TO-RIGHT EMBEDDING
	'\u202b': {}, // RIGHT-TO-LEFT EMBEDDING
	'\u202c': {}, // POP DIRECTIONAL FORMATTING
	'\u202d': {}, // LEFT-TO-RIGHT OVERRIDE
	'\u202e': {}, // RIGHT-TO-LEFT OVERRIDE
	'\u2066': {}, // LEFT-TO-RIGHT ISOLATE
	'\u2067': {}, // RIGHT-TO-LEFT ISOLATE
	'\u2068': {}, // FIRST STRONG ISOLATE
	'\u2069': {}, // POP DIRECTIONAL ISOLATE
}

var zeroWidthChars = map[rune]struct{}{
	'\u200b': {}, // ZERO WIDTH SPACE
	'\u200c': {}, // ZERO WIDTH NON-JOINER
	'\u200d': {}, // ZERO WIDTH JOINER
	'\ufeff': {}, // ZERO WIDTH NO-BREAK SPACE (BOM)
}

// cyrillicHomoglyphs maps Cyrillic letters to the Latin letters they are
// visually indistinguishable from in most fonts.
var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x', 'у': 'y',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H',
	'О': 'O', 'Р': 'P', 'С': 'C', 'Т': 'T', 'Х': 'X',
}

// allowedDotfiles are hidden files that are routine in source packages.
var allowedDotfiles = map[string]struct{}{
	".gitignore":     {},
	".editorconfig":  {},
	".prettierrc":    {},
	".eslintrc":      {},
	".eslintrc.js":   {},
	".eslintrc.json": {},
	".eslintrc.yaml": {},
	".eslintrc.yml":  {},
}

// allowedDotfilePrefixes cover families of routine config files.
var allowedDotfilePrefixes = []string{".env.", ".git", ".docker"}

// textExtensions are the file types stage 1 inspects for Unicode and
// encoding issues.
var textExtensions = map[string]struct{}{
	".md": {}, ".txt": {}, ".rst": {},
	".py": {}, ".js": {}, ".ts": {}, ".mjs": {}, ".cjs": {},
	".jsx": {}, ".tsx": {},
	".sh": {}, ".bash": {}, ".zsh": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {},
	".csv": {},
}

// StructureValidator implements stage 1: layout and text-safety checks
// over the extracted tree.
type StructureValidator struct{}

// NewStructureValidator creates a stage 1 validator.
func NewStructureValidator() *StructureValidator {
	return &StructureValidator{}
}

// Run validates skill structure: SKILL.md presence, dangerous Unicode,
// NFKC normalization tricks, file encodings, and hidden dotfiles.
func (v *StructureValidator) Run(ingest IngestResult) StageResult {
	start := time.Now()
	var findings []Finding

	if ingest.TempDir == "" {
		return StageResult{
			Stage:  "stage1",
			Status: StatusErrored,
			Findings: []Finding{{
				Stage:       "stage1",
				Severity:    SeverityCritical,
				Type:        "no_temp_dir",
				Description: "No temp directory from Stage 0",
				Confidence:  1.0,
				Tool:        "stage1_structure",
			}},
			DurationMS: time.Since(start).Milliseconds(),
			Error:      "Stage 0 did not provide temp directory",
		}
	}

	if f := checkSkillMD(ingest.TempDir); f != nil {
		findings = append(findings, *f)
	}

	for _, rel := range ingest.FileList {
		ext := strings.ToLower(filepath.Ext(rel))
		if _, ok := textExtensions[ext]; !ok {
			continue
		}
		full := filepath.Join(ingest.TempDir, filepath.FromSlash(rel))
		raw, err := os.ReadFile(full)
		if err != nil {
			findings = append(findings, Finding{
				Stage:       "stage1",
				Severity:    SeverityLow,
				Type:        "file_read_error",
				Description: fmt.Sprintf("Could not read file: %v", err),
				Location:    rel,
				Confidence:  1.0,
				Tool:        "stage1_structure",
			})
			continue
		}

		content := string(raw)
		findings = append(findings, detectDangerousUnicode(content, rel)...)
		if f := checkNFKC(content, rel); f != nil {
			findings = append(findings, *f)
		}
		if f := checkEncoding(raw, rel); f != nil {
			findings = append(findings, *f)
		}
	}

	findings = append(findings, checkHiddenFiles(ingest.FileList)...)

	status := StatusPassed
	if hasCritical(findings) {
		status = StatusFailed
	}

	return StageResult{
		Stage:      "stage1",
		Status:     status,
		Findings:   findings,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func checkSkillMD(tempDir string) *Finding {
	if _, err := os.Stat(filepath.Join(tempDir, "SKILL.md")); err == nil {
		return nil
	}
	return &Finding{
		Stage:       "stage1",
		Severity:    SeverityHigh,
		Type:        "missing_skill_md",
		Description: "SKILL.md is missing from skill root directory",
		Location:    "SKILL.md",
		Confidence:  1.0,
		Tool:        "stage1_structure",
	}
}

// detectDangerousUnicode scans line by line for bidi controls, zero-width
// characters, and Cyrillic homoglyphs adjacent to ASCII letters.
func detectDangerousUnicode(content, filePath string) []Finding {
	var findings []Finding

	for lineIdx, line := range strings.Split(content, "\n") {
		lineNum := lineIdx + 1
		runes := []rune(line)
		for i, r := range runes {
			if _, ok := bidiOverrides[r]; ok {
				findings = append(findings, Finding{
					Stage:       "stage1",
					Severity:    SeverityCritical,
					Type:        "bidirectional_override",
					Description: fmt.Sprintf("Bidirectional override character U+%04X detected", r),
					Location:    fmt.Sprintf("%s:%d", filePath, lineNum),
					Confidence:  1.0,
					Tool:        "stage1_structure",
					Evidence:    fmt.Sprintf("%q", r),
				})
			}

			if _, ok := zeroWidthChars[r]; ok {
				findings = append(findings, Finding{
					Stage:       "stage1",
					Severity:    SeverityMedium,
					Type:        "zero_width_char",
					Description: fmt.Sprintf("Zero-width character U+%04X detected", r),
					Location:    fmt.Sprintf("%s:%d", filePath, lineNum),
					Confidence:  1.0,
					Tool:        "stage1_structure",
					Evidence:    fmt.Sprintf("%q", r),
				})
			}

			if latin, ok := cyrillicHomoglyphs[r]; ok {
				// Only suspicious when spliced into ASCII words.
				prevASCII := i > 0 && isASCIILetter(runes[i-1])
				nextASCII := i < len(runes)-1 && isASCIILetter(runes[i+1])
				if prevASCII || nextASCII {
					findings = append(findings, Finding{
						Stage:    "stage1",
						Severity: SeverityHigh,
						Type:     "homoglyph",
						Description: fmt.Sprintf(
							"Cyrillic homoglyph '%c' (looks like '%c') in ASCII context", r, latin),
						Location:   fmt.Sprintf("%s:%d", filePath, lineNum),
						Confidence: 0.8,
						Tool:       "stage1_structure",
						Evidence:   fmt.Sprintf("%q", r),
					})
				}
			}
		}
	}

	return findings
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// checkNFKC flags content that is not NFKC-idempotent. Compatibility
// characters that normalize to different text are a known trick for
// smuggling keywords past naive filters.
func checkNFKC(content, filePath string) *Finding {
	normalized := norm.NFKC.String(content)
	if normalized == content {
		return nil
	}

	origRunes := []rune(content)
	normRunes := []rune(normalized)
	n := len(origRunes)
	if len(normRunes) < n {
		n = len(normRunes)
	}
	for i := 0; i < n; i++ {
		if origRunes[i] != normRunes[i] {
			lineNum := 1 + strings.Count(string(origRunes[:i]), "\n")
			return &Finding{
				Stage:    "stage1",
				Severity: SeverityMedium,
				Type:     "nfkc_mismatch",
				Description: fmt.Sprintf(
					"Content changes under NFKC normalization: '%c' -> '%c'",
					origRunes[i], normRunes[i]),
				Location:   fmt.Sprintf("%s:%d", filePath, lineNum),
				Confidence: 0.7,
				Tool:       "stage1_structure",
				Evidence:   fmt.Sprintf("U+%04X -> U+%04X", origRunes[i], normRunes[i]),
			}
		}
	}

	// Lengths differ but the common prefix matches (e.g. a ligature
	// expanded at the tail).
	return &Finding{
		Stage:       "stage1",
		Severity:    SeverityMedium,
		Type:        "nfkc_mismatch",
		Description: "Content changes under NFKC normalization",
		Location:    filePath,
		Confidence:  0.7,
		Tool:        "stage1_structure",
	}
}

// checkEncoding flags files that are not valid UTF-8, naming the best
// guess for the actual encoding.
func checkEncoding(raw []byte, filePath string) *Finding {
	if utf8.Valid(raw) {
		return nil
	}

	_, name, _ := charset.DetermineEncoding(raw, "")
	if name == "" {
		name = "unknown"
	}
	if strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "ascii") {
		return nil
	}

	return &Finding{
		Stage:       "stage1",
		Severity:    SeverityMedium,
		Type:        "non_utf8_encoding",
		Description: fmt.Sprintf("File is not UTF-8 encoded (detected: %s)", name),
		Location:    filePath,
		Confidence:  0.9,
		Tool:        "stage1_structure",
	}
}

// checkHiddenFiles flags dotfiles outside the allow-list. Low severity:
// a hidden file is a smell, not an attack on its own.
func checkHiddenFiles(fileList []string) []Finding {
	var findings []Finding

	for _, rel := range fileList {
		name := filepath.Base(rel)
		if !strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := allowedDotfiles[name]; ok {
			continue
		}
		allowed := false
		for _, prefix := range allowedDotfilePrefixes {
			if strings.HasPrefix(name, prefix) {
				allowed = true
				break
			}
		}
		if allowed {
			continue
		}
		findings = append(findings, Finding{
			Stage:       "stage1",
			Severity:    SeverityLow,
			Type:        "hidden_file",
			Description: fmt.Sprintf("Hidden dotfile detected: %s", name),
			Location:    rel,
			Confidence:  0.5,
			Tool:        "stage1_structure",
		})
	}

	return findings
}
