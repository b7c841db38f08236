// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package permissions derives a skill's permission manifest from its
// code with deterministic static analysis. Regex extraction cannot be
// steered by adversarial text in the skill, unlike model-based
// extraction.
package permissions

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// networkPattern captures an outbound call site. Group selects the
// submatch holding the URL; zero means the pattern only proves network
// use without naming a target.
type networkPattern struct {
	re    *regexp.Regexp
	group int
}

var pythonNetworkPatterns = []networkPattern{
	{regexp.MustCompile(`(?i)requests\.(get|post|put|delete|patch|head)\s*\(\s*['"]([^'"]+)`), 2},
	{regexp.MustCompile(`(?i)httpx\.\w+\s*\(\s*['"]([^'"]+)`), 1},
	{regexp.MustCompile(`(?i)urllib\.request\.urlopen\s*\(\s*['"]([^'"]+)`), 1},
	{regexp.MustCompile(`(?i)aiohttp\.\w+\s*\(\s*['"]([^'"]+)`), 1},
	{regexp.MustCompile(`(?i)socket\.connect\s*\(\s*\([^)]*['"]([^'"]+)`), 1},
}

var jsNetworkPatterns = []networkPattern{
	{regexp.MustCompile("(?i)fetch\\s*\\(\\s*['\"`]([^'\"`]+)"), 1},
	{regexp.MustCompile("(?i)axios\\.(get|post|put|delete)\\s*\\(\\s*['\"`]([^'\"`]+)"), 2},
	{regexp.MustCompile(`(?i)new\s+XMLHttpRequest`), 0},
	{regexp.MustCompile("(?i)\\.open\\s*\\(\\s*['\"]GET['\"],\\s*['\"`]([^'\"`]+)"), 1},
	{regexp.MustCompile("(?i)\\.open\\s*\\(\\s*['\"]POST['\"],\\s*['\"`]([^'\"`]+)"), 1},
}

var fsReadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`open\s*\(\s*['"]([^'"]+)['"]`),
	regexp.MustCompile("fs\\.readFile\\s*\\(\\s*['\"`]([^'\"`]+)"),
	regexp.MustCompile("fs\\.readFileSync\\s*\\(\\s*['\"`]([^'\"`]+)"),
	regexp.MustCompile("fs\\.readdir\\s*\\(\\s*['\"`]([^'\"`]+)"),
	regexp.MustCompile(`Path\s*\(\s*['"]([^'"]+)`),
	regexp.MustCompile(`\.read_text\s*\(`),
	regexp.MustCompile(`\.read\(\s*\)`),
}

var fsWritePatterns = []*regexp.Regexp{
	regexp.MustCompile(`open\s*\(\s*['"]([^'"]+)['"],\s*['"][wa]`),
	regexp.MustCompile("fs\\.writeFile\\s*\\(\\s*['\"`]([^'\"`]+)"),
	regexp.MustCompile("fs\\.writeFileSync\\s*\\(\\s*['\"`]([^'\"`]+)"),
	regexp.MustCompile("fs\\.appendFile\\s*\\(\\s*['\"`]([^'\"`]+)"),
	regexp.MustCompile(`\.write_text\s*\(`),
	regexp.MustCompile(`\.write\(`),
}

var subprocessPatterns = []*regexp.Regexp{
	regexp.MustCompile(`subprocess\.(run|call|Popen|check_output|check_call)`),
	regexp.MustCompile(`os\.(system|popen)\s*\(`),
	regexp.MustCompile(`os\.exec\w*\s*\(`),
	regexp.MustCompile(`child_process\.(exec|spawn|fork)\s*\(`),
	regexp.MustCompile(`execSync\s*\(`),
	regexp.MustCompile(`spawnSync\s*\(`),
}

var envPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.environ\[?['"](\w+)`),
	regexp.MustCompile(`os\.getenv\(['"](\w+)`),
	regexp.MustCompile(`process\.env\.(\w+)`),
}

var (
	templateVarRe = regexp.MustCompile(`\$\{[^}]+\}`)
	shellVarRe    = regexp.MustCompile(`\$\w+`)
	fstringRe     = regexp.MustCompile(`f['"][^'"]*\{[^}]+\}[^'"]*['"]`)
)

var codeSuffixes = map[string]string{
	".py":  "python",
	".js":  "javascript",
	".ts":  "javascript",
	".mjs": "javascript",
	".mts": "javascript",
	".jsx": "javascript",
	".tsx": "javascript",
	".sh":  "shell",
}

// Permissions is the derived permission manifest of a skill.
type Permissions struct {
	Network     NetworkPermissions    `json:"network"`
	Filesystem  FilesystemPermissions `json:"filesystem"`
	Subprocess  bool                  `json:"subprocess"`
	Environment []string              `json:"environment"`
}

type NetworkPermissions struct {
	Outbound []string `json:"outbound"`
}

type FilesystemPermissions struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// Extract walks skillDir and derives the permission set its code
// actually exercises. A missing directory yields an empty manifest, not
// an error: a skill with no code needs no permissions.
func Extract(skillDir string) (Permissions, error) {
	outbound := map[string]struct{}{}
	fsRead := map[string]struct{}{}
	fsWrite := map[string]struct{}{}
	environment := map[string]struct{}{}
	subprocess := false

	if _, err := os.Stat(skillDir); err != nil {
		return normalize(outbound, fsRead, fsWrite, environment, subprocess), nil
	}

	walkErr := filepath.WalkDir(skillDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		lang, ok := codeSuffixes[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		content := string(raw)

		var netPatterns []networkPattern
		switch lang {
		case "python":
			netPatterns = pythonNetworkPatterns
		case "javascript":
			netPatterns = jsNetworkPatterns
		}
		for _, p := range netPatterns {
			for _, m := range p.re.FindAllStringSubmatch(content, -1) {
				if p.group == 0 {
					outbound["*"] = struct{}{}
					continue
				}
				if domain := extractDomain(m[p.group]); domain != "" {
					outbound[domain] = struct{}{}
				}
			}
		}

		for _, re := range fsReadPatterns {
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				if len(m) > 1 {
					fsRead[normalizeFSPath(m[1])] = struct{}{}
				}
			}
		}
		for _, re := range fsWritePatterns {
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				if len(m) > 1 {
					fsWrite[normalizeFSPath(m[1])] = struct{}{}
				}
			}
		}

		if !subprocess {
			for _, re := range subprocessPatterns {
				if re.MatchString(content) {
					subprocess = true
					break
				}
			}
		}

		for _, re := range envPatterns {
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				environment[m[1]] = struct{}{}
			}
		}
		return nil
	})
	if walkErr != nil {
		return Permissions{}, fmt.Errorf("walking skill directory: %w", walkErr)
	}

	return normalize(outbound, fsRead, fsWrite, environment, subprocess), nil
}

// normalize converts the accumulated sets to sorted slices. A wildcard
// domain is dropped when specific domains were also observed.
func normalize(outbound, fsRead, fsWrite, environment map[string]struct{}, subprocess bool) Permissions {
	if _, ok := outbound["*"]; ok && len(outbound) > 1 {
		delete(outbound, "*")
	}
	return Permissions{
		Network:     NetworkPermissions{Outbound: sortedKeys(outbound)},
		Filesystem:  FilesystemPermissions{Read: sortedKeys(fsRead), Write: sortedKeys(fsWrite)},
		Subprocess:  subprocess,
		Environment: sortedKeys(environment),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// extractDomain pulls the hostname out of a URL literal. Local hosts
// are not a permission.
func extractDomain(raw string) string {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return ""
	}
	return host
}

// normalizeFSPath converts a captured path literal to a relative form
// with variable interpolations masked.
func normalizeFSPath(path string) string {
	path = strings.TrimLeft(path, "/")
	path = strings.TrimPrefix(path, "./")

	path = templateVarRe.ReplaceAllString(path, "*")
	path = shellVarRe.ReplaceAllString(path, "*")
	path = fstringRe.ReplaceAllString(path, "*")

	if path == "" {
		return "."
	}
	return path
}

// Reasoning renders a human-readable explanation of a derived
// permission set.
func Reasoning(p Permissions) string {
	var parts []string

	if len(p.Network.Outbound) > 0 {
		if contains(p.Network.Outbound, "*") {
			parts = append(parts, "makes network requests to arbitrary domains")
		} else {
			domains := strings.Join(head(p.Network.Outbound, 5), ", ")
			if len(p.Network.Outbound) > 5 {
				domains += fmt.Sprintf(" and %d more", len(p.Network.Outbound)-5)
			}
			parts = append(parts, "makes network requests to: "+domains)
		}
	}

	nRead, nWrite := len(p.Filesystem.Read), len(p.Filesystem.Write)
	switch {
	case nRead > 0 && nWrite > 0:
		parts = append(parts, fmt.Sprintf("reads from %d path(s) and writes to %d path(s)", nRead, nWrite))
	case nRead > 0:
		parts = append(parts, fmt.Sprintf("reads from %d path(s)", nRead))
	case nWrite > 0:
		parts = append(parts, fmt.Sprintf("writes to %d path(s)", nWrite))
	}

	if p.Subprocess {
		parts = append(parts, "executes subprocess commands")
	}

	if len(p.Environment) > 0 {
		parts = append(parts, "accesses environment variables: "+strings.Join(head(p.Environment, 3), ", "))
	}

	if len(parts) == 0 {
		return "No significant permissions detected - skill appears to operate within safe boundaries."
	}
	return "Static analysis detected that this skill: " + strings.Join(parts, "; ") + "."
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func head(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[:n]
}
