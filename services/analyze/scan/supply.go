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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hbollon/go-edlib"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	osvAPIURL         = "https://api.osv.dev/v1/query"
	osvRequestTimeout = 20 * time.Second

	// maxVulnsPerPackage bounds findings from a single noisy package.
	maxVulnsPerPackage = 3
)

// popularPythonPackages seeds the typosquat check for PyPI names.
var popularPythonPackages = []string{
	"requests", "numpy", "pandas", "matplotlib", "django", "flask", "fastapi",
	"scipy", "torch", "tensorflow", "pytorch", "keras", "selenium", "beautifulsoup4",
	"pillow", "pyyaml", "python-dateutil", "six", "setuptools", "pip", "wheel",
	"virtualenv", "pytest", "black", "flake8", "mypy", "pylint", "isort",
	"click", "urllib3", "certifi", "charset-normalizer", "idna", "requests-oauthlib",
	"sqlalchemy", "alembic", "redis", "celery", "gunicorn", "uvicorn", "httpx",
	"aiohttp", "websockets", "pydantic", "jinja2", "markupsafe", "werkzeug",
	"itsdangerous", "python-dotenv", "cryptography", "pyjwt", "passlib",
	"boto3", "botocore", "google-api-python-client", "google-cloud-storage",
	"azure-storage-blob", "psycopg2", "pymongo", "mysql-connector-python",
}

// popularNPMPackages seeds the typosquat check for npm names.
var popularNPMPackages = []string{
	"lodash", "axios", "express", "react", "react-dom", "vue", "angular",
	"typescript", "webpack", "vite", "esbuild", "rollup", "parcel",
	"jest", "mocha", "chai", "cypress", "playwright", "puppeteer",
	"eslint", "prettier", "babel", "terser", "uglify-js",
	"moment", "date-fns", "dayjs", "luxon", "ramda", "immutable",
	"redux", "mobx", "zustand", "recoil", "jotai", "xstate",
	"next", "nuxt", "gatsby", "svelte", "solid-js", "preact",
	"tailwindcss", "styled-components", "emotion", "css-modules",
	"prisma", "mongoose", "sequelize", "typeorm", "knex", "pg",
	"redis", "ioredis", "bull", "kafkajs", "amqplib",
}

// dynamicInstallRules detect code that installs packages at runtime.
var dynamicInstallRules = []*regexRule{
	{Pattern: `(?i)subprocess\.(run|call|Popen)\s*\([^)]*pip\s+install`, Severity: SeverityCritical},
	{Pattern: `(?i)subprocess\.(run|call|Popen)\s*\([^)]*-m\s+pip\s+install`, Severity: SeverityCritical},
	{Pattern: `(?i)os\.system\s*\([^)]*pip\s+install`, Severity: SeverityCritical},
	{Pattern: `(?i)pip\.main\s*\(`, Severity: SeverityCritical},
	{Pattern: `(?i)subprocess\.(run|call|Popen)\s*\([^)]*npm\s+install`, Severity: SeverityCritical},
	{Pattern: `(?i)subprocess\.(run|call|Popen)\s*\([^)]*npm\s+i\s+`, Severity: SeverityCritical},
	{Pattern: `(?i)os\.system\s*\([^)]*npm\s+install`, Severity: SeverityCritical},
	{Pattern: "(?i)exec\\s*\\(\\s*['\"`]npm\\s+install", Severity: SeverityCritical},
}

var requirementLineRe = regexp.MustCompile(`^([a-zA-Z0-9_-]+)\s*([<>=!~]+\s*[\d\.\*]+)?`)

var dynamicInstallExtensions = map[string]struct{}{
	".py": {}, ".js": {}, ".ts": {}, ".sh": {},
}

// dependency is one declared package from a manifest.
type dependency struct {
	Name      string
	Version   string // raw specifier, empty when unpinned
	Ecosystem string // "PyPI" or "npm"
	Manifest  string // relative path of the manifest file
}

// SupplyAuditor implements stage 5: dependency and supply chain audit.
//
// Known-vulnerability lookups go to the OSV.dev batch query endpoint.
// Lookup failures are swallowed: an unreachable advisory database must
// not error the stage or fail the scan.
type SupplyAuditor struct {
	client  *http.Client
	apiURL  string
	limiter *rate.Limiter
}

// SupplyOption configures a SupplyAuditor.
type SupplyOption func(*SupplyAuditor)

// WithOSVHTTPClient overrides the HTTP client used for OSV queries.
func WithOSVHTTPClient(client *http.Client) SupplyOption {
	return func(s *SupplyAuditor) { s.client = client }
}

// WithOSVEndpoint overrides the OSV query URL. Used in tests to point at
// an httptest server.
func WithOSVEndpoint(url string) SupplyOption {
	return func(s *SupplyAuditor) { s.apiURL = url }
}

// NewSupplyAuditor creates a stage 5 auditor. OSV queries are rate
// limited to 5 requests per second across the stage.
func NewSupplyAuditor(opts ...SupplyOption) *SupplyAuditor {
	s := &SupplyAuditor{
		client:  &http.Client{Timeout: osvRequestTimeout},
		apiURL:  osvAPIURL,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run parses every dependency manifest in the extracted tree, checks
// each dependency locally (pinning, typosquats) and remotely (OSV), and
// scans code files for dynamic installation.
func (s *SupplyAuditor) Run(ctx context.Context, ingest IngestResult) StageResult {
	start := time.Now()
	var findings []Finding

	if ingest.TempDir == "" {
		return StageResult{
			Stage:  "stage5",
			Status: StatusErrored,
			Findings: []Finding{{
				Stage:       "stage5",
				Severity:    SeverityCritical,
				Type:        "no_temp_dir",
				Description: "No temp directory from Stage 0",
				Confidence:  1.0,
				Tool:        "stage5_supply",
			}},
			DurationMS: time.Since(start).Milliseconds(),
			Error:      "Stage 0 did not provide temp directory",
		}
	}

	findings = append(findings, detectDynamicInstall(ingest.TempDir, ingest.FileList)...)

	deps := collectDependencies(ingest.TempDir, ingest.FileList)
	for _, dep := range deps {
		findings = append(findings, checkDependencyLocal(dep)...)
	}
	findings = append(findings, s.queryVulnerabilities(ctx, deps)...)

	status := StatusPassed
	if hasCritical(findings) {
		status = StatusFailed
	}

	return StageResult{
		Stage:      "stage5",
		Status:     status,
		Findings:   findings,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// detectDynamicInstall scans code files for runtime pip/npm installs.
func detectDynamicInstall(tempDir string, fileList []string) []Finding {
	var findings []Finding

	for _, rel := range fileList {
		ext := strings.ToLower(filepath.Ext(rel))
		if _, ok := dynamicInstallExtensions[ext]; !ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(tempDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		lines := strings.Split(string(raw), "\n")
		for _, rule := range dynamicInstallRules {
			re := rule.compiled()
			for i, line := range lines {
				if re.MatchString(line) {
					findings = append(findings, Finding{
						Stage:       "stage5",
						Severity:    rule.Severity,
						Type:        "dynamic_install",
						Description: "Dynamic package installation detected - potential supply chain risk",
						Location:    fmt.Sprintf("%s:%d", rel, i+1),
						Confidence:  0.9,
						Tool:        "stage5_supply",
					})
				}
			}
		}
	}
	return findings
}

// collectDependencies parses every recognized manifest in the tree.
// Unparseable manifests are skipped.
func collectDependencies(tempDir string, fileList []string) []dependency {
	var deps []dependency

	for _, rel := range fileList {
		raw, err := os.ReadFile(filepath.Join(tempDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		switch filepath.Base(rel) {
		case "requirements.txt":
			deps = append(deps, parseRequirementsTxt(string(raw), rel)...)
		case "package.json":
			deps = append(deps, parsePackageJSON(raw, rel)...)
		case "pyproject.toml":
			deps = append(deps, parsePyprojectTOML(raw, rel)...)
		}
	}
	return deps
}

// parseRequirementsTxt handles pip requirement lines with ==, >=, ~=
// and friends. Comments, blanks, and option lines are skipped.
func parseRequirementsTxt(content, rel string) []dependency {
	var deps []dependency

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		m := requirementLineRe.FindStringSubmatch(line)
		if m == nil || m[1] == "" {
			continue
		}
		deps = append(deps, dependency{
			Name:      m[1],
			Version:   strings.TrimSpace(m[2]),
			Ecosystem: "PyPI",
			Manifest:  rel,
		})
	}
	return deps
}

// parsePackageJSON reads the three dependency sections of package.json.
func parsePackageJSON(raw []byte, rel string) []dependency {
	var manifest struct {
		Dependencies     map[string]string `json:"dependencies"`
		DevDependencies  map[string]string `json:"devDependencies"`
		PeerDependencies map[string]string `json:"peerDependencies"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil
	}

	var deps []dependency
	for _, section := range []map[string]string{
		manifest.Dependencies, manifest.DevDependencies, manifest.PeerDependencies,
	} {
		for name, version := range section {
			deps = append(deps, dependency{
				Name:      name,
				Version:   version,
				Ecosystem: "npm",
				Manifest:  rel,
			})
		}
	}
	return deps
}

// parsePyprojectTOML reads the PEP 621 project.dependencies list. Each
// entry is a requirement string like "requests>=2.28".
func parsePyprojectTOML(raw []byte, rel string) []dependency {
	var manifest struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
	}
	if err := toml.Unmarshal(raw, &manifest); err != nil {
		return nil
	}

	var deps []dependency
	for _, spec := range manifest.Project.Dependencies {
		m := requirementLineRe.FindStringSubmatch(strings.TrimSpace(spec))
		if m == nil || m[1] == "" {
			continue
		}
		deps = append(deps, dependency{
			Name:      m[1],
			Version:   strings.TrimSpace(m[2]),
			Ecosystem: "PyPI",
			Manifest:  rel,
		})
	}
	return deps
}

// checkDependencyLocal runs the offline checks on one dependency.
func checkDependencyLocal(dep dependency) []Finding {
	var findings []Finding

	unpinned := dep.Version == "" || dep.Version == "*" ||
		(dep.Ecosystem == "npm" && dep.Version == "latest")
	if unpinned {
		label := "Python"
		if dep.Ecosystem == "npm" {
			label = "npm"
		}
		findings = append(findings, Finding{
			Stage:       "stage5",
			Severity:    SeverityMedium,
			Type:        "unpinned_dependency",
			Description: fmt.Sprintf("Unpinned %s dependency: %s", label, dep.Name),
			Location:    dep.Manifest,
			Confidence:  0.9,
			Tool:        "stage5_supply",
		})
	}

	// A caret range with a single dot ("^1.2") floats minor versions.
	if dep.Ecosystem == "npm" && strings.HasPrefix(dep.Version, "^") &&
		strings.Count(dep.Version, ".") == 1 {
		findings = append(findings, Finding{
			Stage:       "stage5",
			Severity:    SeverityLow,
			Type:        "loose_version_range",
			Description: fmt.Sprintf("Loose version range for %s: %s", dep.Name, dep.Version),
			Location:    dep.Manifest,
			Confidence:  0.7,
			Tool:        "stage5_supply",
		})
	}

	popular := popularPythonPackages
	if dep.Ecosystem == "npm" {
		popular = popularNPMPackages
	}
	if original, distance, ok := checkTyposquat(dep.Name, popular); ok {
		findings = append(findings, Finding{
			Stage:       "stage5",
			Severity:    SeverityHigh,
			Type:        "typosquatting",
			Description: fmt.Sprintf("Potential typosquat: '%s' resembles '%s' (distance: %d)", dep.Name, original, distance),
			Location:    dep.Manifest,
			Confidence:  0.8,
			Tool:        "stage5_supply",
		})
	}

	return findings
}

// checkTyposquat reports a popular package within Levenshtein distance 1
// or 2 of the candidate name. An exact match is never a typosquat.
func checkTyposquat(name string, popular []string) (string, int, bool) {
	nameLower := strings.ToLower(name)

	for _, pkg := range popular {
		pkgLower := strings.ToLower(pkg)
		if nameLower == pkgLower {
			return "", 0, false
		}
		distance := edlib.LevenshteinDistance(nameLower, pkgLower)
		if distance >= 1 && distance <= 2 {
			return pkg, distance, true
		}
	}
	return "", 0, false
}

// osvVuln is the slice of the OSV response we consume.
type osvVuln struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
}

// queryVulnerabilities checks pinned dependencies against OSV.dev.
// Only exact "==x.y.z" pins are queryable; ranges are not.
func (s *SupplyAuditor) queryVulnerabilities(ctx context.Context, deps []dependency) []Finding {
	var (
		mu       sync.Mutex
		findings []Finding
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, dep := range deps {
		if dep.Ecosystem != "PyPI" || !strings.HasPrefix(dep.Version, "==") {
			continue
		}
		dep := dep
		version := strings.TrimSpace(strings.TrimPrefix(dep.Version, "=="))

		g.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			vulns := s.queryOSV(ctx, dep.Name, version, dep.Ecosystem)
			if len(vulns) > maxVulnsPerPackage {
				vulns = vulns[:maxVulnsPerPackage]
			}
			mu.Lock()
			defer mu.Unlock()
			for _, v := range vulns {
				severity := SeverityHigh
				if v.Severity == "HIGH" {
					severity = SeverityCritical
				}
				id := v.ID
				if id == "" {
					id = "Unknown"
				}
				findings = append(findings, Finding{
					Stage:       "stage5",
					Severity:    severity,
					Type:        "known_vulnerability",
					Description: fmt.Sprintf("Known vulnerability in %s: %s", dep.Name, id),
					Location:    dep.Manifest,
					Confidence:  0.95,
					Tool:        "stage5_osv",
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	return findings
}

// queryOSV posts one package query to OSV.dev. All failures return an
// empty list.
func (s *SupplyAuditor) queryOSV(ctx context.Context, pkg, version, ecosystem string) []osvVuln {
	body, err := json.Marshal(map[string]any{
		"package": map[string]string{"name": pkg, "ecosystem": ecosystem},
		"version": version,
	})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload struct {
		Vulns []osvVuln `json:"vulns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	return payload.Vulns
}
