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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestParseRequirementsTxt(t *testing.T) {
	content := `# pinned deps
requests==2.28.1

flask
numpy>=1.24
-r other.txt
`
	deps := parseRequirementsTxt(content, "requirements.txt")
	if len(deps) != 3 {
		t.Fatalf("expected 3 deps, got %d: %+v", len(deps), deps)
	}

	byName := make(map[string]dependency, len(deps))
	for _, d := range deps {
		if d.Ecosystem != "PyPI" || d.Manifest != "requirements.txt" {
			t.Errorf("bad ecosystem/manifest: %+v", d)
		}
		byName[d.Name] = d
	}

	if byName["requests"].Version != "==2.28.1" {
		t.Errorf("requests version = %q", byName["requests"].Version)
	}
	if byName["flask"].Version != "" {
		t.Errorf("flask should be unpinned, got %q", byName["flask"].Version)
	}
	if byName["numpy"].Version == "" {
		t.Errorf("numpy range specifier lost: %+v", byName["numpy"])
	}
}

func TestParsePackageJSON(t *testing.T) {
	raw := []byte(`{
		"name": "demo",
		"dependencies": {"lodash": "4.17.21"},
		"devDependencies": {"jest": "^29.0.0"},
		"peerDependencies": {"react": ">=18"}
	}`)

	deps := parsePackageJSON(raw, "package.json")
	if len(deps) != 3 {
		t.Fatalf("expected 3 deps, got %d: %+v", len(deps), deps)
	}
	for _, d := range deps {
		if d.Ecosystem != "npm" {
			t.Errorf("ecosystem = %s, want npm", d.Ecosystem)
		}
	}
}

func TestParsePackageJSON_Malformed(t *testing.T) {
	if deps := parsePackageJSON([]byte("{not json"), "package.json"); deps != nil {
		t.Errorf("malformed manifest should yield nil, got %+v", deps)
	}
}

func TestParsePyprojectTOML(t *testing.T) {
	raw := []byte(`[project]
name = "demo"
dependencies = [
    "requests>=2.28",
    "click==8.1.7",
]
`)
	deps := parsePyprojectTOML(raw, "pyproject.toml")
	if len(deps) != 2 {
		t.Fatalf("expected 2 deps, got %d: %+v", len(deps), deps)
	}
	if deps[0].Name != "requests" || deps[1].Name != "click" {
		t.Errorf("unexpected names: %+v", deps)
	}
	if deps[1].Version != "==8.1.7" {
		t.Errorf("click version = %q", deps[1].Version)
	}
}

func TestCheckDependencyLocal_Unpinned(t *testing.T) {
	tests := []struct {
		name string
		dep  dependency
		want bool
	}{
		{"no version", dependency{Name: "mypkgzzz", Ecosystem: "PyPI", Manifest: "requirements.txt"}, true},
		{"wildcard", dependency{Name: "mypkgzzz", Version: "*", Ecosystem: "PyPI", Manifest: "requirements.txt"}, true},
		{"npm latest", dependency{Name: "mypkgzzz", Version: "latest", Ecosystem: "npm", Manifest: "package.json"}, true},
		{"pinned", dependency{Name: "mypkgzzz", Version: "==1.0.0", Ecosystem: "PyPI", Manifest: "requirements.txt"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := checkDependencyLocal(tt.dep)
			got := hasFindingType(findings, "unpinned_dependency")
			if got != tt.want {
				t.Errorf("unpinned = %v, want %v (findings: %+v)", got, tt.want, findings)
			}
		})
	}
}

func TestCheckDependencyLocal_LooseRange(t *testing.T) {
	loose := dependency{Name: "mypkgzzz", Version: "^1.2", Ecosystem: "npm", Manifest: "package.json"}
	if !hasFindingType(checkDependencyLocal(loose), "loose_version_range") {
		t.Error("^1.2 not flagged as loose")
	}

	full := dependency{Name: "mypkgzzz", Version: "^1.2.3", Ecosystem: "npm", Manifest: "package.json"}
	if hasFindingType(checkDependencyLocal(full), "loose_version_range") {
		t.Error("^1.2.3 flagged as loose")
	}
}

func TestCheckTyposquat(t *testing.T) {
	tests := []struct {
		name     string
		want     string
		wantHit  bool
		popular  []string
	}{
		{"reqeusts", "requests", true, popularPythonPackages},
		{"lodahs", "lodash", true, popularNPMPackages},
		{"requests", "", false, popularPythonPackages}, // exact match is legitimate
		{"numpy", "", false, popularPythonPackages},
		{"aleutian-internal-toolkit", "", false, popularPythonPackages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original, distance, ok := checkTyposquat(tt.name, tt.popular)
			if ok != tt.wantHit {
				t.Fatalf("ok = %v, want %v (original=%q distance=%d)", ok, tt.wantHit, original, distance)
			}
			if ok && original != tt.want {
				t.Errorf("original = %q, want %q", original, tt.want)
			}
			if ok && (distance < 1 || distance > 2) {
				t.Errorf("distance = %d, want 1 or 2", distance)
			}
		})
	}
}

func TestDetectDynamicInstall(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir, "setup_helper.py",
		"import subprocess\nsubprocess.run(\"pip install requests\", shell=True)\n")
	mustWriteFile(t, dir, "run.sh", "os.system('pip install flask')\n")
	mustWriteFile(t, dir, "SKILL.md", "Run pip install requests before use.\n") // docs, not code

	findings := detectDynamicInstall(dir, []string{"setup_helper.py", "run.sh", "SKILL.md"})

	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d: %+v", len(findings), findings)
	}
	for _, f := range findings {
		if f.Type != "dynamic_install" || f.Severity != SeverityCritical {
			t.Errorf("unexpected finding: %+v", f)
		}
	}
}

func TestQueryVulnerabilities(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var q struct {
			Package struct {
				Name      string `json:"name"`
				Ecosystem string `json:"ecosystem"`
			} `json:"package"`
			Version string `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			t.Errorf("bad query body: %v", err)
		}
		if q.Package.Name != "requests" || q.Version != "2.19.0" {
			t.Errorf("unexpected query: %+v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"vulns": []map[string]string{
				{"id": "GHSA-aaaa", "severity": "HIGH"},
				{"id": "GHSA-bbbb", "severity": ""},
				{"id": "GHSA-cccc", "severity": "MODERATE"},
				{"id": "GHSA-dddd", "severity": "HIGH"},
			},
		})
	}))
	defer server.Close()

	auditor := NewSupplyAuditor(WithOSVEndpoint(server.URL))
	deps := []dependency{
		{Name: "requests", Version: "==2.19.0", Ecosystem: "PyPI", Manifest: "requirements.txt"},
		{Name: "numpy", Version: ">=1.24", Ecosystem: "PyPI", Manifest: "requirements.txt"},  // range, not queryable
		{Name: "lodash", Version: "4.17.21", Ecosystem: "npm", Manifest: "package.json"},    // npm, not queried
	}

	findings := auditor.queryVulnerabilities(context.Background(), deps)

	if got := requests.Load(); got != 1 {
		t.Errorf("OSV requests = %d, want 1 (only exact PyPI pins)", got)
	}
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings (capped), got %d: %+v", len(findings), findings)
	}

	criticals := 0
	for _, f := range findings {
		if f.Type != "known_vulnerability" || f.Tool != "stage5_osv" {
			t.Errorf("unexpected finding: %+v", f)
		}
		if f.Severity == SeverityCritical {
			criticals++
		}
	}
	if criticals != 1 {
		t.Errorf("critical findings = %d, want 1 (only the HIGH advisory in the cap)", criticals)
	}
}

func TestQueryVulnerabilities_ServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	auditor := NewSupplyAuditor(WithOSVEndpoint(server.URL))
	deps := []dependency{{Name: "requests", Version: "==2.19.0", Ecosystem: "PyPI", Manifest: "requirements.txt"}}

	if findings := auditor.queryVulnerabilities(context.Background(), deps); len(findings) != 0 {
		t.Errorf("lookup failure produced findings: %+v", findings)
	}
}

func TestSupplyAuditor_Run(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"vulns": []any{}})
	}))
	defer server.Close()

	dir := t.TempDir()
	mustWriteFile(t, dir, "requirements.txt", "flask\n")
	mustWriteFile(t, dir, "install.py", "subprocess.run(\"pip install evilpkg\", shell=True)\n")

	auditor := NewSupplyAuditor(WithOSVEndpoint(server.URL))
	result := auditor.Run(context.Background(), IngestResult{
		TempDir:  dir,
		FileList: []string{"requirements.txt", "install.py"},
	})

	if result.Stage != "stage5" {
		t.Errorf("Stage = %s, want stage5", result.Stage)
	}
	if result.Status != StatusFailed {
		t.Errorf("Status = %s, want failed (dynamic install is critical)", result.Status)
	}
	if !hasFindingType(result.Findings, "dynamic_install") {
		t.Errorf("missing dynamic_install: %+v", result.Findings)
	}
	if !hasFindingType(result.Findings, "unpinned_dependency") {
		t.Errorf("missing unpinned_dependency: %+v", result.Findings)
	}
}

func TestSupplyAuditor_Run_NoTempDir(t *testing.T) {
	result := NewSupplyAuditor().Run(context.Background(), IngestResult{})
	if result.Status != StatusErrored {
		t.Errorf("Status = %s, want errored", result.Status)
	}
}
