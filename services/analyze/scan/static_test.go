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
	"strings"
	"testing"
)

func TestAnalyzePythonSource(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantType string
	}{
		{
			name:     "os.system",
			source:   "import os\nos.system('ls')\n",
			wantType: "shell_injection",
		},
		{
			name:     "aliased subprocess",
			source:   "import subprocess as sp\nsp.run(['ls'])\n",
			wantType: "shell_injection",
		},
		{
			name:     "bare eval",
			source:   "result = eval(user_input)\n",
			wantType: "code_execution",
		},
		{
			name:     "pickle loads",
			source:   "import pickle\nobj = pickle.loads(blob)\n",
			wantType: "insecure_deserialize",
		},
		{
			name:     "requests post",
			source:   "import requests\nrequests.post(url, data=payload)\n",
			wantType: "network_access",
		},
		{
			name:     "os.getenv",
			source:   "import os\nkey = os.getenv('API_KEY')\n",
			wantType: "env_access",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings, err := analyzePythonSource(context.Background(), []byte(tt.source), "run.py")
			if err != nil {
				t.Fatalf("analyzePythonSource: %v", err)
			}
			if !hasFindingType(findings, tt.wantType) {
				t.Errorf("no %s finding, got: %+v", tt.wantType, findings)
			}
		})
	}
}

func TestAnalyzePythonSource_LineNumbers(t *testing.T) {
	source := "import os\n\n\nos.system('ls')\n"
	findings, err := analyzePythonSource(context.Background(), []byte(source), "run.py")
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d: %+v", len(findings), findings)
	}
	if !strings.HasSuffix(findings[0].Location, ":4") {
		t.Errorf("Location = %q, want line 4", findings[0].Location)
	}
}

func TestAnalyzePythonSource_UnimportedReceiverIgnored(t *testing.T) {
	// "runner.run" matches a dangerous function name but the receiver was
	// never imported, so there is nothing to resolve it against.
	source := "runner.run(['ls'])\n"
	findings, err := analyzePythonSource(context.Background(), []byte(source), "run.py")
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("unexpected findings: %+v", findings)
	}
}

func TestAnalyzePythonSource_SyntaxErrorSkipped(t *testing.T) {
	findings, err := analyzePythonSource(context.Background(), []byte("def broken(:\n"), "bad.py")
	if err != nil {
		t.Fatalf("syntax error should not error the analyzer: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings from unparseable file: %+v", findings)
	}
}

func TestAnalyzePythonSource_Clean(t *testing.T) {
	source := "import json\n\ndef handler(event):\n    return json.dumps(event)\n"
	findings, err := analyzePythonSource(context.Background(), []byte(source), "handler.py")
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("unexpected findings on clean source: %+v", findings)
	}
}

func TestDetectObfuscation(t *testing.T) {
	source := "import base64\npayload = base64.b64decode(blob)\nexec(payload)\n"
	findings := detectObfuscation(source, "loader.py")
	if !hasFindingType(findings, "obfuscation") {
		t.Errorf("base64+exec not flagged: %+v", findings)
	}

	rot13 := "import codecs\nplain = codecs.decode(data, 'rot13')\n"
	findings = detectObfuscation(rot13, "loader.py")
	if !hasFindingType(findings, "obfuscation") {
		t.Errorf("rot13 not flagged: %+v", findings)
	}

	if findings := detectObfuscation("print('hello')\n", "ok.py"); len(findings) != 0 {
		t.Errorf("clean source flagged: %+v", findings)
	}
}

func TestStaticAnalyzer_Run_JSRules(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir, "index.js", "const out = eval(userInput);\n")

	result := NewStaticAnalyzer().Run(context.Background(), IngestResult{
		TempDir:  dir,
		FileList: []string{"index.js"},
	}, nil, DeclaredPermissions{})

	if result.Status != StatusFailed {
		t.Errorf("Status = %s, want failed (eval is critical)", result.Status)
	}
	if !hasFindingType(result.Findings, "js_pattern") {
		t.Errorf("missing js_pattern: %+v", result.Findings)
	}
}

func TestStaticAnalyzer_Run_ShellRules(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir, "install.sh", "curl https://example.com/setup | bash\n")

	result := NewStaticAnalyzer().Run(context.Background(), IngestResult{
		TempDir:  dir,
		FileList: []string{"install.sh"},
	}, nil, DeclaredPermissions{})

	if result.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}
	if !hasFindingType(result.Findings, "shell_pattern") {
		t.Errorf("missing shell_pattern: %+v", result.Findings)
	}
}

func TestStaticAnalyzer_Run_NoTempDir(t *testing.T) {
	result := NewStaticAnalyzer().Run(context.Background(), IngestResult{}, nil, DeclaredPermissions{})
	if result.Status != StatusErrored {
		t.Errorf("Status = %s, want errored", result.Status)
	}
}

func TestCrossCheckPermissions_UndeclaredNetwork(t *testing.T) {
	observed := []Finding{
		{Type: "network_access", Severity: SeverityHigh, Description: "Network request"},
	}

	extra := crossCheckPermissions(observed, DeclaredPermissions{})
	if !hasFindingType(extra, "undeclared_network") {
		t.Errorf("missing undeclared_network: %+v", extra)
	}

	declared := DeclaredPermissions{NetworkOutbound: []string{"api.example.com"}}
	if extra := crossCheckPermissions(observed, declared); hasFindingType(extra, "undeclared_network") {
		t.Errorf("declared network still flagged: %+v", extra)
	}
}

func TestCrossCheckPermissions_UndeclaredSubprocess(t *testing.T) {
	observed := []Finding{
		{Type: "shell_injection", Severity: SeverityCritical, Description: "Shell command execution"},
	}

	extra := crossCheckPermissions(observed, DeclaredPermissions{})
	if !hasFindingType(extra, "undeclared_subprocess") {
		t.Errorf("missing undeclared_subprocess: %+v", extra)
	}

	if extra := crossCheckPermissions(observed, DeclaredPermissions{Subprocess: true}); hasFindingType(extra, "undeclared_subprocess") {
		t.Errorf("declared subprocess still flagged: %+v", extra)
	}
}

func TestCrossCheckPermissions_NoObservations(t *testing.T) {
	if extra := crossCheckPermissions(nil, DeclaredPermissions{}); len(extra) != 0 {
		t.Errorf("findings from empty observations: %+v", extra)
	}
}
