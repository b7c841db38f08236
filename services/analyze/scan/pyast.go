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
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// pythonRule describes one dangerous (module, function) pair.
type pythonRule struct {
	Module   string
	Function string
}

// pythonRuleSet groups rules under a finding type.
type pythonRuleSet struct {
	Type        string
	Severity    string
	Description string
	Rules       []pythonRule
}

// builtinCodeExecution are bare builtins flagged regardless of imports.
var builtinCodeExecution = map[string]struct{}{
	"eval": {}, "exec": {}, "compile": {},
}

// dangerousPythonRules is the AST rule table. Callees are resolved
// through the file's import aliases before matching.
var dangerousPythonRules = []pythonRuleSet{
	{
		Type:        "shell_injection",
		Severity:    SeverityCritical,
		Description: "Shell command execution - potential injection risk",
		Rules: []pythonRule{
			{"os", "system"},
			{"os", "popen"},
			{"subprocess", "call"},
			{"subprocess", "run"},
			{"subprocess", "Popen"},
		},
	},
	{
		Type:        "code_execution",
		Severity:    SeverityCritical,
		Description: "Dynamic code execution",
		Rules: []pythonRule{
			{"builtins", "eval"},
			{"builtins", "exec"},
			{"builtins", "compile"},
		},
	},
	{
		Type:        "insecure_deserialize",
		Severity:    SeverityCritical,
		Description: "Insecure deserialization",
		Rules: []pythonRule{
			{"pickle", "loads"},
			{"pickle", "load"},
			{"marshal", "loads"},
			{"shelve", "open"},
		},
	},
	{
		Type:        "env_access",
		Severity:    SeverityMedium,
		Description: "Environment variable access",
		Rules: []pythonRule{
			{"os", "environ"},
			{"os", "getenv"},
		},
	},
	{
		Type:        "network_access",
		Severity:    SeverityHigh,
		Description: "Network request - potential data exfiltration",
		Rules: []pythonRule{
			{"requests", "get"},
			{"requests", "post"},
			{"requests", "put"},
			{"requests", "delete"},
			{"httpx", "get"},
			{"httpx", "post"},
			{"urllib.request", "urlopen"},
			{"socket", "connect"},
		},
	},
}

// analyzePythonSource parses Python source with tree-sitter and walks the
// AST for dangerous call patterns.
//
// A new parser is created per call: tree-sitter parsers are not safe for
// concurrent use, file contents are small, and construction is cheap.
// Files with syntax errors are skipped silently: a broken file cannot run
// and partial matches would be noise.
func analyzePythonSource(ctx context.Context, content []byte, filePath string) ([]Finding, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return nil, nil
	}

	a := &pyAnalyzer{
		content:  content,
		filePath: filePath,
		imports:  make(map[string]string),
	}
	a.walk(root)
	return a.findings, nil
}

// pyAnalyzer accumulates import bindings and findings over one file.
type pyAnalyzer struct {
	content  []byte
	filePath string
	imports  map[string]string // binding name -> fully-qualified symbol
	findings []Finding
}

func (a *pyAnalyzer) text(n *sitter.Node) string {
	return string(a.content[n.StartByte():n.EndByte()])
}

func (a *pyAnalyzer) walk(node *sitter.Node) {
	switch node.Type() {
	case "import_statement":
		a.recordImport(node)
	case "import_from_statement":
		a.recordImportFrom(node)
	case "call":
		a.checkCall(node)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		a.walk(node.Child(i))
	}
}

// recordImport handles "import foo" and "import foo as bar".
func (a *pyAnalyzer) recordImport(node *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "dotted_name":
			name := a.text(child)
			// "import urllib.request" binds the root name.
			root := strings.SplitN(name, ".", 2)[0]
			a.imports[root] = name
		case "aliased_import":
			var path, alias string
			for j := 0; j < int(child.ChildCount()); j++ {
				gc := child.Child(j)
				switch gc.Type() {
				case "dotted_name":
					path = a.text(gc)
				case "identifier":
					alias = a.text(gc)
				}
			}
			if path != "" && alias != "" {
				a.imports[alias] = path
			}
		}
	}
}

// recordImportFrom handles "from x import y [as z]".
func (a *pyAnalyzer) recordImportFrom(node *sitter.Node) {
	var module string
	sawImport := false

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "import":
			sawImport = true
		case "relative_import":
			module = a.text(child)
		case "dotted_name":
			name := a.text(child)
			if !sawImport {
				module = name
			} else if module != "" {
				a.imports[name] = module + "." + name
			}
		case "aliased_import":
			var importName, alias string
			for j := 0; j < int(child.ChildCount()); j++ {
				gc := child.Child(j)
				switch gc.Type() {
				case "dotted_name", "identifier":
					if importName == "" {
						importName = a.text(gc)
					} else {
						alias = a.text(gc)
					}
				}
			}
			if module != "" && importName != "" && alias != "" {
				a.imports[alias] = module + "." + importName
			}
		}
	}
}

// checkCall resolves the callee to a dotted name and matches it against
// the rule table.
func (a *pyAnalyzer) checkCall(node *sitter.Node) {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		return
	}

	var callee string
	switch fn.Type() {
	case "identifier", "attribute":
		callee = a.text(fn)
	default:
		return
	}

	line := int(fn.StartPoint().Row) + 1

	// Bare eval/exec/compile are dangerous no matter what is imported.
	if _, ok := builtinCodeExecution[callee]; ok {
		a.addFinding("code_execution", SeverityCritical, "Dynamic code execution", callee, line)
		return
	}

	idx := strings.LastIndex(callee, ".")
	if idx < 0 {
		return
	}
	receiver, function := callee[:idx], callee[idx+1:]

	// Resolve the receiver through recorded imports. "sp.run" with
	// "import subprocess as sp" resolves to "subprocess.run". Matching
	// compares module roots, so the resolved target alone is enough.
	base := strings.SplitN(receiver, ".", 2)[0]
	resolved, imported := a.imports[base]
	if !imported {
		return
	}

	for _, set := range dangerousPythonRules {
		for _, rule := range set.Rules {
			if rule.Module == "builtins" {
				continue
			}
			if function != rule.Function {
				continue
			}
			if moduleRoot(resolved) == moduleRoot(rule.Module) {
				a.addFinding(set.Type, set.Severity, set.Description, callee, line)
				return
			}
		}
	}
}

func moduleRoot(module string) string {
	return strings.SplitN(module, ".", 2)[0]
}

func (a *pyAnalyzer) addFinding(findingType, severity, description, callee string, line int) {
	a.findings = append(a.findings, Finding{
		Stage:       "stage2",
		Severity:    severity,
		Type:        findingType,
		Description: fmt.Sprintf("%s: %s()", description, callee),
		Location:    fmt.Sprintf("%s:%d", a.filePath, line),
		Confidence:  0.9,
		Tool:        "stage2_ast",
	})
}
