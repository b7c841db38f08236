// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command skillgate runs the SkillGate security scanner.
//
// SkillGate analyzes AI agent skill packages (gzipped tarballs) with a
// six-stage deterministic pipeline: ingestion hardening, structure
// validation, static AST analysis, prompt-injection detection, secret
// detection, and supply chain auditing.
//
// Usage:
//
//	# Start the analyze API server
//	skillgate serve
//	skillgate serve --config config.yaml
//
//	# One-off scan of a tarball, printed as JSON or SARIF
//	skillgate scan https://storage.example.supabase.co/skill.tar.gz
//	skillgate scan --sarif https://storage.example.supabase.co/skill.tar.gz
//
// Example requests against a running server:
//
//	# Health check
//	curl http://localhost:8098/api/analyze/scan/health
//
//	# Full scan
//	curl -X POST http://localhost:8098/api/analyze/scan \
//	  -H "Content-Type: application/json" \
//	  -d '{"tarball_url": "...", "version_id": "v1", "manifest": {}, "permissions": {}}'
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
