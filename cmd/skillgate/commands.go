// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	versionID   string
	sarifOutput bool

	rootCmd = &cobra.Command{
		Use:   "skillgate",
		Short: "Security scanner for AI agent skill packages",
		Long: `SkillGate scans skill packages (gzipped tarballs) with a staged
deterministic pipeline: ingestion hardening, structure validation,
static analysis, prompt-injection detection, secret detection, and
supply chain auditing.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the analyze API server",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	scanCmd = &cobra.Command{
		Use:   "scan [tarball_url]",
		Short: "Run a one-off scan of a skill tarball and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runScan, // Defined in cmd_scan.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (optional)")

	scanCmd.Flags().StringVar(&versionID, "version-id", "local", "Version id to attach to the scan")
	scanCmd.Flags().BoolVar(&sarifOutput, "sarif", false, "Print the result as a SARIF 2.1.0 document")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
}
