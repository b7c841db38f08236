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
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skillgate/pkg/logging"
	"github.com/AleutianAI/skillgate/services/analyze"
	"github.com/AleutianAI/skillgate/services/analyze/scan"
)

// runScan performs a single pipeline run without persistence and prints
// the result to stdout. Exit code 1 signals a fail verdict so the
// command composes with CI gates.
func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := analyze.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "cli",
	})
	defer appLogger.Close()

	ingestOpts := []scan.IngestorOption{}
	if len(cfg.AllowedDownloadDomains) > 0 {
		ingestOpts = append(ingestOpts, scan.WithAllowedDomains(cfg.AllowedDownloadDomains))
	}
	orchestrator := scan.NewOrchestrator(appLogger.Slog(),
		scan.WithIngestor(scan.NewIngestor(ingestOpts...)),
	)

	resp := orchestrator.Run(context.Background(), scan.ScanRequest{
		TarballURL:  args[0],
		VersionID:   versionID,
		Manifest:    map[string]any{},
		Permissions: map[string]any{},
	})

	var out any = resp
	if sarifOutput {
		out = scan.ToSARIF(resp.Findings, resp.DurationMS, versionID)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if resp.Verdict == scan.VerdictFail {
		os.Exit(1)
	}
	return nil
}
