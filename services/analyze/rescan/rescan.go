// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rescan re-runs the scan pipeline over previously published
// skill versions. A skill that passed yesterday can fail today: rule
// tables grow and advisory databases learn new CVEs.
package rescan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/skillgate/services/analyze/scan"
	"github.com/AleutianAI/skillgate/services/analyze/storage"
)

const (
	// BatchSize caps versions processed per invocation so a cron run
	// stays inside one request budget.
	BatchSize = 5

	// RescanAge is how stale a scan must be before the version is due.
	RescanAge = 24 * time.Hour

	signedURLTTLSeconds = 3600
)

// auditStatusFor maps a scan verdict onto a version audit status.
var auditStatusFor = map[scan.Verdict]string{
	scan.VerdictPass:          "completed",
	scan.VerdictPassWithNotes: "completed",
	scan.VerdictFlagged:       "flagged",
	scan.VerdictFail:          "failed",
}

// VersionResult reports the outcome of rescanning one version.
type VersionResult struct {
	VersionID    string `json:"version_id"`
	Status       string `json:"status"`
	Verdict      string `json:"verdict,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	FindingCount int    `json:"finding_count,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Response is the batch outcome returned to the cron caller.
type Response struct {
	Processed int             `json:"processed"`
	Results   []VersionResult `json:"results"`
}

// SignedURLConfig holds the object storage credentials for generating
// tarball download URLs.
type SignedURLConfig struct {
	StorageURL string
	ServiceKey string
}

// Runner drives a batch rescan.
//
// Thread Safety: safe for concurrent use.
type Runner struct {
	store        *storage.Store
	orchestrator *scan.Orchestrator
	signedURLs   SignedURLConfig
	client       *http.Client
	logger       *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHTTPClient overrides the client used for signed URL generation.
func WithHTTPClient(client *http.Client) RunnerOption {
	return func(r *Runner) { r.client = client }
}

// NewRunner creates a rescan runner.
func NewRunner(store *storage.Store, orchestrator *scan.Orchestrator, signedURLs SignedURLConfig, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:        store,
		orchestrator: orchestrator,
		signedURLs:   signedURLs,
		client:       &http.Client{Timeout: 20 * time.Second},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run rescans every due version, oldest scans first up to BatchSize,
// and updates each version's audit status from the fresh verdict.
func (r *Runner) Run(ctx context.Context) (Response, error) {
	cutoff := time.Now().UTC().Add(-RescanAge)
	versions, err := r.store.ListVersionsToRescan(ctx, cutoff, BatchSize)
	if err != nil {
		return Response{}, fmt.Errorf("listing versions to rescan: %w", err)
	}
	if len(versions) == 0 {
		return Response{Processed: 0, Results: []VersionResult{}}, nil
	}

	results := make([]VersionResult, 0, len(versions))
	for _, version := range versions {
		results = append(results, r.rescanVersion(ctx, version))
	}
	return Response{Processed: len(results), Results: results}, nil
}

// rescanVersion runs the full pipeline over one version. Errors are
// reported in the result, never propagated: one broken version must not
// abort the batch.
func (r *Runner) rescanVersion(ctx context.Context, version storage.VersionRecord) VersionResult {
	start := time.Now()

	tarballURL, err := r.generateSignedURL(ctx, version.TarballPath)
	if err != nil {
		r.logger.Warn("failed to generate signed URL",
			"version_id", version.ID, "error", err)
		return VersionResult{
			VersionID: version.ID,
			Status:    "error",
			Error:     "Failed to generate download URL",
		}
	}

	resp := r.orchestrator.Run(ctx, scan.ScanRequest{
		TarballURL:  tarballURL,
		VersionID:   version.ID,
		Manifest:    version.Manifest,
		Permissions: version.Permissions,
	})

	auditStatus, ok := auditStatusFor[resp.Verdict]
	if !ok {
		auditStatus = "completed"
	}
	err = r.store.UpdateAuditStatus(ctx, version.ID, auditStatus, version.LastVerdict, string(resp.Verdict))
	if err != nil {
		r.logger.Warn("failed to update audit status",
			"version_id", version.ID, "error", err)
	}

	findingCount := 0
	for _, sr := range resp.StageResults {
		findingCount += len(sr.Findings)
	}

	return VersionResult{
		VersionID:    version.ID,
		Status:       "completed",
		Verdict:      string(resp.Verdict),
		DurationMS:   time.Since(start).Milliseconds(),
		FindingCount: findingCount,
	}
}

// generateSignedURL asks object storage for a time-limited download URL
// for the version tarball.
func (r *Runner) generateSignedURL(ctx context.Context, tarballPath string) (string, error) {
	if r.signedURLs.StorageURL == "" || r.signedURLs.ServiceKey == "" {
		return "", fmt.Errorf("object storage credentials not configured")
	}

	body, err := json.Marshal(map[string]int{"expiresIn": signedURLTTLSeconds})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/storage/v1/object/sign/packages/%s", r.signedURLs.StorageURL, tarballPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.signedURLs.ServiceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signed URL request returned status %d", resp.StatusCode)
	}

	var payload struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.SignedURL == "" {
		return "", fmt.Errorf("signed URL missing from response")
	}
	return r.signedURLs.StorageURL + payload.SignedURL, nil
}
