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
	"log/slog"
	"time"
)

// MaxScanDuration is the global pipeline budget. Stages that would not
// fit in the remaining budget are skipped, never truncated mid-run.
const MaxScanDuration = 55 * time.Second

// Per-stage minimum budgets. A stage only starts when at least this much
// of the global budget remains.
const (
	minBudgetStructure = 5 * time.Second
	minBudgetStatic    = 10 * time.Second
	minBudgetInjection = 5 * time.Second
	minBudgetSecrets   = 5 * time.Second
	minBudgetSupply    = 10 * time.Second
)

// ScanRecord is the persisted shape of a completed scan.
type ScanRecord struct {
	VersionID     string            `json:"version_id"`
	Verdict       Verdict           `json:"verdict"`
	TotalFindings int               `json:"total_findings"`
	CriticalCount int               `json:"critical_count"`
	HighCount     int               `json:"high_count"`
	MediumCount   int               `json:"medium_count"`
	LowCount      int               `json:"low_count"`
	StagesRun     []string          `json:"stages_run"`
	DurationMS    int64             `json:"duration_ms"`
	FileHashes    map[string]string `json:"file_hashes,omitempty"`
	Findings      []Finding         `json:"findings"`
	StageResults  []StageResult     `json:"stage_results"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ResultStore persists completed scans.
type ResultStore interface {
	// SaveScan stores a scan record and returns its assigned id.
	SaveScan(ctx context.Context, record ScanRecord) (string, error)
}

// Orchestrator composes the six stages into the full pipeline.
//
// Description:
//
//	Runs stage 0 first; a failed or errored ingest short-circuits the
//	pipeline since later stages need the extracted tree. Remaining
//	stages run sequentially under the global budget. Stage panics are
//	converted to errored stage results. The extraction directory is
//	removed before the response is assembled, regardless of outcome.
//
// Thread Safety: safe for concurrent use; all per-scan state is local
// to Run.
type Orchestrator struct {
	ingestor  *Ingestor
	structure *StructureValidator
	static    *StaticAnalyzer
	injection *InjectionDetector
	secrets   *SecretsScanner
	supply    *SupplyAuditor
	store     ResultStore
	logger    *slog.Logger
	budget    time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithResultStore sets the persistence backend. Without one, scans run
// but responses carry no scan id.
func WithResultStore(store ResultStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = store }
}

// WithIngestor overrides the stage 0 ingestor.
func WithIngestor(ing *Ingestor) OrchestratorOption {
	return func(o *Orchestrator) { o.ingestor = ing }
}

// WithSupplyAuditor overrides the stage 5 auditor.
func WithSupplyAuditor(sup *SupplyAuditor) OrchestratorOption {
	return func(o *Orchestrator) { o.supply = sup }
}

// WithBudget overrides the global pipeline budget.
func WithBudget(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.budget = d }
}

// NewOrchestrator creates a pipeline orchestrator with default stages.
func NewOrchestrator(logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		ingestor:  NewIngestor(),
		structure: NewStructureValidator(),
		static:    NewStaticAnalyzer(),
		injection: NewInjectionDetector(),
		secrets:   NewSecretsScanner(),
		supply:    NewSupplyAuditor(),
		logger:    logger,
		budget:    MaxScanDuration,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the full pipeline for one request. It never returns an
// error: every failure mode is expressed in the response verdict and
// stage results.
func (o *Orchestrator) Run(ctx context.Context, req ScanRequest) ScanResponse {
	start := time.Now()
	var stageResults []StageResult
	fileHashes := map[string]string{}

	ingest, err := o.runIngest(ctx, req.TarballURL)
	if ingest.TempDir != "" {
		defer Cleanup(ingest.TempDir)
	}
	if err != nil {
		o.logger.Error("tarball ingestion failed", "version_id", req.VersionID, "error", err)
		stageResults = append(stageResults, StageResult{
			Stage:  "stage0",
			Status: StatusErrored,
			Findings: []Finding{{
				Stage:       "stage0",
				Severity:    SeverityCritical,
				Type:        "ingestion_error",
				Description: fmt.Sprintf("Failed to ingest tarball: %v", err),
				Confidence:  1.0,
				Tool:        "scan_orchestrator",
			}},
			DurationMS: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		return o.finish(ctx, req, stageResults, fileHashes, start, false)
	}

	stageResults = append(stageResults, ingest.StageResult)
	fileHashes = ingest.FileHashes

	if ingest.StageResult.Status == StatusFailed {
		o.logger.Warn("ingest stage failed, skipping remaining stages",
			"version_id", req.VersionID)
		return o.finish(ctx, req, stageResults, fileHashes, start, true)
	}

	permissions := ParsePermissions(req.Permissions)

	type stageSpec struct {
		name      string
		minBudget time.Duration
		run       func(context.Context) StageResult
	}
	stages := []stageSpec{
		{"stage1", minBudgetStructure, func(context.Context) StageResult {
			return o.structure.Run(ingest)
		}},
		{"stage2", minBudgetStatic, func(ctx context.Context) StageResult {
			return o.static.Run(ctx, ingest, req.Manifest, permissions)
		}},
		{"stage3", minBudgetInjection, func(context.Context) StageResult {
			return o.injection.Run(ingest)
		}},
		{"stage4", minBudgetSecrets, func(context.Context) StageResult {
			return o.secrets.Run(ingest)
		}},
		{"stage5", minBudgetSupply, func(ctx context.Context) StageResult {
			return o.supply.Run(ctx, ingest)
		}},
	}

	for _, spec := range stages {
		remaining := o.budget - time.Since(start)
		if remaining <= spec.minBudget {
			o.logger.Warn("skipping stage, budget exhausted",
				"stage", spec.name, "remaining_ms", remaining.Milliseconds())
			stageResults = append(stageResults, StageResult{
				Stage:  spec.name,
				Status: StatusSkipped,
			})
			continue
		}
		stageResults = append(stageResults, o.runStage(ctx, spec.name, spec.run))
	}

	return o.finish(ctx, req, stageResults, fileHashes, start, true)
}

// runIngest wraps stage 0 with panic recovery.
func (o *Orchestrator) runIngest(ctx context.Context, tarballURL string) (result IngestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest panic: %v", r)
		}
	}()
	result = o.ingestor.Run(ctx, tarballURL)
	return result, nil
}

// runStage executes one stage, converting panics to errored results.
func (o *Orchestrator) runStage(ctx context.Context, name string, run func(context.Context) StageResult) (result StageResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("stage panicked", "stage", name, "panic", r)
			result = StageResult{
				Stage:  name,
				Status: StatusErrored,
				Error:  fmt.Sprintf("%v", r),
			}
		}
	}()
	return run(ctx)
}

// finish deduplicates findings, resolves the verdict, persists the
// record, and assembles the response.
func (o *Orchestrator) finish(ctx context.Context, req ScanRequest, stageResults []StageResult, fileHashes map[string]string, start time.Time, persist bool) ScanResponse {
	var all []Finding
	for _, sr := range stageResults {
		all = append(all, sr.Findings...)
	}

	deduped := DeduplicateFindings(all)
	verdict := ComputeVerdict(stageResults)
	durationMS := time.Since(start).Milliseconds()

	var scanID string
	if persist && o.store != nil {
		counts := CountSeverities(stageResults)
		record := ScanRecord{
			VersionID:     req.VersionID,
			Verdict:       verdict,
			TotalFindings: counts.Total,
			CriticalCount: counts.Critical,
			HighCount:     counts.High,
			MediumCount:   counts.Medium,
			LowCount:      counts.Low,
			StagesRun:     StagesRun(stageResults),
			DurationMS:    durationMS,
			FileHashes:    fileHashes,
			Findings:      deduped,
			StageResults:  stageResults,
			CreatedAt:     time.Now().UTC(),
		}
		id, err := o.store.SaveScan(ctx, record)
		if err != nil {
			// Persistence is best effort. A scan without an id is
			// still a completed scan.
			o.logger.Warn("failed to persist scan results",
				"version_id", req.VersionID, "error", err)
		} else {
			scanID = id
		}
	}

	o.logger.Info("scan complete",
		"version_id", req.VersionID,
		"verdict", verdict,
		"findings", len(deduped),
		"duration_ms", durationMS)

	return ScanResponse{
		ScanID:       scanID,
		Verdict:      verdict,
		Findings:     deduped,
		StageResults: stageResults,
		DurationMS:   durationMS,
		FileHashes:   fileHashes,
	}
}

// FailureResponse builds the catch-all response for errors outside the
// pipeline itself.
func FailureResponse(err error) ScanResponse {
	return ScanResponse{
		Verdict: VerdictFail,
		Findings: []Finding{{
			Stage:       "orchestrator",
			Severity:    SeverityCritical,
			Type:        "scan_error",
			Description: fmt.Sprintf("Scan failed with unexpected error: %v", err),
			Confidence:  1.0,
			Tool:        "scan_orchestrator",
		}},
		StageResults: []StageResult{{
			Stage:  "orchestrator",
			Status: StatusErrored,
			Error:  err.Error(),
		}},
		FileHashes: map[string]string{},
	}
}
