// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyze

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/skillgate/services/analyze/middleware"
	"github.com/AleutianAI/skillgate/services/analyze/permissions"
	"github.com/AleutianAI/skillgate/services/analyze/rescan"
	"github.com/AleutianAI/skillgate/services/analyze/scan"
	"github.com/AleutianAI/skillgate/services/analyze/storage"
	"github.com/AleutianAI/skillgate/services/analyze/telemetry"
)

// ServiceVersion is the analyze service version.
const ServiceVersion = "2.0.0"

// ErrorResponse is the JSON error body returned by all handlers.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handlers contains the HTTP handlers for the analyze service.
type Handlers struct {
	orchestrator *scan.Orchestrator
	store        *storage.Store
	rescanner    *rescan.Runner
	metrics      *telemetry.Metrics
	skillBaseDir string
	logger       *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(orchestrator *scan.Orchestrator, store *storage.Store, rescanner *rescan.Runner, metrics *telemetry.Metrics, skillBaseDir string, logger *slog.Logger) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		store:        store,
		rescanner:    rescanner,
		metrics:      metrics,
		skillBaseDir: skillBaseDir,
		logger:       logger,
	}
}

// HandleScan handles POST /api/analyze/scan.
//
// Description:
//
//	Runs the full six-stage pipeline over the tarball named in the
//	request and returns the verdict, deduplicated findings, and
//	per-stage results. Pipeline failures surface as a fail verdict
//	with a scan_error finding, never as a 5xx.
//
// Response:
//
//	200 OK: scan.ScanResponse
//	400 Bad Request: Validation error
func (h *Handlers) HandleScan(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleScan")

	var req scan.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	logger.Info("starting scan", "version_id", req.VersionID)
	start := time.Now()

	resp := h.runPipeline(c, req)

	if h.metrics != nil {
		h.metrics.ObserveScan(string(resp.Verdict), time.Since(start), severityCounts(resp.Findings))
		for _, sr := range resp.StageResults {
			h.metrics.ObserveStage(sr.Stage, sr.Status, sr.DurationMS)
		}
	}

	c.JSON(http.StatusOK, resp)
}

// runPipeline executes the orchestrator with a catch-all recover so an
// unexpected panic still yields a well-formed fail response.
func (h *Handlers) runPipeline(c *gin.Context, req scan.ScanRequest) (resp scan.ScanResponse) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("scan pipeline panicked", "panic", r)
			resp = scan.FailureResponse(fmt.Errorf("%v", r))
		}
	}()
	return h.orchestrator.Run(c.Request.Context(), req)
}

// SecurityRequest asks for content-level analysis of a SKILL.md.
type SecurityRequest struct {
	SkillContent string `json:"skill_content"`
}

// SecurityIssue is one issue in a content analysis response.
type SecurityIssue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

// SecurityResponse is the content analysis result.
type SecurityResponse struct {
	Safe    bool            `json:"safe"`
	Issues  []SecurityIssue `json:"issues"`
	Summary string          `json:"summary"`
}

// HandleSecurity handles POST /api/analyze/security.
//
// Description:
//
//	Analyzes raw SKILL.md content with the deterministic injection
//	rule library. The same input always yields the same issues, and
//	nothing in the content can steer the analyzer.
func (h *Handlers) HandleSecurity(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleSecurity")

	var req SecurityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if strings.TrimSpace(req.SkillContent) == "" {
		c.JSON(http.StatusOK, SecurityResponse{
			Safe:    true,
			Issues:  []SecurityIssue{},
			Summary: "Empty skill content provided - no issues to scan.",
		})
		return
	}

	findings := scan.AnalyzeMarkdownContent(req.SkillContent)

	issues := make([]SecurityIssue, 0, len(findings))
	for _, f := range findings {
		issues = append(issues, SecurityIssue{
			Severity:    f.Severity,
			Description: f.Description,
			Location:    f.Location,
		})
	}

	summary := "No security issues detected."
	if len(issues) > 0 {
		summary = fmt.Sprintf("Deterministic analysis found %d issue(s).", len(issues))
	}

	c.JSON(http.StatusOK, SecurityResponse{
		Safe:    len(issues) == 0,
		Issues:  issues,
		Summary: summary,
	})
}

// PermissionsRequest asks for static permission extraction.
type PermissionsRequest struct {
	SkillDir     string `json:"skill_dir"`
	SkillContent string `json:"skill_content"`
}

// PermissionsResponse carries the derived permission manifest.
type PermissionsResponse struct {
	Permissions permissions.Permissions `json:"permissions"`
	Reasoning   string                  `json:"reasoning"`
	Method      string                  `json:"method"`
}

// HandlePermissions handles POST /api/analyze/permissions.
//
// Description:
//
//	Derives a skill's permission manifest from its extracted code
//	tree via static analysis. The skill_dir must be a relative path
//	inside the configured base directory.
func (h *Handlers) HandlePermissions(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandlePermissions")

	var req PermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if req.SkillDir != "" {
		resolved, err := permissions.ResolveSkillDir(h.skillBaseDir, req.SkillDir)
		if err != nil {
			logger.Warn("rejected skill_dir", "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: skillDirErrorMessage(err),
				Code:  "INVALID_SKILL_DIR",
			})
			return
		}

		perms, err := permissions.Extract(resolved)
		if err != nil {
			logger.Error("permission extraction failed", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "Permission extraction failed due to an internal error",
				Code:  "EXTRACTION_FAILED",
			})
			return
		}

		c.JSON(http.StatusOK, PermissionsResponse{
			Permissions: perms,
			Reasoning:   permissions.Reasoning(perms),
			Method:      "static_analysis",
		})
		return
	}

	if req.SkillContent != "" {
		c.JSON(http.StatusOK, PermissionsResponse{
			Permissions: permissions.Permissions{},
			Reasoning:   "Static analysis requires skill_dir parameter with extracted files. skill_content is no longer supported.",
			Method:      "static_analysis",
		})
		return
	}

	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: "Either skill_dir or skill_content is required",
		Code:  "INVALID_REQUEST",
	})
}

func skillDirErrorMessage(err error) string {
	switch {
	case errors.Is(err, permissions.ErrEmptySkillDir):
		return "Invalid skill_dir: value must not be empty."
	case errors.Is(err, permissions.ErrAbsoluteSkillDir):
		return "Invalid skill_dir: absolute paths are not allowed."
	case errors.Is(err, permissions.ErrPathTraversal):
		return "Invalid skill_dir: path traversal not allowed."
	default:
		return "Invalid skill_dir: must refer to an existing directory within the configured skills base directory."
	}
}

// HandleRescan handles POST /api/analyze/rescan.
//
// Description:
//
//	Batch re-scan of stale versions, invoked by the cron scheduler.
//	Authorization is enforced by the CronAuth middleware on the route.
func (h *Handlers) HandleRescan(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRescan")

	resp, err := h.rescanner.Run(c.Request.Context())
	if err != nil {
		logger.Error("rescan batch failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Rescan failed due to an internal error",
			Code:  "RESCAN_FAILED",
		})
		return
	}

	logger.Info("rescan batch complete", "processed", resp.Processed)
	c.JSON(http.StatusOK, resp)
}

// HandleScanSARIF handles GET /api/analyze/scan/:id/sarif.
//
// Description:
//
//	Returns a stored scan's findings as a SARIF v2.1.0 document for
//	code scanning integrations.
func (h *Handlers) HandleScanSARIF(c *gin.Context) {
	scanID := c.Param("id")

	record, err := h.store.GetScan(c.Request.Context(), scanID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "Scan not found",
				Code:  "NOT_FOUND",
			})
			return
		}
		h.logger.Error("failed to load scan", "scan_id", scanID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to load scan",
			Code:  "STORAGE_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, scan.ToSARIF(record.Findings, record.DurationMS, record.VersionID))
}

// HandleHealth handles GET /api/analyze/scan/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "skillgate-security-scan",
		"version": ServiceVersion,
	})
}

func severityCounts(findings []scan.Finding) map[string]int {
	counts := make(map[string]int, 4)
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}
