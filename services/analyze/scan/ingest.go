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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Ingestion limits. The tarball and the extracted tree share the same cap;
// the ratio between them is bounded separately to catch decompression bombs
// that stay under the absolute limit.
const (
	MaxTarballSize      = 50 * 1024 * 1024
	MaxExtractedSize    = 50 * 1024 * 1024
	MaxCompressionRatio = 100
	MaxSingleFileSize   = 5 * 1024 * 1024
	DownloadTimeout     = 30 * time.Second

	hashChunkSize = 8192
)

// DefaultAllowedDownloadDomains lists the storage domains tarballs may be
// fetched from. Loopback is included for local development and tests.
var DefaultAllowedDownloadDomains = []string{
	"supabase.co",
	"supabase.com",
	"supabase.in",
	"localhost",
	"127.0.0.1",
}

// blockedExtensions are binary or executable member types that are never
// extracted. Hitting one is a critical finding.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".so": {}, ".dll": {}, ".dylib": {}, ".wasm": {},
	".class": {}, ".pyc": {}, ".pyo": {}, ".jar": {}, ".war": {},
	".bin": {}, ".dat": {},
}

// ErrURLNotAllowed is returned when a download URL fails the origin gate.
var ErrURLNotAllowed = errors.New("url not from an authorized storage domain")

// Ingestor implements stage 0: download, archive hardening, safe
// extraction, and content hashing.
//
// Thread Safety: an Ingestor is immutable after construction and safe for
// concurrent use; every Run owns its own temp directory.
type Ingestor struct {
	client         *http.Client
	allowedDomains []string
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithHTTPClient overrides the download client. Used in tests to point at
// an httptest server or a transport stub.
func WithHTTPClient(c *http.Client) IngestorOption {
	return func(i *Ingestor) {
		if c != nil {
			i.client = c
		}
	}
}

// WithAllowedDomains replaces the download domain allow-list.
func WithAllowedDomains(domains []string) IngestorOption {
	return func(i *Ingestor) {
		if len(domains) > 0 {
			i.allowedDomains = domains
		}
	}
}

// NewIngestor creates a stage 0 ingestor with production defaults.
func NewIngestor(opts ...IngestorOption) *Ingestor {
	ing := &Ingestor{
		client:         &http.Client{Timeout: DownloadTimeout},
		allowedDomains: DefaultAllowedDownloadDomains,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Run executes ingestion for the given tarball URL.
//
// The returned IngestResult always carries a StageResult. On download
// failure TempDir is empty; on any later failure TempDir is set so the
// orchestrator can remove it. Run never returns an error: every failure
// mode is expressed as findings plus a failed stage status.
func (ing *Ingestor) Run(ctx context.Context, tarballURL string) IngestResult {
	start := time.Now()
	var findings []Finding

	data, err := ing.download(ctx, tarballURL)
	if err != nil {
		findings = append(findings, Finding{
			Stage:       "stage0",
			Severity:    SeverityCritical,
			Type:        "download_failed",
			Description: fmt.Sprintf("Failed to download tarball: %v", err),
			Confidence:  1.0,
			Tool:        "stage0_ingest",
		})
		return IngestResult{
			FileHashes: map[string]string{},
			StageResult: StageResult{
				Stage:      "stage0",
				Status:     StatusFailed,
				Findings:   findings,
				DurationMS: time.Since(start).Milliseconds(),
				Error:      err.Error(),
			},
		}
	}

	tempDir, err := os.MkdirTemp("", "skillgate_scan_")
	if err != nil {
		findings = append(findings, Finding{
			Stage:       "stage0",
			Severity:    SeverityCritical,
			Type:        "download_failed",
			Description: fmt.Sprintf("Failed to create scan directory: %v", err),
			Confidence:  1.0,
			Tool:        "stage0_ingest",
		})
		return IngestResult{
			FileHashes: map[string]string{},
			StageResult: StageResult{
				Stage:      "stage0",
				Status:     StatusFailed,
				Findings:   findings,
				DurationMS: time.Since(start).Milliseconds(),
				Error:      err.Error(),
			},
		}
	}

	// Preflight reads archive metadata only. Nothing touches the
	// filesystem until the archive is judged safe to extract.
	preflight := preflightArchive(data)
	findings = append(findings, preflight...)

	if hasCritical(preflight) {
		return IngestResult{
			TempDir:    tempDir,
			FileHashes: map[string]string{},
			StageResult: StageResult{
				Stage:      "stage0",
				Status:     StatusFailed,
				Findings:   findings,
				DurationMS: time.Since(start).Milliseconds(),
			},
		}
	}

	extractFindings, files, totalSize := safeExtract(data, tempDir)
	findings = append(findings, extractFindings...)

	if totalSize > MaxExtractedSize {
		findings = append(findings, Finding{
			Stage:    "stage0",
			Severity: SeverityCritical,
			Type:     "size_exceeded",
			Description: fmt.Sprintf("Total extracted size %s exceeds maximum %s",
				humanize.IBytes(uint64(totalSize)), humanize.IBytes(uint64(MaxExtractedSize))),
			Confidence: 1.0,
			Tool:       "stage0_ingest",
		})
	}

	sort.Strings(files)
	hashes := computeFileHashes(tempDir, files)

	status := StatusPassed
	if hasCritical(findings) {
		status = StatusFailed
	}

	return IngestResult{
		TempDir:    tempDir,
		FileHashes: hashes,
		FileList:   files,
		TotalSize:  totalSize,
		StageResult: StageResult{
			Stage:      "stage0",
			Status:     status,
			Findings:   findings,
			DurationMS: time.Since(start).Milliseconds(),
		},
	}
}

// Cleanup removes the scan temp directory. Safe on empty paths and safe
// to call more than once.
func Cleanup(tempDir string) {
	if tempDir == "" {
		return
	}
	_ = os.RemoveAll(tempDir)
}

// validateURL enforces the download origin gate before any network call.
func (ing *Ingestor) validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid url scheme %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	for _, allowed := range ing.allowedDomains {
		if hostname == allowed || strings.HasSuffix(hostname, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrURLNotAllowed, hostname)
}

// download fetches the tarball with a HEAD size check followed by a
// length-bounded GET.
func (ing *Ingestor) download(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ing.validateURL(rawURL); err != nil {
		return nil, err
	}

	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build head request: %w", err)
	}
	headResp, err := ing.client.Do(headReq)
	if err != nil {
		return nil, fmt.Errorf("head request: %w", err)
	}
	io.Copy(io.Discard, headResp.Body)
	headResp.Body.Close()
	if headResp.ContentLength > MaxTarballSize {
		return nil, fmt.Errorf("tarball size %d exceeds maximum %d", headResp.ContentLength, MaxTarballSize)
	}

	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	resp, err := ing.client.Do(getReq)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	// Read one byte past the cap so an oversize body is detected even
	// when Content-Length lied or was absent.
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxTarballSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxTarballSize {
		return nil, fmt.Errorf("downloaded size exceeds maximum %d", MaxTarballSize)
	}
	return data, nil
}

// preflightArchive walks archive metadata without extracting anything.
// It flags links, traversal paths, and decompression-bomb ratios.
func preflightArchive(data []byte) []Finding {
	var findings []Finding

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return []Finding{archiveError(err)}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var totalUncompressed int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return append(findings, archiveError(err))
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			kind := "symlink"
			if hdr.Typeflag == tar.TypeLink {
				kind = "hardlink"
			}
			findings = append(findings, Finding{
				Stage:       "stage0",
				Severity:    SeverityHigh,
				Type:        "archive_link",
				Description: fmt.Sprintf("Archive contains %s: %s", kind, hdr.Name),
				Location:    hdr.Name,
				Confidence:  1.0,
				Tool:        "stage0_ingest",
			})
			continue
		}

		if strings.Contains(hdr.Name, "..") || strings.HasPrefix(hdr.Name, "/") {
			findings = append(findings, Finding{
				Stage:       "stage0",
				Severity:    SeverityCritical,
				Type:        "path_traversal",
				Description: fmt.Sprintf("Archive contains dangerous path: %s", hdr.Name),
				Location:    hdr.Name,
				Confidence:  1.0,
				Tool:        "stage0_ingest",
			})
			continue
		}

		if hdr.Typeflag == tar.TypeReg {
			totalUncompressed += hdr.Size
		}
	}

	if len(data) > 0 {
		ratio := float64(totalUncompressed) / float64(len(data))
		if ratio > MaxCompressionRatio {
			findings = append(findings, Finding{
				Stage:    "stage0",
				Severity: SeverityCritical,
				Type:     "zip_bomb",
				Description: fmt.Sprintf("Compression ratio %.1fx exceeds maximum %dx",
					ratio, MaxCompressionRatio),
				Confidence: 0.9,
				Tool:       "stage0_ingest",
			})
		}
	}

	return findings
}

func archiveError(err error) Finding {
	return Finding{
		Stage:       "stage0",
		Severity:    SeverityCritical,
		Type:        "archive_error",
		Description: fmt.Sprintf("Failed to validate tarball: %v", err),
		Confidence:  1.0,
		Tool:        "stage0_ingest",
	}
}

// safeExtract writes regular archive members under destDir. Links and
// traversal paths were already reported by preflight and are skipped
// silently here; blocked extensions and escaping paths produce findings.
func safeExtract(data []byte, destDir string) ([]Finding, []string, int64) {
	var findings []Finding
	var files []string
	var totalSize int64

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return []Finding{archiveError(err)}, nil, 0
	}
	defer gz.Close()

	resolvedDest, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		resolvedDest = destDir
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			findings = append(findings, archiveError(err))
			break
		}

		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			continue
		}
		if strings.Contains(hdr.Name, "..") || strings.HasPrefix(hdr.Name, "/") {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		ext := strings.ToLower(filepath.Ext(hdr.Name))
		if _, blocked := blockedExtensions[ext]; blocked {
			findings = append(findings, Finding{
				Stage:       "stage0",
				Severity:    SeverityCritical,
				Type:        "blocked_file_type",
				Description: fmt.Sprintf("Blocked binary/executable file type: %s", ext),
				Location:    hdr.Name,
				Confidence:  1.0,
				Tool:        "stage0_ingest",
			})
			continue
		}

		destPath := filepath.Join(resolvedDest, filepath.FromSlash(hdr.Name))
		rel, err := filepath.Rel(resolvedDest, destPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			findings = append(findings, Finding{
				Stage:       "stage0",
				Severity:    SeverityCritical,
				Type:        "path_escape",
				Description: fmt.Sprintf("Extraction path escapes destination: %s", hdr.Name),
				Location:    hdr.Name,
				Confidence:  1.0,
				Tool:        "stage0_ingest",
			})
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
			findings = append(findings, archiveError(err))
			continue
		}
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			findings = append(findings, archiveError(err))
			continue
		}
		written, err := io.Copy(out, io.LimitReader(tr, MaxExtractedSize+1))
		out.Close()
		if err != nil {
			findings = append(findings, archiveError(err))
			continue
		}

		files = append(files, hdr.Name)
		totalSize += written

		if written > MaxSingleFileSize {
			findings = append(findings, Finding{
				Stage:    "stage0",
				Severity: SeverityMedium,
				Type:     "large_file",
				Description: fmt.Sprintf("File exceeds %s: %s (%d bytes)",
					humanize.IBytes(MaxSingleFileSize), hdr.Name, written),
				Location:   hdr.Name,
				Confidence: 1.0,
				Tool:       "stage0_ingest",
			})
		}
	}

	return findings, files, totalSize
}

// computeFileHashes streams each file through SHA-256 in fixed-size
// chunks. Unreadable files are skipped; they remain in the file list but
// get no hash entry.
func computeFileHashes(baseDir string, files []string) map[string]string {
	hashes := make(map[string]string, len(files))
	buf := make([]byte, hashChunkSize)

	for _, rel := range files {
		full := filepath.Join(baseDir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		f, err := os.Open(full)
		if err != nil {
			continue
		}
		h := sha256.New()
		_, err = io.CopyBuffer(h, f, buf)
		f.Close()
		if err != nil {
			continue
		}
		hashes[rel] = hex.EncodeToString(h.Sum(nil))
	}
	return hashes
}

func hasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
