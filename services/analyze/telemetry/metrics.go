// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes Prometheus metrics for the analyze service.
package telemetry

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the service records.
//
// Thread Safety: safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal    *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
	StageDuration *prometheus.HistogramVec
	FindingsTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge
}

// NewMetrics creates and registers all instruments on a private
// registry, so tests can create instances without collisions.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_scans_total",
			Help: "Completed scans by verdict.",
		}, []string{"verdict"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skillgate_scan_duration_seconds",
			Help:    "End-to-end scan pipeline duration.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillgate_stage_duration_seconds",
			Help:    "Per-stage duration by stage and status.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage", "status"}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_findings_total",
			Help: "Findings emitted by severity.",
		}, []string{"severity"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillgate_http_request_duration_seconds",
			Help:    "HTTP request duration by method and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skillgate_http_active_requests",
			Help: "In-flight HTTP requests.",
		}),
	}

	registry.MustRegister(
		m.ScansTotal,
		m.ScanDuration,
		m.StageDuration,
		m.FindingsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
	)
	return m
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Middleware records request count, duration, and in-flight gauge for
// every request. The route template is used as the path label to keep
// cardinality bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		m.HTTPActiveRequests.Inc()
		defer m.HTTPActiveRequests.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// ObserveScan records the pipeline-level metrics for one completed scan.
func (m *Metrics) ObserveScan(verdict string, duration time.Duration, severityCounts map[string]int) {
	m.ScansTotal.WithLabelValues(verdict).Inc()
	m.ScanDuration.Observe(duration.Seconds())
	for severity, count := range severityCounts {
		m.FindingsTotal.WithLabelValues(severity).Add(float64(count))
	}
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage, status string, durationMS int64) {
	m.StageDuration.WithLabelValues(stage, status).Observe(float64(durationMS) / 1000)
}
