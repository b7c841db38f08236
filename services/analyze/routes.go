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
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/skillgate/services/analyze/middleware"
	"github.com/AleutianAI/skillgate/services/analyze/telemetry"
)

// RegisterRoutes registers the analyze service endpoints.
//
// Endpoints:
//
//	POST /api/analyze/scan            - Full six-stage tarball scan
//	GET  /api/analyze/scan/health     - Health check
//	GET  /api/analyze/scan/:id/sarif  - Stored scan as SARIF 2.1.0
//	POST /api/analyze/security        - Content-level injection analysis
//	POST /api/analyze/permissions     - Static permission extraction
//	POST /api/analyze/rescan          - Cron batch rescan (bearer secret)
//	GET  /metrics                     - Prometheus scrape endpoint
func RegisterRoutes(router *gin.Engine, handlers *Handlers, metrics *telemetry.Metrics, cronSecret string) {
	router.Use(middleware.RequestID())
	if metrics != nil {
		router.Use(metrics.Middleware())
		router.GET("/metrics", metrics.Handler())
	}

	api := router.Group("/api/analyze")
	{
		api.POST("/scan", handlers.HandleScan)
		api.GET("/scan/health", handlers.HandleHealth)
		api.GET("/scan/:id/sarif", handlers.HandleScanSARIF)
		api.POST("/security", handlers.HandleSecurity)
		api.POST("/permissions", handlers.HandlePermissions)
		api.POST("/rescan", middleware.CronAuth(cronSecret), handlers.HandleRescan)
	}
}
