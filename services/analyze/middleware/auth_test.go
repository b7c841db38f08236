// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken_ValidToken(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("Authorization", "Bearer cron-secret-1")

	assert.Equal(t, "cron-secret-1", extractBearerToken(c))
}

func TestExtractBearerToken_CaseInsensitivePrefix(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("Authorization", "bearer cron-secret-1")

	assert.Equal(t, "cron-secret-1", extractBearerToken(c))
}

func TestExtractBearerToken_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "cron-secret-1"},
		{"basic auth", "Basic cron-secret-1"},
		{"only bearer", "Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}

			assert.Empty(t, extractBearerToken(c))
		})
	}
}

// =============================================================================
// CronAuth Tests
// =============================================================================

func cronAuthRouter(secret string) *gin.Engine {
	router := gin.New()
	router.POST("/cron", CronAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestCronAuth_EmptySecretPassesThrough(t *testing.T) {
	router := cronAuthRouter("")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/cron", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCronAuth_ValidSecret(t *testing.T) {
	router := cronAuthRouter("s3cret")

	req := httptest.NewRequest("POST", "/cron", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCronAuth_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", "Bearer wrong"},
		{"empty bearer token", "Bearer "},
		{"secret without bearer", "s3cret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := cronAuthRouter("s3cret")

			req := httptest.NewRequest("POST", "/cron", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

// =============================================================================
// RequestID Tests
// =============================================================================

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	router := gin.New()
	var seen string
	router.GET("/", RequestID(), func(c *gin.Context) {
		seen = GetRequestID(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}

func TestRequestID_EchoesCallerID(t *testing.T) {
	router := gin.New()
	router.GET("/", RequestID(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "caller-supplied-id", w.Header().Get("X-Request-ID"))
}

func TestGetRequestID_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetRequestID(c))
}
