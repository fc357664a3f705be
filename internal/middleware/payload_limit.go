// Package middleware provides gin middleware for the lock coordinator's HTTP surface.
package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockcoord/internal/logging"
	"github.com/kneutral-org/lockcoord/internal/metrics"
)

// PayloadLimitErrorResponse represents the JSON response for payload too large errors.
type PayloadLimitErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	MaxBytes   int64  `json:"maxBytes"`
	StatusCode int    `json:"statusCode"`
}

// PayloadLimit rejects request bodies larger than maxBytes. Requests that
// declare an oversized Content-Length are refused before the handler runs;
// chunked bodies are capped with http.MaxBytesReader and a handler that
// records the resulting read error with c.Error gets the same 413 response.
func PayloadLimit(maxBytes int64, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			logOversizedRequest(logger, c, c.Request.ContentLength, maxBytes)
			respondPayloadTooLarge(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()

		for _, ginErr := range c.Errors {
			var maxBytesErr *http.MaxBytesError
			if errors.As(ginErr.Err, &maxBytesErr) {
				logOversizedRequest(logger, c, -1, maxBytesErr.Limit)
				c.Errors = c.Errors[:0]
				if !c.Writer.Written() {
					respondPayloadTooLarge(c, maxBytesErr.Limit)
				}
				return
			}
		}
	}
}

// RequestMetrics records request counts and latency for every route. The
// matched route template is used as the path label to bound cardinality.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}

// logOversizedRequest logs an oversized request attempt on the request's
// logger when it has one. attemptedSize is -1 when the body had no declared
// length.
func logOversizedRequest(logger zerolog.Logger, c *gin.Context, attemptedSize, maxBytes int64) {
	reqLog := logging.LoggerFromContext(c.Request.Context(), logger)
	reqLog.Warn().
		Str("clientIP", c.ClientIP()).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int64("attemptedSize", attemptedSize).
		Int64("maxBytes", maxBytes).
		Msg("oversized request rejected")
}

func respondPayloadTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, PayloadLimitErrorResponse{
		Error:      "payloadTooLarge",
		Message:    "request body exceeds the maximum allowed size",
		MaxBytes:   maxBytes,
		StatusCode: http.StatusRequestEntityTooLarge,
	})
}
