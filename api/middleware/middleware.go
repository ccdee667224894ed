/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
)

const (
	// KeyHeader carries the server secret key on every request.
	KeyHeader = "X-Carenote-Key"
	// DeviceHeader identifies the capture device making the request.
	DeviceHeader = "X-Device-ID"
)

// limitKey buckets requests per device. Clinics often put many devices behind
// one address, so the client IP is only the fallback.
func limitKey(c *gin.Context) string {
	if device := c.GetHeader(DeviceHeader); device != "" {
		return "device:" + device
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware limits each device to the configured rate. Refusals
// carry a CAPACITY error and a Retry-After hint so devices back off.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		return func(c *gin.Context) { c.Next() }
	}

	rps := *conf.RateLimit.RequestsPerSecond
	ttl := time.Hour
	if conf.RateLimit.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*conf.RateLimit.Burst)

	retryAfter := "1"
	if rps > 0 && rps < 1 {
		retryAfter = strconv.Itoa(int(1/rps + 0.5))
	}

	return func(c *gin.Context) {
		if httpErr := tollbooth.LimitByKeys(lmt, []string{limitKey(c)}); httpErr != nil {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apierror.APIError{
				Code:    apierror.ErrCapacity,
				Message: httpErr.Message,
			})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware rejects requests whose X-Carenote-Key does not match
// the server secret. The health route stays open.
func SecretKeyAuthMiddleware(conf *config.Configuration) gin.HandlerFunc {
	secret := []byte(conf.Server.SecretKey)
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}
		if len(secret) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, apierror.APIError{
				Code:    apierror.ErrFatalConfig,
				Message: "server secret key is not configured",
			})
			return
		}

		key := c.GetHeader(KeyHeader)
		switch {
		case key == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.APIError{Code: apierror.ErrUnauthorized, Message: "missing secret key"})
			return
		case subtle.ConstantTimeCompare(secret, []byte(key)) != 1:
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.APIError{Code: apierror.ErrUnauthorized, Message: "invalid secret key"})
			return
		}
		c.Next()
	}
}
