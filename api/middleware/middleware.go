/*
Copyright 2024 Logipool Authors.

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
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"

	"github.com/logipool/logipool/config"
)

// KeyHeader carries the server secret on secured deployments.
const KeyHeader = "X-Logipool-Key"

// healthPath is polled by orchestrators and stays outside throttling and auth.
const healthPath = "/health"

const defaultBucketTTL = time.Hour

// newLimiter builds per-client token buckets from the rate limit settings, or
// returns nil when either the rate or the burst is unset. Clients behind the
// collection-centre gateways are told apart by their forwarded address.
func newLimiter(rl config.RateLimitConfig) *limiter.Limiter {
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return nil
	}
	ttl := defaultBucketTTL
	if rl.CleanupIntervalSec != nil {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*rl.Burst)
	lmt.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	lmt.SetMessage("too many pool requests from this client, slow down")
	return lmt
}

// RateLimitMiddleware throttles contribution and provider traffic per client.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	lmt := newLimiter(conf.RateLimit)
	return func(c *gin.Context) {
		if lmt == nil || c.Request.URL.Path == healthPath {
			c.Next()
			return
		}
		if httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware rejects requests whose KeyHeader does not match the
// configured server secret.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == healthPath {
			c.Next()
			return
		}
		conf, err := config.Fetch()
		if err != nil || conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server secret is not configured"})
			return
		}

		supplied := c.GetHeader(KeyHeader)
		switch {
		case supplied == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + KeyHeader + " header"})
		case subtle.ConstantTimeCompare([]byte(conf.Server.SecretKey), []byte(supplied)) != 1:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid " + KeyHeader + " header"})
		default:
			c.Next()
		}
	}
}
