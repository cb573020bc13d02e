package main

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	constants "pikselo/internal/constants"
	util "pikselo/internal/util"
)

type rateLimiterEntry struct {
	Limiter    *rate.Limiter
	LastAccess time.Time
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.Request.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), constants.RequestIDKey, reqID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", reqID)
		c.Next()
	}
}

// getLimiter returns the per-IP limiter for the HTTP surface. This throttles
// abusive clients at the edge; the per-actor cooldown gate inside the pipeline
// is a separate, game-level mechanism.
func (s *server) getLimiter(key string) *rate.Limiter {
	s.limiterMutex.RLock()
	entry, ok := s.limiterMap[key]
	s.limiterMutex.RUnlock()
	if ok {
		s.limiterMutex.Lock()
		if entry, ok = s.limiterMap[key]; ok {
			entry.LastAccess = time.Now()
		}
		s.limiterMutex.Unlock()
		return entry.Limiter
	}

	s.limiterMutex.Lock()
	defer s.limiterMutex.Unlock()
	if entry, ok = s.limiterMap[key]; ok {
		entry.LastAccess = time.Now()
		return entry.Limiter
	}

	if key == "" || key == "::1" {
		util.LogWarn("Rate limiter key is empty or loopback: %q", key)
	}
	rps := s.cfg.RateLimitRPS
	if rps <= 0 {
		rps = 1
	}
	lim := rate.NewLimiter(rate.Every(time.Second/time.Duration(rps)), s.cfg.RateLimitBurst)
	entry = &rateLimiterEntry{Limiter: lim, LastAccess: time.Now()}
	s.limiterMap[key] = entry
	return lim
}

func (s *server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if !s.getLimiter(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Please slow down."})
			return
		}
		c.Next()
	}
}

func (s *server) startLimiterCleanup() {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			s.cleanupStaleRateLimiters()
		}
	}()
	util.LogInfo("Started cleanup routine for stale rate limiters")
}

func (s *server) cleanupStaleRateLimiters() {
	s.limiterMutex.Lock()
	defer s.limiterMutex.Unlock()

	cutoffTime := time.Now().Add(-s.cfg.RateLimiterTTL)
	removedCount := 0

	for key, entry := range s.limiterMap {
		if entry.LastAccess.Before(cutoffTime) {
			delete(s.limiterMap, key)
			removedCount++
		}
	}

	if len(s.limiterMap) > 50000 {
		type limiterInfo struct {
			key        string
			lastAccess time.Time
		}

		var limiters []limiterInfo
		for key, entry := range s.limiterMap {
			limiters = append(limiters, limiterInfo{key: key, lastAccess: entry.LastAccess})
		}

		sort.Slice(limiters, func(i, j int) bool {
			return limiters[i].lastAccess.Before(limiters[j].lastAccess)
		})

		entriesToRemove := len(limiters) / 2
		for i := 0; i < entriesToRemove; i++ {
			delete(s.limiterMap, limiters[i].key)
			removedCount++
		}

		util.LogInfo("Rate limiter map too large, removed %d oldest entries", entriesToRemove)
	}

	if removedCount > 0 {
		util.LogInfo("Cleaned up %d stale rate limiters", removedCount)
	}
}
