package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter caps requests per source IP in fixed one-second windows.
// The tracking table is capped and purged by TTL so hostile sources cannot
// grow it without bound.
type rateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*rateEntry
	maxRPS     int
	trustProxy bool

	maxTracked  int
	entryTTL    time.Duration
	lastCleanup time.Time
}

type rateEntry struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

func newRateLimiter(maxRPS int, trustProxy bool) *rateLimiter {
	return &rateLimiter{
		entries:    make(map[string]*rateEntry),
		maxRPS:     maxRPS,
		trustProxy: trustProxy,
		maxTracked: 10000,
		entryTTL:   5 * time.Minute,
	}
}

// allow reports whether the source may proceed.
func (l *rateLimiter) allow(ip string, now time.Time) bool {
	if l.maxRPS <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > time.Minute {
		l.lastCleanup = now
		for key, e := range l.entries {
			if now.Sub(e.lastSeen) > l.entryTTL {
				delete(l.entries, key)
			}
		}
	}

	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= l.maxTracked {
			return false
		}
		e = &rateEntry{windowStart: now}
		l.entries[ip] = e
	}
	if now.Sub(e.windowStart) >= time.Second {
		e.windowStart = now
		e.count = 0
	}
	e.count++
	e.lastSeen = now
	return e.count <= l.maxRPS
}

func (l *rateLimiter) sourceIP(r *http.Request) string {
	if l.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			for i := 0; i < len(fwd); i++ {
				if fwd[i] == ',' {
					return fwd[:i]
				}
			}
			return fwd
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit is the middleware wrapping drone-facing ingest endpoints.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(s.limiter.sourceIP(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
