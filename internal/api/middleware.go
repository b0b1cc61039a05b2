package api

import (
	"crypto/subtle"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepSize = 1024
	defaultWindow    = time.Minute
	defaultMax       = 60
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// rateLimiter holds one token bucket per client. A client can spend max
// requests at once and regains them evenly across window.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	every   time.Duration
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

type limitDecision struct {
	allowed   bool
	limit     int
	remaining int
	reset     time.Duration
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	if window <= 0 {
		window = defaultWindow
	}
	if max <= 0 {
		max = defaultMax
	}
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		every:   window / time.Duration(max),
		burst:   max,
		ttl:     window,
		now:     time.Now,
	}
}

func (r *rateLimiter) Allow(key string) limitDecision {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= limiterSweepSize {
		r.sweep(now)
	}
	cl := r.clients[key]
	if cl == nil {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Every(r.every), r.burst)}
		r.clients[key] = cl
	}
	cl.last = now
	allowed := cl.limiter.AllowN(now, 1)
	tokens := cl.limiter.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}
	missing := float64(r.burst) - tokens
	if missing < 0 {
		missing = 0
	}
	return limitDecision{
		allowed:   allowed,
		limit:     r.burst,
		remaining: remaining,
		reset:     time.Duration(missing * float64(r.every)),
	}
}

// sweep drops clients idle for longer than ttl. Caller holds mu.
func (r *rateLimiter) sweep(now time.Time) {
	for key, cl := range r.clients {
		if now.Sub(cl.last) > r.ttl {
			delete(r.clients, key)
		}
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.limiter.Allow(s.clientIP(r))
		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(d.limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(d.remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(int(math.Ceil(d.reset.Seconds()))))
		if !d.allowed {
			s.metrics.IncRateLimited()
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(s.limiter.every.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller's address. With trust_proxy set the left-most
// X-Forwarded-For entry wins when it parses as an IP.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.Server.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}

// checkAuth passes every request when no token is configured.
func (s *Server) checkAuth(r *http.Request) bool {
	want := s.cfg.Server.AuthToken
	if want == "" {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, want)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
