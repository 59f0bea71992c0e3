package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backoffPolicy configures a backoffLimiter. Once a key accumulates
// maxFailures, it is locked out for base * 2^(failures-maxFailures),
// capped at max. Records idle for longer than expiry are forgotten.
type backoffPolicy struct {
	maxFailures int
	base        time.Duration
	max         time.Duration
	expiry      time.Duration
}

var (
	// Sign-in failures per normalized email.
	signinAccountPolicy = backoffPolicy{maxFailures: 5, base: time.Minute, max: 15 * time.Minute, expiry: time.Hour}
	// Sign-in failures per source IP.
	signinIPPolicy = backoffPolicy{maxFailures: 20, base: time.Minute, max: 30 * time.Minute, expiry: time.Hour}
	// Wrong site passwords per (site, IP).
	unlockPolicy = backoffPolicy{maxFailures: 5, base: 30 * time.Second, max: 15 * time.Minute, expiry: time.Hour}
	// Every signup or reset request per IP counts; both trigger KDF work or mail.
	signupIPPolicy = backoffPolicy{maxFailures: 5, base: 5 * time.Minute, max: time.Hour, expiry: time.Hour}
	resetIPPolicy  = backoffPolicy{maxFailures: 5, base: 5 * time.Minute, max: time.Hour, expiry: time.Hour}
)

// backoffLimiter tracks failures per key and enforces exponential backoff.
// Keys are never raw credentials.
type backoffLimiter struct {
	policy backoffPolicy
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

func newBackoffLimiter(policy backoffPolicy) *backoffLimiter {
	return &backoffLimiter{
		policy:   policy,
		now:      time.Now,
		attempts: make(map[string]*attemptRecord),
	}
}

// check reports whether key is locked out and for how long.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > rl.policy.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure increments the counter for key and applies backoff once
// the policy threshold is reached.
func (rl *backoffLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.policy.maxFailures {
		lockout := rl.policy.base
		for range rec.failures - rl.policy.maxFailures {
			lockout *= 2
			if lockout > rl.policy.max {
				lockout = rl.policy.max
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *backoffLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > rl.policy.expiry {
			delete(rl.attempts, key)
		}
	}
}

// windowLimiter locks everyone out for lockout once max events land inside
// a sliding window.
type windowLimiter struct {
	window  time.Duration
	max     int
	lockout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	events      []time.Time
	lockedUntil time.Time
}

func newWindowLimiter(window time.Duration, max int, lockout time.Duration) *windowLimiter {
	return &windowLimiter{window: window, max: max, lockout: lockout, now: time.Now}
}

func (rl *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *windowLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.events = trimWindow(append(rl.events, now), now, rl.window)
	if len(rl.events) >= rl.max {
		rl.lockedUntil = now.Add(rl.lockout)
	}
}

// rateLimiters groups every limiter the API uses.
type rateLimiters struct {
	signinAccount *backoffLimiter
	signinIP      *backoffLimiter
	signinGlobal  *windowLimiter
	unlock        *backoffLimiter
	signupIP      *backoffLimiter
	signupGlobal  *windowLimiter
	resetIP       *backoffLimiter
}

func newRateLimiters() *rateLimiters {
	return &rateLimiters{
		signinAccount: newBackoffLimiter(signinAccountPolicy),
		signinIP:      newBackoffLimiter(signinIPPolicy),
		signinGlobal:  newWindowLimiter(time.Minute, 100, 5*time.Minute),
		unlock:        newBackoffLimiter(unlockPolicy),
		signupIP:      newBackoffLimiter(signupIPPolicy),
		signupGlobal:  newWindowLimiter(time.Minute, 50, 5*time.Minute),
		resetIP:       newBackoffLimiter(resetIPPolicy),
	}
}

func (rl *rateLimiters) sweep() {
	for _, l := range []*backoffLimiter{rl.signinAccount, rl.signinIP, rl.unlock, rl.signupIP, rl.resetIP} {
		l.sweep()
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, CodeRateLimited, "For security purposes, you can only request this after "+retryAfterString(retryAfter)+" seconds.")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the client IP using the API's trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are honored only
// when the request's RemoteAddr falls within one of trustedProxies. With
// no trusted proxies, RemoteAddr is always returned.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for part := range strings.SplitSeq(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for elem := range strings.SplitSeq(fwd, ",") {
				for param := range strings.SplitSeq(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone (fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}
