package smarthttp

import (
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits bounds a single negotiation per §4.H's production hardening
// section. Zero-value Limits is invalid; use DefaultLimits.
type Limits struct {
	// MaxRounds caps how many flush-terminated have batches
	// ParseUploadPackRequest accepts in one upload-pack negotiation.
	// Stateless-rpc clients send every round of a negotiation in a
	// single POST body rather than one round per request, so "round"
	// here means one such batch, not one HTTP round trip. Push has no
	// equivalent multi-round shape, so ParseReceivePackCommands doesn't
	// consult it.
	MaxRounds       int
	MaxWants        int
	MaxHaves        int
	Timeout         time.Duration
	MaxCapabilities int
	MaxRefLength    int
}

// DefaultLimits matches the spec's documented defaults exactly.
func DefaultLimits() Limits {
	return Limits{
		MaxRounds:       50,
		MaxWants:        1000,
		MaxHaves:        10000,
		Timeout:         120000 * time.Millisecond,
		MaxCapabilities: 100,
		MaxRefLength:    4096,
	}
}

var shaPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$|^[0-9a-fA-F]{64}$`)

// ValidSHA reports whether s is an exact, case-insensitive 40-hex
// (SHA-1) or 64-hex (SHA-256) string.
func ValidSHA(s string) bool {
	return shaPattern.MatchString(s)
}

var capabilityCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidCapabilityName reports whether name (the part before any '='
// value) uses only the printable charset the spec allows, with no
// control bytes.
func ValidCapabilityName(name string) bool {
	if name == "" {
		return false
	}
	return capabilityCharset.MatchString(name)
}

// RateDecision is the result of a rate limiter check: mirrors the
// spec's before_request -> {allowed, remaining, reset_at, retry_after}
// contract.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter is a per-key (typically per-client-IP or per-repo) token
// bucket built on golang.org/x/time/rate, the default limiter the spec
// calls for at every negotiating endpoint.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing rps requests/sec per key,
// with burst headroom.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = lim
	}
	return lim
}

// BeforeRequest consumes one token for key, or reports how long the
// caller must wait.
func (rl *RateLimiter) BeforeRequest(key string) RateDecision {
	lim := rl.limiterFor(key)
	now := time.Now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return RateDecision{Allowed: false}
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return RateDecision{
			Allowed:    false,
			RetryAfter: delay,
			ResetAt:    now.Add(delay),
		}
	}
	return RateDecision{
		Allowed:   true,
		Remaining: int(lim.Tokens()),
	}
}
