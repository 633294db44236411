package pool

import (
	"strings"
	"time"
)

// Cooldown policy per failure class.
const (
	authCooldown      = 60 * time.Second
	rateLimitCooldown = 60 * time.Second // base, doubles per backoff level
	quotaCooldown     = 24 * time.Hour
	serverCooldown    = 30 * time.Second
	networkCooldown   = 15 * time.Second

	maxRateLimitCooldown = time.Hour
	maxBackoffShift      = 10 // 60s << 10 already exceeds the cap
)

// rateLimitTokens are body fragments that mark a response as rate limiting
// regardless of its status code. Some providers return 400 or 200-shaped
// errors for exhausted quotas.
var rateLimitTokens = []string{"rate limit", "quota", "insufficient_quota", "unavailable"}

// Verdict is the classified outcome of an upstream failure.
type Verdict struct {
	// Retryable means the pipeline should mark the connection failed and
	// try the next credential. Terminal verdicts surface to the client.
	Retryable bool

	// RateLimit marks the 429 class whose cooldown doubles per backoff
	// level and which triggers model locks on multi-bucket providers.
	RateLimit bool

	// Code is the normalised status code; 0 for network errors.
	Code int

	// Cooldown is the base cooldown before backoff scaling.
	Cooldown time.Duration

	// Message is a trimmed copy of the upstream error body.
	Message string
}

// Classify maps an upstream status code and error body to a Verdict.
// status 0 means the request never produced a response (network error).
func Classify(status int, body string) Verdict {
	msg := compactMessage(body)

	if status == 0 {
		return Verdict{Retryable: true, Code: 0, Cooldown: networkCooldown, Message: msg}
	}

	if status == 429 || hasRateLimitToken(body) {
		return Verdict{Retryable: true, RateLimit: true, Code: 429, Cooldown: rateLimitCooldown, Message: msg}
	}

	switch {
	case status == 401 || status == 403:
		return Verdict{Retryable: true, Code: status, Cooldown: authCooldown, Message: msg}
	case status == 402:
		return Verdict{Retryable: true, Code: status, Cooldown: quotaCooldown, Message: msg}
	case status >= 500:
		return Verdict{Retryable: true, Code: status, Cooldown: serverCooldown, Message: msg}
	default:
		return Verdict{Retryable: false, Code: status, Message: msg}
	}
}

// CooldownFor returns the effective cooldown at the given backoff level.
// Only the rate-limit class scales; everything else is fixed.
func (v Verdict) CooldownFor(level int) time.Duration {
	if !v.RateLimit {
		return v.Cooldown
	}
	if level < 0 {
		level = 0
	}
	if level > maxBackoffShift {
		level = maxBackoffShift
	}
	d := v.Cooldown << uint(level)
	if d <= 0 || d > maxRateLimitCooldown {
		return maxRateLimitCooldown
	}
	return d
}

func hasRateLimitToken(body string) bool {
	lower := strings.ToLower(body)
	for _, tok := range rateLimitTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// compactMessage collapses whitespace and bounds the stored error text so a
// multi-kilobyte HTML error page does not bloat the machine document.
func compactMessage(body string) string {
	msg := strings.Join(strings.Fields(body), " ")
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
