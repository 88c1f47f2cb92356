package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/habitflow/oauthd/storage"
)

// Endpoint names used as rate-limit keys.
const (
	EndpointAuthorize = "authorize"
	EndpointToken     = "token"
	EndpointRegister  = "register"
	EndpointAPI       = "api"
)

// EndpointLimit configures a fixed-window limit for one endpoint.
type EndpointLimit struct {
	Limit  int64
	Window time.Duration
}

// DefaultEndpointLimits returns the standard per-endpoint limits.
func DefaultEndpointLimits() map[string]EndpointLimit {
	return map[string]EndpointLimit{
		EndpointAuthorize: {Limit: 10, Window: time.Minute},
		EndpointToken:     {Limit: 5, Window: time.Minute},
		EndpointRegister:  {Limit: 10, Window: time.Hour},
		EndpointAPI:       {Limit: 1000, Window: time.Hour},
	}
}

// IPIdentifier builds the rate-limit identifier for a client IP.
func IPIdentifier(ip string) string { return "ip:" + ip }

// ClientIdentifier builds the rate-limit identifier for a client application.
func ClientIdentifier(clientID string) string { return "client:" + clientID }

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

// FixedWindowLimiter enforces per-(identifier, endpoint) fixed-window limits
// backed by a shared store, so limits hold across server instances.
//
// Store failures fail OPEN: a broken limiter backend must not take down
// legitimate traffic. The failure itself is logged.
type FixedWindowLimiter struct {
	store  storage.RateLimitStore
	limits map[string]EndpointLimit
	logger *slog.Logger
	now    func() time.Time
}

// NewFixedWindowLimiter creates a fixed-window limiter. A nil limits map uses
// DefaultEndpointLimits.
func NewFixedWindowLimiter(store storage.RateLimitStore, limits map[string]EndpointLimit, logger *slog.Logger) *FixedWindowLimiter {
	if limits == nil {
		limits = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FixedWindowLimiter{
		store:  store,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// Check reads the current window's count and compares it to the endpoint's
// limit without incrementing. Endpoints without a configured limit are
// always allowed.
func (l *FixedWindowLimiter) Check(ctx context.Context, identifier, endpoint string) Decision {
	cfg, ok := l.limits[endpoint]
	if !ok {
		return Decision{Allowed: true}
	}

	now := l.now().UTC()
	// Window boundaries aligned to now - (now mod window).
	windowStart := now.Truncate(cfg.Window)
	resetAt := windowStart.Add(cfg.Window)

	count, err := l.store.GetWindowCount(ctx, identifier, endpoint, windowStart)
	if err != nil {
		l.logger.Warn("Rate limit check failed, failing open",
			"identifier", identifier,
			"endpoint", endpoint,
			"error", err)
		return Decision{Allowed: true, Remaining: cfg.Limit, ResetAt: resetAt}
	}

	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count >= cfg.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// Record increments the current window's counter for an allowed request.
// Called only after the request has been admitted. Failures are logged and
// otherwise ignored (the next Check simply sees a slightly lower count).
func (l *FixedWindowLimiter) Record(ctx context.Context, identifier, endpoint string) {
	cfg, ok := l.limits[endpoint]
	if !ok {
		return
	}

	windowStart := l.now().UTC().Truncate(cfg.Window)
	// Keep the record around for two windows so a Check racing the boundary
	// still finds it; after that it is garbage.
	if _, err := l.store.IncrementWindow(ctx, identifier, endpoint, windowStart, 2*cfg.Window); err != nil {
		l.logger.Warn("Rate limit increment failed",
			"identifier", identifier,
			"endpoint", endpoint,
			"error", err)
	}
}

// EventLimiter is an in-process token-bucket limiter used to throttle
// security-event logging during attack storms (for example a flood of
// authorization-code replays), so the audit path cannot be turned into a
// log-flooding DoS vector. It is deliberately process-local: approximate
// suppression is fine here.
type EventLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*eventBucket
	rate       rate.Limit
	burst      int
	maxIdle    time.Duration
	lastPruned time.Time
}

type eventBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewEventLimiter creates an event limiter allowing eventsPerSecond sustained
// with the given burst per identifier.
func NewEventLimiter(eventsPerSecond float64, burst int) *EventLimiter {
	return &EventLimiter{
		buckets:    make(map[string]*eventBucket),
		rate:       rate.Limit(eventsPerSecond),
		burst:      burst,
		maxIdle:    30 * time.Minute,
		lastPruned: time.Now(),
	}
}

// Allow reports whether an event for the identifier may be logged now.
func (e *EventLimiter) Allow(identifier string) bool {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Prune idle buckets opportunistically instead of running a goroutine.
	if now.Sub(e.lastPruned) > e.maxIdle {
		for id, b := range e.buckets {
			if now.Sub(b.lastSeen) > e.maxIdle {
				delete(e.buckets, id)
			}
		}
		e.lastPruned = now
	}

	b, ok := e.buckets[identifier]
	if !ok {
		b = &eventBucket{limiter: rate.NewLimiter(e.rate, e.burst)}
		e.buckets[identifier] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
