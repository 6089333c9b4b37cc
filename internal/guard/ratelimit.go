package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"admin-security/internal/models"
)

var ErrRateStoreUnavailable = errors.New("rate limit store unavailable")

type RouteClass string

const (
	ClassAuth   RouteClass = "auth"
	ClassAPI    RouteClass = "api"
	ClassGlobal RouteClass = "global"
)

type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimitStore keeps fixed-window counters. Increment must be atomic per key.
type RateLimitStore interface {
	Get(ctx context.Context, key string, now time.Time) (models.RateWindow, bool, error)
	// Increment adds one hit, opening a new window of length window when the
	// current one is absent or lapsed, and returns the updated window.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (models.RateWindow, error)
	// Expire drops lapsed windows and reports how many were removed.
	Expire(ctx context.Context, now time.Time) (int, error)
}

// MemoryRateStore is a mutex-guarded in-process RateLimitStore.
type MemoryRateStore struct {
	mu      sync.Mutex
	windows map[string]models.RateWindow
}

func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{windows: make(map[string]models.RateWindow)}
}

func (s *MemoryRateStore) Get(ctx context.Context, key string, now time.Time) (models.RateWindow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		return models.RateWindow{}, false, nil
	}
	return w, true, nil
}

func (s *MemoryRateStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (models.RateWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		w = models.RateWindow{Key: key, ResetAt: now.Add(window)}
	}
	w.Count++
	s.windows[key] = w
	return w, nil
}

func (s *MemoryRateStore) Expire(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.ResetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryRateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

type RateLimiterConfig struct {
	Auth         Rule
	API          Rule
	Global       Rule
	AuthPrefixes []string
	APIPrefixes  []string
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Auth:         Rule{MaxRequests: 5, Window: 15 * time.Minute},
		API:          Rule{MaxRequests: 100, Window: time.Minute},
		Global:       Rule{MaxRequests: 300, Window: time.Minute},
		AuthPrefixes: []string{"/api/v1/auth", "/api/v1/admin/mfa"},
		APIPrefixes:  []string{"/api/"},
	}
}

// RateDecision is the outcome of counting one request.
type RateDecision struct {
	Allowed    bool
	Class      RouteClass
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type RateLimiter struct {
	store RateLimitStore
	cfg   RateLimiterConfig
}

func NewRateLimiter(store RateLimitStore, cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{store: store, cfg: cfg}
}

// Classify maps a path to its specific route class, or global when none applies.
func (l *RateLimiter) Classify(path string) RouteClass {
	for _, p := range l.cfg.AuthPrefixes {
		if strings.HasPrefix(path, p) {
			return ClassAuth
		}
	}
	for _, p := range l.cfg.APIPrefixes {
		if strings.HasPrefix(path, p) {
			return ClassAPI
		}
	}
	return ClassGlobal
}

func (l *RateLimiter) rule(class RouteClass) Rule {
	switch class {
	case ClassAuth:
		return l.cfg.Auth
	case ClassAPI:
		return l.cfg.API
	default:
		return l.cfg.Global
	}
}

func rateKey(clientID string, class RouteClass) string {
	return string(class) + ":" + clientID
}

// Allow counts the request against the global window and its specific class.
func (l *RateLimiter) Allow(ctx context.Context, clientID, path string, now time.Time) (RateDecision, error) {
	class := l.Classify(path)
	classes := []RouteClass{ClassGlobal}
	if class != ClassGlobal {
		classes = append(classes, class)
	}

	decision := RateDecision{Allowed: true, Class: class}
	for _, c := range classes {
		rule := l.rule(c)
		if rule.MaxRequests <= 0 || rule.Window <= 0 {
			continue
		}
		w, err := l.store.Increment(ctx, rateKey(clientID, c), rule.Window, now)
		if err != nil {
			return RateDecision{Class: class}, fmt.Errorf("%w: %v", ErrRateStoreUnavailable, err)
		}
		remaining := rule.MaxRequests - int(w.Count)
		if remaining < 0 {
			remaining = 0
		}
		if c == class && decision.Allowed {
			decision.Limit = rule.MaxRequests
			decision.Remaining = remaining
		}
		if w.Count > int64(rule.MaxRequests) {
			retry := RetryAfter(w.ResetAt, now)
			if decision.Allowed || retry > decision.RetryAfter {
				decision.RetryAfter = retry
			}
			decision.Allowed = false
			decision.Class = c
			decision.Limit = rule.MaxRequests
			decision.Remaining = 0
		}
	}
	return decision, nil
}

// Expire prunes lapsed windows.
func (l *RateLimiter) Expire(ctx context.Context, now time.Time) (int, error) {
	return l.store.Expire(ctx, now)
}

// RetryAfter rounds the time to reset up to whole seconds, never below one.
func RetryAfter(resetAt, now time.Time) time.Duration {
	secs := math.Ceil(resetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
