package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"admin-security/internal/metrics"
	"admin-security/internal/models"
	"admin-security/internal/util"

	"go.uber.org/zap"
)

type Reason string

const (
	ReasonAllowed     Reason = "ALLOWED"
	ReasonRateLimited Reason = "RATE_LIMITED"
	ReasonBot         Reason = "BOT_DETECTED"
	ReasonOrigin      Reason = "ORIGIN_REJECTED"
	ReasonUnavailable Reason = "GUARD_UNAVAILABLE"
)

// Verdict is the outcome of screening one request.
type Verdict struct {
	Allowed    bool
	Reason     Reason
	Detail     string
	RetryAfter time.Duration
	ClientIP   string
	RouteClass RouteClass
}

// EventRecorder receives audit events for denied requests.
type EventRecorder interface {
	Ingest(ctx context.Context, event *models.AuditEvent) (*models.AuditEvent, error)
}

type Guard struct {
	limiter  *RateLimiter
	bots     *BotDetector
	ips      *ClientIPResolver
	recorder EventRecorder
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Guard)

func WithRecorder(r EventRecorder) Option {
	return func(g *Guard) { g.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

func New(limiter *RateLimiter, bots *BotDetector, ips *ClientIPResolver, opts ...Option) *Guard {
	g := &Guard{
		limiter: limiter,
		bots:    bots,
		ips:     ips,
		now:     time.Now,
		logger:  util.Named("guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check screens r in fixed order: rate limit, bot heuristic, origin. The
// first failing stage decides.
func (g *Guard) Check(r *http.Request) Verdict {
	ctx := r.Context()
	now := g.now()
	clientIP := g.ips.Resolve(r)
	v := Verdict{ClientIP: clientIP, RouteClass: g.limiter.Classify(r.URL.Path)}

	rate, err := g.limiter.Allow(ctx, clientIP, r.URL.Path, now)
	if err != nil {
		g.logger.Error("Rate limit check failed", zap.String("client_ip", clientIP), zap.Error(err))
		v.Reason = ReasonUnavailable
		return v
	}
	if !rate.Allowed {
		v.Reason = ReasonRateLimited
		v.RetryAfter = rate.RetryAfter
		v.RouteClass = rate.Class
		v.Detail = string(rate.Class)
		g.record(ctx, r, v, models.EventRateLimitExceeded)
		return v
	}

	if reason := g.bots.Check(r.UserAgent(), r.URL.Path); reason != "" {
		v.Reason = ReasonBot
		v.Detail = reason
		g.record(ctx, r, v, models.EventSuspiciousRequest)
		return v
	}

	if reason := CheckOrigin(r); reason != "" {
		v.Reason = ReasonOrigin
		v.Detail = reason
		g.record(ctx, r, v, models.EventCSRFRejected)
		return v
	}

	v.Allowed = true
	v.Reason = ReasonAllowed
	return v
}

func (g *Guard) record(ctx context.Context, r *http.Request, v Verdict, eventType models.EventType) {
	if g.recorder == nil {
		return
	}
	details := map[string]string{
		"reason":      v.Detail,
		"method":      r.Method,
		"route_class": string(v.RouteClass),
	}
	if v.RetryAfter > 0 {
		details["retry_after"] = strconv.Itoa(int(v.RetryAfter / time.Second))
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		details["origin"] = origin
	}
	_, err := g.recorder.Ingest(ctx, &models.AuditEvent{
		Type:      eventType,
		IP:        v.ClientIP,
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Action:    "request_guard",
		Details:   details,
	})
	if err != nil {
		g.logger.Warn("Failed to record guard denial", zap.String("type", string(eventType)), zap.Error(err))
	}
}

// Expire prunes lapsed rate windows.
func (g *Guard) Expire(ctx context.Context) (int, error) {
	return g.limiter.Expire(ctx, g.now())
}

type ctxKey struct{}

// ClientIP returns the address resolved by the guard middleware.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ip)
}

// Middleware rejects denied requests with 429 (rate limited), 503 (store
// unavailable) or 403 (bot, origin).
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := g.Check(r)
		metrics.GuardDecisions.WithLabelValues(outcome(v), string(v.RouteClass)).Inc()

		if v.Allowed {
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), v.ClientIP)))
			return
		}

		g.logger.Info("Request rejected by guard",
			zap.String("reason", string(v.Reason)),
			zap.String("detail", v.Detail),
			zap.String("client_ip", v.ClientIP),
			zap.String("path", r.URL.Path),
		)

		status := http.StatusForbidden
		switch v.Reason {
		case ReasonRateLimited:
			status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", strconv.Itoa(int(v.RetryAfter/time.Second)))
		case ReasonUnavailable:
			status = http.StatusServiceUnavailable
		}
		writeDenial(w, status, v)
	})
}

func outcome(v Verdict) string {
	if v.Allowed {
		return "allowed"
	}
	return string(v.Reason)
}

type denialBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeDenial(w http.ResponseWriter, status int, v Verdict) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := denialBody{Error: string(v.Reason)}
	switch v.Reason {
	case ReasonRateLimited:
		body.Message = "too many requests"
	case ReasonUnavailable:
		body.Message = "temporarily unavailable"
	default:
		body.Message = "request rejected"
	}
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		util.Debug("Failed to write guard denial", zap.Error(err))
	}
}
