package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/types"
)

// ErrDecisionUnavailable is returned when every configured backend failed
// for one snapshot.
var ErrDecisionUnavailable = errors.New("decision: all backends failed")

// Config controls the fallback chain.
type Config struct {
	Timeout              time.Duration
	MaxRequestsPerMinute int
}

// Engine walks an ordered backend chain until one produces a valid
// decision. Backend order is fixed at construction.
type Engine struct {
	backends []interfaces.Backend
	cfg      Config
	limiter  *minuteLimiter
}

func NewEngine(backends []interfaces.Backend, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	return &Engine{
		backends: backends,
		cfg:      cfg,
		limiter:  newMinuteLimiter(cfg.MaxRequestsPerMinute),
	}
}

// Decide tries each backend in order. A backend error or malformed
// decision moves the chain on; the first valid decision wins and is
// stamped with its source and the snapshot ID.
func (e *Engine) Decide(ctx context.Context, snap types.FeatureSnapshot) (types.Decision, error) {
	ctx, span := trace.StartSpan(ctx, "decision.Decide")
	defer span.End()

	var lastErr error
	for _, b := range e.backends {
		if remote(b.Name()) && !e.limiter.allow(time.Now()) {
			lastErr = fmt.Errorf("decision: %s skipped, request quota exhausted", b.Name())
			logger.Warn(ctx, "Backend skipped by rate limit", "backend", b.Name())
			continue
		}

		bctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		d, err := b.Decide(bctx, snap)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("decision: backend %s: %w", b.Name(), err)
			logger.Warn(ctx, "Backend failed, falling back", "backend", b.Name(), "error", err.Error())
			continue
		}

		d, err = normalize(d)
		if err != nil {
			lastErr = fmt.Errorf("decision: backend %s: %w", b.Name(), err)
			logger.Warn(ctx, "Backend returned malformed decision", "backend", b.Name(), "error", err.Error())
			continue
		}

		d.ID = uuid.NewString()
		d.SnapshotID = snap.ID
		d.Source = b.Name()
		return d, nil
	}

	if lastErr != nil {
		return types.Decision{}, fmt.Errorf("%w: %v", ErrDecisionUnavailable, lastErr)
	}
	return types.Decision{}, ErrDecisionUnavailable
}

func remote(name string) bool {
	return name != "rule"
}

func normalize(d types.Decision) (types.Decision, error) {
	d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
	switch d.Action {
	case types.ActionBuy, types.ActionSell, types.ActionHold:
	default:
		return d, fmt.Errorf("invalid action %q", d.Action)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return d, fmt.Errorf("confidence %f out of range", d.Confidence)
	}
	if d.RiskScore < 0 || d.RiskScore > 1 {
		return d, fmt.Errorf("risk score %f out of range", d.RiskScore)
	}
	return d, nil
}

// minuteLimiter is a sliding-window request counter.
type minuteLimiter struct {
	mu     sync.Mutex
	max    int
	window []time.Time
}

func newMinuteLimiter(max int) *minuteLimiter {
	return &minuteLimiter{max: max}
}

func (l *minuteLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	keep := l.window[:0]
	for _, t := range l.window {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.window = keep

	if len(l.window) >= l.max {
		return false
	}
	l.window = append(l.window, now)
	return true
}
