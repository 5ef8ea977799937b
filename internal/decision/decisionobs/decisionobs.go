package decisionobs

import (
	"context"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/types"
)

// observableBackend wraps a Backend with logging and tracing.
type observableBackend struct {
	backend interfaces.Backend
}

var _ interfaces.Backend = (*observableBackend)(nil)

// Wrap wraps a backend with observability middleware.
func Wrap(backend interfaces.Backend) interfaces.Backend {
	return &observableBackend{backend: backend}
}

func (ob *observableBackend) Name() string { return ob.backend.Name() }

func (ob *observableBackend) Decide(ctx context.Context, snap types.FeatureSnapshot) (types.Decision, error) {
	ctx, span := trace.StartSpan(ctx, "backend.Decide")
	defer span.End()

	// Skip(1) so logs report the actual caller, not this wrapper
	logger.DebugSkip(ctx, 1, "Requesting decision",
		"backend", ob.backend.Name(),
		"symbol", snap.Symbol,
		"close", snap.Close,
		"rsi", snap.Indicators.RSI,
	)

	decision, err := ob.backend.Decide(ctx, snap)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Backend decision failed", err,
			"backend", ob.backend.Name(),
			"symbol", snap.Symbol,
		)
		return types.Decision{}, err
	}

	logger.InfoSkip(ctx, 1, "Backend decision received",
		"backend", ob.backend.Name(),
		"symbol", snap.Symbol,
		"action", decision.Action,
		"confidence", decision.Confidence,
		"reason", decision.Reason,
	)
	return decision, nil
}
