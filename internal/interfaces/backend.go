package interfaces

import (
	"context"

	"autonomous-trader/internal/types"
)

// Backend produces a trading decision from a feature snapshot.
type Backend interface {
	Name() string
	Decide(ctx context.Context, snap types.FeatureSnapshot) (types.Decision, error)
}
