package interfaces

import "autonomous-trader/internal/types"

// Notifier delivers loop events to external sinks. Emit must never block
// the caller; implementations drop when saturated.
type Notifier interface {
	Emit(event types.Event)
	Close()
}
