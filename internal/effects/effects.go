// Package effects holds the reactions to a matched push. Each effect runs
// independently; a failure in one never reaches another.
package effects

import (
	"context"
	"time"

	"github.com/austindbirch/pushtrigger/internal/config"
	"github.com/austindbirch/pushtrigger/internal/payload"
)

// Trigger is everything an effect knows about one matched push
type Trigger struct {
	ID         string
	EventType  string
	Config     config.Listener
	Facts      payload.Facts
	ReceivedAt time.Time
}

// Effect is one reaction to a trigger
type Effect interface {
	Name() string
	// Enabled reports whether the effect applies to t at all. A disabled
	// effect is never started.
	Enabled(t Trigger) bool
	Run(ctx context.Context, t Trigger) error
}
