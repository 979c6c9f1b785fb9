// Package router decides whether a webhook is a push to the target branch.
package router

import (
	"github.com/austindbirch/pushtrigger/internal/config"
	"github.com/austindbirch/pushtrigger/internal/payload"
)

// PushEvent is the X-GitHub-Event value for branch pushes
const PushEvent = "push"

type Outcome int

const (
	Ignored Outcome = iota
	Matched
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Route returns Matched only for a push whose body references the
// configured target branch. Everything else is Ignored.
func Route(eventType string, body []byte, cfg config.Listener) Outcome {
	if eventType != PushEvent {
		return Ignored
	}
	if !payload.RefMatches(body, cfg.TargetBranch) {
		return Ignored
	}
	return Matched
}
