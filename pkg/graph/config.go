package graph

import (
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// StreamConfig carries per-stream execution settings.
type StreamConfig struct {
	ThreadID  string
	Resources []models.Resource

	MaxPlanIterations int
	MaxStepNum        int
	AutoAcceptedPlan  bool
	InterruptFeedback string
	Locale            string

	EnableBackgroundInvestigation bool
	EnableWebSearch               bool
	EnableDeepThinking            bool
	EnableClarification           bool

	// InterruptBeforeTools lists tool names that must be authorized by a
	// human before execution.
	InterruptBeforeTools []string

	// RecursionLimit caps node entries for this stream. Zero means the
	// configured default; values above the hard cap are clamped.
	RecursionLimit int
}

// effectiveRecursionLimit resolves the per-stream limit against defaults.
func (c StreamConfig) effectiveRecursionLimit(defaultLimit int) int {
	limit := c.RecursionLimit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit <= 0 {
		limit = 25
	}
	if limit > config.MaxRecursionLimit {
		limit = config.MaxRecursionLimit
	}
	return limit
}

// interruptsBefore reports whether a tool requires human authorization.
func (c StreamConfig) interruptsBefore(tool string) bool {
	for _, name := range c.InterruptBeforeTools {
		if name == tool {
			return true
		}
	}
	return false
}
