package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bewest/sdqctl/agent"
)

// CompactionThresholds is the three-tier percentage policy: below Min the
// controller does nothing; at or above Threshold it starts a background
// compaction; at or above Max it blocks the next turn until compaction
// completes.
type CompactionThresholds struct {
	Min       int // default 30
	Threshold int // default 80
	Max       int // default 95
}

// DefaultCompactionThresholds matches the parser's defaults.
func DefaultCompactionThresholds() CompactionThresholds {
	return CompactionThresholds{Min: 30, Threshold: 80, Max: 95}
}

// CompactionAction is what the controller decided to do for a given used%.
type CompactionAction string

const (
	ActionSkip       CompactionAction = "skipped"
	ActionBackground CompactionAction = "background"
	ActionBlocking   CompactionAction = "blocking"
)

// Decide maps a used percentage to the action the controller should take.
func (t CompactionThresholds) Decide(usedPercent int) CompactionAction {
	switch {
	case usedPercent < t.Min:
		return ActionSkip
	case usedPercent >= t.Max:
		return ActionBlocking
	case usedPercent >= t.Threshold:
		return ActionBackground
	default:
		return ActionSkip
	}
}

// Summarizer requests a conversation summary from the agent, conventionally
// via a "/compact" turn or backend-native equivalent.
type Summarizer func(ctx context.Context, s agent.Session) (summary string, preTokens, postTokens int, err error)

// Controller drives the client-side compaction fallback (used when
// INFINITE-SESSIONS is disabled — the backend-native path is handled by the
// executor simply observing session.compaction_start/complete events and
// recording them via Stats.RecordCompaction directly, with no controller
// involvement).
type Controller struct {
	Thresholds     CompactionThresholds
	ResetOnCompact bool
	Summarize      Summarizer
}

// NewController builds a client-side compaction controller.
func NewController(thresholds CompactionThresholds, resetOnCompact bool, summarize Summarizer) *Controller {
	return &Controller{Thresholds: thresholds, ResetOnCompact: resetOnCompact, Summarize: summarize}
}

// MaybeCompact inspects stats' current used% and, per Decide, performs (or
// skips) a compaction. When resetOnCompact is set and a compaction runs,
// the returned summary should be injected as the next session's first-turn
// prologue by the caller (the controller does not itself own session
// lifecycle — that is the executor's job per session-mode policy).
func (c *Controller) MaybeCompact(ctx context.Context, s agent.Session, stats *Stats) (action CompactionAction, summary string, err error) {
	used := stats.UsedPercent()
	action = c.Thresholds.Decide(used)
	if action == ActionSkip {
		return action, "", nil
	}
	if c.Summarize == nil {
		return action, "", fmt.Errorf("session: compaction triggered but no summarizer configured")
	}

	start := time.Now()
	summary, pre, post, err := c.Summarize(ctx, s)
	if err != nil {
		return action, "", fmt.Errorf("session: compaction failed: %w", err)
	}
	stats.RecordCompaction(CompactionEvent{
		PreTokens:      pre,
		PostTokens:     post,
		SummaryContent: summary,
		StartedAt:      start,
		CompletedAt:    time.Now(),
	})
	// Reflect the post-compaction usage immediately so a check run right
	// after this one (end of turn, then end of cycle) sees the reduced
	// percentage instead of re-deciding off stale pre-compaction usage.
	stats.SyncUsage(agent.UsageSync{UsedTokens: post, MaxTokens: stats.Snapshot().MaxTokens})
	return action, summary, nil
}

// RecordBackendCompaction records a backend-native compaction observed via
// the session.compaction_start/complete event pair, with no summarizer
// call and no session reset: the backend already performed the work.
func RecordBackendCompaction(stats *Stats, startEvent, completeEvent agent.Event) {
	stats.RecordCompaction(CompactionEvent{
		PreTokens:      startEvent.CompactionPreTokens,
		PostTokens:     completeEvent.CompactionPostTokens,
		SummaryContent: completeEvent.SummaryContent,
		StartedAt:      startEvent.Timestamp,
		CompletedAt:    completeEvent.Timestamp,
	})
}
