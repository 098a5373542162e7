// Package session accumulates per-session statistics synced from the agent
// event stream, detects runaway loops, and drives the three-tier compaction
// policy. It is deliberately independent of any concrete agent.Adapter: the
// executor feeds it agent.Event values and reads its snapshots back.
package session

import (
	"sync"
	"time"

	"github.com/bewest/sdqctl/agent"
)

// CompactionEvent records one compaction cycle's effect on token usage.
type CompactionEvent struct {
	PreTokens      int
	PostTokens     int
	SummaryContent string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// TokenDelta is PostTokens - PreTokens (negative means the compaction
// actually shrank the session).
func (c CompactionEvent) TokenDelta() int { return c.PostTokens - c.PreTokens }

// Effective reports whether the compaction reduced token usage.
func (c CompactionEvent) Effective() bool { return c.TokenDelta() < 0 }

// QuotaSnapshot mirrors agent.QuotaSnapshot for storage in Stats.
type QuotaSnapshot = agent.QuotaSnapshot

// Stats is the mutable per-session accounting object: written by the event
// handler (via Sync/RecordX methods), read by the executor. Reads of the
// whole struct must go through Snapshot, which takes the lock once.
type Stats struct {
	mu sync.Mutex

	TurnCount    int
	RequestCount int

	UsedTokens int
	MaxTokens  int

	InputTokens  int
	OutputTokens int
	CacheTokens  int

	ContextUsed int
	ContextMax  int

	Compactions []CompactionEvent

	ToolTimings   map[string][]time.Duration
	ToolCallCount map[string]int // [EXPANSION] count per tool name

	Quota *QuotaSnapshot

	RateLimited        bool
	RateLimitedMessage string

	SessionStart time.Time

	lastResponses []string // ring buffer for loop detection, most recent last
}

// NewStats returns a zero Stats ready for use.
func NewStats() *Stats {
	return &Stats{
		ToolTimings:   map[string][]time.Duration{},
		ToolCallCount: map[string]int{},
		SessionStart:  time.Now(),
	}
}

// SyncUsage records the backend's authoritative token usage after a turn.
// This is the only path that updates UsedTokens/MaxTokens: no heuristic
// ever estimates usage from message text.
func (s *Stats) SyncUsage(u agent.UsageSync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UsedTokens = u.UsedTokens
	s.MaxTokens = u.MaxTokens
}

// RecordTurn increments the turn/request counters.
func (s *Stats) RecordTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TurnCount++
	s.RequestCount++
}

// RecordResponse appends the agent's full message text for this turn to the
// rolling window the loop detector inspects, keeping only the last K.
func (s *Stats) RecordResponse(text string, window int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResponses = append(s.lastResponses, text)
	if len(s.lastResponses) > window {
		s.lastResponses = s.lastResponses[len(s.lastResponses)-window:]
	}
}

// RecentResponses returns a copy of the current rolling response window.
func (s *Stats) RecentResponses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lastResponses))
	copy(out, s.lastResponses)
	return out
}

// RecordToolCall records one completed tool invocation's duration and bumps
// its call count.
func (s *Stats) RecordToolCall(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolTimings[name] = append(s.ToolTimings[name], d)
	s.ToolCallCount[name]++
}

// RecordCompaction appends a compaction event.
func (s *Stats) RecordCompaction(ev CompactionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Compactions = append(s.Compactions, ev)
}

// SetQuota records the latest quota snapshot.
func (s *Stats) SetQuota(q QuotaSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Quota = &q
}

// SetRateLimited marks the session rate-limited with a human-readable
// message, used by the checkpoint store's reason_for_pause field.
func (s *Stats) SetRateLimited(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RateLimited = true
	s.RateLimitedMessage = msg
}

// UsedPercent returns used/max as a 0-100 percentage, or 0 if max is unset.
func (s *Stats) UsedPercent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxTokens <= 0 {
		return 0
	}
	return s.UsedTokens * 100 / s.MaxTokens
}

// CompactionEffectiveness returns sum(post)/sum(pre) across all recorded
// compactions. Values above 1 indicate over-preservation. Returns 0 if no
// compaction has occurred.
func (s *Stats) CompactionEffectiveness() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pre, post float64
	for _, c := range s.Compactions {
		pre += float64(c.PreTokens)
		post += float64(c.PostTokens)
	}
	if pre == 0 {
		return 0
	}
	return post / pre
}

// Snapshot is an immutable copy of Stats safe to read without the lock.
type Snapshot struct {
	TurnCount          int
	RequestCount       int
	UsedTokens         int
	MaxTokens          int
	Compactions        []CompactionEvent
	ToolCallCount      map[string]int
	Quota              *QuotaSnapshot
	RateLimited        bool
	RateLimitedMessage string
	SessionStart       time.Time
}

// Snapshot takes the lock once and returns a consistent point-in-time copy.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	toolCounts := make(map[string]int, len(s.ToolCallCount))
	for k, v := range s.ToolCallCount {
		toolCounts[k] = v
	}
	compactions := make([]CompactionEvent, len(s.Compactions))
	copy(compactions, s.Compactions)
	return Snapshot{
		TurnCount:          s.TurnCount,
		RequestCount:       s.RequestCount,
		UsedTokens:         s.UsedTokens,
		MaxTokens:          s.MaxTokens,
		Compactions:        compactions,
		ToolCallCount:      toolCounts,
		Quota:              s.Quota,
		RateLimited:        s.RateLimited,
		RateLimitedMessage: s.RateLimitedMessage,
		SessionStart:       s.SessionStart,
	}
}
