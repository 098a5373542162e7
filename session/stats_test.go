package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bewest/sdqctl/agent"
	"github.com/bewest/sdqctl/session"
)

func TestStatsSyncUsageIsAuthoritative(t *testing.T) {
	s := session.NewStats()
	s.SyncUsage(agent.UsageSync{UsedTokens: 4200, MaxTokens: 8000})
	assert.Equal(t, 52, s.UsedPercent())
}

func TestStatsRecordTurnIncrements(t *testing.T) {
	s := session.NewStats()
	s.RecordTurn()
	s.RecordTurn()
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.TurnCount)
	assert.Equal(t, 2, snap.RequestCount)
}

func TestStatsToolCallCount(t *testing.T) {
	s := session.NewStats()
	s.RecordToolCall("grep", 10*time.Millisecond)
	s.RecordToolCall("grep", 20*time.Millisecond)
	s.RecordToolCall("read", 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.ToolCallCount["grep"])
	assert.Equal(t, 1, snap.ToolCallCount["read"])
}

func TestCompactionEffectiveness(t *testing.T) {
	s := session.NewStats()
	s.RecordCompaction(session.CompactionEvent{PreTokens: 1000, PostTokens: 400})
	s.RecordCompaction(session.CompactionEvent{PreTokens: 500, PostTokens: 600})
	eff := s.CompactionEffectiveness()
	assert.InDelta(t, 1000.0/1500.0, eff, 0.001)
}

func TestCompactionEventEffective(t *testing.T) {
	ev := session.CompactionEvent{PreTokens: 1000, PostTokens: 400}
	assert.True(t, ev.Effective())
	assert.Equal(t, -600, ev.TokenDelta())

	overPreserved := session.CompactionEvent{PreTokens: 400, PostTokens: 500}
	assert.False(t, overPreserved.Effective())
}

func TestRateLimitRecording(t *testing.T) {
	s := session.NewStats()
	s.SetRateLimited("rate limit exceeded")
	snap := s.Snapshot()
	assert.True(t, snap.RateLimited)
	assert.Equal(t, "rate limit exceeded", snap.RateLimitedMessage)
}
