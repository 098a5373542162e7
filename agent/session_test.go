package agent_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/agent"
)

func TestRegisterOnceInvariant(t *testing.T) {
	ad := agent.NewMockAdapter()
	s, err := ad.CreateSession(context.Background(), agent.SessionConfig{})
	require.NoError(t, err)

	var first, second int32
	s.On(func(ev agent.Event) { atomic.AddInt32(&first, 1) })
	s.On(func(ev agent.Event) { atomic.AddInt32(&second, 1) })

	_, err = s.Send(context.Background(), "hello")
	require.NoError(t, err)

	assert.Greater(t, int(atomic.LoadInt32(&first)), 0)
	assert.Equal(t, int32(0), atomic.LoadInt32(&second))
}

func TestMockSessionSendEchoesByDefault(t *testing.T) {
	ad := agent.NewMockAdapter()
	s, err := ad.CreateSession(context.Background(), agent.SessionConfig{})
	require.NoError(t, err)

	resp, err := s.Send(context.Background(), "what is up")
	require.NoError(t, err)
	assert.Equal(t, "what is up", resp.Text)
}

func TestMockSessionScriptedResponses(t *testing.T) {
	ad := agent.NewMockAdapter()
	s, err := ad.CreateSession(context.Background(), agent.SessionConfig{})
	require.NoError(t, err)
	ms := s.(*agent.MockSession)
	ms.Script(
		agent.MockResponse{Text: "first", UsedTokens: 100, MaxTokens: 1000},
		agent.MockResponse{Text: "second", UsedTokens: 200, MaxTokens: 1000},
	)

	resp1, err := s.Send(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "first", resp1.Text)
	used, max := s.ContextUsage()
	assert.Equal(t, 100, used)
	assert.Equal(t, 1000, max)

	resp2, err := s.Send(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "second", resp2.Text)
}

func TestMockSessionPropagatesError(t *testing.T) {
	ad := agent.NewMockAdapter()
	s, err := ad.CreateSession(context.Background(), agent.SessionConfig{})
	require.NoError(t, err)
	ms := s.(*agent.MockSession)
	ms.Script(agent.MockResponse{Err: errors.New("boom")})

	var gotErrorEvent bool
	s.On(func(ev agent.Event) {
		if ev.Kind == agent.EventSessionError {
			gotErrorEvent = true
		}
	})

	_, err = s.Send(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, gotErrorEvent)
}

func TestEventIsRateLimit(t *testing.T) {
	cases := []struct {
		ev   agent.Event
		want bool
	}{
		{agent.Event{Kind: agent.EventSessionError, ErrorCode: "429"}, true},
		{agent.Event{Kind: agent.EventSessionError, ErrorMessage: "Rate Limit exceeded"}, true},
		{agent.Event{Kind: agent.EventSessionError, ErrorCode: "rate_limit"}, true},
		{agent.Event{Kind: agent.EventSessionError, ErrorCode: "500"}, false},
		{agent.Event{Kind: agent.EventMessage, ErrorCode: "429"}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.ev.IsRateLimit())
	}
}

func TestResolveToolName(t *testing.T) {
	assert.Equal(t, "grep", agent.ResolveToolName(map[string]any{"tool_name": "grep"}))
	assert.Equal(t, "grep", agent.ResolveToolName(map[string]any{"name": "grep"}))
	assert.Equal(t, "grep", agent.ResolveToolName(map[string]any{"tool": "grep"}))
	assert.Equal(t, "grep", agent.ResolveToolName(map[string]any{
		"tool_requests": []any{map[string]any{"name": "grep"}},
	}))
	assert.Equal(t, "unknown", agent.ResolveToolName(map[string]any{}))
}
