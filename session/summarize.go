package session

import (
	"context"
	"fmt"

	"github.com/bewest/sdqctl/agent"
)

// DefaultSummarizer drives the client-side compaction fallback by sending a
// "/compact" turn to the session and reading ContextUsage before and after,
// matching how an INFINITE-SESSIONS-disabled adapter is expected to support
// compaction: a plain prompt, not a dedicated API call.
func DefaultSummarizer(ctx context.Context, s agent.Session) (summary string, preTokens, postTokens int, err error) {
	pre, _ := s.ContextUsage()
	resp, err := s.Send(ctx, "/compact")
	if err != nil {
		return "", pre, pre, fmt.Errorf("session: default summarizer: %w", err)
	}
	post, _ := s.ContextUsage()
	return resp.Text, pre, post, nil
}
