// Package agent defines the abstract session/adapter contract the executor
// drives: create, resume, destroy, send (streaming), list, delete, plus the
// event stream a session emits. Concrete backend bindings are adapters
// registered under their own packages; this package only fixes the shape
// they must implement.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventKind is the closed set of event kinds the executor understands.
// Dynamic event-type dispatch in a duck-typed backend SDK becomes this enum.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionIdle        EventKind = "session_idle"
	EventSessionError       EventKind = "session_error"
	EventSessionTruncation  EventKind = "session_truncation"
	EventTurnStart          EventKind = "turn_start"
	EventTurnEnd            EventKind = "turn_end"
	EventMessage            EventKind = "message"
	EventMessageDelta       EventKind = "message_delta"
	EventReasoning          EventKind = "reasoning"
	EventUsage              EventKind = "usage"
	EventToolStart          EventKind = "tool_start"
	EventToolComplete       EventKind = "tool_complete"
	EventCompactionStart    EventKind = "compaction_start"
	EventCompactionComplete EventKind = "compaction_complete"
	EventAbort              EventKind = "abort"
	EventHandoff            EventKind = "handoff"
	EventModelChange        EventKind = "model_change"
)

// UsageSync is returned alongside every Send and carries the backend's own
// token accounting. The executor stores it unconditionally — no path
// computes usage from message text.
type UsageSync struct {
	UsedTokens int
	MaxTokens  int
}

// QuotaSnapshot mirrors the backend's rate/quota reporting.
type QuotaSnapshot struct {
	RemainingPercentage    float64
	ResetDate              time.Time
	UsedRequests           int
	EntitlementRequests    int
	IsUnlimitedEntitlement bool
}

// Event is one item in a session's event stream.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	SessionID string

	// Message/delta/reasoning payload.
	Text    string
	Partial bool

	// Tool execution.
	ToolCallID string
	ToolName   string

	// Usage/quota (EventUsage).
	Usage *UsageSync
	Quota *QuotaSnapshot

	// Error (EventSessionError).
	ErrorCode    string
	ErrorMessage string

	// Compaction (EventCompactionStart/Complete).
	CompactionPreTokens  int
	CompactionPostTokens int
	SummaryContent       string

	// Model change.
	Model string
}

// IsRateLimit reports whether this event signals a rate limit per §7's
// detection rule: error code 429, the phrase "rate limit" in the message,
// or an explicit rate_limit error code.
func (e Event) IsRateLimit() bool {
	if e.Kind != EventSessionError {
		return false
	}
	if e.ErrorCode == "429" || e.ErrorCode == "rate_limit" {
		return true
	}
	return containsFold(e.ErrorMessage, "rate limit")
}

func containsFold(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	ls, lsub := foldASCII(s), foldASCII(substr)
	for i := 0; i+len(lsub) <= len(ls); i++ {
		if ls[i:i+len(lsub)] == lsub {
			return true
		}
	}
	return false
}

func foldASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// EventHandler observes a session's event stream. Handlers must be
// side-effect-only (mutate stats, never call back into Send).
type EventHandler func(Event)

// Response is the full text and final usage of one Send call.
type Response struct {
	Text  string
	Usage UsageSync
}

// SessionConfig parameterizes session creation/resumption.
type SessionConfig struct {
	Model                         string
	Streaming                     bool
	InfiniteSessions              bool
	BackgroundCompactionThreshold int // percent
	BufferExhaustionThreshold     int // percent
	SessionNameHint               string
}

// SessionInfo is one entry of Adapter.ListSessions.
type SessionInfo struct {
	ID           string
	StartTime    time.Time
	ModifiedTime time.Time
	Summary      string
	IsRemote     bool
}

// Session is the uniform per-conversation handle the executor drives.
type Session interface {
	ID() string
	Send(ctx context.Context, text string) (Response, error)
	ContextUsage() (used, max int)

	// On registers handler exactly once over the session's lifetime (the
	// register-once invariant). Subsequent calls are no-ops.
	On(handler EventHandler)
}

// Adapter binds the uniform session operations to a specific AI backend.
// Concrete adapters live outside this package; the executor only depends
// on this interface.
type Adapter interface {
	CreateSession(ctx context.Context, cfg SessionConfig) (Session, error)
	ResumeSession(ctx context.Context, id string, cfg SessionConfig) (Session, error)
	DestroySession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	DeleteSession(ctx context.Context, id string) error
}

// BaseSession provides the register-once handler slot so concrete sessions
// (including adapters built outside this package) don't have to reimplement
// the write-once guard themselves. Embed it and call Emit to fan out events.
type BaseSession struct {
	mu          sync.Mutex
	handlerOnce sync.Once
	handler     EventHandler
	onDebug     func(msg string) // optional, for re-registration logging
}

// On implements the register-once invariant: the first call wins, every
// later call is a silent no-op (logged at debug via onDebug if set).
func (b *BaseSession) On(handler EventHandler) {
	registered := false
	b.handlerOnce.Do(func() {
		b.mu.Lock()
		b.handler = handler
		b.mu.Unlock()
		registered = true
	})
	if !registered && b.onDebug != nil {
		b.onDebug("session: handler already registered, ignoring re-registration")
	}
}

// SetDebugLogger installs the callback On uses to report a rejected
// re-registration attempt.
func (b *BaseSession) SetDebugLogger(f func(string)) {
	b.onDebug = f
}

// Emit dispatches ev to the registered handler, if any.
func (b *BaseSession) Emit(ev Event) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// ResolveToolName extracts a tool name from a loosely-typed backend payload,
// trying, in order: "tool_name", "name", "tool", then the first entry of
// "tool_requests[].name". Returns "unknown" if none match.
func ResolveToolName(fields map[string]any) string {
	for _, key := range []string{"tool_name", "name", "tool"} {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if reqs, ok := fields["tool_requests"].([]any); ok && len(reqs) > 0 {
		if m, ok := reqs[0].(map[string]any); ok {
			if s, ok := m["name"].(string); ok && s != "" {
				return s
			}
		}
	}
	return "unknown"
}

// ErrSessionTransport is a sentinel for transient session errors the
// executor is allowed to retry once before treating them as fatal.
var ErrSessionTransport = fmt.Errorf("agent: transient session transport error")
