package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse scripts one Send call's outcome for MockSession.
type MockResponse struct {
	Text       string
	UsedTokens int
	MaxTokens  int
	Err        error
	Events     []Event // extra events emitted before the terminal response, in order
}

// MockAdapter is a scriptable in-memory Adapter for exercising the executor
// and its collaborators without a live backend, the way a hand-rolled test
// double would stand in for a real LLM client.
type MockAdapter struct {
	mu       sync.Mutex
	sessions map[string]*MockSession
	nextID   int
}

// NewMockAdapter returns an empty MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{sessions: map[string]*MockSession{}}
}

func (a *MockAdapter) CreateSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := fmt.Sprintf("mock-session-%d", a.nextID)
	s := &MockSession{id: id, cfg: cfg, start: time.Now()}
	a.sessions[id] = s
	return s, nil
}

func (a *MockAdapter) ResumeSession(ctx context.Context, id string, cfg SessionConfig) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[id]; ok {
		return s, nil
	}
	s := &MockSession{id: id, cfg: cfg, start: time.Now()}
	a.sessions[id] = s
	return s, nil
}

func (a *MockAdapter) DestroySession(ctx context.Context, s Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, s.ID())
	return nil
}

func (a *MockAdapter) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SessionInfo, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, SessionInfo{ID: s.id, StartTime: s.start, ModifiedTime: s.start})
	}
	return out, nil
}

func (a *MockAdapter) DeleteSession(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
	return nil
}

// MockSession is a scriptable Session: calling Script sets the queue of
// responses Send works through in order; once exhausted, Send echoes the
// input text with zero usage.
type MockSession struct {
	BaseSession
	id    string
	cfg   SessionConfig
	start time.Time

	mu      sync.Mutex
	script  []MockResponse
	sent    []string
	maxTok  int
	usedTok int
}

// Script queues responses for successive Send calls.
func (s *MockSession) Script(responses ...MockResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, responses...)
}

// SentPrompts returns every prompt text passed to Send, in order.
func (s *MockSession) SentPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *MockSession) ID() string { return s.id }

func (s *MockSession) ContextUsage() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedTok, s.maxTok
}

func (s *MockSession) Send(ctx context.Context, text string) (Response, error) {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	var next MockResponse
	if len(s.script) > 0 {
		next, s.script = s.script[0], s.script[1:]
	} else {
		next = MockResponse{Text: text}
	}
	s.mu.Unlock()

	s.Emit(Event{Kind: EventTurnStart, SessionID: s.id, Timestamp: time.Now()})
	for _, ev := range next.Events {
		ev.SessionID = s.id
		s.Emit(ev)
	}
	if next.Err != nil {
		s.Emit(Event{Kind: EventSessionError, SessionID: s.id, ErrorMessage: next.Err.Error()})
		return Response{}, next.Err
	}

	s.mu.Lock()
	if next.MaxTokens > 0 {
		s.maxTok = next.MaxTokens
	}
	s.usedTok = next.UsedTokens
	s.mu.Unlock()

	s.Emit(Event{Kind: EventMessage, SessionID: s.id, Text: next.Text})
	s.Emit(Event{Kind: EventUsage, SessionID: s.id, Usage: &UsageSync{UsedTokens: next.UsedTokens, MaxTokens: next.MaxTokens}})
	s.Emit(Event{Kind: EventTurnEnd, SessionID: s.id, Timestamp: time.Now()})

	return Response{Text: next.Text, Usage: UsageSync{UsedTokens: next.UsedTokens, MaxTokens: next.MaxTokens}}, nil
}
