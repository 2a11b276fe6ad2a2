package agent

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/ashureev/medquery/internal/account"
	"github.com/ashureev/medquery/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	created []string
	deleted []string
	live    map[string]bool
	failOn  string
	gate    chan struct{}
	holds   map[string]*ensureHold
}

// ensureHold parks the next EnsureSession for one user until released.
type ensureHold struct {
	entered chan struct{}
	release chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{live: make(map[string]bool), holds: make(map[string]*ensureHold)}
}

func (s *fakeStore) holdEnsure(userID string) *ensureHold {
	h := &ensureHold{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[userID] = h
	s.mu.Unlock()
	return h
}

func (s *fakeStore) EnsureSession(_ context.Context, userID string, sessionID string) error {
	s.mu.Lock()
	h := s.holds[userID]
	delete(s.holds, userID)
	s.mu.Unlock()
	if h != nil {
		close(h.entered)
		<-h.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == "ensure" {
		return context.DeadlineExceeded
	}
	if !s.live[sessionID] {
		s.created = append(s.created, sessionID)
		s.live[sessionID] = true
	}
	return nil
}

func (s *fakeStore) DeleteSession(_ context.Context, _ string, sessionID string) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, sessionID)
	delete(s.live, sessionID)
	return nil
}

func (s *fakeStore) isLive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID]
}

func (s *fakeStore) counts() (created, deleted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created), len(s.deleted)
}

type fakeRuntime struct {
	mu     sync.Mutex
	events []RuntimeEvent
	err    error
	reqs   []RunRequest
}

func (r *fakeRuntime) Run(_ context.Context, req RunRequest) iter.Seq2[RuntimeEvent, error] {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	events, err := r.events, r.err
	r.mu.Unlock()

	return func(yield func(RuntimeEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		if err != nil {
			yield(RuntimeEvent{}, err)
		}
	}
}

func (r *fakeRuntime) lastRequest() RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[len(r.reqs)-1]
}

// panicRuntime announces an agent and then panics mid-turn.
type panicRuntime struct{}

func (panicRuntime) Run(context.Context, RunRequest) iter.Seq2[RuntimeEvent, error] {
	return func(yield func(RuntimeEvent, error) bool) {
		if !yield(RuntimeEvent{Kind: EventAgentUpdated, AgentName: "Lead_Research_Agent"}, nil) {
			return
		}
		panic("model adapter exploded")
	}
}

type fakeUsers map[string]*domain.User

func (u fakeUsers) Lookup(_ context.Context, email string) (*domain.User, error) {
	if user, ok := u[strings.ToLower(email)]; ok {
		return user, nil
	}
	return nil, account.ErrUserNotFound
}

func answerScript(text string) []RuntimeEvent {
	return []RuntimeEvent{
		{Kind: EventAgentUpdated, AgentName: "Requirement_Gathering_Agent"},
		{Kind: EventToolCall, ToolName: ToolWebSearch, ToolArgs: `{"query":"migraine triggers"}`},
		{Kind: EventToolOutput, ToolName: ToolWebSearch, ToolOutput: `{"results":[]}`},
		{Kind: EventMessage, Text: text},
	}
}

func askScript(question string) []RuntimeEvent {
	return []RuntimeEvent{
		{Kind: EventAgentUpdated, AgentName: "Requirement_Gathering_Agent"},
		{Kind: EventToolCall, ToolName: ToolQuestionFromUser, ToolArgs: `{"question":"` + question + `"}`},
		{Kind: EventToolOutput, ToolName: ToolQuestionFromUser, ToolOutput: `{"type":"ask_user","question":"` + question + `"}`},
	}
}

func newTestService(rt Runtime, st *fakeStore) *Service {
	return NewService(ServiceConfig{
		Runtime:  rt,
		Sessions: NewSessionManager(st, nil),
		Users: fakeUsers{
			"ana@example.com": {Email: "ana@example.com", Name: "Ana", IsDoctor: true},
		},
	})
}
