package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/medquery/internal/identity"
	"github.com/ashureev/medquery/internal/pending"
)

func collect(svc *Service, turn Turn) []Envelope {
	var out []Envelope
	for env := range svc.Run(context.Background(), turn) {
		out = append(out, env)
	}
	return out
}

func types(envs []Envelope) []EnvelopeType {
	out := make([]EnvelopeType, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func TestServiceRunAnswerClearsSession(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	rt := &fakeRuntime{events: answerScript("- rest\n- hydrate")}
	svc := newTestService(rt, st)

	envs := collect(svc, Turn{Email: "ana@example.com", Input: "migraine", Channel: ChannelHTTP})
	svc.Sessions().Wait()

	require.Equal(t, []EnvelopeType{EnvelopeAgentUpdate, EnvelopeToolCall, EnvelopeAnswer}, types(envs))
	assert.Equal(t, "🔍 Searching for: migraine triggers", envs[1].Output)
	assert.Equal(t, "- rest\n- hydrate", envs[2].Output)
	assert.False(t, svc.Sessions().Has("ana@example.com"))
	assert.False(t, st.isLive(identity.SessionKey("ana@example.com")))
}

func TestServiceRunPassesUserContext(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{events: answerScript("ok")}
	svc := newTestService(rt, newFakeStore())

	collect(svc, Turn{Email: " ANA@example.com", Input: "statins", DeepSearch: true, Doctor: false})
	svc.Sessions().Wait()

	req := rt.lastRequest()
	assert.Equal(t, "ana@example.com", req.UserID)
	assert.Equal(t, "user_ana_example_com", req.SessionID)
	assert.Equal(t, "statins", req.Input)
	assert.Equal(t, "Ana", req.User.Name)
	assert.True(t, req.User.DeepSearch)
	assert.False(t, req.User.Doctor, "the per-turn flag wins over the stored profile")
}

func TestServiceRunAskUserKeepsHistory(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	store := pending.NewMemoryStore(0)
	svc := NewService(ServiceConfig{
		Runtime:  &fakeRuntime{events: askScript("How old are you?")},
		Sessions: NewSessionManager(st, nil),
		Users:    fakeUsers{"ana@example.com": {Email: "ana@example.com", Name: "Ana"}},
		Pending:  store,
	})

	envs := collect(svc, Turn{Email: "ana@example.com", Input: "chest pain"})
	svc.Sessions().Wait()

	require.Equal(t, []EnvelopeType{EnvelopeAgentUpdate, EnvelopeToolCall, EnvelopeAskUser}, types(envs))
	assert.Equal(t, "How old are you?", envs[2].Question)
	assert.False(t, svc.Sessions().Has("ana@example.com"))
	assert.True(t, st.isLive(identity.SessionKey("ana@example.com")))

	question, ok, err := store.Take(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "How old are you?", question)
}

func TestServiceRunUnknownUser(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{events: answerScript("never")}
	svc := newTestService(rt, newFakeStore())

	envs := collect(svc, Turn{Email: "ghost@example.com", Input: "hi"})
	svc.Sessions().Wait()

	require.Len(t, envs, 1)
	assert.Equal(t, EnvelopeError, envs[0].Type)
	assert.Equal(t, "Error occurred: user not found", envs[0].Output)
	assert.Empty(t, rt.reqs)
}

func TestServiceRunRuntimeError(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	rt := &fakeRuntime{
		events: []RuntimeEvent{{Kind: EventAgentUpdated, AgentName: "Requirement_Gathering_Agent"}},
		err:    errors.New("model unavailable"),
	}
	svc := newTestService(rt, st)

	envs := collect(svc, Turn{Email: "ana@example.com", Input: "hi"})
	svc.Sessions().Wait()

	require.Equal(t, []EnvelopeType{EnvelopeAgentUpdate, EnvelopeError}, types(envs))
	assert.Equal(t, "Error occurred: model unavailable", envs[1].Output)
	assert.False(t, st.isLive(identity.SessionKey("ana@example.com")))
}

func TestServiceRunSessionFailure(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failOn = "ensure"
	svc := newTestService(&fakeRuntime{events: answerScript("never")}, st)

	envs := collect(svc, Turn{Email: "ana@example.com", Input: "hi"})
	svc.Sessions().Wait()

	require.Len(t, envs, 1)
	assert.Equal(t, EnvelopeError, envs[0].Type)
}

func TestServiceRunConsumerStopsEarly(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	svc := newTestService(&fakeRuntime{events: answerScript("ok")}, st)

	var got []Envelope
	for env := range svc.Run(context.Background(), Turn{Email: "ana@example.com", Input: "hi"}) {
		got = append(got, env)
		break
	}
	svc.Sessions().Wait()

	require.Len(t, got, 1)
	assert.Equal(t, EnvelopeAgentUpdate, got[0].Type)
	assert.False(t, svc.Sessions().Has("ana@example.com"))
	assert.False(t, st.isLive(identity.SessionKey("ana@example.com")))
}

func TestServiceRunRecoversRuntimePanic(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	svc := newTestService(panicRuntime{}, st)

	envs := collect(svc, Turn{Email: "ana@example.com", Input: "hi"})
	svc.Sessions().Wait()

	require.Len(t, envs, 2)
	assert.Equal(t, EnvelopeAgentUpdate, envs[0].Type)
	assert.Equal(t, EnvelopeError, envs[1].Type)
	assert.Contains(t, envs[1].Output, "agent pipeline panic")
	assert.Contains(t, envs[1].Output, "model adapter exploded")

	assert.False(t, svc.Sessions().Has("ana@example.com"))
	created, deleted := st.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, deleted)
	assert.False(t, st.isLive(identity.SessionKey("ana@example.com")))
}

func TestRunToTerminal(t *testing.T) {
	t.Parallel()

	t.Run("answer", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(&fakeRuntime{events: answerScript("final")}, newFakeStore())
		env := svc.RunToTerminal(context.Background(), Turn{Email: "ana@example.com", Input: "q"})
		svc.Sessions().Wait()
		assert.Equal(t, Envelope{Type: EnvelopeAnswer, Output: "final"}, env)
	})

	t.Run("no terminal event", func(t *testing.T) {
		t.Parallel()
		st := newFakeStore()
		svc := newTestService(&fakeRuntime{events: []RuntimeEvent{{Kind: EventAgentUpdated, AgentName: "A"}}}, st)
		env := svc.RunToTerminal(context.Background(), Turn{Email: "ana@example.com", Input: "q"})
		svc.Sessions().Wait()
		assert.Equal(t, NoResponseEnvelope(), env)
		assert.False(t, st.isLive(identity.SessionKey("ana@example.com")))
	})
}
