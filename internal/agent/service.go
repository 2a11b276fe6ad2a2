package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/medquery/internal/account"
	"github.com/ashureev/medquery/internal/domain"
	"github.com/ashureev/medquery/internal/errtrack"
	"github.com/ashureev/medquery/internal/identity"
	"github.com/ashureev/medquery/internal/metrics"
	"github.com/ashureev/medquery/internal/pending"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Runtime  Runtime
	Sessions *SessionManager
	Users    UserLookup
	// Pending defaults to an in-memory store.
	Pending  pending.Store
	Reporter errtrack.Reporter
	Log      ConversationLogger
	// TurnTimeout bounds a single turn; zero means no limit.
	TurnTimeout time.Duration
	Logger      *slog.Logger
}

// Service runs conversation turns and applies the session lifecycle.
type Service struct {
	runtime     Runtime
	sessions    *SessionManager
	users       UserLookup
	pending     pending.Store
	reporter    errtrack.Reporter
	log         ConversationLogger
	turnTimeout time.Duration
	logger      *slog.Logger
}

// NewService creates a Service from cfg.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		runtime:     cfg.Runtime,
		sessions:    cfg.Sessions,
		users:       cfg.Users,
		pending:     cfg.Pending,
		reporter:    cfg.Reporter,
		log:         cfg.Log,
		turnTimeout: cfg.TurnTimeout,
		logger:      cfg.Logger,
	}
	if s.pending == nil {
		s.pending = pending.NewMemoryStore(0)
	}
	if s.reporter == nil {
		s.reporter = errtrack.Noop{}
	}
	if s.log == nil {
		s.log = noopConversationLogger{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Sessions returns the session manager.
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// Run executes one turn and yields the envelopes to send to the client, the
// last of which is terminal unless the consumer stops early.
//
// After an answer or an error the user's session is cleared. After a
// clarifying question the session is detached but its history is kept, so
// the user's answer continues the same conversation.
func (s *Service) Run(ctx context.Context, turn Turn) iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		email := identity.NormalizeEmail(turn.Email)
		ctx = identity.WithEmail(ctx, email)
		start := time.Now()
		outcome := "none"
		defer func() {
			metrics.RecordTurn(turn.Channel, outcome, turn.DeepSearch, time.Since(start))
		}()

		yielding := false
		emit := func(env Envelope) bool {
			if env.Terminal() {
				outcome = string(env.Type)
			}
			s.logEnvelope(email, turn.Channel, env)
			yielding = true
			ok := yield(env)
			yielding = false
			return ok
		}
		fail := func(err error) {
			s.sessions.Clear(email)
			emit(ErrorEnvelope(err))
		}

		defer func() {
			if r := recover(); r != nil {
				if yielding {
					panic(r)
				}
				err := fmt.Errorf("agent pipeline panic: %v", r)
				s.logger.Error("Agent pipeline panicked", "user_email", email, "panic", r)
				s.reporter.CaptureError(ctx, err, map[string]string{"channel": turn.Channel})
				fail(err)
			}
		}()

		s.logger.Info("Agent turn started",
			"user_email", email,
			"channel", turn.Channel,
			"deep_search", turn.DeepSearch,
			"doctor", turn.Doctor,
			"input_length", len(turn.Input),
		)
		s.log.Log(ConversationLogEvent{
			UserID:     email,
			SessionID:  identity.SessionKey(email),
			Channel:    turn.Channel,
			Direction:  "inbound",
			EventType:  "user_message",
			ContentRaw: turn.Input,
			Meta: map[string]any{
				"deep_search": turn.DeepSearch,
				"doctor":      turn.Doctor,
			},
		})

		user, err := s.users.Lookup(ctx, email)
		if err != nil {
			if !errors.Is(err, account.ErrUserNotFound) {
				s.reporter.CaptureError(ctx, err, map[string]string{"stage": "user_lookup"})
			}
			s.logger.Warn("Agent turn rejected", "user_email", email, "error", err)
			fail(err)
			return
		}

		if question, ok, err := s.pending.Take(ctx, email); err != nil {
			s.logger.Warn("Failed to read pending question", "user_email", email, "error", err)
		} else if ok {
			s.logger.Info("Answer received for pending question", "user_email", email, "question", question)
		}

		sess, err := s.sessions.GetOrCreate(ctx, email)
		if err != nil {
			s.reporter.CaptureError(ctx, err, map[string]string{"stage": "session"})
			fail(err)
			return
		}

		runCtx := ctx
		if s.turnTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, s.turnTimeout)
			defer cancel()
		}

		req := RunRequest{
			UserID:    email,
			SessionID: sess.ID,
			Input:     turn.Input,
			User: domain.UserContext{
				Name:       user.Name,
				Doctor:     turn.Doctor,
				DeepSearch: turn.DeepSearch,
			},
		}

		for ev, err := range s.runtime.Run(runCtx, req) {
			if err != nil {
				s.logger.Error("Agent runtime failed", "user_email", email, "session_id", sess.ID, "error", err)
				if ctx.Err() == nil {
					s.reporter.CaptureError(ctx, err, map[string]string{"stage": "runtime", "channel": turn.Channel})
				}
				fail(err)
				return
			}

			env, ok := Translate(ev)
			if !ok {
				continue
			}

			switch env.Type {
			case EnvelopeToolCall:
				metrics.ToolCalls.WithLabelValues(env.ToolName).Inc()
			case EnvelopeAskUser:
				if err := s.pending.Put(ctx, email, env.Question); err != nil {
					s.logger.Warn("Failed to store pending question", "user_email", email, "error", err)
				}
				s.sessions.Detach(email)
			case EnvelopeAnswer:
				s.sessions.Clear(email)
			}

			if !emit(env) {
				if !env.Terminal() {
					// An abandoned turn must not be resumed by the next query.
					s.logger.Info("Agent turn abandoned by client", "user_email", email, "session_id", sess.ID)
					s.sessions.Clear(email)
				}
				return
			}
			if env.Terminal() {
				return
			}
		}

		s.logger.Warn("Agent turn ended without a terminal event", "user_email", email, "session_id", sess.ID)
		s.sessions.Clear(email)
	}
}

// RunToTerminal runs a turn and returns its terminal envelope, or a
// "No response received" error envelope when the turn produced none.
func (s *Service) RunToTerminal(ctx context.Context, turn Turn) Envelope {
	for env := range s.Run(ctx, turn) {
		if env.Terminal() {
			return env
		}
	}
	return NoResponseEnvelope()
}

func (s *Service) logEnvelope(email, channel string, env Envelope) {
	content := env.Output
	if env.Type == EnvelopeAskUser {
		content = env.Question
	}
	var meta map[string]any
	if env.AgentName != "" {
		meta = map[string]any{"agent_name": env.AgentName}
	}
	if env.ToolName != "" {
		meta = map[string]any{"tool_name": env.ToolName}
	}
	s.log.Log(ConversationLogEvent{
		UserID:     email,
		SessionID:  identity.SessionKey(email),
		Channel:    channel,
		Direction:  "outbound",
		EventType:  string(env.Type),
		ContentRaw: content,
		Meta:       meta,
	})
}
