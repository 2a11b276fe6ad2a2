package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"google.golang.org/adk/session"

	"github.com/ashureev/medquery/internal/shared"
)

// tempStatePrefix marks state keys that live only for one invocation.
const tempStatePrefix = "temp:"

// SessionService implements the agent runtime's session.Service on SQLite.
// Partial (streaming) events are never stored.
type SessionService struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type sessionRow struct {
	AppName   string `db:"app_name"`
	UserID    string `db:"user_id"`
	ID        string `db:"id"`
	StateJSON string `db:"state_json"`
	UpdatedAt int64  `db:"updated_at"`
}

type eventRow struct {
	Payload string `db:"payload"`
}

// NewSessionService opens (or creates) the session database at dbPath.
func NewSessionService(dbPath string, logger *slog.Logger) (*SessionService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SessionService{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}
	return s, nil
}

func (s *SessionService) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		app_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		state_json TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (app_name, user_id, id)
	);

	CREATE TABLE IF NOT EXISTS session_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		app_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		author TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_session
		ON session_events(app_name, user_id, session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SessionService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SessionService) Close() error {
	return s.db.Close()
}

// Create creates a new session. An empty SessionID is replaced by a UUID.
func (s *SessionService) Create(ctx context.Context, req *session.CreateRequest) (*session.CreateResponse, error) {
	if req == nil || req.AppName == "" || req.UserID == "" {
		return nil, fmt.Errorf("create session: app_name and user_id are required")
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	state := make(map[string]any, len(req.State))
	for k, v := range req.State {
		if !strings.HasPrefix(k, tempStatePrefix) {
			state[k] = v
		}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}

	now := time.Now()
	err = shared.WithRetry(ctx, shared.DefaultRetryPolicy, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (app_name, user_id, id, state_json, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			req.AppName, req.UserID, id, string(stateJSON), now.UnixNano(),
		)
		return err
	})
	if shared.IsSQLiteUniqueError(err) {
		return nil, fmt.Errorf("create session %s: %w", id, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &session.CreateResponse{
		Session: &sqliteSession{
			appName:   req.AppName,
			userID:    req.UserID,
			id:        id,
			state:     state,
			updatedAt: now,
		},
	}, nil
}

// Get loads a session with its stored events.
func (s *SessionService) Get(ctx context.Context, req *session.GetRequest) (*session.GetResponse, error) {
	if req == nil || req.AppName == "" || req.UserID == "" || req.SessionID == "" {
		return nil, fmt.Errorf("get session: app_name, user_id and session_id are required")
	}

	sess, err := s.loadSession(ctx, req.AppName, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	query := `SELECT payload FROM session_events
		WHERE app_name = ? AND user_id = ? AND session_id = ?`
	args := []any{req.AppName, req.UserID, req.SessionID}
	if !req.After.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, req.After.UnixNano())
	}
	query += ` ORDER BY seq`

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select session events: %w", err)
	}
	if req.NumRecentEvents > 0 && len(rows) > req.NumRecentEvents {
		rows = rows[len(rows)-req.NumRecentEvents:]
	}

	sess.events = make([]*session.Event, 0, len(rows))
	for _, row := range rows {
		var ev session.Event
		if err := json.Unmarshal([]byte(row.Payload), &ev); err != nil {
			s.logger.Warn("Skipping undecodable session event", "session_id", req.SessionID, "error", err)
			continue
		}
		sess.events = append(sess.events, &ev)
	}

	return &session.GetResponse{Session: sess}, nil
}

// List returns the sessions of an app, optionally filtered by user, without events.
func (s *SessionService) List(ctx context.Context, req *session.ListRequest) (*session.ListResponse, error) {
	if req == nil || req.AppName == "" {
		return nil, fmt.Errorf("list sessions: app_name is required")
	}

	query := `SELECT app_name, user_id, id, state_json, updated_at FROM sessions WHERE app_name = ?`
	args := []any{req.AppName}
	if req.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, req.UserID)
	}
	query += ` ORDER BY updated_at DESC`

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return &session.ListResponse{Sessions: sessions}, nil
}

// Delete removes a session and its events. Deleting an unknown session is not an error.
func (s *SessionService) Delete(ctx context.Context, req *session.DeleteRequest) error {
	if req == nil || req.AppName == "" || req.UserID == "" || req.SessionID == "" {
		return fmt.Errorf("delete session: app_name, user_id and session_id are required")
	}

	return shared.WithRetry(ctx, shared.DefaultRetryPolicy, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM session_events
			WHERE app_name = ? AND user_id = ? AND session_id = ?`,
			req.AppName, req.UserID, req.SessionID); err != nil {
			return fmt.Errorf("delete session events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions
			WHERE app_name = ? AND user_id = ? AND id = ?`,
			req.AppName, req.UserID, req.SessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return tx.Commit()
	})
}

// AppendEvent stores a complete event, applies its state delta and appends
// it to the in-flight session so later model calls see it.
func (s *SessionService) AppendEvent(ctx context.Context, sess session.Session, event *session.Event) error {
	if sess == nil || event == nil {
		return fmt.Errorf("append event: session and event are required")
	}
	if event.LLMResponse.Partial {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	delta := persistentDelta(event.Actions.StateDelta)

	err = shared.WithRetry(ctx, shared.DefaultRetryPolicy, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_events (app_name, user_id, session_id, event_id, author, created_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.AppName(), sess.UserID(), sess.ID(), event.ID, event.Author,
			event.Timestamp.UnixNano(), string(payload),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if err := mergeState(ctx, tx, sess, delta, event.Timestamp); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if local, ok := sess.(*sqliteSession); ok {
		local.append(event)
	}
	return nil
}

func mergeState(ctx context.Context, tx *sqlx.Tx, sess session.Session, delta map[string]any, at time.Time) error {
	var stateJSON string
	err := tx.GetContext(ctx, &stateJSON, `SELECT state_json FROM sessions
		WHERE app_name = ? AND user_id = ? AND id = ?`,
		sess.AppName(), sess.UserID(), sess.ID())
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("append event to %s: %w", sess.ID(), ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}

	if len(delta) > 0 {
		state := map[string]any{}
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return fmt.Errorf("decode session state: %w", err)
		}
		maps.Copy(state, delta)
		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode session state: %w", err)
		}
		stateJSON = string(encoded)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state_json = ?, updated_at = ?
		WHERE app_name = ? AND user_id = ? AND id = ?`,
		stateJSON, at.UnixNano(), sess.AppName(), sess.UserID(), sess.ID()); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *SessionService) loadSession(ctx context.Context, appName, userID, id string) (*sqliteSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT app_name, user_id, id, state_json, updated_at
		FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`, appName, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toSession()
}

func (r sessionRow) toSession() (*sqliteSession, error) {
	state := map[string]any{}
	if r.StateJSON != "" {
		if err := json.Unmarshal([]byte(r.StateJSON), &state); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
	}
	return &sqliteSession{
		appName:   r.AppName,
		userID:    r.UserID,
		id:        r.ID,
		state:     state,
		updatedAt: time.Unix(0, r.UpdatedAt),
	}, nil
}

func persistentDelta(delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return nil
	}
	out := make(map[string]any, len(delta))
	for k, v := range delta {
		if !strings.HasPrefix(k, tempStatePrefix) {
			out[k] = v
		}
	}
	return out
}

// sqliteSession is the session.Session handed to the runtime.
type sqliteSession struct {
	mu        sync.RWMutex
	appName   string
	userID    string
	id        string
	state     map[string]any
	events    []*session.Event
	updatedAt time.Time
}

func (s *sqliteSession) ID() string      { return s.id }
func (s *sqliteSession) AppName() string { return s.appName }
func (s *sqliteSession) UserID() string  { return s.userID }

func (s *sqliteSession) State() session.State { return &sqliteState{sess: s} }

func (s *sqliteSession) Events() session.Events {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sqliteEvents(append([]*session.Event(nil), s.events...))
}

func (s *sqliteSession) LastUpdateTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *sqliteSession) append(event *session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	maps.Copy(s.state, event.Actions.StateDelta)
	s.updatedAt = event.Timestamp
}

type sqliteState struct {
	sess *sqliteSession
}

func (st *sqliteState) Get(key string) (any, error) {
	st.sess.mu.RLock()
	defer st.sess.mu.RUnlock()
	if v, ok := st.sess.state[key]; ok {
		return v, nil
	}
	return nil, session.ErrStateKeyNotExist
}

func (st *sqliteState) Set(key string, value any) error {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	st.sess.state[key] = value
	return nil
}

func (st *sqliteState) All() iter.Seq2[string, any] {
	st.sess.mu.RLock()
	snapshot := maps.Clone(st.sess.state)
	st.sess.mu.RUnlock()
	return func(yield func(string, any) bool) {
		for k, v := range snapshot {
			if !yield(k, v) {
				return
			}
		}
	}
}

type sqliteEvents []*session.Event

func (e sqliteEvents) All() iter.Seq[*session.Event] {
	return func(yield func(*session.Event) bool) {
		for _, ev := range e {
			if !yield(ev) {
				return
			}
		}
	}
}

func (e sqliteEvents) Len() int { return len(e) }

func (e sqliteEvents) At(i int) *session.Event {
	if i < 0 || i >= len(e) {
		return nil
	}
	return e[i]
}

var _ session.Service = (*SessionService)(nil)
