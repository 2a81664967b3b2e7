package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shoplane/livechat/internal/domain"
	"github.com/shoplane/livechat/internal/logging"
)

// SessionStore owns the chat-session lifecycle. Every state transition goes
// through exactly one method here, and each transition is guarded by a
// conditional update so concurrent callers cannot both move the same
// session. Created sessions start queued; assignment moves them to active
// exactly once; close is terminal and idempotent.
type SessionStore struct {
	db     *DB
	agents *AgentRegistry
	log    *logging.Logger
}

// NewSessionStore creates a session store using the given database and
// agent registry.
func NewSessionStore(db *DB, agents *AgentRegistry, log *logging.Logger) *SessionStore {
	return &SessionStore{db: db, agents: agents, log: log.Sub("sessions")}
}

const sessionColumns = `id, session_key, user_id, agent_id, status, channel,
	priority, metadata, queued_at, assigned_at, started_at, closed_at,
	close_reason, rating, comment, tags, last_active_at`

// Create opens a new session for a user. Sessions always start queued;
// finding an agent is a separate step so that "no agent available" is a
// normal outcome, not a failure.
func (s *SessionStore) Create(userID int64, channel string, priority int, metadata map[string]string) (*domain.Session, error) {
	if userID == 0 {
		return nil, fmt.Errorf("userId is required: %w", domain.ErrInvalid)
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding session metadata: %w", err)
	}
	if metadata == nil {
		meta = []byte("{}")
	}

	ts := now()
	res, err := s.db.sql.Exec(
		`INSERT INTO chat_sessions (session_key, user_id, status, channel, priority, metadata, queued_at, last_active_at)
		 VALUES (?, ?, 'queued', ?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, channel, priority, string(meta), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading session id: %w", err)
	}

	s.log.Info().Int64("session", id).Int64("user", userID).Str("channel", channel).Msg("session queued")
	return s.Get(id)
}

// Get returns a session by id.
func (s *SessionStore) Get(id int64) (*domain.Session, error) {
	row := s.db.sql.QueryRow(`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %d: %w", id, err)
	}
	return sess, nil
}

// GetByKey returns a session by its shareable opaque key.
func (s *SessionStore) GetByKey(key string) (*domain.Session, error) {
	row := s.db.sql.QueryRow(`SELECT `+sessionColumns+` FROM chat_sessions WHERE session_key = ?`, key)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session key %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session by key: %w", err)
	}
	return sess, nil
}

// Assign moves a queued session to active with the given agent. The agent
// capacity charge and the session transition commit or roll back together:
// a session-state guard failure never leaves the agent holding capacity it
// will never release. Returns ErrCannotProceed when the session is not
// queued or the agent cannot accept another chat.
func (s *SessionStore) Assign(sessionID, agentID int64) (*domain.Session, error) {
	tx, err := s.db.sql.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin assign: %w", err)
	}
	defer tx.Rollback()

	if err := agentExists(tx, agentID); err != nil {
		return nil, err
	}
	if err := incrementLoad(tx, agentID); err != nil {
		return nil, err
	}

	ts := now()
	res, err := tx.Exec(
		`UPDATE chat_sessions
		 SET status = 'active', agent_id = ?, assigned_at = ?, started_at = ?, last_active_at = ?
		 WHERE id = ? AND status = 'queued'`,
		agentID, ts, ts, ts, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("assigning session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Rollback undoes the capacity charge; distinguish missing from
		// already-active/closed for the caller.
		var status string
		err := tx.QueryRow(`SELECT status FROM chat_sessions WHERE id = ?`, sessionID).Scan(&status)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("checking session %d: %w", sessionID, err)
		}
		return nil, fmt.Errorf("session %d is %s, not queued: %w", sessionID, status, domain.ErrCannotProceed)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit assign: %w", err)
	}

	s.log.Info().Int64("session", sessionID).Int64("agent", agentID).Msg("session assigned")
	return s.Get(sessionID)
}

// AutoAssign picks an eligible agent and assigns the session to it. When no
// agent is available the session simply stays queued and the returned
// session reflects that; queueing is an expected outcome. A lost race for
// an agent's last slot retries with the next candidate.
func (s *SessionStore) AutoAssign(sessionID int64, specialtyTag string) (*domain.Session, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.SessionQueued {
		return nil, fmt.Errorf("session %d is %s, not queued: %w", sessionID, sess.Status, domain.ErrCannotProceed)
	}

	for attempt := 0; attempt < 3; attempt++ {
		agent, err := s.agents.SelectAgent(specialtyTag)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			break
		}

		assigned, err := s.Assign(sessionID, agent.ID)
		if errors.Is(err, domain.ErrCannotProceed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return assigned, nil
	}

	// Re-read rather than returning the pre-loop snapshot: a concurrent
	// caller may have assigned the session while we were losing retries,
	// and reporting it as still queued would mislead the caller.
	return s.Get(sessionID)
}

// Transfer atomically reassigns an active session from one agent to
// another. Capacity moves as a unit: the new agent's charge, the old
// agent's release, the session flip and the audit row commit together, so
// the system-wide load sum is conserved.
func (s *SessionStore) Transfer(sessionID, fromAgentID, toAgentID int64, reason string) (*domain.Session, error) {
	if fromAgentID == toAgentID {
		return nil, fmt.Errorf("transfer to the same agent: %w", domain.ErrInvalid)
	}

	tx, err := s.db.sql.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	if err := agentExists(tx, toAgentID); err != nil {
		return nil, err
	}
	if err := incrementLoad(tx, toAgentID); err != nil {
		return nil, err
	}

	res, err := tx.Exec(
		`UPDATE chat_sessions
		 SET agent_id = ?, last_active_at = ?
		 WHERE id = ? AND status = 'active' AND agent_id = ?`,
		toAgentID, now(), sessionID, fromAgentID,
	)
	if err != nil {
		return nil, fmt.Errorf("transferring session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRow(`SELECT status FROM chat_sessions WHERE id = ?`, sessionID).Scan(&status)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("checking session %d: %w", sessionID, err)
		}
		return nil, fmt.Errorf("session %d not active with agent %d: %w", sessionID, fromAgentID, domain.ErrCannotProceed)
	}

	if err := decrementLoad(tx, fromAgentID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`INSERT INTO transfer_logs (session_id, from_agent_id, to_agent_id, reason) VALUES (?, ?, ?, ?)`,
		sessionID, fromAgentID, toAgentID, reason,
	); err != nil {
		return nil, fmt.Errorf("writing transfer log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transfer: %w", err)
	}

	s.log.Info().
		Int64("session", sessionID).
		Int64("from", fromAgentID).
		Int64("to", toAgentID).
		Str("reason", reason).
		Msg("session transferred")
	return s.Get(sessionID)
}

// Close terminates a session from any non-closed state and releases the
// assigned agent's capacity. Idempotent: closing an already-closed session
// returns the existing record without touching agent load, so outside
// retries are always safe.
func (s *SessionStore) Close(sessionID int64, reason domain.CloseReason) (*domain.Session, error) {
	switch reason {
	case domain.CloseUserLeft, domain.CloseAgentClosed, domain.CloseTimeout,
		domain.CloseResolved, domain.CloseTransferred:
	default:
		return nil, fmt.Errorf("unknown close reason %q: %w", reason, domain.ErrInvalid)
	}

	tx, err := s.db.sql.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin close: %w", err)
	}
	defer tx.Rollback()

	var status string
	var agentID int64
	err = tx.QueryRow(`SELECT status, agent_id FROM chat_sessions WHERE id = ?`, sessionID).Scan(&status, &agentID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checking session %d: %w", sessionID, err)
	}

	if status == string(domain.SessionClosed) {
		// Release the transaction before reloading; with a single pooled
		// connection the reload would otherwise wait on the connection this
		// transaction still holds.
		tx.Rollback()
		return s.Get(sessionID)
	}

	if _, err := tx.Exec(
		`UPDATE chat_sessions
		 SET status = 'closed', closed_at = ?, close_reason = ?
		 WHERE id = ? AND status != 'closed'`,
		now(), reason, sessionID,
	); err != nil {
		return nil, fmt.Errorf("closing session %d: %w", sessionID, err)
	}

	if agentID != 0 {
		if err := decrementLoad(tx, agentID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit close: %w", err)
	}

	s.log.Info().Int64("session", sessionID).Str("reason", string(reason)).Msg("session closed")
	return s.Get(sessionID)
}

// Rate records post-chat feedback. Rating before explicit close is allowed;
// some client flows rate on the closing screen. Rating must be within 1..5.
func (s *SessionStore) Rate(sessionID int64, rating int, comment string, tags []string) (*domain.Session, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating %d out of range 1..5: %w", rating, domain.ErrInvalid)
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	if tags == nil {
		tagsJSON = []byte("[]")
	}

	res, err := s.db.sql.Exec(
		`UPDATE chat_sessions SET rating = ?, comment = ?, tags = ? WHERE id = ?`,
		rating, comment, string(tagsJSON), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("rating session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	return s.Get(sessionID)
}

// Touch refreshes a session's last-activity timestamp. The reaper treats
// sessions untouched past the idle threshold as abandoned.
func (s *SessionStore) Touch(sessionID int64) error {
	_, err := s.db.sql.Exec(`UPDATE chat_sessions SET last_active_at = ? WHERE id = ?`, now(), sessionID)
	if err != nil {
		return fmt.Errorf("touching session %d: %w", sessionID, err)
	}
	return nil
}

// List returns sessions matching the filter, newest first.
func (s *SessionStore) List(f domain.SessionFilter) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE 1=1`
	var args []any
	if f.UserID != 0 {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.AgentID != 0 {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY id DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ActiveByAgent returns the active sessions currently held by an agent.
func (s *SessionStore) ActiveByAgent(agentID int64) ([]domain.Session, error) {
	return s.List(domain.SessionFilter{AgentID: agentID, Status: domain.SessionActive, Limit: 200})
}

// ActiveByUser returns the non-closed sessions belonging to a user.
func (s *SessionStore) ActiveByUser(userID int64) ([]domain.Session, error) {
	rows, err := s.db.sql.Query(
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE user_id = ? AND status != 'closed' ORDER BY id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing user sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// QueueLength returns the number of sessions waiting for an agent.
func (s *SessionStore) QueueLength() (int, error) {
	var n int
	err := s.db.sql.QueryRow(`SELECT COUNT(*) FROM chat_sessions WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

// NextQueued returns waiting sessions in service order: higher priority
// first, then longest queued. Used to drain the queue when capacity frees
// up.
func (s *SessionStore) NextQueued(limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.sql.Query(
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE status = 'queued'
		 ORDER BY priority DESC, queued_at ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing queued sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// IdleSince returns ids of queued or active sessions whose last activity is
// older than the cutoff. Consumed by the timeout reaper.
func (s *SessionStore) IdleSince(cutoff time.Time) ([]int64, error) {
	rows, err := s.db.sql.Query(
		`SELECT id FROM chat_sessions
		 WHERE status IN ('queued', 'active') AND last_active_at < ?`,
		cutoff.UTC().Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("finding idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning idle session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Transfers returns the audit trail for a session, oldest first.
func (s *SessionStore) Transfers(sessionID int64) ([]domain.TransferLog, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, session_id, from_agent_id, to_agent_id, reason, created_at
		 FROM transfer_logs WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var logs []domain.TransferLog
	for rows.Next() {
		var tl domain.TransferLog
		var createdAt string
		if err := rows.Scan(&tl.ID, &tl.SessionID, &tl.FromAgentID, &tl.ToAgentID, &tl.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning transfer log: %w", err)
		}
		tl.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		logs = append(logs, tl)
	}
	return logs, rows.Err()
}

// Stats aggregates session counts, average duration and average rating for
// sessions queued within the window. Pure projection, no side effects.
func (s *SessionStore) Stats(since, until time.Time) (domain.Statistics, error) {
	var st domain.Statistics
	err := s.db.sql.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(status = 'queued'), 0),
		        COALESCE(SUM(status = 'active'), 0),
		        COALESCE(SUM(status = 'closed'), 0),
		        COALESCE(AVG(CASE WHEN closed_at IS NOT NULL AND started_at IS NOT NULL
		          THEN (julianday(closed_at) - julianday(started_at)) * 86400 END), 0),
		        COALESCE(AVG(CASE WHEN rating > 0 THEN rating END), 0)
		 FROM chat_sessions
		 WHERE queued_at >= ? AND queued_at < ?`,
		since.UTC().Format(time.DateTime), until.UTC().Format(time.DateTime),
	).Scan(&st.Total, &st.Queued, &st.Active, &st.Closed, &st.AvgDurationSecs, &st.AvgRating)
	if err != nil {
		return st, fmt.Errorf("aggregating statistics: %w", err)
	}
	return st, nil
}

// agentExists verifies an agent row exists inside the current transaction,
// so callers can distinguish missing agents from full ones.
func agentExists(tx *sql.Tx, id int64) error {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM agents WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("checking agent %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanSession(s scanner) (*domain.Session, error) {
	var sess domain.Session
	var metaJSON, tagsJSON string
	var queuedAt, lastActive string
	var assignedAt, startedAt, closedAt sql.NullString

	err := s.Scan(
		&sess.ID, &sess.SessionKey, &sess.UserID, &sess.AgentID, &sess.Status,
		&sess.Channel, &sess.Priority, &metaJSON, &queuedAt, &assignedAt,
		&startedAt, &closedAt, &sess.CloseReason, &sess.Rating, &sess.Comment,
		&tagsJSON, &lastActive,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(metaJSON), &sess.Metadata)
	_ = json.Unmarshal([]byte(tagsJSON), &sess.Tags)
	sess.QueuedAt, _ = time.Parse(time.DateTime, queuedAt)
	sess.LastActive, _ = time.Parse(time.DateTime, lastActive)
	sess.AssignedAt = parseNullTime(assignedAt)
	sess.StartedAt = parseNullTime(startedAt)
	sess.ClosedAt = parseNullTime(closedAt)
	return &sess, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.DateTime, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
