package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shoplane/livechat/internal/domain"
)

// MessageLog is the append-only store of messages per session with
// read-state tracking. Messages are never physically deleted and never
// reordered; per-session ordering is insertion order.
type MessageLog struct {
	db *DB
}

// NewMessageLog creates a message log using the given database.
func NewMessageLog(db *DB) *MessageLog {
	return &MessageLog{db: db}
}

const messageColumns = `id, session_id, sender_type, sender_id, content,
	message_type, attachments, metadata, is_read, read_at, deleted, created_at`

// AppendParams carries everything needed to record one message.
type AppendParams struct {
	SessionID   int64
	SenderType  domain.SenderType
	SenderID    int64
	Content     string
	MessageType domain.MessageType
	Attachments []domain.Attachment
	Metadata    map[string]string
}

// Append records a message and refreshes the owning session's
// last-activity timestamp in the same transaction.
func (m *MessageLog) Append(p AppendParams) (*domain.Message, error) {
	switch p.SenderType {
	case domain.SenderUser, domain.SenderAgent, domain.SenderSystem:
	default:
		return nil, fmt.Errorf("unknown sender type %q: %w", p.SenderType, domain.ErrInvalid)
	}
	if p.Content == "" && len(p.Attachments) == 0 {
		return nil, fmt.Errorf("message content is required: %w", domain.ErrInvalid)
	}
	if p.MessageType == "" {
		p.MessageType = domain.MessageText
	}

	attachments, err := json.Marshal(p.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encoding attachments: %w", err)
	}
	if p.Attachments == nil {
		attachments = []byte("[]")
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if p.Metadata == nil {
		metadata = []byte("{}")
	}

	tx, err := m.db.sql.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM chat_sessions WHERE id = ?`, p.SessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking session %d: %w", p.SessionID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("session %d: %w", p.SessionID, domain.ErrNotFound)
	}

	ts := now()
	res, err := tx.Exec(
		`INSERT INTO chat_messages (session_id, sender_type, sender_id, content, message_type, attachments, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.SenderType, p.SenderID, p.Content, p.MessageType,
		string(attachments), string(metadata), ts,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.Exec(`UPDATE chat_sessions SET last_active_at = ? WHERE id = ?`, ts, p.SessionID); err != nil {
		return nil, fmt.Errorf("touching session %d: %w", p.SessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}
	return m.Get(id)
}

// Get returns a message by id.
func (m *MessageLog) Get(id int64) (*domain.Message, error) {
	row := m.db.sql.QueryRow(`SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message %d: %w", id, err)
	}
	return msg, nil
}

// Page returns up to limit messages older than beforeID (or the most
// recent limit when beforeID is zero), in chronological order. The cursor
// is the lowest message id the caller has seen, so concurrent inserts
// never shift a window already returned.
func (m *MessageLog) Page(sessionID int64, limit int, beforeID int64) (*domain.MessagePage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = ?`
	args := []any{sessionID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("paging messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first, return chronological
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := &domain.MessagePage{Messages: msgs}
	if err := m.db.sql.QueryRow(
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID,
	).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	if len(msgs) > 0 {
		var older int
		if err := m.db.sql.QueryRow(
			`SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND id < ?`,
			sessionID, msgs[0].ID,
		).Scan(&older); err != nil {
			return nil, fmt.Errorf("checking older messages: %w", err)
		}
		page.HasMore = older > 0
	}
	return page, nil
}

// MarkRead flips a single message to read.
func (m *MessageLog) MarkRead(id int64) (*domain.Message, error) {
	res, err := m.db.sql.Exec(
		`UPDATE chat_messages SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0`,
		now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("marking message %d read: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already read; Get sorts the two out.
		return m.Get(id)
	}
	return m.Get(id)
}

// MarkSessionRead marks all messages from the other party as read in one
// operation. A reader's own messages are never "unread" from their
// perspective, so a user read only touches agent and system messages, and
// vice versa. Returns the number of messages flipped.
func (m *MessageLog) MarkSessionRead(sessionID int64, reader domain.SenderType) (int64, error) {
	cond, err := otherPartyCondition(reader)
	if err != nil {
		return 0, err
	}

	res, err := m.db.sql.Exec(
		`UPDATE chat_messages SET is_read = 1, read_at = ?
		 WHERE session_id = ? AND is_read = 0 AND `+cond,
		now(), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking session %d read: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// UnreadCount returns the number of other-party messages the reader has
// not read in one session.
func (m *MessageLog) UnreadCount(sessionID int64, reader domain.SenderType) (int, error) {
	cond, err := otherPartyCondition(reader)
	if err != nil {
		return 0, err
	}

	var n int
	err = m.db.sql.QueryRow(
		`SELECT COUNT(*) FROM chat_messages
		 WHERE session_id = ? AND is_read = 0 AND `+cond,
		sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// UserUnreadCount aggregates unread agent/system messages across all of a
// user's non-closed sessions. Badge counts.
func (m *MessageLog) UserUnreadCount(userID int64) (int, error) {
	var n int
	err := m.db.sql.QueryRow(
		`SELECT COUNT(*) FROM chat_messages msg
		 JOIN chat_sessions s ON s.id = msg.session_id
		 WHERE s.user_id = ? AND s.status != 'closed'
		   AND msg.is_read = 0 AND msg.sender_type IN ('agent', 'system')`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting user unread: %w", err)
	}
	return n, nil
}

// AgentUnreadCount aggregates unread user messages across an agent's
// active sessions.
func (m *MessageLog) AgentUnreadCount(agentID int64) (int, error) {
	var n int
	err := m.db.sql.QueryRow(
		`SELECT COUNT(*) FROM chat_messages msg
		 JOIN chat_sessions s ON s.id = msg.session_id
		 WHERE s.agent_id = ? AND s.status = 'active'
		   AND msg.is_read = 0 AND msg.sender_type = 'user'`,
		agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting agent unread: %w", err)
	}
	return n, nil
}

// Search performs a substring match over message content with optional
// session, sender and date scoping. Result size is bounded.
func (m *MessageLog) Search(f domain.MessageSearch) ([]domain.Message, error) {
	if f.Keyword == "" {
		return nil, fmt.Errorf("search keyword is required: %w", domain.ErrInvalid)
	}

	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE deleted = 0 AND content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(f.Keyword) + "%"}
	if f.SessionID != 0 {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.SenderType != "" {
		query += ` AND sender_type = ?`
		args = append(args, f.SenderType)
	}
	if !f.After.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.After.UTC().Format(time.DateTime))
	}
	if !f.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.Before.UTC().Format(time.DateTime))
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// SoftDelete blanks a message's content and flags it as deleted. The row
// itself stays so per-session ordering is preserved.
func (m *MessageLog) SoftDelete(id int64) error {
	res, err := m.db.sql.Exec(
		`UPDATE chat_messages SET content = '', attachments = '[]', deleted = 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("deleting message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// otherPartyCondition translates a reader into the SQL filter for messages
// authored by the opposite side.
func otherPartyCondition(reader domain.SenderType) (string, error) {
	switch reader {
	case domain.SenderUser:
		return `sender_type IN ('agent', 'system')`, nil
	case domain.SenderAgent:
		return `sender_type = 'user'`, nil
	default:
		return "", fmt.Errorf("reader must be user or agent, got %q: %w", reader, domain.ErrInvalid)
	}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func scanMessage(s scanner) (*domain.Message, error) {
	var msg domain.Message
	var attachJSON, metaJSON string
	var isRead, deleted int
	var readAt sql.NullString
	var createdAt string

	err := s.Scan(
		&msg.ID, &msg.SessionID, &msg.SenderType, &msg.SenderID, &msg.Content,
		&msg.MessageType, &attachJSON, &metaJSON, &isRead, &readAt, &deleted, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	msg.IsRead = isRead != 0
	msg.Deleted = deleted != 0
	_ = json.Unmarshal([]byte(attachJSON), &msg.Attachments)
	_ = json.Unmarshal([]byte(metaJSON), &msg.Metadata)
	msg.ReadAt = parseNullTime(readAt)
	msg.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	return &msg, nil
}
