package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create agents, sessions and messages",
		SQL: `
			CREATE TABLE agents (
				id                   INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id           INTEGER NOT NULL DEFAULT 0,
				name                 TEXT NOT NULL,
				avatar               TEXT NOT NULL DEFAULT '',
				role                 TEXT NOT NULL DEFAULT 'agent',
				status               TEXT NOT NULL DEFAULT 'offline',
				is_active            INTEGER NOT NULL DEFAULT 1,
				max_concurrent_chats INTEGER NOT NULL DEFAULT 5,
				current_chat_count   INTEGER NOT NULL DEFAULT 0,
				specialty_tags       TEXT NOT NULL DEFAULT '[]',
				manager_id           INTEGER NOT NULL DEFAULT 0,
				online_at            TEXT,
				created_at           TEXT NOT NULL DEFAULT (datetime('now')),

				CHECK (current_chat_count >= 0),
				CHECK (current_chat_count <= max_concurrent_chats)
			);

			CREATE INDEX idx_agents_status ON agents (status, is_active);

			CREATE TABLE chat_sessions (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				session_key    TEXT NOT NULL,
				user_id        INTEGER NOT NULL,
				agent_id       INTEGER NOT NULL DEFAULT 0,
				status         TEXT NOT NULL DEFAULT 'queued',
				channel        TEXT NOT NULL DEFAULT '',
				priority       INTEGER NOT NULL DEFAULT 0,
				metadata       TEXT NOT NULL DEFAULT '{}',
				queued_at      TEXT NOT NULL DEFAULT (datetime('now')),
				assigned_at    TEXT,
				started_at     TEXT,
				closed_at      TEXT,
				close_reason   TEXT NOT NULL DEFAULT '',
				rating         INTEGER NOT NULL DEFAULT 0,
				comment        TEXT NOT NULL DEFAULT '',
				tags           TEXT NOT NULL DEFAULT '[]',
				last_active_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE UNIQUE INDEX idx_sessions_key ON chat_sessions (session_key);
			CREATE INDEX idx_sessions_user ON chat_sessions (user_id, status);
			CREATE INDEX idx_sessions_agent ON chat_sessions (agent_id, status);
			CREATE INDEX idx_sessions_status ON chat_sessions (status, last_active_at);

			CREATE TABLE chat_messages (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id   INTEGER NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
				sender_type  TEXT NOT NULL,
				sender_id    INTEGER NOT NULL DEFAULT 0,
				content      TEXT NOT NULL,
				message_type TEXT NOT NULL DEFAULT 'text',
				attachments  TEXT NOT NULL DEFAULT '[]',
				metadata     TEXT NOT NULL DEFAULT '{}',
				is_read      INTEGER NOT NULL DEFAULT 0,
				read_at      TEXT,
				deleted      INTEGER NOT NULL DEFAULT 0,
				created_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_messages_session ON chat_messages (session_id, id);
			CREATE INDEX idx_messages_unread ON chat_messages (session_id, is_read, sender_type);
		`,
	},
	{
		Version: 2,
		Name:    "create transfer logs",
		SQL: `
			CREATE TABLE transfer_logs (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id    INTEGER NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
				from_agent_id INTEGER NOT NULL,
				to_agent_id   INTEGER NOT NULL,
				reason        TEXT NOT NULL DEFAULT '',
				created_at    TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_transfers_session ON transfer_logs (session_id, id);
		`,
	},
}
