package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shoplane/livechat/internal/domain"
)

// AgentRegistry tracks agent availability, capacity and specialty routing.
// Capacity accounting is pushed down to conditional SQL updates so that
// concurrent assignment attempts can never over-book an agent.
type AgentRegistry struct {
	db *DB
}

// NewAgentRegistry creates an agent registry using the given database.
func NewAgentRegistry(db *DB) *AgentRegistry {
	return &AgentRegistry{db: db}
}

const agentColumns = `id, account_id, name, avatar, role, status, is_active,
	max_concurrent_chats, current_chat_count, specialty_tags, manager_id,
	online_at, created_at`

// Create inserts a new agent. Zero MaxConcurrentChats is rejected since it
// would make the agent permanently unassignable.
func (r *AgentRegistry) Create(a domain.Agent) (*domain.Agent, error) {
	if a.Name == "" {
		return nil, fmt.Errorf("agent name is required: %w", domain.ErrInvalid)
	}
	if a.MaxConcurrentChats <= 0 {
		return nil, fmt.Errorf("maxConcurrentChats must be positive: %w", domain.ErrInvalid)
	}
	if a.Role == "" {
		a.Role = domain.RoleAgent
	}
	if a.Status == "" {
		a.Status = domain.AgentOffline
	}

	tags, err := json.Marshal(a.SpecialtyTags)
	if err != nil {
		return nil, fmt.Errorf("encoding specialty tags: %w", err)
	}

	res, err := r.db.sql.Exec(
		`INSERT INTO agents (account_id, name, avatar, role, status, is_active,
		   max_concurrent_chats, specialty_tags, manager_id)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		a.AccountID, a.Name, a.Avatar, a.Role, a.Status,
		a.MaxConcurrentChats, string(tags), a.ManagerID,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting agent: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading agent id: %w", err)
	}
	return r.Get(id)
}

// Get returns an agent by id.
func (r *AgentRegistry) Get(id int64) (*domain.Agent, error) {
	row := r.db.sql.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %d: %w", id, err)
	}
	return a, nil
}

// List returns all agents, active first, newest last.
func (r *AgentRegistry) List() ([]domain.Agent, error) {
	rows, err := r.db.sql.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY is_active DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// SetStatus sets an agent's availability. Going offline stops new
// assignment only; in-flight sessions are untouched.
func (r *AgentRegistry) SetStatus(id int64, status domain.AgentStatus) error {
	switch status {
	case domain.AgentOnline, domain.AgentBusy, domain.AgentOffline:
	default:
		return fmt.Errorf("unknown agent status %q: %w", status, domain.ErrInvalid)
	}

	var res sql.Result
	var err error
	if status == domain.AgentOnline {
		// online_at feeds the freshest-agent tie break in SelectAgent
		res, err = r.db.sql.Exec(
			`UPDATE agents SET status = ?, online_at = ? WHERE id = ?`,
			status, now(), id,
		)
	} else {
		res, err = r.db.sql.Exec(`UPDATE agents SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SetActive soft-enables or soft-disables an agent. Agents are never hard
// deleted while sessions reference them.
func (r *AgentRegistry) SetActive(id int64, active bool) error {
	res, err := r.db.sql.Exec(`UPDATE agents SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("updating agent active flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CanAcceptNewChat reports whether an agent is currently eligible for a new
// assignment. Advisory only: the authoritative check is the conditional
// update inside IncrementLoad.
func (r *AgentRegistry) CanAcceptNewChat(id int64) (bool, error) {
	a, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return a.CanAccept(), nil
}

// SelectAgent returns the eligible agent with the lowest load, ties broken
// by most recently online so idle load spreads across the team. The
// optional specialtyTag restricts candidates to agents carrying that tag.
// Returns nil when no eligible agent exists; the caller leaves the session
// queued.
func (r *AgentRegistry) SelectAgent(specialtyTag string) (*domain.Agent, error) {
	rows, err := r.db.sql.Query(
		`SELECT ` + agentColumns + `
		 FROM agents
		 WHERE is_active = 1 AND status = 'online'
		   AND current_chat_count < max_concurrent_chats
		 ORDER BY current_chat_count ASC, online_at DESC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting agent: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if specialtyTag != "" && !a.HasSpecialty(specialtyTag) {
			continue
		}
		return a, nil
	}
	return nil, rows.Err()
}

// IncrementLoad charges one session of capacity to an agent. The eligibility
// check and the increment are a single conditional update, so two callers
// racing for an agent's last open slot cannot both succeed. Returns
// ErrCannotProceed when the agent is full, offline or disabled.
func (r *AgentRegistry) IncrementLoad(id int64) error {
	return incrementLoad(r.db.sql, id)
}

// DecrementLoad releases one session of capacity. Floors at zero so a
// double release can never drive the counter negative.
func (r *AgentRegistry) DecrementLoad(id int64) error {
	return decrementLoad(r.db.sql, id)
}

// ReconcileLoads recomputes every agent's chat counter from the count of
// active sessions actually assigned to it. Corrective measure for counters
// drifting after a crash mid-transfer; returns the number of agents whose
// counter changed.
func (r *AgentRegistry) ReconcileLoads() (int64, error) {
	res, err := r.db.sql.Exec(
		`UPDATE agents SET current_chat_count = (
		   SELECT COUNT(*) FROM chat_sessions
		   WHERE chat_sessions.agent_id = agents.id AND chat_sessions.status = 'active'
		 )
		 WHERE current_chat_count != (
		   SELECT COUNT(*) FROM chat_sessions
		   WHERE chat_sessions.agent_id = agents.id AND chat_sessions.status = 'active'
		 )`,
	)
	if err != nil {
		return 0, fmt.Errorf("reconciling agent loads: %w", err)
	}
	return res.RowsAffected()
}

// execer lets the load helpers run inside or outside a transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func incrementLoad(e execer, id int64) error {
	res, err := e.Exec(
		`UPDATE agents
		 SET current_chat_count = current_chat_count + 1
		 WHERE id = ? AND is_active = 1 AND status = 'online'
		   AND current_chat_count < max_concurrent_chats`,
		id,
	)
	if err != nil {
		return fmt.Errorf("charging agent %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %d cannot accept a new chat: %w", id, domain.ErrCannotProceed)
	}
	return nil
}

func decrementLoad(e execer, id int64) error {
	_, err := e.Exec(
		`UPDATE agents
		 SET current_chat_count = MAX(current_chat_count - 1, 0)
		 WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("releasing agent %d: %w", id, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*domain.Agent, error) {
	var a domain.Agent
	var isActive int
	var tagsJSON string
	var onlineAt sql.NullString
	var createdAt string

	err := s.Scan(
		&a.ID, &a.AccountID, &a.Name, &a.Avatar, &a.Role, &a.Status, &isActive,
		&a.MaxConcurrentChats, &a.CurrentChatCount, &tagsJSON, &a.ManagerID,
		&onlineAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.IsActive = isActive != 0
	_ = json.Unmarshal([]byte(tagsJSON), &a.SpecialtyTags)
	if onlineAt.Valid {
		a.OnlineAt, _ = time.Parse(time.DateTime, onlineAt.String)
	}
	a.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	return &a, nil
}

func now() string {
	return time.Now().UTC().Format(time.DateTime)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
