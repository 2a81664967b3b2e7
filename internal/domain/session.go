package domain

import "time"

// SessionStatus is the lifecycle state of a chat session.
// Transitions are queued → active → closed; transfer keeps a session
// active while swapping its agent.
type SessionStatus string

const (
	SessionQueued SessionStatus = "queued"
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// CloseReason records why a session reached its terminal state.
type CloseReason string

const (
	CloseUserLeft    CloseReason = "user_left"
	CloseAgentClosed CloseReason = "agent_closed"
	CloseTimeout     CloseReason = "timeout"
	CloseResolved    CloseReason = "resolved"
	CloseTransferred CloseReason = "transferred"
)

// Session is one support conversation between a user and (eventually) an agent.
type Session struct {
	ID          int64             `json:"id"`
	SessionKey  string            `json:"sessionKey"`
	UserID      int64             `json:"userId"`
	AgentID     int64             `json:"agentId,omitempty"` // zero until assigned
	Status      SessionStatus     `json:"status"`
	Channel     string            `json:"channel,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	QueuedAt    time.Time         `json:"queuedAt"`
	AssignedAt  *time.Time        `json:"assignedAt,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	ClosedAt    *time.Time        `json:"closedAt,omitempty"`
	CloseReason CloseReason       `json:"closeReason,omitempty"`
	Rating      int               `json:"rating,omitempty"` // 1..5, zero if unrated
	Comment     string            `json:"comment,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	LastActive  time.Time         `json:"lastActive"`
}

// TransferLog is one audit-trail entry written per transfer.
type TransferLog struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"sessionId"`
	FromAgentID int64     `json:"fromAgentId"`
	ToAgentID   int64     `json:"toAgentId"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SessionFilter narrows List queries.
type SessionFilter struct {
	UserID  int64
	AgentID int64
	Status  SessionStatus
	Limit   int
	Offset  int
}

// Statistics is an aggregate projection over a time window.
type Statistics struct {
	Total           int     `json:"total"`
	Queued          int     `json:"queued"`
	Active          int     `json:"active"`
	Closed          int     `json:"closed"`
	AvgDurationSecs float64 `json:"avgDurationSecs"`
	AvgRating       float64 `json:"avgRating"`
}
