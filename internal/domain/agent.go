package domain

import "time"

// AgentStatus is an agent's availability for new assignments.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentRole distinguishes managers from regular agents.
type AgentRole string

const (
	RoleManager AgentRole = "manager"
	RoleAgent   AgentRole = "agent"
)

// Agent is one human support worker.
type Agent struct {
	ID                 int64       `json:"id"`
	AccountID          int64       `json:"accountId"`
	Name               string      `json:"name"`
	Avatar             string      `json:"avatar,omitempty"`
	Role               AgentRole   `json:"role"`
	Status             AgentStatus `json:"status"`
	IsActive           bool        `json:"isActive"`
	MaxConcurrentChats int         `json:"maxConcurrentChats"`
	CurrentChatCount   int         `json:"currentChatCount"`
	SpecialtyTags      []string    `json:"specialtyTags,omitempty"`
	ManagerID          int64       `json:"managerId,omitempty"`
	OnlineAt           time.Time   `json:"onlineAt,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// CanAccept reports whether the agent is eligible for a new assignment.
// The store re-checks this condition atomically when charging capacity;
// this method is only a cheap pre-filter.
func (a Agent) CanAccept() bool {
	return a.IsActive && a.Status == AgentOnline && a.CurrentChatCount < a.MaxConcurrentChats
}

// HasSpecialty reports whether the agent carries the given routing tag.
func (a Agent) HasSpecialty(tag string) bool {
	for _, t := range a.SpecialtyTags {
		if t == tag {
			return true
		}
	}
	return false
}
